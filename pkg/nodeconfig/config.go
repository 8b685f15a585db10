// Package nodeconfig loads an AES67 node's YAML configuration: the PTP
// interface to monitor and the set of sender/receiver streams to run.
// spec.md's Non-goals explicitly exclude configuration file parsing as a
// subject of engineering interest, but a runnable node still needs one;
// this follows the viper idiom the pack's config-owning repo uses.
package nodeconfig

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/dhpke/aes67node/pkg/aes67"
)

// AudioFormatConfig is the YAML shape of an aes67.AudioFormat.
type AudioFormatConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	Channels   int `mapstructure:"channels"`
	BitDepth   int `mapstructure:"bit_depth"`
}

// ToAudioFormat converts the YAML shape to its runtime equivalent.
func (c AudioFormatConfig) ToAudioFormat() aes67.AudioFormat {
	return aes67.AudioFormat{
		SampleRate: c.SampleRate,
		Channels:   c.Channels,
		BitDepth:   c.BitDepth,
	}
}

// SenderConfig is one [[senders]] entry.
type SenderConfig struct {
	ID             string            `mapstructure:"id"`
	Label          string            `mapstructure:"label"`
	SessionName    string            `mapstructure:"session_name"`
	Format         AudioFormatConfig `mapstructure:"format"`
	PacketTimeUs   int               `mapstructure:"packet_time_us"`
	PayloadType    int               `mapstructure:"payload_type"`
	MulticastGroup string            `mapstructure:"multicast_group"`
	Port           int               `mapstructure:"port"`
	TTL            int               `mapstructure:"ttl"`
	Iface          string            `mapstructure:"interface"`
}

// ReceiverConfig is one [[receivers]] entry.
type ReceiverConfig struct {
	ID                  string `mapstructure:"id"`
	Label               string `mapstructure:"label"`
	Iface               string `mapstructure:"interface"`
	JitterTargetDelayMs int    `mapstructure:"jitter_target_delay_ms"`
	JitterMinDelayMs    int    `mapstructure:"jitter_min_delay_ms"`
	JitterMaxDelayMs    int    `mapstructure:"jitter_max_delay_ms"`
	JitterMaxPackets    int    `mapstructure:"jitter_max_packets"`

	// A receiver is either statically configured (SourceIP/Port/Format)
	// or discovers its source via SDP at runtime; both are optional here
	// and validated by whatever calls ConnectParams/ConnectSDP.
	SourceIP string            `mapstructure:"source_ip"`
	Port     int               `mapstructure:"port"`
	Format   AudioFormatConfig `mapstructure:"format"`
}

// PTPConfig names the interface the node's PTP daemon (ptp4l or
// equivalent) is expected to be synchronizing, and how often to poll it.
type PTPConfig struct {
	Iface         string `mapstructure:"interface"`
	Domain        int    `mapstructure:"domain"`
	PollIntervalMs int   `mapstructure:"poll_interval_ms"`
}

// MetricsConfig controls the Prometheus HTTP exporter.
type MetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ListenAddr   string `mapstructure:"listen_addr"`
	IntervalMs   int    `mapstructure:"interval_ms"`
}

// NodeConfig is the full shape of an AES67 node's YAML configuration
// file.
type NodeConfig struct {
	LogLevel  string           `mapstructure:"log_level"`
	PTP       PTPConfig        `mapstructure:"ptp"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Senders   []SenderConfig   `mapstructure:"senders"`
	Receivers []ReceiverConfig `mapstructure:"receivers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("ptp.domain", 0)
	v.SetDefault("ptp.poll_interval_ms", 1000)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9100")
	v.SetDefault("metrics.interval_ms", 1000)
}

// Load reads and validates a node configuration file at path. Unset
// optional fields take the defaults set by setDefaults.
func Load(path string) (*NodeConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, aes67.Wrap(aes67.ConfigInvalid, "Load", "reading config file "+path, err)
	}

	var cfg NodeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, aes67.Wrap(aes67.ConfigInvalid, "Load", "unmarshaling config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural invariants Load can't catch via
// mapstructure alone: every stream needs a non-empty ID, and IDs must be
// unique within their kind.
func (c *NodeConfig) Validate() error {
	seen := make(map[string]bool)
	for _, s := range c.Senders {
		if s.ID == "" {
			return aes67.New(aes67.ConfigInvalid, "Validate", "sender missing id")
		}
		if seen[s.ID] {
			return aes67.New(aes67.ConfigInvalid, "Validate", fmt.Sprintf("duplicate sender id %q", s.ID))
		}
		seen[s.ID] = true
	}

	seen = make(map[string]bool)
	for _, r := range c.Receivers {
		if r.ID == "" {
			return aes67.New(aes67.ConfigInvalid, "Validate", "receiver missing id")
		}
		if seen[r.ID] {
			return aes67.New(aes67.ConfigInvalid, "Validate", fmt.Sprintf("duplicate receiver id %q", r.ID))
		}
		seen[r.ID] = true
	}
	return nil
}
