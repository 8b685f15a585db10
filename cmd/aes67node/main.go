// Command aes67node runs a configured set of AES67 sender and receiver
// streams against a shared PTP clock, exporting their statistics over
// Prometheus. Construction order (config -> PTP -> streams -> metrics)
// and the signal-driven health-check loop follow original_source's
// main.cpp; NMOS registration is out of scope (spec.md Non-goals) so
// streams are wired directly instead of discovered through a registry.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dhpke/aes67node/pkg/aes67"
	"github.com/dhpke/aes67node/pkg/metrics"
	"github.com/dhpke/aes67node/pkg/nodeconfig"
	"github.com/dhpke/aes67node/pkg/ptpclock"
	"github.com/dhpke/aes67node/pkg/receiver"
	"github.com/dhpke/aes67node/pkg/sender"
)

func main() {
	configPath := "/etc/aes67node/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := nodeconfig.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("loading configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// system clock source as a placeholder PTP feed: a real deployment
	// wires a ptp4l shared-memory or management-socket reader here.
	clock := ptpclock.New(systemClockSource{}, time.Duration(cfg.PTP.PollIntervalMs)*time.Millisecond)
	clock.Start()
	defer clock.Stop()

	collector := metrics.NewCollector()

	// Streams are initialized but not started here: Start requires a
	// concrete AudioSource/AudioSink, and the audio device backend is
	// explicitly out of this node's scope (capture/playback wiring
	// belongs to whatever embeds this binary). A real deployment calls
	// SetAudioSource/SetAudioSink and Start after this loop.
	senders := make([]*sender.Sender, 0, len(cfg.Senders))
	for _, sc := range cfg.Senders {
		s, err := buildSender(sc)
		if err != nil {
			log.Error().Err(err).Str("id", sc.ID).Msg("constructing sender")
			continue
		}
		s.SetPTPSync(clock)
		if err := s.Initialize(); err != nil {
			log.Error().Err(err).Str("id", sc.ID).Msg("initializing sender")
			continue
		}
		senders = append(senders, s)
		collector.AddSender(sc.ID, s)
		log.Info().Str("id", sc.ID).Str("label", sc.Label).Msg("sender initialized")
	}

	receivers := make([]*receiver.Receiver, 0, len(cfg.Receivers))
	for _, rc := range cfg.Receivers {
		r, err := buildReceiver(rc)
		if err != nil {
			log.Error().Err(err).Str("id", rc.ID).Msg("constructing receiver")
			continue
		}
		r.SetPTPSync(clock)
		if err := r.Initialize(); err != nil {
			log.Error().Err(err).Str("id", rc.ID).Msg("initializing receiver")
			continue
		}
		if rc.SourceIP != "" {
			if err := r.ConnectParams(rc.SourceIP, uint16(rc.Port), rc.Format.ToAudioFormat()); err != nil {
				log.Error().Err(err).Str("id", rc.ID).Msg("connecting receiver")
				continue
			}
		}
		receivers = append(receivers, r)
		collector.AddReceiver(rc.ID, r)
		log.Info().Str("id", rc.ID).Str("label", rc.Label).Msg("receiver initialized")
	}

	if cfg.Metrics.Enabled {
		collector.Start(time.Duration(cfg.Metrics.IntervalMs) * time.Millisecond)
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.ListenAddr, nil); err != nil {
				log.Error().Err(err).Msg("metrics HTTP server stopped")
			}
		}()
		log.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("metrics server listening")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Msg("node running")
	healthTicker := time.NewTicker(time.Second)
	defer healthTicker.Stop()

runLoop:
	for {
		select {
		case <-ctx.Done():
			break runLoop
		case <-healthTicker.C:
			for _, s := range senders {
				if s.IsRunning() && !s.IsHealthy() {
					log.Warn().Msg("sender unhealthy, recovering")
					recoverSender(s)
				}
			}
			for _, r := range receivers {
				if r.IsRunning() && !r.IsHealthy() {
					log.Warn().Msg("receiver unhealthy, recovering")
					recoverReceiver(r)
				}
			}
		}
	}

	log.Info().Msg("shutting down")
	for _, s := range senders {
		s.Stop()
	}
	for _, r := range receivers {
		r.Stop()
	}
	log.Info().Msg("shutdown complete")
}

func buildSender(sc nodeconfig.SenderConfig) (*sender.Sender, error) {
	return sender.New(sender.Config{
		ID:             sc.ID,
		Label:          sc.Label,
		SessionName:    sc.SessionName,
		Format:         sc.Format.ToAudioFormat(),
		PacketTime:     aes67.PacketTime(sc.PacketTimeUs),
		PayloadType:    uint8(sc.PayloadType),
		MulticastGroup: sc.MulticastGroup,
		Port:           sc.Port,
		TTL:            sc.TTL,
		Iface:          sc.Iface,
	})
}

func buildReceiver(rc nodeconfig.ReceiverConfig) (*receiver.Receiver, error) {
	return receiver.New(receiver.Config{
		ID:                  rc.ID,
		Label:               rc.Label,
		Iface:               rc.Iface,
		JitterTargetDelayMs: rc.JitterTargetDelayMs,
		JitterMinDelayMs:    rc.JitterMinDelayMs,
		JitterMaxDelayMs:    rc.JitterMaxDelayMs,
		JitterMaxPackets:    rc.JitterMaxPackets,
	})
}

// recoverSender mirrors spec.md §7's supervisor-level recovery:
// stop(); sleep(100ms); start(). Stop leaves the Sender in Stopped, so it
// is re-initialized before Start.
func recoverSender(s *sender.Sender) {
	s.Stop()
	time.Sleep(100 * time.Millisecond)
	if err := s.Initialize(); err != nil {
		log.Error().Err(err).Msg("sender re-initialize")
		return
	}
	if err := s.Start(); err != nil {
		log.Error().Err(err).Msg("sender restart")
	}
}

// recoverReceiver applies the same stop/sleep/start recovery, disconnecting,
// re-initializing and reconnecting to the same source before Start.
func recoverReceiver(r *receiver.Receiver) {
	r.Stop()
	time.Sleep(100 * time.Millisecond)
	info := r.SdpInfo()
	r.Disconnect()
	if err := r.Initialize(); err != nil {
		log.Error().Err(err).Msg("receiver re-initialize")
		return
	}
	if err := r.ConnectParams(info.SourceIP, info.Port, info.Format); err != nil {
		log.Error().Err(err).Msg("receiver reconnect")
		return
	}
	if err := r.Start(); err != nil {
		log.Error().Err(err).Msg("receiver restart")
	}
}

// systemClockSource is a free-running placeholder ptpclock.Source: it reports
// Uncalibrated with zero offset, matching ptpclock.Clock's documented
// behavior when no real PTP daemon feed is wired in. A production
// deployment replaces this with a reader of ptp4l's shared-memory
// segment or management socket.
type systemClockSource struct{}

func (systemClockSource) CurrentClockInfo() ptpclock.ClockInfo {
	return ptpclock.ClockInfo{State: ptpclock.Uncalibrated}
}

func (systemClockSource) Now() time.Time {
	return time.Now()
}
