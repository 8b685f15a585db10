package nodeconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhpke/aes67node/pkg/aes67"
)

const sampleYAML = `
log_level: debug
ptp:
  interface: eth0
  domain: 0
senders:
  - id: tx-main
    label: Main
    session_name: Main Program
    format:
      sample_rate: 48000
      channels: 2
      bit_depth: 24
    packet_time_us: 1000
    payload_type: 97
    multicast_group: 239.69.1.1
    port: 5004
    ttl: 32
receivers:
  - id: rx-main
    label: Main
    source_ip: 239.69.1.1
    port: 5004
    format:
      sample_rate: 48000
      channels: 2
      bit_depth: 24
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Senders, 1)
	assert.Equal(t, "tx-main", cfg.Senders[0].ID)
	assert.Equal(t, 48000, cfg.Senders[0].Format.SampleRate)
	assert.Equal(t, "239.69.1.1", cfg.Senders[0].MulticastGroup)

	require.Len(t, cfg.Receivers, 1)
	assert.Equal(t, "rx-main", cfg.Receivers[0].ID)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "senders: []\nreceivers: []\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":9100", cfg.Metrics.ListenAddr)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 1000, cfg.PTP.PollIntervalMs)
}

func TestLoadRejectsDuplicateSenderIDs(t *testing.T) {
	path := writeConfig(t, `
senders:
  - id: tx-1
    format: {sample_rate: 48000, channels: 2, bit_depth: 24}
  - id: tx-1
    format: {sample_rate: 48000, channels: 2, bit_depth: 24}
`)
	_, err := Load(path)
	require.Error(t, err)
	var coreErr *aes67.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, aes67.ConfigInvalid, coreErr.Kind)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsSenderMissingID(t *testing.T) {
	path := writeConfig(t, `
senders:
  - label: no-id
    format: {sample_rate: 48000, channels: 2, bit_depth: 24}
`)
	_, err := Load(path)
	require.Error(t, err)
}
