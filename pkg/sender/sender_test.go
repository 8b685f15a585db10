package sender

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhpke/aes67node/pkg/aes67"
)

type fakeSource struct {
	mu     sync.Mutex
	chunk  []byte
	reads  int
	failAt int
}

func (s *fakeSource) ReadFrames(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.failAt > 0 && s.reads >= s.failAt {
		return 0, io.ErrClosedPipe
	}
	n := copy(buf, s.chunk)
	for i := len(s.chunk); i < n; i++ {
		buf[i] = 0
	}
	return n, nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func testFormat() aes67.AudioFormat {
	return aes67.AudioFormat{SampleRate: 48000, Channels: 2, BitDepth: 24}
}

func testConfig() Config {
	format := testFormat()
	return Config{
		ID:             "tx-1",
		Label:          "test sender",
		SessionName:    "test session",
		Format:         format,
		PacketTime:     aes67.PacketTime(1000),
		PayloadType:    97,
		MulticastGroup: "239.20.20.20",
		Port:           56500,
		TTL:            16,
		PtpDomain:      0,
	}
}

func newFakeSourceFor(cfg Config) *fakeSource {
	samples := 48
	frameBytes := samples * cfg.Format.BytesPerFrame()
	return &fakeSource{chunk: make([]byte, frameBytes)}
}

func TestSenderStartsInStoppedState(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)
	assert.Equal(t, Stopped, s.State())
	assert.False(t, s.IsRunning())
}

func TestSenderStateStringCoversAllStates(t *testing.T) {
	assert.Equal(t, "Stopped", Stopped.String())
	assert.Equal(t, "Initializing", Initializing.String())
	assert.Equal(t, "Running", Running.String())
	assert.Equal(t, "Error", Error.String())
}

func TestNewRejectsInvalidFormat(t *testing.T) {
	cfg := testConfig()
	cfg.Format.SampleRate = 12345
	_, err := New(cfg)
	require.Error(t, err)
}

func TestNewRejectsInvalidPacketTime(t *testing.T) {
	cfg := testConfig()
	cfg.PacketTime = aes67.PacketTime(123)
	_, err := New(cfg)
	require.Error(t, err)
}

func TestSenderStartRequiresAudioSource(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Initialize())

	err = s.Start()
	require.Error(t, err)
	var coreErr *aes67.Error
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, aes67.ConfigInvalid, coreErr.Kind)
}

func TestSenderStartStopLifecycle(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Initialize())

	source := newFakeSourceFor(cfg)
	s.SetAudioSource(source)

	require.NoError(t, s.Start())
	assert.Equal(t, Running, s.State())
	assert.True(t, s.IsRunning())

	require.Eventually(t, func() bool {
		return source.readCount() > 0
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.Equal(t, Stopped, s.State())
	assert.False(t, s.IsRunning())
}

func TestSenderStateCallbackFires(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []State
	s.OnStateChange(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	})

	require.NoError(t, s.Initialize())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, Initializing, seen[0])
}

func TestSenderCaptureFailureTransitionsToError(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Initialize())

	source := newFakeSourceFor(cfg)
	source.failAt = 1
	s.SetAudioSource(source)

	require.NoError(t, s.Start())

	require.Eventually(t, func() bool {
		return s.State() == Error
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Recover())
	assert.Equal(t, Stopped, s.State())
}

func TestSenderIsHealthyRequiresRecentPacket(t *testing.T) {
	cfg := testConfig()
	s, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Initialize())

	source := newFakeSourceFor(cfg)
	s.SetAudioSource(source)
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.True(t, s.IsHealthy())

	s.mu.Lock()
	s.lastPacketTime = time.Now().Add(-10 * time.Second)
	s.mu.Unlock()
	assert.False(t, s.IsHealthy())
}

func TestSenderGenerateSDP(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	raw, err := s.GenerateSDP("192.168.1.50", "00-1D-C1-FF-FE-00-12-34")
	require.NoError(t, err)
	assert.Contains(t, raw, "v=0")
	assert.Contains(t, raw, "239.20.20.20")
}

func TestSenderStatisticsZeroBeforeInitialize(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)
	stats := s.Statistics()
	assert.Zero(t, stats.PacketsSent)
}

func TestSenderRecoverFromError(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Initialize())

	s.mu.Lock()
	mErr := s.machine.Event(context.Background(), "fail")
	s.mu.Unlock()
	require.NoError(t, mErr)
	assert.Equal(t, Error, s.State())

	require.NoError(t, s.Recover())
	assert.Equal(t, Stopped, s.State())
}
