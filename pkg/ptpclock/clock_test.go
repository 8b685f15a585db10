package ptpclock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu   sync.Mutex
	info ClockInfo
	now  time.Time
}

func (f *fakeSource) CurrentClockInfo() ClockInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *fakeSource) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeSource) set(info ClockInfo, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = info
	f.now = now
}

type recordingListener struct {
	mu      sync.Mutex
	states  []State
	offsets []time.Duration
}

func (r *recordingListener) OnStateChanged(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recordingListener) OnOffsetUpdate(offset, pathDelay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offsets = append(r.offsets, offset)
}

func (r *recordingListener) snapshot() ([]State, []time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...), append([]time.Duration(nil), r.offsets...)
}

func TestToRTPTimestamp(t *testing.T) {
	t.Run("one second at 48kHz advances by the sample rate", func(t *testing.T) {
		base := time.Unix(1000, 0)
		t0 := ToRTPTimestamp(base, 48000)
		t1 := ToRTPTimestamp(base.Add(time.Second), 48000)
		assert.Equal(t, uint32(48000), t1-t0)
	})

	t.Run("wraps modulo 2^32", func(t *testing.T) {
		// 89478.485333334s at 48kHz is floor(4294967296.000032) = 2^32 samples.
		ts := ToRTPTimestamp(time.Unix(89478, 485333334), 48000)
		assert.Equal(t, uint32(0), ts)
	})
}

func TestClockPollNotifiesOnChange(t *testing.T) {
	src := &fakeSource{info: ClockInfo{State: Initializing}, now: time.Unix(100, 0)}
	c := New(src, 10*time.Millisecond)
	l := &recordingListener{}
	c.AddListener(l)

	c.Start()
	defer c.Stop()

	src.set(ClockInfo{State: Slave, Synchronized: true, OffsetFromMaster: 5 * time.Microsecond}, time.Unix(101, 0))

	require.Eventually(t, func() bool {
		states, _ := l.snapshot()
		return len(states) > 0
	}, time.Second, 5*time.Millisecond)

	states, offsets := l.snapshot()
	assert.Contains(t, states, Slave)
	assert.Contains(t, offsets, 5*time.Microsecond)
	assert.True(t, c.IsSynchronized())
	assert.Equal(t, Slave, c.State())
}

func TestClockStartStopIdempotent(t *testing.T) {
	src := &fakeSource{info: ClockInfo{State: Listening}, now: time.Now()}
	c := New(src, time.Hour)
	c.Start()
	c.Start()
	assert.True(t, c.IsRunning())
	c.Stop()
	c.Stop()
	assert.False(t, c.IsRunning())
}

func TestLocalClockCalibration(t *testing.T) {
	src := &fakeSource{info: ClockInfo{State: Slave}, now: time.Unix(5000, 0)}
	c := New(src, time.Hour)

	lc := NewLocalClock()
	assert.False(t, lc.IsCalibrated())

	lc.Calibrate(c)
	assert.True(t, lc.IsCalibrated())

	got := lc.Now()
	assert.WithinDuration(t, time.Unix(5000, 0), got, 50*time.Millisecond)
}
