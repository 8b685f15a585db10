// Package ptpclock provides the PTP-calibrated time source shared by the
// sender and receiver pipelines: clock state tracking, offset/path-delay
// bookkeeping, and the PTP-to-RTP timestamp conversion spec.md §5 and §6
// require of every packetizer.
package ptpclock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State mirrors the IEEE-1588 port states relevant to a follower-only
// implementation (spec.md §5).
type State int

const (
	Initializing State = iota
	Listening
	Uncalibrated
	Slave
	Passive
	Faulty
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Listening:
		return "Listening"
	case Uncalibrated:
		return "Uncalibrated"
	case Slave:
		return "Slave"
	case Passive:
		return "Passive"
	case Faulty:
		return "Faulty"
	default:
		return "Unknown"
	}
}

// ClockInfo is a snapshot of the follower's view of the grandmaster and its
// own synchronization quality.
type ClockInfo struct {
	ClockID          uint64
	Priority1        uint8
	Priority2        uint8
	ClockClass       uint8
	ClockAccuracy    uint8
	OffsetFromMaster time.Duration
	PathDelay        time.Duration
	State            State
	Synchronized     bool
}

// Source is the seam a real PTP follower (ptp4l/linuxptp over a management
// socket, or a hardware-timestamping NIC driver) attaches through. Clock
// itself never speaks the PTP wire protocol — spec.md §6 treats PTP
// synchronization as provided by the platform, not reimplemented here.
type Source interface {
	// CurrentClockInfo returns the source's latest view of the grandmaster.
	CurrentClockInfo() ClockInfo
	// Now returns the source's current estimate of PTP (TAI) time.
	Now() time.Time
}

// Listener receives Clock state and offset notifications, mirroring
// original_source's PTPListener callback interface.
type Listener interface {
	OnStateChanged(state State)
	OnOffsetUpdate(offset, pathDelay time.Duration)
}

// Clock wraps a Source, fans state/offset changes out to registered
// Listeners, and exposes the RTP-timestamp conversion every Packetizer
// needs.
type Clock struct {
	mu        sync.RWMutex
	source    Source
	listeners []Listener
	info      ClockInfo
	running   atomic.Bool
	stopCh    chan struct{}
	pollEvery time.Duration
	logger    zerolog.Logger
}

// New constructs a Clock over source. pollEvery controls how often Start's
// background loop re-reads the source and fans out changes; zero selects a
// 1s default, matching a PTP sync_interval in the hundreds-of-ms range being
// plenty frequent for offset reporting purposes.
func New(source Source, pollEvery time.Duration) *Clock {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &Clock{
		source:    source,
		pollEvery: pollEvery,
		info:      ClockInfo{State: Initializing},
		logger:    log.With().Str("component", "ptpclock").Logger(),
	}
}

// AddListener registers l to receive future state/offset notifications.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// RemoveListener deregisters l.
func (c *Clock) RemoveListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.listeners {
		if existing == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// Start begins polling the Source in a background goroutine until Stop is
// called. Calling Start twice is a no-op.
func (c *Clock) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.stopCh = make(chan struct{})
	go c.run()
}

// Stop halts the background poll loop. Safe to call if not running.
func (c *Clock) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopCh)
}

// IsRunning reports whether the background poll loop is active.
func (c *Clock) IsRunning() bool {
	return c.running.Load()
}

func (c *Clock) run() {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.poll()
		}
	}
}

func (c *Clock) poll() {
	next := c.source.CurrentClockInfo()

	c.mu.Lock()
	prev := c.info
	c.info = next
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	if next.State != prev.State {
		c.logger.Info().Stringer("from", prev.State).Stringer("to", next.State).Msg("ptp state changed")
		for _, l := range listeners {
			l.OnStateChanged(next.State)
		}
	}
	if next.OffsetFromMaster != prev.OffsetFromMaster || next.PathDelay != prev.PathDelay {
		for _, l := range listeners {
			l.OnOffsetUpdate(next.OffsetFromMaster, next.PathDelay)
		}
	}
}

// CurrentTime returns the Source's current PTP time estimate.
func (c *Clock) CurrentTime() time.Time {
	return c.source.Now()
}

// ClockInfo returns the most recently polled snapshot.
func (c *Clock) ClockInfo() ClockInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// State returns the most recently polled follower state.
func (c *Clock) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.State
}

// IsSynchronized reports whether the follower currently considers itself
// locked to the grandmaster. This is never synthesized from State alone —
// a real Source must report it, per the REDESIGN direction against
// fabricating a Slave transition from absence of evidence.
func (c *Clock) IsSynchronized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info.Synchronized
}

// RTPTimestamp converts the clock's current time to an RTP timestamp at
// sampleRate using ToRTPTimestamp.
func (c *Clock) RTPTimestamp(sampleRate uint32) uint32 {
	return ToRTPTimestamp(c.CurrentTime(), sampleRate)
}

// ToRTPTimestamp converts a PTP time instant to a 32-bit wrapping RTP
// timestamp: floor(ptp_ns * sample_rate / 1e9) mod 2^32. This mirrors
// original_source's PTPSync::ptp_to_rtp_timestamp exactly, including using
// an arbitrary (non-zero) wall-clock epoch as the timestamp origin — AES67
// receivers only ever compare timestamp deltas, never absolute values.
func ToRTPTimestamp(t time.Time, sampleRate uint32) uint32 {
	// Split into whole seconds and the remainder so the product stays
	// within int64 for present-day wall-clock times.
	ns := t.UnixNano()
	sec, rem := ns/1_000_000_000, ns%1_000_000_000
	scaled := sec*int64(sampleRate) + (rem*int64(sampleRate))/1_000_000_000
	return uint32(scaled)
}
