package ptpclock

import (
	"sync/atomic"
	"time"
)

// LocalClock is a monotonic shadow of a Clock: it calibrates once against a
// live Clock's current offset, then free-runs from the monotonic Go clock
// without re-reading the Source on every call. This matches
// original_source's LocalClock: a cheap per-packet timestamp source for
// code paths (e.g. a Packetizer mid-burst) that can't afford a Source round
// trip on every frame.
type LocalClock struct {
	calibrated      atomic.Bool
	offsetNs        atomic.Int64
	calibrationTime time.Time
}

// NewLocalClock returns an uncalibrated LocalClock. Now returns the plain
// monotonic time until Calibrate is called.
func NewLocalClock() *LocalClock {
	return &LocalClock{}
}

// Calibrate captures the offset between c's current PTP time estimate and
// the local monotonic clock. Subsequent Now calls apply that fixed offset
// to the monotonic clock rather than re-querying c.
func (l *LocalClock) Calibrate(c *Clock) {
	ptpNow := c.CurrentTime()
	localNow := time.Now()
	l.offsetNs.Store(ptpNow.Sub(localNow).Nanoseconds())
	l.calibrationTime = localNow
	l.calibrated.Store(true)
}

// IsCalibrated reports whether Calibrate has run at least once.
func (l *LocalClock) IsCalibrated() bool {
	return l.calibrated.Load()
}

// Now returns the calibrated PTP time estimate, or the raw monotonic clock
// if never calibrated.
func (l *LocalClock) Now() time.Time {
	now := time.Now()
	if !l.calibrated.Load() {
		return now
	}
	return now.Add(time.Duration(l.offsetNs.Load()))
}

// ToRTPTimestamp converts the calibrated current time to an RTP timestamp
// at sampleRate.
func (l *LocalClock) ToRTPTimestamp(sampleRate uint32) uint32 {
	return ToRTPTimestamp(l.Now(), sampleRate)
}
