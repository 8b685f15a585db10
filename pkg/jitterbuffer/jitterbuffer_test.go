package jitterbuffer

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rtpPacket(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           1,
		},
		Payload: []byte{0xAA},
	}
}

func pushOK(t *testing.T, jb *JitterBuffer, pkt *rtp.Packet, arrival time.Time) PushResult {
	t.Helper()
	result, err := jb.Push(pkt, arrival)
	require.NoError(t, err)
	return result
}

func TestJitterBufferDrainsAfterTargetDelay(t *testing.T) {
	jb := New(Config{TargetDelayMs: 10, MinDelayMs: 5, MaxDelayMs: 50, MaxPackets: 100, SampleRate: 48000})

	base := time.Unix(0, 0)
	assert.Equal(t, Accepted, pushOK(t, jb, rtpPacket(1, 0), base))

	_, ok := jb.Pop(base.Add(5 * time.Millisecond))
	assert.False(t, ok, "should not drain before target delay")

	pkt, ok := jb.Pop(base.Add(11 * time.Millisecond))
	require.True(t, ok)
	assert.Equal(t, uint16(1), pkt.SequenceNumber)
}

func TestJitterBufferOrdersByTimestamp(t *testing.T) {
	jb := New(Config{TargetDelayMs: 10, MinDelayMs: 5, MaxDelayMs: 50, MaxPackets: 100, SampleRate: 48000})

	base := time.Unix(0, 0)
	pushOK(t, jb, rtpPacket(2, 480), base)
	pushOK(t, jb, rtpPacket(1, 0), base)
	pushOK(t, jb, rtpPacket(3, 960), base)

	later := base.Add(20 * time.Millisecond)
	var order []uint16
	for {
		pkt, ok := jb.Pop(later)
		if !ok {
			break
		}
		order = append(order, pkt.SequenceNumber)
	}
	assert.Equal(t, []uint16{1, 2, 3}, order)
}

func TestJitterBufferTooOldDrainsImmediately(t *testing.T) {
	jb := New(Config{TargetDelayMs: 1000, MinDelayMs: 5, MaxDelayMs: 50, MaxPackets: 100, SampleRate: 48000})

	base := time.Unix(0, 0)
	pushOK(t, jb, rtpPacket(1, 0), base)

	_, ok := jb.Pop(base.Add(60 * time.Millisecond))
	assert.True(t, ok, "packets past MaxDelayMs must drain even if under TargetDelayMs")
}

func TestJitterBufferBurstPressureDrainsAheadOfTarget(t *testing.T) {
	jb := New(Config{TargetDelayMs: 1000, MinDelayMs: 5, MaxDelayMs: 2000, MaxPackets: 100, SampleRate: 48000})

	base := time.Unix(0, 0)
	pushOK(t, jb, rtpPacket(1, 0), base)
	pushOK(t, jb, rtpPacket(2, 480), base)
	pushOK(t, jb, rtpPacket(3, 960), base)

	// None of these three has aged past TargetDelayMs or MaxDelayMs yet,
	// but a queue depth of 3 must still release the head immediately.
	pkt, ok := jb.Pop(base.Add(time.Millisecond))
	require.True(t, ok, "queue depth at burstReleaseDepth must drain regardless of age")
	assert.Equal(t, uint16(1), pkt.SequenceNumber)
}

func TestJitterBufferDuplicateTimestampRejected(t *testing.T) {
	jb := New(Config{TargetDelayMs: 1000, MinDelayMs: 5, MaxDelayMs: 2000, MaxPackets: 100, SampleRate: 48000})

	base := time.Unix(0, 0)
	assert.Equal(t, Accepted, pushOK(t, jb, rtpPacket(1, 0), base))
	assert.Equal(t, Duplicate, pushOK(t, jb, rtpPacket(1, 0), base.Add(time.Millisecond)))
	assert.Equal(t, 0.01, jb.Level(), "duplicate must not be queued a second time")
}

func TestJitterBufferLateArrivalAfterReleaseDropped(t *testing.T) {
	jb := New(Config{TargetDelayMs: 5, MinDelayMs: 5, MaxDelayMs: 10, MaxPackets: 100, SampleRate: 48000})

	base := time.Unix(0, 0)
	pushOK(t, jb, rtpPacket(1, 480), base)
	_, ok := jb.Pop(base.Add(6 * time.Millisecond))
	require.True(t, ok)

	result := pushOK(t, jb, rtpPacket(2, 0), base.Add(7*time.Millisecond))
	assert.Equal(t, Dropped, result, "a timestamp preceding what was already released arrives too late to play")
}

func TestJitterBufferOverflowEvictsOldest(t *testing.T) {
	jb := New(Config{TargetDelayMs: 1000, MinDelayMs: 5, MaxDelayMs: 2000, MaxPackets: 2, SampleRate: 48000})

	base := time.Unix(0, 0)
	pushOK(t, jb, rtpPacket(1, 0), base)
	pushOK(t, jb, rtpPacket(2, 480), base)
	pushOK(t, jb, rtpPacket(3, 960), base)

	assert.Equal(t, uint64(1), jb.Overruns())

	later := base.Add(2 * time.Second)
	var seqs []uint16
	for {
		pkt, ok := jb.Pop(later)
		if !ok {
			break
		}
		seqs = append(seqs, pkt.SequenceNumber)
	}
	assert.Equal(t, []uint16{2, 3}, seqs)
}

func TestJitterBufferLevel(t *testing.T) {
	jb := New(Config{TargetDelayMs: 1000, MinDelayMs: 5, MaxDelayMs: 2000, MaxPackets: 4, SampleRate: 48000})
	base := time.Unix(0, 0)
	pushOK(t, jb, rtpPacket(1, 0), base)
	pushOK(t, jb, rtpPacket(2, 480), base)
	assert.Equal(t, 0.5, jb.Level())
}

func TestJitterBufferEstimateIsZeroForConstantSpacing(t *testing.T) {
	jb := New(Config{TargetDelayMs: 1000, MinDelayMs: 5, MaxDelayMs: 2000, MaxPackets: 100, SampleRate: 48000})

	base := time.Unix(100, 0)
	for i := 0; i < 20; i++ {
		arrival := base.Add(time.Duration(i) * 10 * time.Millisecond)
		pushOK(t, jb, rtpPacket(uint16(i), uint32(i)*480), arrival)
	}
	assert.InDelta(t, 0, jb.JitterMs(), 0.01)
}

func TestJitterBufferLatencyMsReportsHeadOfQueueAge(t *testing.T) {
	jb := New(Config{TargetDelayMs: 1000, MinDelayMs: 5, MaxDelayMs: 2000, MaxPackets: 100, SampleRate: 48000})
	base := time.Unix(0, 0)
	pushOK(t, jb, rtpPacket(1, 0), base)
	assert.InDelta(t, 25.0, jb.LatencyMs(base.Add(25*time.Millisecond)), 0.01)
}

func TestJitterBufferReset(t *testing.T) {
	jb := New(Config{TargetDelayMs: 10, MinDelayMs: 5, MaxDelayMs: 50, MaxPackets: 100, SampleRate: 48000})
	base := time.Unix(0, 0)
	pushOK(t, jb, rtpPacket(1, 0), base)
	jb.Reset()
	assert.Equal(t, 0.0, jb.Level())
	assert.Equal(t, uint64(0), jb.Overruns())
}
