// Package jitterbuffer turns a stream of received RTP packets into an
// ordered, timestamp-paced PCM stream: RTP unmarshal and loss/reorder
// accounting (Depacketizer), and a heap-ordered playout queue with a
// target/min/max delay drain policy and an RFC-3550 jitter estimate
// (JitterBuffer), per spec.md §4.4 and original_source's receiver.h
// JitterBuffer::Config.
package jitterbuffer

import (
	"sync"

	"github.com/pion/rtp"

	"github.com/dhpke/aes67node/pkg/aes67"
)

// Depacketizer unmarshals raw UDP datagrams into *rtp.Packet and tracks
// the sequence/loss/reorder counters a Receiver surfaces as statistics.
// It holds no playout-timing state — that's JitterBuffer's job.
type Depacketizer struct {
	format aes67.AudioFormat

	mu               sync.Mutex
	haveFirst        bool
	highestSeq       uint16
	missing          map[uint16]struct{}
	packetsReceived  uint64
	packetsLost      uint64
	packetsOutOfSync uint64
	bytesReceived    uint64
	malformed        uint64
}

// NewDepacketizer returns an empty Depacketizer. format sizes the
// frame-alignment check Unmarshal applies to each payload.
func NewDepacketizer(format aes67.AudioFormat) *Depacketizer {
	return &Depacketizer{format: format, missing: make(map[uint16]struct{})}
}

// Unmarshal parses raw RTP bytes, updates loss/reorder counters, and
// returns the parsed packet. A parse failure or a payload whose length
// isn't a multiple of the configured frame size increments the malformed
// counter and returns a *aes67.Error{ParseFailed}; neither case is ever
// counted as a loss, since no usable sequence number was read.
func (d *Depacketizer) Unmarshal(raw []byte) (*rtp.Packet, error) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		d.mu.Lock()
		d.malformed++
		d.mu.Unlock()
		return nil, aes67.Wrap(aes67.ParseFailed, "Unmarshal", "malformed RTP packet", err)
	}

	if frame := d.format.BytesPerFrame(); frame > 0 && len(pkt.Payload)%frame != 0 {
		d.mu.Lock()
		d.malformed++
		d.mu.Unlock()
		return nil, aes67.New(aes67.ParseFailed, "Unmarshal", "payload is not frame-aligned")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.packetsReceived++
	d.bytesReceived += uint64(len(raw))

	if !d.haveFirst {
		d.haveFirst = true
		d.highestSeq = pkt.SequenceNumber
		return pkt, nil
	}

	delta := aes67.SeqDelta(pkt.SequenceNumber, d.highestSeq)
	switch {
	case delta > 0:
		// Ahead of everything seen so far: the delta-1 sequence numbers
		// between highestSeq and this one are provisionally missing. If
		// one later arrives late, packetsLost is corrected back down and
		// the arrival counted as out-of-order instead (see delta<=0 case).
		for i := int32(1); i < int32(delta); i++ {
			gap := d.highestSeq + uint16(i)
			d.missing[gap] = struct{}{}
			d.packetsLost++
		}
		d.highestSeq = pkt.SequenceNumber
	default:
		if _, ok := d.missing[pkt.SequenceNumber]; ok {
			delete(d.missing, pkt.SequenceNumber)
			d.packetsLost--
			d.packetsOutOfSync++
		} else {
			d.packetsOutOfSync++
		}
	}

	return pkt, nil
}

// Statistics returns a point-in-time snapshot of reception counters. The
// JitterMs/BufferLevel/LatencyMs fields are left zero; JitterBuffer fills
// those in.
func (d *Depacketizer) Statistics() aes67.ReceiverStatistics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return aes67.ReceiverStatistics{
		PacketsReceived:   d.packetsReceived,
		PacketsLost:       d.packetsLost,
		PacketsOutOfOrder: d.packetsOutOfSync,
		BytesReceived:     d.bytesReceived,
		Malformed:         d.malformed,
	}
}

// Reset clears all counters and re-arms for a fresh first packet, used
// when a Receiver reconnects to a new source.
func (d *Depacketizer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.haveFirst = false
	d.highestSeq = 0
	d.missing = make(map[uint16]struct{})
	d.packetsReceived = 0
	d.packetsLost = 0
	d.packetsOutOfSync = 0
	d.bytesReceived = 0
	d.malformed = 0
}
