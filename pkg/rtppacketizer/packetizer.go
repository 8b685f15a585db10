// Package rtppacketizer turns a continuous PCM capture stream into AES67
// RTP packets: fixed-size framing at the configured packet time, strictly
// monotonic sequence numbers, a PTP-synchronized RTP timestamp clock, and
// the 44.1kHz fractional-sample drift correction spec.md §4.3 requires.
package rtppacketizer

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/dhpke/aes67node/pkg/aes67"
	"github.com/dhpke/aes67node/pkg/ptpclock"
)

// maxResidualPackets bounds how much unpacketized PCM a Packetizer holds
// before the oldest excess is dropped and counted as an underrun (spec.md
// §4.3 Tie-breaks): a source that outpaces the wire should lose its
// oldest audio, not grow this buffer without bound.
const maxResidualPackets = 2

// Config configures a Packetizer.
type Config struct {
	Format      aes67.AudioFormat
	PacketTime  aes67.PacketTime
	PayloadType uint8
	SSRC        uint32 // 0 generates a random SSRC

	// InitialSequenceNumber/InitialTimestamp seed the counters; zero
	// values are replaced with random starting points per RFC 3550 §5.1.
	InitialSequenceNumber uint16
	InitialTimestamp      uint32
}

// Packetizer accepts interleaved PCM frames and emits *rtp.Packet values
// ready for Transport.Send. It is safe for concurrent use by a single
// producer goroutine; sequence/timestamp counters are atomic so
// Statistics() can be read concurrently from another goroutine.
type Packetizer struct {
	format      aes67.AudioFormat
	packetTime  aes67.PacketTime
	payloadType uint8
	ssrc        uint32

	samplesPerPacket int
	samplesExact     bool
	bytesPerPacket   int

	sequence  uint32 // low 16 bits are the wire sequence number
	timestamp uint32

	mu       sync.Mutex
	residual []byte  // PCM bytes buffered until a full packet's worth accrues
	drift    float64 // fractional-sample carry for non-exact packet times (44.1kHz)
	clock    *ptpclock.Clock

	packetsSent uint64
	bytesSent   uint64
	underruns   uint64
}

// randUint32 returns a cryptographically generated 32-bit value, used to
// seed SSRC/sequence/timestamp per RFC 3550 §5.1's requirement that these
// not be predictable.
func randUint32() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("rtppacketizer: crypto/rand unavailable: %v", err))
	}
	return binary.BigEndian.Uint32(buf[:])
}

// New constructs a Packetizer from cfg. Returns a *aes67.Error{ConfigInvalid}
// if the format or packet time is invalid.
func New(cfg Config) (*Packetizer, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if !cfg.PacketTime.Valid() {
		return nil, aes67.New(aes67.ConfigInvalid, "New", fmt.Sprintf("unsupported packet time %dus", cfg.PacketTime))
	}

	samples, exact := aes67.SamplesPerPacket(cfg.Format.SampleRate, cfg.PacketTime)
	if !exact && cfg.Format.SampleRate != 44100 {
		return nil, aes67.New(aes67.ConfigInvalid, "New", fmt.Sprintf("packet time %dus is not an integer number of samples at %dHz", cfg.PacketTime, cfg.Format.SampleRate))
	}

	ssrc := cfg.SSRC
	if ssrc == 0 {
		ssrc = randUint32()
	}
	seq := uint32(cfg.InitialSequenceNumber)
	if cfg.InitialSequenceNumber == 0 {
		seq = uint32(uint16(randUint32()))
	}
	ts := cfg.InitialTimestamp
	if ts == 0 {
		ts = randUint32()
	}

	return &Packetizer{
		format:           cfg.Format,
		packetTime:       cfg.PacketTime,
		payloadType:      cfg.PayloadType,
		ssrc:             ssrc,
		samplesPerPacket: samples,
		samplesExact:     exact,
		bytesPerPacket:   samples * cfg.Format.BytesPerFrame(),
		sequence:         seq,
		timestamp:        ts,
	}, nil
}

// SSRC returns the packetizer's synchronization source identifier.
func (p *Packetizer) SSRC() uint32 {
	return p.ssrc
}

// SamplesPerPacket returns the nominal (floor) sample count per packet.
func (p *Packetizer) SamplesPerPacket() int {
	return p.samplesPerPacket
}

// SetPTPClock attaches clock so buildPacketLocked can detect a PTP step
// (as opposed to the ordinary slew a running stream tolerates) and resync
// the outgoing timestamp to it at the next packet boundary.
func (p *Packetizer) SetPTPClock(clock *ptpclock.Clock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = clock
}

// Write appends pcm (interleaved, BytesPerFrame()-aligned) to the internal
// residual buffer and returns any number of complete packets now
// available. If the residual carried in from earlier calls exceeds
// maxResidualPackets' worth of audio, the oldest excess is dropped and
// counted as an underrun before pcm is appended, rather than allowed to
// grow without bound.
func (p *Packetizer) Write(pcm []byte) ([]*rtp.Packet, error) {
	if len(pcm)%p.format.BytesPerFrame() != 0 {
		return nil, aes67.New(aes67.ConfigInvalid, "Write", "pcm length is not frame-aligned")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Every call drains the residual to less than a full packet, so this
	// only engages on a stale residual (e.g. one left from before a
	// reconfiguration) holding more than maxResidualPackets' worth.
	maxResidualBytes := maxResidualPackets * p.bytesPerPacket
	for len(p.residual) > maxResidualBytes {
		drop := p.bytesPerPacket
		if drop > len(p.residual) {
			drop = len(p.residual)
		}
		p.residual = p.residual[drop:]
		atomic.AddUint64(&p.underruns, 1)
	}

	p.residual = append(p.residual, pcm...)

	var packets []*rtp.Packet
	for {
		// frameSizeForNextPacket advances the drift carry; undo that when
		// the residual is too short to emit the packet it sized.
		drift := p.drift
		size := p.frameSizeForNextPacket()
		if len(p.residual) < size {
			p.drift = drift
			break
		}
		payload := p.residual[:size]
		p.residual = p.residual[size:]

		pkt := p.buildPacketLocked(payload)
		packets = append(packets, pkt)
	}

	return packets, nil
}

// frameSizeForNextPacket returns the byte size of the next packet,
// advancing p.drift by the fractional-sample remainder when the packet
// time isn't an exact multiple of the sample period (44.1kHz/333us and
// similar). Call only while holding p.mu.
func (p *Packetizer) frameSizeForNextPacket() int {
	if p.samplesExact {
		return p.bytesPerPacket
	}

	numerator := int64(p.format.SampleRate) * int64(p.packetTime)
	exactSamples := float64(numerator) / 1_000_000.0
	if p.packetTime == aes67.PacketTime333us {
		// Nominal 1/3 ms, as in aes67.SamplesPerPacket.
		exactSamples = float64(p.format.SampleRate) / 3000.0
	}
	p.drift += exactSamples - float64(p.samplesPerPacket)

	samples := p.samplesPerPacket
	if p.drift >= 1.0 {
		samples++
		p.drift -= 1.0
	}
	return samples * p.format.BytesPerFrame()
}

// buildPacketLocked constructs the next outgoing RTP packet and advances
// sequence/timestamp counters. Before stamping, it checks the attached
// PTP clock (if any) for a step large enough to indicate a grandmaster
// change or a ptp4l restart rather than ordinary slew, and resyncs the
// timestamp counter to it (spec.md §4.3 step 2). Call only while holding
// p.mu.
func (p *Packetizer) buildPacketLocked(payload []byte) *rtp.Packet {
	if p.clock != nil {
		want := p.clock.RTPTimestamp(uint32(p.format.SampleRate))
		current := atomic.LoadUint32(&p.timestamp)
		diff := int32(want - current)
		if diff > int32(p.samplesPerPacket) || diff < -int32(p.samplesPerPacket) {
			atomic.StoreUint32(&p.timestamp, want)
		}
	}

	seq := uint16(atomic.AddUint32(&p.sequence, 1) - 1)
	samples := len(payload) / p.format.BytesPerFrame()
	ts := atomic.AddUint32(&p.timestamp, uint32(samples)) - uint32(samples)

	atomic.AddUint64(&p.packetsSent, 1)
	atomic.AddUint64(&p.bytesSent, uint64(len(payload)))

	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.payloadType,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           p.ssrc,
		},
		Payload: payload,
	}
}

// SyncTimestamp resets the timestamp counter to match a PTP clock reading
// (e.g. rtpTs from ptpclock.Clock.RTPTimestamp), used at stream start and
// whenever a PTP step (not a slew) is detected upstream. Mid-stream
// resyncs intentionally introduce a timestamp discontinuity rather than
// silently drifting — AES67 receivers treat a jump as a single dropped
// interval, not ongoing corruption.
func (p *Packetizer) SyncTimestamp(rtpTs uint32) {
	atomic.StoreUint32(&p.timestamp, rtpTs)
}

// RecordUnderrun increments the underrun counter; callers invoke this when
// the audio source has no data ready at send time (spec.md §3 requires
// silence substitution by the caller, counted here for statistics).
func (p *Packetizer) RecordUnderrun() {
	atomic.AddUint64(&p.underruns, 1)
}

// Statistics returns a point-in-time snapshot of send counters.
func (p *Packetizer) Statistics() aes67.SenderStatistics {
	return aes67.SenderStatistics{
		PacketsSent: atomic.LoadUint64(&p.packetsSent),
		BytesSent:   atomic.LoadUint64(&p.bytesSent),
		Sequence:    uint16(atomic.LoadUint32(&p.sequence)),
		Timestamp:   atomic.LoadUint32(&p.timestamp),
		Underruns:   atomic.LoadUint64(&p.underruns),
	}
}
