// Package aes67 defines the data model shared by the sender and receiver
// pipelines: audio formats, packet timing, wire-format constants, error
// kinds, and the statistics structures surfaced to management code.
package aes67

import "fmt"

// AudioFormat describes the linear-PCM layout carried on the wire.
// Byte layout is always big-endian, channel-interleaved per sample
// (spec.md §3).
type AudioFormat struct {
	SampleRate int // Hz; one of 44100, 48000, 96000
	Channels   int // 1..64
	BitDepth   int // one of 16, 24, 32
}

// Validate checks the format against the AES67 profile constraints.
func (f AudioFormat) Validate() error {
	switch f.SampleRate {
	case 44100, 48000, 96000:
	default:
		return &Error{Kind: ConfigInvalid, Op: "AudioFormat.Validate", Msg: fmt.Sprintf("unsupported sample rate %d", f.SampleRate)}
	}
	if f.Channels < 1 || f.Channels > 64 {
		return &Error{Kind: ConfigInvalid, Op: "AudioFormat.Validate", Msg: fmt.Sprintf("channels out of range [1,64]: %d", f.Channels)}
	}
	switch f.BitDepth {
	case 16, 24, 32:
	default:
		return &Error{Kind: ConfigInvalid, Op: "AudioFormat.Validate", Msg: fmt.Sprintf("unsupported bit depth %d", f.BitDepth)}
	}
	return nil
}

// BytesPerSample is bit_depth/8.
func (f AudioFormat) BytesPerSample() int {
	return f.BitDepth / 8
}

// BytesPerFrame is channels * bytes_per_sample.
func (f AudioFormat) BytesPerFrame() int {
	return f.Channels * f.BytesPerSample()
}

// Encoding returns the RTP payload encoding name (L16/L24/L32) for the
// format's bit depth.
func (f AudioFormat) Encoding() string {
	switch f.BitDepth {
	case 16:
		return "L16"
	case 24:
		return "L24"
	case 32:
		return "L32"
	default:
		return ""
	}
}

// String renders the format the way it would appear in an a=rtpmap line,
// e.g. "L24/48000/2".
func (f AudioFormat) String() string {
	return fmt.Sprintf("%s/%d/%d", f.Encoding(), f.SampleRate, f.Channels)
}

// EncodingBitDepth maps an RTP payload encoding name back to a bit depth.
// Returns 0 if the encoding is not one of L16/L24/L32.
func EncodingBitDepth(encoding string) int {
	switch encoding {
	case "L16":
		return 16
	case "L24":
		return 24
	case "L32":
		return 32
	default:
		return 0
	}
}

// PacketTime is the interval between successive RTP packets of a stream,
// in microseconds. spec.md §3 enumerates the allowed values; 1000us is the
// AES67-mandatory default.
type PacketTime int

const (
	PacketTime125us  PacketTime = 125
	PacketTime250us  PacketTime = 250
	PacketTime333us  PacketTime = 333
	PacketTime1000us PacketTime = 1000
	PacketTime4000us PacketTime = 4000
)

// Valid reports whether pt is one of the AES67-enumerated packet times.
func (pt PacketTime) Valid() bool {
	switch pt {
	case PacketTime125us, PacketTime250us, PacketTime333us, PacketTime1000us, PacketTime4000us:
		return true
	default:
		return false
	}
}

// SamplesPerPacket computes samples_per_packet = floor(sample_rate *
// packet_time_us / 1e6) for the given rate, and reports whether that value
// is exact (no fractional remainder) at this rate. PacketTime333us is
// taken as its nominal 1/3 ms, so it is exact at 48kHz (16 samples) and
// 96kHz (32 samples). 48kHz/96kHz packet times that are not exact are a
// configuration error (spec.md §4.3); at 44.1kHz a non-exact packet time
// is legal and the Packetizer tracks the fractional remainder as
// cumulative drift.
func SamplesPerPacket(sampleRate int, pt PacketTime) (samples int, exact bool) {
	numerator := int64(sampleRate) * int64(pt)
	denominator := int64(1_000_000)
	if pt == PacketTime333us {
		numerator = int64(sampleRate) * 1000
		denominator = 3_000_000
	}
	samples = int(numerator / denominator)
	exact = numerator%denominator == 0
	return samples, exact
}
