// Package control defines the boundary contracts between an AES67 node's
// audio I/O and its connection-management layer: IS-05-style transport
// parameters, connection state, and the capture/playback interfaces a
// Sender/Receiver is wired against. spec.md's Non-goals exclude an actual
// NMOS registration client and a concrete audio-device backend; this
// package is the seam those would attach to.
package control

import (
	"github.com/google/uuid"
)

// ConnectionState mirrors IS-05's NMOSConnectionState.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Staged
	Active
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Staged:
		return "Staged"
	case Active:
		return "Active"
	default:
		return "Unknown"
	}
}

// TransportParams is the IS-05 transport_params shape for an RTP leg,
// following original_source/include/rpi_aes67/nmos_node.h's TransportParams
// field-for-field (FEC/RTCP fields are carried but unused — spec.md
// excludes both, they exist only so a real IS-05 ConnectionRequest can
// round-trip through this struct without data loss).
type TransportParams struct {
	SourceIP        string
	MulticastIP     string
	InterfaceIP     string
	DestinationPort uint16
	SourcePort      uint16
	RTPEnabled      bool
	RTCPEnabled     bool
	RTCPDestIP      string
	RTCPDestPort    uint16
}

// NewConnectionID returns a fresh IS-05 resource identifier.
func NewConnectionID() string {
	return uuid.NewString()
}

// AudioSource is the capture-side contract a Sender pulls PCM frames
// from. Implementations own the actual audio backend (ALSA, PipeWire,
// JACK, a file, a test generator); this package only defines the shape.
type AudioSource interface {
	// ReadFrames fills buf (BytesPerFrame()-aligned) with the next
	// buf-sized chunk of interleaved PCM, blocking until enough samples
	// are available. Returns the number of bytes written.
	ReadFrames(buf []byte) (int, error)
	// Close releases the underlying audio device.
	Close() error
}

// AudioSink is the playback-side contract a Receiver pushes PCM frames
// to.
type AudioSink interface {
	// WriteFrames delivers BytesPerFrame()-aligned interleaved PCM for
	// playback.
	WriteFrames(buf []byte) error
	// Close releases the underlying audio device.
	Close() error
}
