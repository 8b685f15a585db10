// Package transport provides the UDP/IPv4 multicast socket AES67 streams
// ride on: group join, receive-buffer and TTL tuning, and a classification
// of network errors into transient-and-dropped versus permanent-and-fatal,
// per spec.md §4.5 and the teacher's transport_udp.go/transport_common.go
// split between portable logic and platform-specific socket options.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dhpke/aes67node/pkg/aes67"
)

// DefaultMTU is the datagram buffer size allocated per Receive call; AES67
// audio payloads are always far below the Ethernet MTU.
const DefaultMTU = 1500

// Config configures a multicast Transport.
type Config struct {
	// Group is the multicast group address, e.g. "239.69.1.10".
	Group string
	// Port is the UDP port shared by sender and receivers.
	Port int
	// Iface optionally pins the multicast membership to one network
	// interface; empty selects the default interface.
	Iface string
	// TTL is the outgoing multicast hop limit (senders only).
	TTL int
	// RecvBufferBytes requests a larger SO_RCVBUF to absorb bursty
	// scheduling jitter without dropping packets at the socket layer.
	RecvBufferBytes int
	// ReadTimeout bounds each Receive poll so Stop can interrupt it
	// promptly instead of blocking forever on an idle socket.
	ReadTimeout time.Duration
}

// Transport is a joined multicast UDP socket usable for both sending (to
// the group) and receiving (from the group).
type Transport struct {
	conn      *net.UDPConn
	groupAddr *net.UDPAddr
	cfg       Config

	mu     sync.RWMutex
	active bool

	packetsSent     uint64
	packetsReceived uint64
	bytesSent       uint64
	bytesReceived   uint64
	sendErrors      uint64
	recvErrors      uint64

	logger zerolog.Logger
}

// New resolves cfg.Group:cfg.Port, joins the multicast group (optionally
// pinned to cfg.Iface), and applies the requested socket tuning.
func New(cfg Config) (*Transport, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}

	logger := log.With().Str("component", "transport").Str("group", cfg.Group).Int("port", cfg.Port).Logger()

	groupAddr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", cfg.Group, cfg.Port))
	if err != nil {
		return nil, aes67.Wrap(aes67.ConfigInvalid, "New", "invalid multicast group address", err)
	}
	if !groupAddr.IP.IsMulticast() {
		return nil, aes67.New(aes67.ConfigInvalid, "New", fmt.Sprintf("%s is not a multicast address", cfg.Group))
	}

	var iface *net.Interface
	if cfg.Iface != "" {
		iface, err = net.InterfaceByName(cfg.Iface)
		if err != nil {
			return nil, aes67.Wrap(aes67.BindFailed, "New", "unknown interface "+cfg.Iface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", iface, groupAddr)
	if err != nil {
		logger.Error().Err(err).Msg("failed to join multicast group")
		return nil, aes67.Wrap(aes67.BindFailed, "New", "failed to join multicast group", err)
	}

	if cfg.RecvBufferBytes > 0 {
		if err := setRecvBuffer(conn, cfg.RecvBufferBytes); err != nil {
			conn.Close()
			logger.Error().Err(err).Msg("failed to set SO_RCVBUF")
			return nil, aes67.Wrap(aes67.BindFailed, "New", "failed to set SO_RCVBUF", err)
		}
	}
	if cfg.TTL > 0 {
		if err := setMulticastTTL(conn, cfg.TTL); err != nil {
			conn.Close()
			logger.Error().Err(err).Msg("failed to set multicast TTL")
			return nil, aes67.Wrap(aes67.BindFailed, "New", "failed to set multicast TTL", err)
		}
	}

	logger.Info().Msg("joined multicast group")
	return &Transport{conn: conn, groupAddr: groupAddr, cfg: cfg, active: true, logger: logger}, nil
}

// Send writes data to the multicast group.
func (t *Transport) Send(data []byte) error {
	t.mu.RLock()
	active := t.active
	conn := t.conn
	t.mu.RUnlock()

	if !active {
		return aes67.New(aes67.NotConnected, "Send", "transport is closed")
	}

	n, err := conn.WriteToUDP(data, t.groupAddr)
	if err != nil {
		atomic.AddUint64(&t.sendErrors, 1)
		classified := classifyNetworkError("Send", err)
		if ce, ok := classified.(*aes67.Error); ok && ce.Kind != aes67.TransportTransient {
			t.logger.Error().Err(err).Msg("send failed")
		}
		return classified
	}

	atomic.AddUint64(&t.packetsSent, 1)
	atomic.AddUint64(&t.bytesSent, uint64(n))
	return nil
}

// Receive reads one datagram, blocking until one arrives, ctx is
// cancelled, or cfg.ReadTimeout elapses (in which case it returns a
// transient *aes67.Error{TransportTransient} so the caller's poll loop
// can re-check ctx without ever blocking indefinitely).
func (t *Transport) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	t.mu.RLock()
	active := t.active
	conn := t.conn
	t.mu.RUnlock()

	if !active {
		return nil, nil, aes67.New(aes67.NotConnected, "Receive", "transport is closed")
	}

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	buf := make([]byte, DefaultMTU)
	conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))

	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, aes67.Wrap(aes67.TransportTransient, "Receive", "read timeout", err)
		}
		atomic.AddUint64(&t.recvErrors, 1)
		classified := classifyNetworkError("Receive", err)
		if ce, ok := classified.(*aes67.Error); ok && ce.Kind != aes67.TransportTransient {
			t.logger.Error().Err(err).Msg("receive failed")
		}
		return nil, nil, classified
	}

	atomic.AddUint64(&t.packetsReceived, 1)
	atomic.AddUint64(&t.bytesReceived, uint64(n))
	return buf[:n], addr, nil
}

// Close leaves the multicast group and releases the socket. Safe to call
// more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return nil
	}
	t.active = false
	t.logger.Info().Msg("transport closed")
	return t.conn.Close()
}

// IsActive reports whether the transport is still open.
func (t *Transport) IsActive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Stats is a snapshot of the transport's send/receive counters.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	SendErrors      uint64
	RecvErrors      uint64
}

// Statistics returns a point-in-time snapshot of transport counters.
func (t *Transport) Statistics() Stats {
	return Stats{
		PacketsSent:     atomic.LoadUint64(&t.packetsSent),
		PacketsReceived: atomic.LoadUint64(&t.packetsReceived),
		BytesSent:       atomic.LoadUint64(&t.bytesSent),
		BytesReceived:   atomic.LoadUint64(&t.bytesReceived),
		SendErrors:      atomic.LoadUint64(&t.sendErrors),
		RecvErrors:      atomic.LoadUint64(&t.recvErrors),
	}
}

// classifyNetworkError wraps err as transient (retryable, counted, never
// surfaced as a failure) or permanent per spec.md §4.5.
func classifyNetworkError(op string, err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && (ne.Timeout() || isTransientErrno(err)) {
		return aes67.Wrap(aes67.TransportTransient, op, "transient network error", err)
	}
	if isTransientErrno(err) {
		return aes67.Wrap(aes67.TransportTransient, op, "transient network error", err)
	}
	return aes67.Wrap(aes67.BindFailed, op, "permanent network error", err)
}
