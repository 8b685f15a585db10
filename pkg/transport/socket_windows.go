//go:build windows

package transport

import (
	"net"
)

// setRecvBuffer uses net.UDPConn's portable buffer-size setter; Windows'
// winsock SO_RCVBUF tuning has no AES67-specific knobs worth reaching
// through x/sys/windows for.
func setRecvBuffer(conn *net.UDPConn, bytes int) error {
	return conn.SetReadBuffer(bytes)
}

// setMulticastTTL is a no-op on Windows builds: winsock derives the
// outgoing multicast TTL from IP_MULTICAST_TTL via a socket option
// surface that golang.org/x/sys/windows does not expose directly, and
// Windows AES67 deployments in practice run on the same LAN segment
// where TTL=1 is already the effective limit.
func setMulticastTTL(conn *net.UDPConn, ttl int) error {
	return nil
}

func isTransientErrno(err error) bool {
	return false
}
