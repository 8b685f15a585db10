//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// setRecvBuffer requests a larger SO_RCVBUF so the kernel can absorb a
// scheduling stall without dropping datagrams before the poll loop reads
// them. The kernel doubles whatever value is accepted, so callers should
// not assume the request is honored exactly.
func setRecvBuffer(conn *net.UDPConn, bytes int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// setMulticastTTL sets IP_MULTICAST_TTL, the hop limit carried on packets
// this socket sends to a multicast group.
func setMulticastTTL(conn *net.UDPConn, ttl int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// isTransientErrno reports whether err wraps an EAGAIN/EWOULDBLOCK/EINTR
// class errno, which a poll loop should treat as "nothing to do yet"
// rather than a hard failure.
func isTransientErrno(err error) bool {
	switch {
	case isErrno(err, unix.EAGAIN), isErrno(err, unix.EINTR), isErrno(err, unix.EWOULDBLOCK):
		return true
	default:
		return false
	}
}

func isErrno(err error, errno unix.Errno) bool {
	for err != nil {
		if e, ok := err.(unix.Errno); ok {
			return e == errno
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
