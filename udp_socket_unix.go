//go:build !windows

package ipbus

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneSocket applies the buffer and address-reuse options spec §4.4 wants
// every reconnect to (re)establish: a generous receive buffer so a burst
// of status replies isn't dropped while the keepalive goroutine is busy,
// and SO_REUSEADDR so a rapid reconnect after a timeout doesn't collide
// with the previous socket's TIME_WAIT-like state.
//
// Grounded on sun977-NeoScan/neoAgent's netraw/socket_linux.go, which sets
// socket options through the same raw-fd path (there via syscall, here via
// golang.org/x/sys/unix, which simonvetter-modbus also depends on).
func tuneSocket(conn *net.UDPConn, rcvBufBytes int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBufBytes)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
