//go:build windows

package ipbus

import (
	"net"

	"golang.org/x/sys/windows"
)

// tuneSocket is the Windows counterpart of udp_socket_unix.go's version:
// same two options, applied through golang.org/x/sys/windows's syscall
// handle instead of a unix fd.
func tuneSocket(conn *net.UDPConn, rcvBufBytes int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		h := windows.Handle(fd)
		if sockErr = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, rcvBufBytes)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sockErr
}
