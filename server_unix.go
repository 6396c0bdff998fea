//go:build !windows

package wsocket

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReusePort sets SO_REUSEPORT on the listening socket before bind,
// letting multiple wsocket.Server processes share one port (e.g. several
// worker processes behind the same listener, or a fast restart that binds
// the new listener before the old one closes).
func controlReusePort(_ string, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
