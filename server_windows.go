//go:build windows

package wsocket

import "syscall"

// controlReusePort is a no-op on windows: SO_REUSEPORT has no portable
// equivalent there.
func controlReusePort(_ string, _ string, _ syscall.RawConn) error {
	return nil
}
