//go:build unix

package daemon

import (
	"errors"
	"syscall"
)

// processExists sends signal 0 to pid. EPERM still means the process is
// there, it just belongs to another user.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
