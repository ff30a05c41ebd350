//go:build !windows

package app

import (
	"errors"
	"syscall"
)

// processExists probes pid with signal 0. EPERM means the process exists
// but belongs to another user.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	switch err := syscall.Kill(pid, 0); {
	case err == nil:
		return true
	default:
		return errors.Is(err, syscall.EPERM)
	}
}
