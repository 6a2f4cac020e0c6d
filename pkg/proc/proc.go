// Package proc answers whether a PID refers to a live process.
package proc

import (
	"errors"
	"syscall"
)

// Alive reports whether pid exists. Signal 0 probes without delivering;
// EPERM means the process exists but belongs to another user.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
