//go:build unix

package lockfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isProcessAlive probes pid with signal 0. EPERM means it exists under another user.
func isProcessAlive(pid int64) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
