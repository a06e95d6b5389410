//go:build !windows

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

func terminate(pid int) error { return signalGroup(pid, unix.SIGTERM) }

func forceKill(pid int) error { return signalGroup(pid, unix.SIGKILL) }

// signalGroup signals the worker's process group, falling back to the pid
// alone when the group is already gone.
func signalGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
