package process

import (
	"errors"
	"os"
)

var (
	ErrNotFound         = errors.New("core executable not found")
	ErrAlreadyRunning   = errors.New("core is already running")
	ErrSpawnFailed      = errors.New("failed to start core")
	ErrTerminateTimeout = errors.New("core did not exit within grace period")
)

func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	return ps.ExitCode()
}

func closeAll(fs ...interface{ Close() error }) {
	for _, f := range fs {
		if f != nil {
			_ = f.Close()
		}
	}
}
