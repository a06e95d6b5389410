//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr puts the worker in its own process group so a group
// signal also reaches anything it forks.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
