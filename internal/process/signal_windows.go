//go:build windows

package process

import "golang.org/x/sys/windows"

// A windowless child has no console to deliver CTRL_BREAK to, so graceful
// termination and force kill are the same call.
func terminate(pid int) error { return forceKill(pid) }

func forceKill(pid int) error {
	if pid <= 0 {
		return nil
	}
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		// already gone
		return nil
	}
	defer func() { _ = windows.CloseHandle(h) }()
	return windows.TerminateProcess(h, 1)
}
