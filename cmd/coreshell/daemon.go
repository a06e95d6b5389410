package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// daemonArgs drops --daemonize and the flags the parent handles itself.
func daemonArgs(args []string) []string {
	var out []string
	skipNext := false
	for _, arg := range args {
		if skipNext {
			skipNext = false
			continue
		}
		switch {
		case arg == "--daemonize" || strings.HasPrefix(arg, "--daemonize="):
			continue
		case arg == "--logfile":
			skipNext = true
			continue
		case strings.HasPrefix(arg, "--logfile="):
			continue
		}
		out = append(out, arg)
	}
	return out
}

// daemonize re-executes serve detached from the terminal. The child writes
// the pidfile itself, so it also removes it on shutdown.
func daemonize(pidFile string, logFile string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	// #nosec G204
	cmd := exec.Command(executable, daemonArgs(os.Args[1:])...)
	configureDaemonAttrs(cmd)
	cmd.Stdin = nil
	if logFile != "" {
		// #nosec G304
		logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer func() { _ = logF.Close() }()
		cmd.Stdout = logF
		cmd.Stderr = logF
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	fmt.Printf("coreshell started in background with PID %d\n", cmd.Process.Pid)
	if pidFile != "" {
		fmt.Printf("PID file: %s\n", pidFile)
	}
	return cmd.Process.Release()
}

// writePidFile writes pid to pidFile
func writePidFile(pidFile string, pid int) error {
	// #nosec G304
	f, err := os.OpenFile(pidFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.WriteString(strconv.Itoa(pid))
	return err
}

func removePidFile(pidFile string) error {
	if pidFile == "" {
		return nil
	}
	return os.Remove(pidFile)
}
