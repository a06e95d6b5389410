//go:build !linux && !windows

package startup

func platform() Launcher { return unsupported{} }
