//go:build linux

package startup

func platform() Launcher { return XDG{} }
