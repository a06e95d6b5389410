//go:build linux

package sysproxy

func platform(run Runner) Capability { return GNOME{Run: run} }
