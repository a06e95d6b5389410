//go:build !linux && !darwin && !windows

package sysproxy

func platform(Runner) Capability { return Unsupported{} }
