//go:build darwin

package sysproxy

func platform(run Runner) Capability { return NetworkSetup{Run: run} }
