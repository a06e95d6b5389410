//go:build windows

package sysproxy

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const internetSettings = `Software\Microsoft\Windows\CurrentVersion\Internet Settings`

// WinINet option codes.
const (
	internetOptionRefresh         = 37
	internetOptionSettingsChanged = 39
)

var (
	wininet               = windows.NewLazySystemDLL("wininet.dll")
	procInternetSetOption = wininet.NewProc("InternetSetOptionW")
)

func platform(Runner) Capability { return Registry{} }

// Registry writes the per-user WinINet proxy settings.
type Registry struct{}

func (Registry) Name() string { return "registry" }

func (Registry) Set(addr string) error {
	if _, _, err := SplitAddr(addr); err != nil {
		return err
	}
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettings, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open internet settings: %w", err)
	}
	defer func() { _ = k.Close() }()
	if err := k.SetDWordValue("ProxyEnable", 1); err != nil {
		return err
	}
	if err := k.SetStringValue("ProxyServer", addr); err != nil {
		return err
	}
	if err := k.SetStringValue("ProxyOverride", "<local>"); err != nil {
		return err
	}
	return refresh()
}

func (Registry) Clear() error {
	k, err := registry.OpenKey(registry.CURRENT_USER, internetSettings, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open internet settings: %w", err)
	}
	defer func() { _ = k.Close() }()
	if err := k.SetDWordValue("ProxyEnable", 0); err != nil {
		return err
	}
	for _, name := range []string{"ProxyServer", "ProxyOverride"} {
		if err := k.DeleteValue(name); err != nil && !errors.Is(err, registry.ErrNotExist) {
			return err
		}
	}
	return refresh()
}

// refresh tells running WinINet clients to reload their proxy settings.
func refresh() error {
	if err := procInternetSetOption.Find(); err != nil {
		return err
	}
	for _, opt := range []uintptr{internetOptionSettingsChanged, internetOptionRefresh} {
		r, _, e := procInternetSetOption.Call(0, opt, 0, 0)
		if r == 0 {
			return fmt.Errorf("InternetSetOption(%d): %w", opt, e)
		}
	}
	return nil
}
