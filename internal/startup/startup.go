package startup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AppName names the autostart entry.
const AppName = "coreshell"

var ErrUnsupported = errors.New("run on startup is not supported on this platform")

// Launcher registers the application to run at login.
type Launcher interface {
	Enable(exe string, args ...string) error
	Disable() error
	Enabled() (bool, error)
}

// New returns the Launcher for the running platform.
func New() Launcher { return platform() }

// Apply enables or disables l to match on, using the running executable.
func Apply(l Launcher, on bool, args ...string) error {
	if !on {
		return l.Disable()
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return l.Enable(exe, args...)
}

type unsupported struct{}

func (unsupported) Enable(string, ...string) error { return ErrUnsupported }
func (unsupported) Disable() error                 { return ErrUnsupported }
func (unsupported) Enabled() (bool, error)         { return false, ErrUnsupported }

// XDG manages a desktop entry in an XDG autostart directory.
type XDG struct {
	Dir  string // defaults to $XDG_CONFIG_HOME/autostart
	Name string
}

func (x XDG) path() (string, error) {
	dir := x.Dir
	if dir == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			var err error
			if base, err = os.UserConfigDir(); err != nil {
				return "", err
			}
		}
		dir = filepath.Join(base, "autostart")
	}
	name := x.Name
	if name == "" {
		name = AppName
	}
	return filepath.Join(dir, name+".desktop"), nil
}

func quoteExec(s string) string {
	if !strings.ContainsAny(s, " \t\"'\\$`") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`", `$`, `\$`)
	return `"` + r.Replace(s) + `"`
}

// Entry renders the desktop entry for exe.
func (x XDG) Entry(exe string, args ...string) string {
	name := x.Name
	if name == "" {
		name = AppName
	}
	cmd := []string{quoteExec(exe)}
	for _, a := range args {
		cmd = append(cmd, quoteExec(a))
	}
	return fmt.Sprintf("[Desktop Entry]\nType=Application\nName=%s\nExec=%s\nTerminal=false\nNoDisplay=true\nX-GNOME-Autostart-enabled=true\n",
		name, strings.Join(cmd, " "))
}

func (x XDG) Enable(exe string, args ...string) error {
	p, err := x.path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(x.Entry(exe, args...)), 0o600)
}

func (x XDG) Disable() error {
	p, err := x.path()
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (x XDG) Enabled() (bool, error) {
	p, err := x.path()
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
