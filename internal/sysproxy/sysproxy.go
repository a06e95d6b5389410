package sysproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var ErrUnsupported = errors.New("system proxy is not supported on this platform")

// Capability sets and clears the OS-wide HTTP(S) proxy.
type Capability interface {
	Set(addr string) error
	Clear() error
	Name() string
}

// Runner executes an external command.
type Runner func(ctx context.Context, name string, args ...string) error

const commandTimeout = 10 * time.Second

// ExecRunner runs commands with os/exec and folds their output into errors.
func ExecRunner(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	// #nosec G204 -- fixed tool names, arguments built by this package
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
		}
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return nil
}

// SplitAddr checks addr is a non-empty host:port.
func SplitAddr(addr string) (string, string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", "", errors.New("proxy address is empty")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("proxy address %q: %w", addr, err)
	}
	if host == "" {
		return "", "", fmt.Errorf("proxy address %q: missing host", addr)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return "", "", fmt.Errorf("proxy address %q: invalid port", addr)
	}
	return host, port, nil
}

// Unsupported is the Capability for platforms without an implementation.
type Unsupported struct{}

func (Unsupported) Set(string) error { return ErrUnsupported }
func (Unsupported) Clear() error     { return ErrUnsupported }
func (Unsupported) Name() string     { return "unsupported" }

// New returns the Capability for the running platform.
func New() Capability { return platform(ExecRunner) }

// Logged wraps c so every call is logged.
func Logged(c Capability, logger *slog.Logger) Capability {
	if logger == nil {
		logger = slog.Default()
	}
	return logged{c: c, logger: logger.With("component", "sysproxy", "backend", c.Name())}
}

type logged struct {
	c      Capability
	logger *slog.Logger
}

func (l logged) Name() string { return l.c.Name() }

func (l logged) Set(addr string) error {
	if err := l.c.Set(addr); err != nil {
		l.logger.Warn("set system proxy failed", "addr", addr, "error", err)
		return err
	}
	l.logger.Info("system proxy set", "addr", addr)
	return nil
}

func (l logged) Clear() error {
	if err := l.c.Clear(); err != nil {
		l.logger.Warn("clear system proxy failed", "error", err)
		return err
	}
	l.logger.Info("system proxy cleared")
	return nil
}
