package coreshell

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/coreshell/internal/config"
	"github.com/loykin/coreshell/internal/coreconfig"
	"github.com/loykin/coreshell/internal/history"
	"github.com/loykin/coreshell/internal/logbuf"
	"github.com/loykin/coreshell/internal/manager"
	"github.com/loykin/coreshell/internal/metrics"
	iapi "github.com/loykin/coreshell/internal/server"
	"github.com/loykin/coreshell/internal/settings"
	"github.com/loykin/coreshell/internal/shell"
	"github.com/loykin/coreshell/internal/status"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Settings = settings.Settings

type SettingsStore = settings.Store

type RunState = manager.RunState

type Trigger = manager.Trigger

type Status = status.Update

type LogLine = logbuf.Line

type HistoryEvent = history.Event

type HistorySink = history.Sink

type CoreConfigOptions = coreconfig.Options

type Options = shell.Options

const (
	StateStopped  = manager.StateStopped
	StateStarting = manager.StateStarting
	StateRunning  = manager.StateRunning
	StateStopping = manager.StateStopping
)

const (
	TriggerButton    = manager.TriggerButton
	TriggerTray      = manager.TriggerTray
	TriggerHotkey    = manager.TriggerHotkey
	TriggerAutostart = manager.TriggerAutostart
	TriggerAPI       = manager.TriggerAPI
)

var (
	ErrInProgress = manager.ErrInProgress
	ErrNoConfig   = manager.ErrNoConfig
	ErrNotRunning = shell.ErrNotRunning
	ErrLocked     = settings.ErrLocked
)

// Shell is a thin facade over internal/shell.App.
// It provides a stable public API for embedding in a front end.
type Shell struct{ inner *shell.App }

// New builds a Shell. Call Init before use and Shutdown when done.
func New(opts Options) (*Shell, error) {
	a, err := shell.New(opts)
	if err != nil {
		return nil, err
	}
	return &Shell{inner: a}, nil
}

func (s *Shell) Init(ctx context.Context) error             { return s.inner.Init(ctx) }
func (s *Shell) Start(ctx context.Context, t Trigger) error { return s.inner.Start(ctx, t) }
func (s *Shell) Stop(ctx context.Context, t Trigger) error  { return s.inner.Stop(ctx, t) }
func (s *Shell) StopAsync(t Trigger) <-chan error           { return s.inner.StopAsync(t) }
func (s *Shell) Shutdown(ctx context.Context) error         { return s.inner.Shutdown(ctx) }
func (s *Shell) State() RunState                            { return s.inner.Controller().State() }
func (s *Shell) Status() Status                             { return s.inner.Status().Current() }
func (s *Shell) Subscribe(fn func(Status)) func()           { return s.inner.Status().Subscribe(fn) }
func (s *Shell) Logs(since uint64) ([]LogLine, bool)        { return s.inner.Logs().Since(since) }
func (s *Shell) ConfigPath() string                         { return s.inner.ConfigPath() }
func (s *Shell) SelectConfig(path string) error             { return s.inner.SelectConfig(path) }
func (s *Shell) ReadConfig() ([]byte, error)                { return s.inner.ReadConfig() }
func (s *Shell) SaveConfig(raw []byte) error                { return s.inner.SaveConfig(raw) }
func (s *Shell) EnableProxy(addr string) error              { return s.inner.EnableProxy(addr) }
func (s *Shell) DisableProxy() error                        { return s.inner.DisableProxy() }
func (s *Shell) Settings() Settings                         { return s.inner.Settings() }
func (s *Shell) GenerateConfig(o CoreConfigOptions) (string, error) {
	return s.inner.GenerateConfig(o)
}
func (s *Shell) UpdateSettings(fn func(*Settings)) (Settings, error) {
	return s.inner.UpdateSettings(fn)
}

// FireHotkey runs the action bound to combo and returns its name.
func (s *Shell) FireHotkey(combo string) (string, bool) {
	a, ok := s.inner.Hotkeys().Fire(combo)
	return string(a), ok
}

// Handler returns the control API mounted under basePath.
func (s *Shell) Handler(basePath string) http.Handler {
	return iapi.NewRouter(s.inner, basePath).Handler()
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() (*Config, error) { return cfg.Default() }

// OpenSettings opens the settings directory; an empty dir uses the user
// config directory.
func OpenSettings(dir string) (*SettingsStore, error) { return settings.Open(dir, nil) }

// NewHTTPServer starts an HTTP server exposing the control API of s.
func NewHTTPServer(addr, basePath string, s *Shell) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.inner)
}

// ValidateCoreConfig reports whether raw is a JSON document.
func ValidateCoreConfig(raw []byte) error { return coreconfig.Validate(raw) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// ServeMetrics serves /metrics from the default registry on addr in the
// caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
