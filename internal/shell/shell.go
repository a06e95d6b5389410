package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/coreshell/internal/config"
	"github.com/loykin/coreshell/internal/coreconfig"
	"github.com/loykin/coreshell/internal/history"
	"github.com/loykin/coreshell/internal/hotkey"
	"github.com/loykin/coreshell/internal/logbuf"
	"github.com/loykin/coreshell/internal/manager"
	"github.com/loykin/coreshell/internal/metrics"
	"github.com/loykin/coreshell/internal/probe"
	"github.com/loykin/coreshell/internal/process"
	"github.com/loykin/coreshell/internal/settings"
	"github.com/loykin/coreshell/internal/startup"
	"github.com/loykin/coreshell/internal/status"
	"github.com/loykin/coreshell/internal/sysproxy"
)

// DefaultConfigName is tried in the configs directory when no last config
// was remembered.
const DefaultConfigName = "default.json"

var ErrNotRunning = errors.New("core is not running")

// Options wires an App. Nil collaborators get platform defaults.
type Options struct {
	Config   *config.Config
	Settings *settings.Store
	Logger   *slog.Logger
	Worker   manager.Worker
	Proxy    sysproxy.Capability
	Startup  startup.Launcher
	History  history.Sink
	// Registerer receives the metrics when metrics are enabled.
	Registerer prometheus.Registerer
	// ClearProxyOnExit clears the system proxy during Shutdown if this App
	// enabled it.
	ClearProxyOnExit bool
}

// App is everything a front end drives: one core, its config, probes, the
// system proxy, hotkeys and persisted settings.
type App struct {
	cfg      *config.Config
	store    *settings.Store
	logs     *logbuf.Buffer
	ctrl     *manager.Controller
	worker   manager.Worker
	status   *status.Publisher
	prober   *probe.Prober
	sched    *probe.Scheduler
	hotkeys  *hotkey.Dispatcher
	proxy    sysproxy.Capability
	launcher startup.Launcher
	sampler  *metrics.Sampler
	history  history.Sink
	ownsHist bool
	baseSpec process.Spec

	clearProxyOnExit bool

	mu         sync.RWMutex
	configPath string
	settings   settings.Settings
	proxyOn    bool

	bg       sync.WaitGroup
	shutdown sync.Once
	logger   *slog.Logger
}

// New builds the App. Nothing is started until Init.
func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("shell: config is required")
	}
	if opts.Settings == nil {
		return nil, errors.New("shell: settings store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config
	base, err := cfg.Spec("")
	if err != nil {
		return nil, fmt.Errorf("core environment: %w", err)
	}

	a := &App{
		cfg:              cfg,
		store:            opts.Settings,
		logs:             logbuf.New(cfg.Log.BufferLines),
		worker:           opts.Worker,
		proxy:            opts.Proxy,
		launcher:         opts.Startup,
		history:          opts.History,
		baseSpec:         base,
		clearProxyOnExit: opts.ClearProxyOnExit,
		logger:           opts.Logger.With("component", "app"),
	}
	if a.worker == nil {
		a.worker = process.New(opts.Logger)
	}
	if a.proxy == nil {
		a.proxy = sysproxy.New()
	}
	a.proxy = sysproxy.Logged(a.proxy, opts.Logger)
	if a.launcher == nil {
		a.launcher = startup.New()
	}
	if a.history == nil && cfg.History.DSN != "" {
		sink, err := history.NewSQLSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		a.history, a.ownsHist = sink, true
	}

	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			a.logger.Warn("metrics registration failed", "error", err)
		}
		a.sampler = metrics.NewSampler(cfg.Metrics.Sampler, opts.Logger)
		if err := a.sampler.RegisterMetrics(reg); err != nil {
			a.logger.Warn("sampler registration failed", "error", err)
		}
	}

	a.ctrl = manager.NewController(a.worker, manager.Options{
		Logger:  opts.Logger,
		Sink:    a.logs,
		Spec:    a.spec,
		Grace:   cfg.Core.Grace,
		History: a.history,
	})
	a.status = status.New(a.store, opts.Logger)
	a.status.Attach(a.ctrl)
	a.prober = probe.New(probe.Config{
		SpeedURL:       cfg.Probe.SpeedURL,
		LatencyTimeout: cfg.Probe.LatencyTimeout,
		SpeedTimeout:   cfg.Probe.SpeedTimeout,
	}, a.logs, opts.Logger)
	a.sched = probe.NewScheduler(opts.Logger)
	a.hotkeys = hotkey.NewDispatcher(opts.Logger)
	a.settings = a.store.Load()
	return a, nil
}

func (a *App) spec() process.Spec {
	s := a.baseSpec
	s.ConfigPath = a.ConfigPath()
	return s
}

func (a *App) say(format string, args ...any) {
	a.logs.Append(logbuf.SourceSupervisor, fmt.Sprintf(format, args...))
}

// Init restores the last config (falling back to configs/default.json),
// binds hotkeys, schedules probes, starts sampling and auto-starts the core
// when configured.
func (a *App) Init(ctx context.Context) error {
	if p := a.store.LastConfig(); p != "" {
		a.setConfig(p)
		a.say("Loaded last used config: %s", p)
	} else if def := filepath.Join(a.cfg.Core.ConfigsDir, DefaultConfigName); config.Exists(def) {
		a.setConfig(def)
		a.say("Loaded default config: %s", def)
	} else {
		a.say("Default config not found (%s).", def)
	}

	st := a.Settings()
	a.applyHotkeys(st)
	a.applySchedule(st)
	a.sched.Start()
	if a.sampler != nil {
		a.sampler.Start(ctx, a.PID)
	}

	if st.AutoStartCore && a.ConfigPath() != "" {
		if err := a.ctrl.Start(ctx, manager.TriggerAutostart); err != nil {
			a.logger.Warn("auto start failed", "error", err)
			return err
		}
	}
	return nil
}

// PID returns the core's process id while it runs, else 0.
func (a *App) PID() int {
	if s, ok := a.worker.(interface{ PID() int }); ok {
		return s.PID()
	}
	return 0
}

// Usage returns the last resource sample, or false when sampling is off.
func (a *App) Usage() (metrics.Usage, bool) {
	if a.sampler == nil {
		return metrics.Usage{}, false
	}
	return a.sampler.Last(), true
}

func (a *App) Logs() *logbuf.Buffer            { return a.logs }
func (a *App) Controller() *manager.Controller { return a.ctrl }
func (a *App) Status() *status.Publisher       { return a.status }
func (a *App) Hotkeys() *hotkey.Dispatcher     { return a.hotkeys }
func (a *App) History() history.Sink           { return a.history }

// ConfigPath returns the selected core config, or "".
func (a *App) ConfigPath() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.configPath
}

func (a *App) setConfig(path string) {
	a.mu.Lock()
	a.configPath = path
	a.mu.Unlock()
	a.status.SetConfigSelected(path != "")
}

// SelectConfig makes path the active config and remembers it.
func (a *App) SelectConfig(path string) error {
	if !config.Exists(path) {
		return fmt.Errorf("%w: %s", os.ErrNotExist, path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	a.setConfig(path)
	a.say("Selected config: %s", path)
	if err := a.store.SaveLastConfig(path); err != nil {
		a.say("Failed to remember config path: %v", err)
		a.logger.Warn("save last config failed", "error", err)
	}
	return nil
}

// ReadConfig returns the active config re-indented for editing.
func (a *App) ReadConfig() ([]byte, error) {
	p := a.ConfigPath()
	if p == "" {
		return nil, manager.ErrNoConfig
	}
	b, err := coreconfig.Load(p)
	if err != nil {
		a.say("Failed to load config: %v", err)
		return nil, err
	}
	return b, nil
}

// SaveConfig replaces the active config with raw when raw is valid JSON.
func (a *App) SaveConfig(raw []byte) error {
	p := a.ConfigPath()
	if p == "" {
		return manager.ErrNoConfig
	}
	if err := coreconfig.Save(p, raw); err != nil {
		if errors.Is(err, coreconfig.ErrInvalidJSON) {
			a.say("Save failed: config is not valid JSON.")
		} else {
			a.say("Failed to save config: %v", err)
		}
		return err
	}
	a.say("Config saved to: %s", p)
	return nil
}

// GenerateConfig writes a new config into the configs directory and
// selects it.
func (a *App) GenerateConfig(o coreconfig.Options) (string, error) {
	p, err := coreconfig.Generate(a.cfg.Core.ConfigsDir, o)
	if err != nil {
		a.say("Failed to generate config: %v", err)
		return "", err
	}
	a.say("Generated config: %s", p)
	return p, a.SelectConfig(p)
}

// Start asks the Controller to launch the core.
func (a *App) Start(ctx context.Context, trig manager.Trigger) error {
	return a.ctrl.Start(ctx, trig)
}

// Stop blocks until the core is down.
func (a *App) Stop(ctx context.Context, trig manager.Trigger) error {
	return a.ctrl.Stop(ctx, trig)
}

// StopAsync runs Stop on its own goroutine for callers that must not block.
func (a *App) StopAsync(trig manager.Trigger) <-chan error {
	ch := make(chan error, 1)
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		ch <- a.ctrl.Stop(context.Background(), trig)
	}()
	return ch
}

func (a *App) rawConfig() ([]byte, error) {
	p := a.ConfigPath()
	if p == "" {
		a.say("Error: no config selected.")
		return nil, manager.ErrNoConfig
	}
	return os.ReadFile(filepath.Clean(p))
}

// Latency TCP-pings the upstream server of the active config.
func (a *App) Latency(ctx context.Context) (probe.LatencyResult, error) {
	raw, err := a.rawConfig()
	if err != nil {
		return probe.LatencyResult{}, err
	}
	return a.prober.Latency(ctx, raw)
}

// Speed downloads through the running core's HTTP inbound.
func (a *App) Speed(ctx context.Context) (probe.SpeedResult, error) {
	if a.ctrl.State() != manager.StateRunning {
		a.say("Error: core is not running, cannot test speed.")
		return probe.SpeedResult{}, ErrNotRunning
	}
	raw, err := a.rawConfig()
	if err != nil {
		return probe.SpeedResult{}, err
	}
	return a.prober.Speed(ctx, raw)
}

// EnableProxy points the system proxy at addr, or at the configured
// proxy address when addr is empty.
func (a *App) EnableProxy(addr string) error {
	if addr == "" {
		addr = a.Settings().ProxyAddress
	}
	if err := a.proxy.Set(addr); err != nil {
		a.say("Failed to set system proxy: %v", err)
		return err
	}
	a.mu.Lock()
	a.proxyOn = true
	a.mu.Unlock()
	a.say("System proxy set to: %s", addr)
	return nil
}

// DisableProxy clears the system proxy.
func (a *App) DisableProxy() error {
	if err := a.proxy.Clear(); err != nil {
		a.say("Failed to clear system proxy: %v", err)
		return err
	}
	a.mu.Lock()
	a.proxyOn = false
	a.mu.Unlock()
	a.say("System proxy cleared.")
	return nil
}

// ProxyEnabled reports whether this App set the system proxy.
func (a *App) ProxyEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.proxyOn
}

func (a *App) ProxyBackend() string { return a.proxy.Name() }

// Settings returns the current preferences.
func (a *App) Settings() settings.Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// UpdateSettings validates and persists fn's changes, then applies
// whatever changed: hotkeys, probe schedule and run-on-startup.
func (a *App) UpdateSettings(fn func(*settings.Settings)) (settings.Settings, error) {
	prev := a.Settings()
	next, err := a.store.Update(fn)
	if err != nil {
		return prev, err
	}
	a.mu.Lock()
	a.settings = next
	a.mu.Unlock()

	if fmt.Sprint(prev.Hotkeys()) != fmt.Sprint(next.Hotkeys()) {
		a.applyHotkeys(next)
	}
	if prev.ProbeSchedule != next.ProbeSchedule {
		a.applySchedule(next)
	}
	if prev.RunOnStartup != next.RunOnStartup {
		if err := startup.Apply(a.launcher, next.RunOnStartup, "serve"); err != nil {
			a.say("Failed to change run on startup: %v", err)
			return next, err
		}
		a.say("Run on startup %s.", enabledWord(next.RunOnStartup))
	}
	if prev.AutoStartCore != next.AutoStartCore {
		a.say("Auto start core %s.", enabledWord(next.AutoStartCore))
	}
	return next, nil
}

func enabledWord(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

func (a *App) applyHotkeys(st settings.Settings) {
	a.hotkeys.Reset()
	hk := st.Hotkeys()
	for name, combo := range hk {
		act := hotkey.Action(name)
		if err := a.hotkeys.Bind(combo, act, func() { a.runAction(act) }); err != nil {
			a.say("Failed to set hotkey %s: %v (expected a form like '<ctrl>+<alt>+e')", combo, err)
		}
	}
	a.say("Hotkeys set: enable proxy (%s), clear proxy (%s)", st.EnableProxyHotkey, st.DisableProxyHotkey)
}

// runAction performs a hotkey action. It runs on the dispatcher's goroutine.
func (a *App) runAction(act hotkey.Action) {
	var err error
	switch act {
	case hotkey.ActionEnableProxy:
		err = a.EnableProxy("")
	case hotkey.ActionDisableProxy:
		err = a.DisableProxy()
	case hotkey.ActionStartCore:
		err = a.ctrl.Start(context.Background(), manager.TriggerHotkey)
	case hotkey.ActionStopCore:
		err = <-a.StopAsync(manager.TriggerHotkey)
	}
	if err != nil {
		a.logger.Info("hotkey action failed", "action", act, "error", err)
	}
}

func (a *App) applySchedule(st settings.Settings) {
	err := a.sched.Set(st.ProbeSchedule, func(ctx context.Context) {
		if a.ConfigPath() == "" {
			return
		}
		if _, err := a.Latency(ctx); err != nil {
			a.logger.Debug("scheduled latency probe failed", "error", err)
		}
	})
	if err != nil {
		a.say("Invalid probe schedule: %v", err)
	}
}

// Shutdown stops the core, background work and, when configured, clears
// the system proxy. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.shutdown.Do(func() {
		a.sched.Stop()
		a.hotkeys.Reset()
		if a.sampler != nil {
			a.sampler.Stop()
		}
		if a.ctrl.State() != manager.StateStopped {
			// a start in flight settles quickly; give it a moment
			deadline := time.Now().Add(2 * time.Second)
			for a.ctrl.State() != manager.StateRunning && a.ctrl.State() != manager.StateStopped && time.Now().Before(deadline) {
				time.Sleep(20 * time.Millisecond)
			}
			if e := a.ctrl.Stop(ctx, manager.TriggerShutdown); e != nil {
				err = errors.Join(err, e)
			}
		}
		if a.clearProxyOnExit && a.ProxyEnabled() {
			err = errors.Join(err, a.DisableProxy())
		}
		a.bg.Wait()
		a.status.Flush()
		a.status.Close()
		if a.ownsHist {
			if c, ok := a.history.(interface{ Close() error }); ok {
				err = errors.Join(err, c.Close())
			}
		}
		a.logger.Info("shutdown complete")
	})
	return err
}
