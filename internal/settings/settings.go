package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/spf13/viper"

	"github.com/loykin/coreshell/internal/hotkey"
	"github.com/loykin/coreshell/internal/probe"
)

const (
	AppDirName     = "coreshell"
	SettingsFile   = "settings.json"
	LastConfigFile = "last_config.txt"
	LockFile       = "coreshell.lock"
)

var ErrLocked = errors.New("another coreshell instance holds the lock")

// Settings is the user-editable preference blob.
type Settings struct {
	RunOnStartup       bool   `mapstructure:"run_on_startup" json:"run_on_startup"`
	AutoStartCore      bool   `mapstructure:"auto_start_core" json:"auto_start_core"`
	EnableProxyHotkey  string `mapstructure:"enable_proxy_hotkey" json:"enable_proxy_hotkey"`
	DisableProxyHotkey string `mapstructure:"disable_proxy_hotkey" json:"disable_proxy_hotkey"`
	StartCoreHotkey    string `mapstructure:"start_core_hotkey" json:"start_core_hotkey"`
	StopCoreHotkey     string `mapstructure:"stop_core_hotkey" json:"stop_core_hotkey"`
	ProxyAddress       string `mapstructure:"proxy_address" json:"proxy_address"`
	ProbeSchedule      string `mapstructure:"probe_schedule" json:"probe_schedule"`
}

// Defaults returns the settings used for missing keys.
func Defaults() Settings {
	return Settings{
		EnableProxyHotkey:  "<alt>+z",
		DisableProxyHotkey: "<alt>+x",
		ProxyAddress:       "127.0.0.1:10809",
	}
}

func (s Settings) toMap() map[string]any {
	return map[string]any{
		"run_on_startup":       s.RunOnStartup,
		"auto_start_core":      s.AutoStartCore,
		"enable_proxy_hotkey":  s.EnableProxyHotkey,
		"disable_proxy_hotkey": s.DisableProxyHotkey,
		"start_core_hotkey":    s.StartCoreHotkey,
		"stop_core_hotkey":     s.StopCoreHotkey,
		"proxy_address":        s.ProxyAddress,
		"probe_schedule":       s.ProbeSchedule,
	}
}

// Hotkeys returns the configured combos by action name. Empty combos are
// left out.
func (s Settings) Hotkeys() map[string]string {
	out := map[string]string{}
	for name, combo := range map[string]string{
		"enable_proxy":  s.EnableProxyHotkey,
		"disable_proxy": s.DisableProxyHotkey,
		"start_core":    s.StartCoreHotkey,
		"stop_core":     s.StopCoreHotkey,
	} {
		if strings.TrimSpace(combo) != "" {
			out[name] = combo
		}
	}
	return out
}

// Validate checks hotkeys, the proxy address and the probe schedule. The
// proxy hotkeys are required, the core hotkeys optional, and no two may
// share a combination.
func (s Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.EnableProxyHotkey) == "" || strings.TrimSpace(s.DisableProxyHotkey) == "" {
		errs = append(errs, errors.New("proxy hotkeys must not be empty"))
	}
	hk := s.Hotkeys()
	names := make([]string, 0, len(hk))
	for name := range hk {
		names = append(names, name)
	}
	sort.Strings(names)
	seen := map[string]string{}
	for _, name := range names {
		c, err := hotkey.Parse(hk[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s_hotkey: %w", name, err))
			continue
		}
		if other, dup := seen[c.String()]; dup {
			errs = append(errs, fmt.Errorf("%s_hotkey and %s_hotkey share %s", other, name, c))
			continue
		}
		seen[c.String()] = name
	}
	if err := ValidateAddress(s.ProxyAddress); err != nil {
		errs = append(errs, fmt.Errorf("proxy_address: %w", err))
	}
	if strings.TrimSpace(s.ProbeSchedule) != "" {
		if err := probe.ValidateSchedule(s.ProbeSchedule); err != nil {
			errs = append(errs, fmt.Errorf("probe_schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ValidateAddress accepts a non-empty host:port with a numeric port.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("missing host")
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// DefaultDir returns <UserConfigDir>/coreshell.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", err
		}
		base = home
	}
	return filepath.Join(base, AppDirName), nil
}

// Store persists Settings and the last used config path in one directory.
type Store struct {
	dir    string
	mu     sync.Mutex
	lock   *flock.Flock
	logger *slog.Logger
}

// Open prepares dir (created if missing).
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	return &Store{dir: dir, logger: logger.With("component", "settings")}, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

// Load reads settings.json. Missing keys are backfilled from Defaults,
// unknown keys are ignored, and an unreadable file yields Defaults.
func (s *Store) Load() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() Settings {
	v := viper.New()
	v.SetConfigFile(s.path(SettingsFile))
	v.SetConfigType("json")
	for k, val := range Defaults().toMap() {
		v.SetDefault(k, val)
	}
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				s.logger.Warn("settings unreadable, using defaults", "error", err)
				return Defaults()
			}
		}
	}
	var out Settings
	if err := v.Unmarshal(&out); err != nil {
		s.logger.Warn("settings invalid, using defaults", "error", err)
		return Defaults()
	}
	return out
}

// Save validates and writes settings.json.
func (s *Store) Save(st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(st)
}

func (s *Store) saveLocked(st Settings) error {
	v := viper.New()
	v.SetConfigType("json")
	for k, val := range st.toMap() {
		v.Set(k, val)
	}
	if err := v.WriteConfigAs(s.path(SettingsFile)); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// Update applies fn to the stored settings and saves the result.
func (s *Store) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.loadLocked()
	fn(&st)
	if err := st.Validate(); err != nil {
		return st, err
	}
	return st, s.saveLocked(st)
}

// LastConfig returns the remembered config path, or "" when none was saved
// or the file it names no longer exists.
func (s *Store) LastConfig() string {
	b, err := os.ReadFile(s.path(LastConfigFile))
	if err != nil {
		return ""
	}
	p := strings.TrimSpace(string(b))
	if p == "" {
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		s.logger.Info("last config no longer exists", "path", p)
		return ""
	}
	return p
}

// SaveLastConfig remembers path as the last launched config.
func (s *Store) SaveLastConfig(path string) error {
	if err := os.WriteFile(s.path(LastConfigFile), []byte(path), 0o600); err != nil {
		return fmt.Errorf("save last config: %w", err)
	}
	return nil
}

// Lock takes the single-instance lock without blocking.
func (s *Store) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		s.lock = flock.New(s.path(LockFile))
	}
	ok, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock releases the single-instance lock.
func (s *Store) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}
