package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/coreshell/internal/env"
	"github.com/loykin/coreshell/internal/logger"
	"github.com/loykin/coreshell/internal/metrics"
	"github.com/loykin/coreshell/internal/process"
)

// EnvPrefix prefixes environment overrides, e.g. CORESHELL_SERVER_LISTEN.
const EnvPrefix = "CORESHELL"

// Config is the top-level TOML structure.
type Config struct {
	DataDir string        `toml:"data_dir" mapstructure:"data_dir"`
	Core    CoreConfig    `toml:"core" mapstructure:"core"`
	Log     logger.Config `toml:"log" mapstructure:"log"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Probe   ProbeConfig   `toml:"probe" mapstructure:"probe"`
}

type CoreConfig struct {
	Name       string        `toml:"name" mapstructure:"name"`
	Executable string        `toml:"executable" mapstructure:"executable"`
	WorkDir    string        `toml:"workdir" mapstructure:"workdir"`
	Args       []string      `toml:"args" mapstructure:"args"`
	ConfigsDir string        `toml:"configs_dir" mapstructure:"configs_dir"`
	Grace      time.Duration `toml:"grace" mapstructure:"grace"`
	Env        []string      `toml:"env" mapstructure:"env"`
	EnvFiles   []string      `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv   bool          `toml:"use_os_env" mapstructure:"use_os_env"`
}

type ServerConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type MetricsConfig struct {
	Enabled bool                  `toml:"enabled" mapstructure:"enabled"`
	Sampler metrics.SamplerConfig `toml:"sampler" mapstructure:"sampler"`
}

type HistoryConfig struct {
	// DSN selects the sink: sqlite://path, a bare file path, or postgres://...
	// Empty disables history.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ProbeConfig struct {
	SpeedURL       string        `toml:"speed_url" mapstructure:"speed_url"`
	LatencyTimeout time.Duration `toml:"latency_timeout" mapstructure:"latency_timeout"`
	SpeedTimeout   time.Duration `toml:"speed_timeout" mapstructure:"speed_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "")
	v.SetDefault("core.name", process.DefaultName)
	v.SetDefault("core.executable", defaultExecutable())
	v.SetDefault("core.workdir", "")
	v.SetDefault("core.args", []string{})
	v.SetDefault("core.configs_dir", "configs")
	v.SetDefault("core.grace", process.DefaultGrace)
	v.SetDefault("core.env", []string{})
	v.SetDefault("core.env_files", []string{})
	v.SetDefault("core.use_os_env", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatColor)
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("log.core_dir", "")
	v.SetDefault("log.buffer_lines", 2000)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:10880")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.sampler.enabled", true)
	v.SetDefault("metrics.sampler.interval", 5*time.Second)

	v.SetDefault("history.dsn", "")

	v.SetDefault("probe.speed_url", "http://cachefly.cachefly.net/10mb.test")
	v.SetDefault("probe.latency_timeout", 10*time.Second)
	v.SetDefault("probe.speed_timeout", 60*time.Second)
}

func defaultExecutable() string {
	if filepath.Separator == '\\' {
		return filepath.Join("v2fly-core", "v2ray.exe")
	}
	return filepath.Join("v2fly-core", "v2ray")
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	return Load("")
}

// Load reads path (TOML) over the defaults. An empty path only applies
// defaults and CORESHELL_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		c.resolvePaths(filepath.Dir(path))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolvePaths makes relative paths relative to the config file's directory.
func (c *Config) resolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	// bare executable names are PATH lookups
	if strings.ContainsRune(c.Core.Executable, filepath.Separator) || strings.Contains(c.Core.Executable, "/") {
		c.Core.Executable = abs(c.Core.Executable)
	}
	c.Core.WorkDir = abs(c.Core.WorkDir)
	c.Core.ConfigsDir = abs(c.Core.ConfigsDir)
	for i, f := range c.Core.EnvFiles {
		c.Core.EnvFiles[i] = abs(f)
	}
	c.Log.File.Path = abs(c.Log.File.Path)
	c.Log.CoreDir = abs(c.Log.CoreDir)
	c.DataDir = abs(c.DataDir)
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Core.Executable) == "" {
		return fmt.Errorf("core.executable is required")
	}
	if c.Core.Grace < 0 {
		return fmt.Errorf("core.grace must not be negative")
	}
	if c.Log.BufferLines < 0 {
		return fmt.Errorf("log.buffer_lines must not be negative")
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required when the server is enabled")
	}
	if c.Metrics.Sampler.Enabled && c.Metrics.Sampler.Interval <= 0 {
		return fmt.Errorf("metrics.sampler.interval must be positive")
	}
	if c.Probe.LatencyTimeout <= 0 || c.Probe.SpeedTimeout <= 0 {
		return fmt.Errorf("probe timeouts must be positive")
	}
	return nil
}

// Environment composes the worker environment: the OS environment when
// use_os_env is set, then env_files in order, then the env list.
func (c *Config) Environment() ([]string, error) {
	e := env.New()
	if c.Core.UseOSEnv {
		e.FromOS()
	}
	for _, f := range c.Core.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, err
		}
	}
	return e.Merge(c.Core.Env), nil
}

// Spec returns the launch description for configPath.
func (c *Config) Spec(configPath string) (process.Spec, error) {
	environ, err := c.Environment()
	if err != nil {
		return process.Spec{}, err
	}
	return process.Spec{
		Name:       c.Core.Name,
		Executable: c.Core.Executable,
		ConfigPath: configPath,
		Args:       c.Core.Args,
		WorkDir:    c.Core.WorkDir,
		Env:        environ,
		Log:        c.Log,
	}, nil
}

// Exists reports whether path names a regular file.
func Exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
