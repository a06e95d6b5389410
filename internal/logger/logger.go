package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Output formats accepted in Config.Format.
const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatColor = "color"
)

// FileConfig describes an optional rotating application log file.
type FileConfig struct {
	Path       string `mapstructure:"path" json:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

// Config drives both the application logger and the mirroring of the proxy
// core's output to disk.
//
// When CoreDir is set, worker output is additionally written to
// CoreDir/<name>.stdout.log and CoreDir/<name>.stderr.log with the same
// rotation parameters as File.
type Config struct {
	Level       string     `mapstructure:"level" json:"level"`
	Format      string     `mapstructure:"format" json:"format"`
	File        FileConfig `mapstructure:"file" json:"file"`
	CoreDir     string     `mapstructure:"core_dir" json:"core_dir"`
	BufferLines int        `mapstructure:"buffer_lines" json:"buffer_lines"`
}

// ParseLevel maps a level name to slog.Level; unknown names yield Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a slog.Logger writing to console (usually os.Stderr) and, when
// File.Path is set, to a rotating file. The returned closer releases the file.
func (c Config) New(console io.Writer) (*slog.Logger, io.Closer) {
	if console == nil {
		console = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}

	var file *lj.Logger
	out := console
	if c.File.Path != "" {
		_ = os.MkdirAll(filepath.Dir(c.File.Path), 0o750)
		file = c.File.rotator(c.File.Path)
		out = io.MultiWriter(console, file)
	}

	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case FormatJSON:
		h = slog.NewJSONHandler(out, opts)
	case FormatColor:
		// ANSI sequences only belong on the terminal
		if file != nil {
			h = fanout{NewColorTextHandler(console, opts, true), slog.NewTextHandler(file, opts)}
		} else {
			h = NewColorTextHandler(console, opts, true)
		}
	default:
		h = slog.NewTextHandler(out, opts)
	}
	if file == nil {
		return slog.New(h), nopCloser{}
	}
	return slog.New(h), file
}

// CoreWriters returns rotating writers for a worker's stdout and stderr, or
// nils when CoreDir is empty.
func (c Config) CoreWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	if c.CoreDir == "" {
		return nil, nil, nil
	}
	if name == "" {
		name = "core"
	}
	if err := os.MkdirAll(c.CoreDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create core log dir: %w", err)
	}
	outW := c.File.rotator(filepath.Join(c.CoreDir, fmt.Sprintf("%s.stdout.log", name)))
	errW := c.File.rotator(filepath.Join(c.CoreDir, fmt.Sprintf("%s.stderr.log", name)))
	return outW, errW, nil
}

func (f FileConfig) rotator(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
