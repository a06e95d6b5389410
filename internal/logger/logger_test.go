package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestCoreWriters_Disabled(t *testing.T) {
	outW, errW, err := Config{}.CoreWriters("core")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)
}

func TestCoreWriters_WithDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "core-logs")
	cfg := Config{CoreDir: dir}
	outW, errW, err := cfg.CoreWriters("xray")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)

	b, err := os.ReadFile(filepath.Join(dir, "xray.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello-out\n", string(b))
	_, err = os.Stat(filepath.Join(dir, "xray.stderr.log"))
	assert.NoError(t, err)
}

func TestCoreWriters_DefaultName(t *testing.T) {
	dir := t.TempDir()
	outW, errW, err := Config{CoreDir: dir}.CoreWriters("")
	require.NoError(t, err)
	_, _ = outW.Write([]byte("x"))
	closeIf(outW)
	closeIf(errW)
	_, err = os.Stat(filepath.Join(dir, "core.stdout.log"))
	assert.NoError(t, err)
}

func TestRotatorDefaults(t *testing.T) {
	l := FileConfig{}.rotator("x.log")
	assert.Equal(t, DefaultMaxSizeMB, l.MaxSize)
	assert.Equal(t, DefaultMaxBackups, l.MaxBackups)
	assert.Equal(t, DefaultMaxAgeDays, l.MaxAge)

	l = FileConfig{MaxSizeMB: 1, MaxBackups: 2, MaxAgeDays: 3, Compress: true}.rotator("y.log")
	assert.Equal(t, 1, l.MaxSize)
	assert.Equal(t, 2, l.MaxBackups)
	assert.Equal(t, 3, l.MaxAge)
	assert.True(t, l.Compress)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew_JSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l, c := Config{Level: "warn", Format: FormatJSON}.New(&buf)
	defer closeIf(c)
	l.Info("hidden")
	l.Warn("shown", "k", "v")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"k":"v"`)
}

func TestNew_ColorConsolePlainFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "app.log")
	l, c := Config{Format: FormatColor, File: FileConfig{Path: path}}.New(&buf)
	l.With("run", 1).Error("boom")
	closeIf(c)

	assert.Contains(t, buf.String(), "\033[31m")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "boom")
	assert.Contains(t, string(b), "run=1")
	assert.False(t, strings.Contains(string(b), "\033["), "file output has no ANSI codes")
}

func TestColorTextHandler_HidesTime(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewColorTextHandler(&buf, nil, false))
	l.Info("hello")
	assert.NotContains(t, buf.String(), "time=")
	assert.Contains(t, buf.String(), "hello")
}
