package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/coreshell/pkg/client"
)

func writeServeConfig(t *testing.T, dir string) string {
	t.Helper()
	body := fmt.Sprintf(`data_dir = %q

[core]
executable = "/bin/sh"
args = ["-c", "sleep 30"]
configs_dir = "configs"
grace = "500ms"

[log]
level = "warn"

[server]
enabled = true
listen = "127.0.0.1:0"

[metrics.sampler]
enabled = false
`, filepath.Join(dir, "state"))
	p := filepath.Join(dir, "coreshell.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

var listenRe = regexp.MustCompile(`API server on (\S+)/api`)

func TestServeRunsUntilCancelled(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cfgPath := writeServeConfig(t, dir)
	out := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, ServeFlags{ConfigPath: cfgPath}, out) }()

	var addr string
	require.Eventually(t, func() bool {
		m := listenRe.FindStringSubmatch(out.String())
		if m == nil {
			return false
		}
		addr = m[1]
		return true
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, out.String(), "Default config not found")

	api := client.New(client.Config{BaseURL: "http://" + addr + APIBasePath, Timeout: 2 * time.Second})
	st, err := api.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.State)

	// a second instance on the same data dir must refuse to run
	err = runServe(context.Background(), ServeFlags{ConfigPath: cfgPath, Listen: "127.0.0.1:0"}, &syncBuffer{})
	assert.ErrorContains(t, err, "already running")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return")
	}
	assert.Contains(t, out.String(), "Shutting down...")
}

func TestServeWritesPidFile(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cfgPath := writeServeConfig(t, dir)
	pidFile := filepath.Join(dir, "coreshell.pid")
	out := &syncBuffer{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, ServeFlags{ConfigPath: cfgPath, PidFile: pidFile}, out) }()

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		return err == nil && string(b) == fmt.Sprint(os.Getpid())
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err), "pid file is removed on exit")
}

func TestServeRejectsBadConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(p, []byte("[core]\ngrace = \"-1s\"\n"), 0o600))
	err := runServe(context.Background(), ServeFlags{ConfigPath: p}, &syncBuffer{})
	assert.ErrorContains(t, err, "error loading config")
}
