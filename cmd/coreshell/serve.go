package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/coreshell/internal/config"
	"github.com/loykin/coreshell/internal/logbuf"
	"github.com/loykin/coreshell/internal/server"
	"github.com/loykin/coreshell/internal/settings"
	"github.com/loykin/coreshell/internal/shell"
)

// APIBasePath is where serve mounts the control API.
const APIBasePath = "/api"

// runServe runs the shell until ctx is cancelled. Shell messages and core
// output are echoed to out.
func runServe(ctx context.Context, f ServeFlags, out io.Writer) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f.Listen != "" {
		cfg.Server.Enabled = true
		cfg.Server.Listen = f.Listen
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}
	if out == nil {
		out = os.Stdout
	}

	logger, closer := cfg.Log.New(os.Stderr)
	defer func() { _ = closer.Close() }()

	store, err := settings.Open(cfg.DataDir, logger)
	if err != nil {
		return err
	}
	if err := store.Lock(); err != nil {
		if errors.Is(err, settings.ErrLocked) {
			return fmt.Errorf("coreshell is already running (lock held in %s)", store.Dir())
		}
		return err
	}
	defer func() { _ = store.Unlock() }()
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	app, err := shell.New(shell.Options{
		Config:           cfg,
		Settings:         store,
		Logger:           logger,
		Registerer:       prometheus.DefaultRegisterer,
		ClearProxyOnExit: !f.KeepProxy,
	})
	if err != nil {
		return err
	}

	lines, unsubscribe := app.Logs().Subscribe(256)
	echoed := make(chan struct{})
	go func() {
		defer close(echoed)
		for ln := range lines {
			_, _ = fmt.Fprintln(out, echoLine(ln))
		}
	}()

	if err := app.Init(ctx); err != nil {
		logger.Warn("startup incomplete", "error", err)
	}

	var srv *http.Server
	if cfg.Server.Enabled {
		srv, err = server.NewServer(cfg.Server.Listen, APIBasePath, app)
		if err != nil {
			_ = app.Shutdown(context.Background())
			unsubscribe()
			<-echoed
			return fmt.Errorf("failed to create HTTP server: %w", err)
		}
		_, _ = fmt.Fprintf(out, "Starting coreshell API server on %s%s\n", srv.Addr, APIBasePath)
	}

	<-ctx.Done()
	_, _ = fmt.Fprintln(out, "Shutting down...")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Core.Grace+5*time.Second)
	defer cancel()
	if srv != nil {
		_ = srv.Shutdown(sctx)
	}
	err = app.Shutdown(sctx)
	unsubscribe()
	<-echoed
	return err
}

func echoLine(ln logbuf.Line) string {
	if ln.Source == logbuf.SourceSupervisor {
		return ln.Text
	}
	return fmt.Sprintf("[%s] %s", ln.Source, ln.Text)
}
