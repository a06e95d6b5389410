package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/coreshell/internal/coreconfig"
	"github.com/loykin/coreshell/internal/probe"
	"github.com/loykin/coreshell/pkg/client"
)

// speed probes download for up to a minute
const slowTimeout = 90 * time.Second

type command struct {
	api  *client.Client
	slow *client.Client
	url  string
	out  io.Writer
}

func newCommand(g *GlobalFlags, out io.Writer) command {
	url := g.APIUrl
	if url == "" {
		url = client.DefaultBaseURL
	}
	if out == nil {
		out = os.Stdout
	}
	return command{
		api:  client.New(client.Config{BaseURL: url, Timeout: g.APITimeout}),
		slow: client.New(client.Config{BaseURL: url, Timeout: max(g.APITimeout, slowTimeout)}),
		url:  url,
		out:  out,
	}
}

func (c command) reachable(ctx context.Context) error {
	if !c.api.IsReachable(ctx) {
		return fmt.Errorf("coreshell not reachable at %s - please start it first with 'coreshell serve'", c.url)
	}
	return nil
}

func (c command) Start(ctx context.Context) error {
	if err := c.reachable(ctx); err != nil {
		return err
	}
	if err := c.api.Start(ctx); err != nil {
		return err
	}
	return c.Status(ctx, StatusFlags{})
}

func (c command) Stop(ctx context.Context, f StopFlags) error {
	if err := c.reachable(ctx); err != nil {
		return err
	}
	api := c.api
	if f.Wait > 0 {
		api = c.slow
	}
	if err := api.Stop(ctx, f.Wait); err != nil {
		return err
	}
	return c.Status(ctx, StatusFlags{})
}

func (c command) Status(ctx context.Context, f StatusFlags) error {
	if !f.Watch {
		st, err := c.api.Status(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, st)
		return nil
	}
	interval := f.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	var last string
	for {
		st, err := c.api.Status(ctx)
		if err != nil {
			return err
		}
		if line := statusLine(st); line != last {
			_, _ = fmt.Fprintln(c.out, line)
			last = line
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (c command) Logs(ctx context.Context, f LogsFlags) error {
	var (
		logs client.Logs
		err  error
	)
	if f.Tail > 0 {
		logs, err = c.api.Tail(ctx, f.Tail)
	} else {
		logs, err = c.api.Logs(ctx, f.Since)
	}
	if err != nil {
		return err
	}
	c.printLines(logs)
	if !f.Follow {
		return nil
	}
	interval := f.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	since := logs.Last
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		logs, err = c.api.Logs(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.printLines(logs)
		since = logs.Last
	}
}

func (c command) printLines(logs client.Logs) {
	if logs.Lost {
		_, _ = fmt.Fprintln(c.out, "... earlier lines were dropped from the buffer")
	}
	for _, ln := range logs.Lines {
		_, _ = fmt.Fprintln(c.out, formatLine(ln))
	}
}

func (c command) Latency(ctx context.Context) error {
	if err := c.reachable(ctx); err != nil {
		return err
	}
	res, err := c.api.Latency(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%s:%d %.2f ms\n", res.Address, res.Port, float64(res.RTT.Microseconds())/1000)
	return nil
}

func (c command) Speed(ctx context.Context) error {
	if err := c.reachable(ctx); err != nil {
		return err
	}
	res, err := c.slow.Speed(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "%.2f Mbps (%d bytes in %s)\n", res.Mbps, res.Bytes, res.Duration.Round(time.Millisecond))
	return nil
}

func (c command) ProxySet(ctx context.Context, addr string) error {
	if err := c.reachable(ctx); err != nil {
		return err
	}
	return c.api.SetProxy(ctx, addr)
}

func (c command) ProxyClear(ctx context.Context) error {
	if err := c.reachable(ctx); err != nil {
		return err
	}
	return c.api.ClearProxy(ctx)
}

func (c command) ConfigShow(ctx context.Context) error {
	raw, err := c.api.Config(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, string(raw))
	return nil
}

func (c command) ConfigSelect(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	p, err := c.api.SelectConfig(ctx, abs)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, p)
	return nil
}

// ConfigSave uploads file as the active config.
func (c command) ConfigSave(ctx context.Context, file string) error {
	raw, err := os.ReadFile(filepath.Clean(file))
	if err != nil {
		return err
	}
	if err := coreconfig.Validate(raw); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	return c.api.SaveConfig(ctx, raw)
}

func (c command) ConfigGenerate(ctx context.Context, f GenerateFlags) error {
	p, err := c.api.GenerateConfig(ctx, client.GenerateRequest{
		Name: f.Name, Address: f.Address, Port: f.Port, UUID: f.UUID,
		Network: f.Network, WSPath: f.WSPath, TLS: f.TLS,
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, p)
	return nil
}

// ConfigValidate checks a core config file locally and reports the
// endpoints the probes would use.
func (c command) ConfigValidate(file string) error {
	raw, err := os.ReadFile(filepath.Clean(file))
	if err != nil {
		return err
	}
	if err := coreconfig.Validate(raw); err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	ep := probe.ExtractEndpoints(raw)
	srv, httpPort := "not found", "not found"
	if ep.HasServer() {
		srv = fmt.Sprintf("%s:%d", ep.Address, ep.Port)
	}
	if ep.HasHTTP() {
		httpPort = strconv.Itoa(ep.HTTPPort)
	}
	_, _ = fmt.Fprintf(c.out, "%s: valid JSON\n  server: %s\n  http inbound: %s\n", file, srv, httpPort)
	return nil
}

func (c command) SettingsShow(ctx context.Context) error {
	st, err := c.api.Settings(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c command) SettingsSet(ctx context.Context, pairs []string) error {
	patch, err := parseSettingsPairs(pairs)
	if err != nil {
		return err
	}
	st, err := c.api.UpdateSettings(ctx, patch)
	if err != nil {
		return err
	}
	printJSON(c.out, st)
	return nil
}

func (c command) Hotkey(ctx context.Context, combo string) error {
	act, err := c.api.FireHotkey(ctx, combo)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, act)
	return nil
}

func (c command) History(ctx context.Context, f HistoryFlags) error {
	events, err := c.api.History(ctx, f.Limit)
	if err != nil {
		return err
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-5s  %-9s  %s", e.OccurredAt.Local().Format(time.DateTime), e.Type, e.Trigger, e.ConfigPath)
		if e.Type == "stop" {
			line += fmt.Sprintf("  exit=%d cause=%s", e.ExitCode, e.Cause)
		}
		_, _ = fmt.Fprintln(c.out, line)
	}
	return nil
}

var boolSettings = map[string]bool{"run_on_startup": true, "auto_start_core": true}

var stringSettings = map[string]bool{
	"enable_proxy_hotkey": true, "disable_proxy_hotkey": true,
	"start_core_hotkey": true, "stop_core_hotkey": true,
	"proxy_address": true, "probe_schedule": true,
}

// parseSettingsPairs turns key=value arguments into a settings patch.
func parseSettingsPairs(pairs []string) (client.SettingsPatch, error) {
	if len(pairs) == 0 {
		return nil, errors.New("at least one key=value is required")
	}
	patch := client.SettingsPatch{}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid setting %q, expected key=value", kv)
		}
		switch {
		case boolSettings[k]:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			patch[k] = b
		case stringSettings[k]:
			patch[k] = v
		default:
			return nil, fmt.Errorf("unknown setting %q (known: %s)", k, strings.Join(settingKeys(), ", "))
		}
	}
	return patch, nil
}

func settingKeys() []string {
	keys := make([]string, 0, len(boolSettings)+len(stringSettings))
	for k := range boolSettings {
		keys = append(keys, k)
	}
	for k := range stringSettings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
