package metrics

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherNames(t *testing.T, g prometheus.Gatherer) map[string]int {
	t.Helper()
	mfs, err := g.Gather()
	require.NoError(t, err)
	out := map[string]int{}
	for _, mf := range mfs {
		out[mf.GetName()] = len(mf.GetMetric())
	}
	return out
}

func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg), "second register is a no-op")

	IncStart("button")
	IncStop("graceful")
	ObserveUptime(12)
	IncRejected("start", "hotkey")
	RecordStateTransition("stopped", "starting")
	IncIllegalTransition()
	SetCurrentState("running", []string{"stopped", "running"})
	ObserveLatency("example.com", 0.05)
	IncProbeFailure("speed")
	SetSpeed(42)

	names := gatherNames(t, reg)
	for _, n := range []string{
		"coreshell_core_starts_total",
		"coreshell_core_stops_total",
		"coreshell_core_uptime_seconds",
		"coreshell_actions_rejected_total",
		"coreshell_core_state_transitions_total",
		"coreshell_core_illegal_transitions_total",
		"coreshell_probe_latency_seconds",
		"coreshell_probe_failures_total",
		"coreshell_probe_speed_mbps",
	} {
		assert.Greater(t, names[n], 0, "metric %s missing", n)
	}
	assert.Equal(t, 2, names["coreshell_core_current_state"])
}

func TestRegisterAcceptsAlreadyRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "x"})
	require.NoError(t, registerAll(reg, g))
	assert.NoError(t, registerAll(reg, g))
}

func TestHandlerForServesText(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "handler_test_total", Help: "x"})
	require.NoError(t, reg.Register(c))
	c.Inc()

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(b), "handler_test_total 1"))
}

func TestSamplerCollectsOwnProcess(t *testing.T) {
	s := NewSampler(SamplerConfig{Enabled: true}, nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, s.RegisterMetrics(reg))

	s.Collect(int32(os.Getpid()))
	u := s.Last()
	assert.Equal(t, int32(os.Getpid()), u.PID)
	assert.Greater(t, u.MemoryRSS, uint64(0))

	s.Collect(0)
	assert.Equal(t, int32(0), s.Last().PID)
	assert.Contains(t, gatherNames(t, reg), "coreshell_core_memory_mb")
}

func TestSamplerDisabledIsInert(t *testing.T) {
	s := NewSampler(SamplerConfig{}, nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, s.RegisterMetrics(reg))
	assert.Empty(t, gatherNames(t, reg))
	s.Start(t.Context(), func() int { return 1 })
	s.Stop()
}

func TestSamplerLogsThroughInjectedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := NewSampler(SamplerConfig{Enabled: true}, logger)

	// no such process
	s.Collect(1 << 30)
	assert.Contains(t, buf.String(), "resource sample failed")
	assert.Contains(t, buf.String(), "component=sampler")
	assert.Equal(t, int32(0), s.Last().PID)
}
