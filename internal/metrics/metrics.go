package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coreshell"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	coreStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "starts_total",
			Help:      "Number of successful core starts.",
		}, []string{"trigger"},
	)
	coreStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "stops_total",
			Help:      "Number of core exits by cause (graceful, forced, crash).",
		}, []string{"cause"},
	)
	coreUptime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "uptime_seconds",
			Help:      "Lifetime of each core run.",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 4 * 3600, 24 * 3600},
		},
	)
	actionsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_rejected_total",
			Help:      "Start/stop requests refused because another action was in progress.",
		}, []string{"action", "trigger"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "state_transitions_total",
			Help:      "Number of run state transitions.",
		}, []string{"from", "to"},
	)
	illegalTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "illegal_transitions_total",
			Help:      "Refused run state transitions.",
		},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "current_state",
			Help:      "Current run state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	probeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "latency_seconds",
			Help:      "TCP connect latency to the configured server.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"host"},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "failures_total",
			Help:      "Failed latency or speed probes.",
		}, []string{"kind"},
	)
	probeSpeed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "speed_mbps",
			Help:      "Throughput of the most recent speed probe.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		coreStarts, coreStops, coreUptime, actionsRejected, stateTransitions,
		illegalTransitions, currentState, probeLatency, probeFailures, probeSpeed,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	if err := registerAll(r, collectors()...); err != nil {
		return err
	}
	regOK.Store(true)
	return nil
}

func registerAll(r prometheus.Registerer, cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(trigger string) {
	if regOK.Load() {
		coreStarts.WithLabelValues(trigger).Inc()
	}
}

func IncStop(cause string) {
	if regOK.Load() {
		coreStops.WithLabelValues(cause).Inc()
	}
}

func ObserveUptime(seconds float64) {
	if regOK.Load() {
		coreUptime.Observe(seconds)
	}
}

func IncRejected(action, trigger string) {
	if regOK.Load() {
		actionsRejected.WithLabelValues(action, trigger).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncIllegalTransition() {
	if regOK.Load() {
		illegalTransitions.Inc()
	}
}

// SetCurrentState marks state as the active one among all.
func SetCurrentState(state string, all []string) {
	if !regOK.Load() {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}

func ObserveLatency(host string, seconds float64) {
	if regOK.Load() {
		probeLatency.WithLabelValues(host).Observe(seconds)
	}
}

func IncProbeFailure(kind string) {
	if regOK.Load() {
		probeFailures.WithLabelValues(kind).Inc()
	}
}

func SetSpeed(mbps float64) {
	if regOK.Load() {
		probeSpeed.Set(mbps)
	}
}
