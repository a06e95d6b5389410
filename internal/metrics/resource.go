package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of the core process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig controls the resource sampler.
type SamplerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// Sampler periodically reads CPU and memory of whatever pid the supplied
// func returns (0 means nothing is running) and exports them as gauges.
type Sampler struct {
	enabled  bool
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	last    Usage
	handle  *process.Process
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	cpuPercent prometheus.Gauge
	memoryMB   prometheus.Gauge
	numThreads prometheus.Gauge
}

// NewSampler creates a Sampler. A zero interval defaults to 5s and a nil
// logger to slog.Default.
func NewSampler(cfg SamplerConfig, logger *slog.Logger) *Sampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		enabled:  cfg.Enabled,
		interval: interval,
		logger:   logger.With("component", "sampler"),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "core", Name: "cpu_percent",
			Help: "CPU usage percentage of the core process.",
		}),
		memoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "core", Name: "memory_mb",
			Help: "Resident memory of the core process in MB.",
		}),
		numThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "core", Name: "num_threads",
			Help: "Number of threads of the core process.",
		}),
	}
}

// RegisterMetrics registers the sampler gauges.
func (s *Sampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	return registerAll(r, s.cpuPercent, s.memoryMB, s.numThreads)
}

// Start begins periodic sampling until ctx is done or Stop is called.
func (s *Sampler) Start(ctx context.Context, pid func() int) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(int32(pid()))
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit.
func (s *Sampler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample. A non-positive pid zeroes the gauges.
func (s *Sampler) Collect(pid int32) {
	if pid <= 0 {
		s.mu.Lock()
		s.handle = nil
		s.last = Usage{Timestamp: time.Now()}
		s.mu.Unlock()
		s.cpuPercent.Set(0)
		s.memoryMB.Set(0)
		s.numThreads.Set(0)
		return
	}
	u, err := s.sample(pid)
	if err != nil {
		s.logger.Debug("resource sample failed", "pid", pid, "error", err)
		return
	}
	s.mu.Lock()
	s.last = u
	s.mu.Unlock()
	s.cpuPercent.Set(u.CPUPercent)
	s.memoryMB.Set(u.MemoryMB)
	s.numThreads.Set(float64(u.NumThreads))
}

// sample keeps the gopsutil handle between calls so CPU percent is measured
// over the sampling interval.
func (s *Sampler) sample(pid int32) (Usage, error) {
	s.mu.Lock()
	h := s.handle
	if h == nil || h.Pid != pid {
		var err error
		h, err = process.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.handle = h
	}
	s.mu.Unlock()

	cpu, err := h.Percent(0)
	if err != nil {
		cpu = 0
	}
	mem, err := h.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := h.NumThreads()
	return Usage{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}, nil
}

// Last returns the most recent sample.
func (s *Sampler) Last() Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}
