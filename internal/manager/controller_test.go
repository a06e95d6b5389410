package manager

import (
	"context"
	"errors"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/coreshell/internal/history"
	"github.com/loykin/coreshell/internal/logbuf"
	"github.com/loykin/coreshell/internal/process"
	"github.com/loykin/coreshell/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker mimics the Supervisor contract without spawning anything.
type fakeWorker struct {
	mu              sync.Mutex
	running         bool
	onExit          func(process.ExitInfo)
	starts          int
	startErr        error
	exitDuringStart bool
	gate            chan struct{} // when set, Start blocks until it is closed
	run             uint64
	stuck           bool                   // stop gives up without the exit callback
	abandoned       func(process.ExitInfo) // callback of the run stop gave up on
}

// workerAdapter exposes fakeWorker through the Worker interface.
type workerAdapter struct{ *fakeWorker }

func (w *fakeWorker) start(onExit func(process.ExitInfo)) error {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return process.ErrAlreadyRunning
	}
	if w.startErr != nil {
		w.mu.Unlock()
		return w.startErr
	}
	w.running = true
	w.starts++
	w.run++
	w.onExit = onExit
	w.mu.Unlock()
	if w.exitDuringStart {
		w.exit(false)
	}
	return nil
}

// exit simulates the wait goroutine observing the worker's exit.
func (w *fakeWorker) exit(requested bool) bool {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return false
	}
	w.running = false
	cb := w.onExit
	run := w.run
	w.mu.Unlock()
	now := time.Now()
	cb(process.ExitInfo{RunID: run, Requested: requested, StartedAt: now, ExitedAt: now})
	return true
}

func (w *fakeWorker) stop() process.StopOutcome {
	w.mu.Lock()
	if w.stuck && w.running {
		w.running = false
		w.abandoned = w.onExit
		w.mu.Unlock()
		return process.StopForced
	}
	w.mu.Unlock()
	if w.exit(true) {
		return process.StopGraceful
	}
	return process.StopNoop
}

func (a workerAdapter) Start(_ process.Spec, _ relay.Sink, onExit func(process.ExitInfo)) error {
	return a.start(onExit)
}

func (a workerAdapter) Stop(time.Duration) process.StopOutcome { return a.stop() }

type recorder struct {
	mu  sync.Mutex
	trs []Transition
}

func (r *recorder) add(tr Transition) {
	r.mu.Lock()
	r.trs = append(r.trs, tr)
	r.mu.Unlock()
}

func (r *recorder) edges() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.trs))
	for i, tr := range r.trs {
		out[i] = tr.From.String() + ">" + tr.To.String()
	}
	return out
}

func withConfig() process.Spec { return process.Spec{Name: "core", ConfigPath: "config.json"} }

func newTestController(w *fakeWorker) (*Controller, *recorder, *logbuf.Buffer) {
	buf := logbuf.New(100)
	c := NewController(workerAdapter{w}, Options{Sink: buf, Spec: withConfig})
	rec := &recorder{}
	c.Subscribe(rec.add)
	return c, rec, buf
}

func TestStartStopWalksLegalEdges(t *testing.T) {
	w := &fakeWorker{}
	c, rec, _ := newTestController(w)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, TriggerButton))
	assert.Equal(t, StateRunning, c.State())
	require.NoError(t, c.Stop(ctx, TriggerTray))
	assert.Equal(t, StateStopped, c.State())

	assert.Equal(t, []string{
		"stopped>starting", "starting>running", "running>stopping", "stopping>stopped",
	}, rec.edges())
}

func TestStartWithoutConfig(t *testing.T) {
	w := &fakeWorker{}
	buf := logbuf.New(10)
	c := NewController(workerAdapter{w}, Options{Sink: buf})
	rec := &recorder{}
	c.Subscribe(rec.add)

	err := c.Start(context.Background(), TriggerHotkey)
	assert.ErrorIs(t, err, ErrNoConfig)
	assert.Equal(t, StateStopped, c.State())
	assert.Empty(t, rec.edges())
	assert.Equal(t, 0, w.starts)
	assert.Equal(t, 1, buf.Len())
}

func TestStopWhenStoppedRepublishesStopped(t *testing.T) {
	c, rec, _ := newTestController(&fakeWorker{})
	require.NoError(t, c.Stop(context.Background(), TriggerButton))
	require.NoError(t, c.Stop(context.Background(), TriggerTray))
	assert.Equal(t, []string{"stopped>stopped", "stopped>stopped"}, rec.edges())
	assert.Equal(t, StateStopped, c.State())
}

func TestSpawnFailureReturnsToStopped(t *testing.T) {
	w := &fakeWorker{startErr: process.ErrSpawnFailed}
	c, rec, _ := newTestController(w)
	err := c.Start(context.Background(), TriggerButton)
	assert.ErrorIs(t, err, process.ErrSpawnFailed)
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, []string{"stopped>starting", "starting>stopped"}, rec.edges())
}

func TestMissingExecutableLeavesStateUntouched(t *testing.T) {
	buf := logbuf.New(100)
	c := NewController(process.New(nil), Options{
		Sink: buf,
		Spec: func() process.Spec {
			return process.Spec{Executable: "/nonexistent/dir/core", ConfigPath: "c.json"}
		},
	})
	rec := &recorder{}
	c.Subscribe(rec.add)

	err := c.Start(context.Background(), TriggerButton)
	assert.ErrorIs(t, err, process.ErrNotFound)
	assert.Equal(t, StateStopped, c.State())
	assert.Empty(t, rec.edges(), "no Starting is announced for a missing executable")
	require.NotEmpty(t, buf.Tail(1))
	assert.Contains(t, buf.Tail(1)[0].Text, "Failed to start")
}

func TestExitDuringStartingIsLatched(t *testing.T) {
	w := &fakeWorker{exitDuringStart: true}
	c, rec, _ := newTestController(w)
	require.NoError(t, c.Start(context.Background(), TriggerAutostart))
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, []string{
		"stopped>starting", "starting>running", "running>stopping", "stopping>stopped",
	}, rec.edges())
}

func TestCrashWhileRunningPublishesBothEdges(t *testing.T) {
	w := &fakeWorker{}
	c, rec, buf := newTestController(w)
	require.NoError(t, c.Start(context.Background(), TriggerButton))
	require.True(t, w.exit(false))

	assert.Equal(t, StateStopped, c.State())
	edges := rec.edges()
	require.Len(t, edges, 4)
	assert.Equal(t, "running>stopping", edges[2])
	assert.Equal(t, "stopping>stopped", edges[3])
	rec.mu.Lock()
	assert.Equal(t, TriggerExit, rec.trs[3].Trigger)
	rec.mu.Unlock()

	found := false
	for _, ln := range buf.Tail(0) {
		if ln.Source == logbuf.SourceSupervisor && ln.Text == "Core exited unexpectedly (code 0)" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestStopTriggerCarriedToStoppedAndHistory(t *testing.T) {
	w := &fakeWorker{}
	h := &memHistory{}
	c := NewController(workerAdapter{w}, Options{Spec: withConfig, History: h})
	rec := &recorder{}
	c.Subscribe(rec.add)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, TriggerButton))
	require.NoError(t, c.Stop(ctx, TriggerTray))
	require.NoError(t, c.Start(ctx, TriggerHotkey))
	require.True(t, w.exit(false))

	rec.mu.Lock()
	require.Len(t, rec.trs, 8)
	assert.Equal(t, TriggerTray, rec.trs[2].Trigger, "running>stopping")
	assert.Equal(t, TriggerTray, rec.trs[3].Trigger, "stopping>stopped")
	rec.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.events, 4)
	assert.Equal(t, string(TriggerButton), h.events[0].Trigger)
	assert.Equal(t, string(TriggerTray), h.events[1].Trigger)
	assert.Equal(t, string(TriggerHotkey), h.events[2].Trigger)
	assert.Equal(t, string(TriggerExit), h.events[3].Trigger, "nobody asked for the crash")
}

func TestLateExitOfAbandonedRunIsNotLatched(t *testing.T) {
	w := &fakeWorker{stuck: true}
	h := &memHistory{}
	c := NewController(workerAdapter{w}, Options{Spec: withConfig, History: h})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, TriggerButton))
	require.NoError(t, c.Stop(ctx, TriggerButton))
	assert.Equal(t, StateStopped, c.State())
	require.NotNil(t, w.abandoned)

	w.stuck = false
	w.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, TriggerTray) }()
	require.Eventually(t, func() bool { return c.State() == StateStarting }, 2*time.Second, 5*time.Millisecond)

	// the first run's reaper finally reports while the second run starts
	now := time.Now()
	w.abandoned(process.ExitInfo{RunID: 1, Forced: true, StartedAt: now, ExitedAt: now})
	close(w.gate)
	require.NoError(t, <-done)
	assert.Equal(t, StateRunning, c.State())

	h.mu.Lock()
	defer h.mu.Unlock()
	var stops []history.Event
	for _, e := range h.events {
		if e.Type == history.EventStop {
			stops = append(stops, e)
		}
	}
	require.Len(t, stops, 1)
	assert.Equal(t, uint64(1), stops[0].RunID)
	assert.Equal(t, string(TriggerButton), stops[0].Trigger)
	assert.Equal(t, "forced", stops[0].Cause)
}

func TestDoubleStartWhenRunning(t *testing.T) {
	w := &fakeWorker{}
	c, _, _ := newTestController(w)
	require.NoError(t, c.Start(context.Background(), TriggerButton))
	assert.ErrorIs(t, c.Start(context.Background(), TriggerTray), process.ErrAlreadyRunning)
	assert.Equal(t, 1, w.starts)
}

func TestRequestsDuringStartAreRejected(t *testing.T) {
	w := &fakeWorker{gate: make(chan struct{})}
	c, _, buf := newTestController(w)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background(), TriggerButton) }()
	require.Eventually(t, func() bool { return c.State() == StateStarting }, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, c.Start(context.Background(), TriggerHotkey), ErrInProgress)
	assert.ErrorIs(t, c.Stop(context.Background(), TriggerTray), ErrInProgress)
	close(w.gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, w.starts)

	var rejected int
	for _, ln := range buf.Tail(0) {
		if ln.Source == logbuf.SourceSupervisor && strings.Contains(ln.Text, "already in progress") {
			rejected++
		}
	}
	assert.Equal(t, 2, rejected)
}

func TestCanceledContext(t *testing.T) {
	c, _, _ := newTestController(&fakeWorker{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Start(ctx, TriggerAPI), context.Canceled)
	assert.ErrorIs(t, c.Stop(ctx, TriggerAPI), context.Canceled)
}

func TestRandomSequencesKeepLegalEdges(t *testing.T) {
	w := &fakeWorker{}
	c := NewController(workerAdapter{w}, Options{Spec: withConfig})

	var mu sync.Mutex
	prev := StateStopped
	var violations []string
	c.Subscribe(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		if tr.From != prev {
			violations = append(violations, "discontinuity "+prev.String()+" then "+tr.From.String())
		}
		if !(tr.From == StateStopped && tr.To == StateStopped) && !Legal(tr.From, tr.To) {
			violations = append(violations, "illegal "+tr.From.String()+">"+tr.To.String())
		}
		prev = tr.To
	})

	var wg sync.WaitGroup
	for g := 0; g < 6; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			ctx := context.Background()
			for i := 0; i < 200; i++ {
				switch r.Intn(3) {
				case 0:
					err := c.Start(ctx, TriggerButton)
					if err != nil && !errors.Is(err, ErrInProgress) && !errors.Is(err, process.ErrAlreadyRunning) {
						t.Errorf("start: %v", err)
					}
				case 1:
					if err := c.Stop(ctx, TriggerTray); err != nil && !errors.Is(err, ErrInProgress) {
						t.Errorf("stop: %v", err)
					}
				case 2:
					w.exit(false)
				}
				if i%20 == 0 {
					runtime.Gosched()
				}
			}
		}(int64(g))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, violations)
	final := c.State()
	assert.True(t, final == StateStopped || final == StateRunning, "settled in %s", final)
}

type memHistory struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memHistory) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func TestHistoryRecordsStartAndStop(t *testing.T) {
	w := &fakeWorker{}
	h := &memHistory{}
	c := NewController(workerAdapter{w}, Options{Spec: withConfig, History: h})
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, TriggerButton))
	require.NoError(t, c.Stop(ctx, TriggerButton))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.events, 2)
	assert.Equal(t, history.EventStart, h.events[0].Type)
	assert.Equal(t, "config.json", h.events[0].ConfigPath)
	assert.Equal(t, history.EventStop, h.events[1].Type)
	assert.Equal(t, "graceful", h.events[1].Cause)
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func TestWithSupervisorStopStubbornCore(t *testing.T) {
	requireUnix(t)
	sup := process.New(nil)
	buf := logbuf.New(100)
	c := NewController(sup, Options{
		Sink:  buf,
		Grace: 200 * time.Millisecond,
		Spec: func() process.Spec {
			return process.Spec{Executable: "/bin/sh", Args: []string{"-c", "trap '' TERM; echo up; sleep 30"}, ConfigPath: "c.json"}
		},
	})
	rec := &recorder{}
	c.Subscribe(rec.add)

	ctx := context.Background()
	require.NoError(t, c.Start(ctx, TriggerButton))
	require.Eventually(t, func() bool {
		for _, ln := range buf.Tail(0) {
			if ln.Text == "up" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Stop(ctx, TriggerButton))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, StateStopped, c.State())
	assert.False(t, sup.IsRunning())
	assert.Equal(t, []string{
		"stopped>starting", "starting>running", "running>stopping", "stopping>stopped",
	}, rec.edges())
}

func TestWithSupervisorNaturalExit(t *testing.T) {
	requireUnix(t)
	sup := process.New(nil)
	c := NewController(sup, Options{
		Spec: func() process.Spec {
			return process.Spec{Executable: "/bin/sh", Args: []string{"-c", "exit 0"}, ConfigPath: "c.json"}
		},
	})
	require.NoError(t, c.Start(context.Background(), TriggerButton))
	require.Eventually(t, func() bool { return c.State() == StateStopped }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Start(context.Background(), TriggerButton), "can start again after exit")
}
