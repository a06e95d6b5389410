package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/coreshell/internal/history"
	"github.com/loykin/coreshell/internal/logbuf"
	"github.com/loykin/coreshell/internal/metrics"
	"github.com/loykin/coreshell/internal/process"
	"github.com/loykin/coreshell/internal/relay"
)

var (
	ErrInProgress = errors.New("another start or stop is in progress")
	ErrNoConfig   = errors.New("config path is not provided")
)

// Worker is the process side of the Controller; *process.Supervisor implements it.
type Worker interface {
	Start(spec process.Spec, sink relay.Sink, onExit func(process.ExitInfo)) error
	Stop(grace time.Duration) process.StopOutcome
}

// Checker is implemented by workers that can validate a spec before any
// state change, so a missing executable leaves the state untouched.
type Checker interface {
	Check(spec process.Spec) error
}

// Options configures a Controller.
type Options struct {
	Logger *slog.Logger
	// Sink receives supervisor messages and the core's output.
	Sink relay.Sink
	// Spec returns the launch spec at the time of a start request.
	// An empty ConfigPath refuses the start with ErrNoConfig.
	Spec func() process.Spec
	// Grace is the graceful stop window (process.DefaultGrace when zero).
	Grace   time.Duration
	History history.Sink
}

// Controller serializes start and stop requests coming from any trigger and
// owns the RunState. Requests that arrive while a start or stop is underway
// are refused, never queued.
//
// Lock Hierarchy:
// 1. mu protects state, pending exit and listeners; it is never held while
// waiting on the worker.
// 2. Supervisor internal lock.
type Controller struct {
	mu          sync.Mutex
	state       RunState
	pendingExit *process.ExitInfo
	run         runInfo
	prev        runInfo
	gen         uint64
	listeners   []func(Transition)

	worker  Worker
	sink    relay.Sink
	specFn  func() process.Spec
	grace   time.Duration
	history history.Sink
	logger  *slog.Logger
}

type runInfo struct {
	gen         uint64
	trigger     Trigger
	stopTrigger Trigger
	configPath  string
	name        string
}

// NewController creates a Controller in the Stopped state.
func NewController(w Worker, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = relay.Discard
	}
	if opts.Spec == nil {
		opts.Spec = func() process.Spec { return process.Spec{} }
	}
	if opts.Grace <= 0 {
		opts.Grace = process.DefaultGrace
	}
	c := &Controller{
		state:   StateStopped,
		worker:  w,
		sink:    opts.Sink,
		specFn:  opts.Spec,
		grace:   opts.Grace,
		history: opts.History,
		logger:  opts.Logger.With("component", "controller"),
	}
	metrics.SetCurrentState(StateStopped.String(), stateNames())
	return c
}

// Subscribe registers fn for every transition. fn runs while the Controller
// lock is held, in transition order, so it must not block or call back into
// the Controller; status.Publisher hands updates to its own goroutine.
func (c *Controller) Subscribe(fn func(Transition)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// State returns the current RunState.
func (c *Controller) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start launches the core if it is stopped. Spawn runs on the caller's
// goroutine and returns as soon as the process exists.
func (c *Controller) Start(ctx context.Context, trig Trigger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	switch c.state {
	case StateStarting, StateStopping:
		st := c.state
		c.mu.Unlock()
		c.reject("start", st, trig)
		return ErrInProgress
	case StateRunning:
		c.mu.Unlock()
		c.logger.Info("start ignored: core already running", "trigger", trig)
		return process.ErrAlreadyRunning
	}
	spec := c.specFn()
	if spec.ConfigPath == "" {
		c.mu.Unlock()
		c.sink.Append(logbuf.SourceSupervisor, "Failed to start: "+ErrNoConfig.Error())
		c.logger.Warn("start refused", "trigger", trig, "error", ErrNoConfig)
		return ErrNoConfig
	}
	if chk, ok := c.worker.(Checker); ok {
		if err := chk.Check(spec); err != nil {
			c.mu.Unlock()
			c.sink.Append(logbuf.SourceSupervisor, "Failed to start: "+err.Error())
			c.logger.Error("start refused", "trigger", trig, "config", spec.ConfigPath, "error", err)
			return err
		}
	}
	c.gen++
	c.prev = c.run
	c.run = runInfo{gen: c.gen, trigger: trig, configPath: spec.ConfigPath, name: spec.Name}
	gen := c.gen
	c.pendingExit = nil
	c.transitionLocked(StateStarting, trig)
	c.mu.Unlock()

	err := c.worker.Start(spec, c.sink, func(info process.ExitInfo) { c.onExit(gen, info) })

	c.mu.Lock()
	if err != nil {
		c.transitionLocked(StateStopped, trig)
		c.mu.Unlock()
		c.logger.Error("start failed", "trigger", trig, "config", spec.ConfigPath, "error", err)
		return err
	}
	c.transitionLocked(StateRunning, trig)
	pending := c.pendingExit
	c.pendingExit = nil
	run := c.run
	if pending != nil {
		// the core died before Running was recorded
		c.transitionLocked(StateStopping, TriggerExit)
		c.transitionLocked(StateStopped, TriggerExit)
	}
	c.mu.Unlock()

	metrics.IncStart(string(trig))
	c.record(history.Event{
		Type: history.EventStart, OccurredAt: time.Now(), Name: spec.Name,
		ConfigPath: spec.ConfigPath, Trigger: string(trig),
	})
	if pending != nil {
		c.exited(*pending, run)
	}
	return nil
}

// Stop stops the core if it is running and blocks until it exited or was
// force-killed. A ctx deadline shorter than the grace window shortens it.
// Stopping an already stopped core publishes Stopped again and returns nil.
func (c *Controller) Stop(ctx context.Context, trig Trigger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.notifyLocked(Transition{From: StateStopped, To: StateStopped, Trigger: trig, ConfigPath: c.run.configPath})
		c.mu.Unlock()
		return nil
	case StateStarting, StateStopping:
		st := c.state
		c.mu.Unlock()
		c.reject("stop", st, trig)
		return ErrInProgress
	}
	c.run.stopTrigger = trig
	c.transitionLocked(StateStopping, trig)
	c.mu.Unlock()

	grace := c.grace
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < grace {
			grace = max(left, time.Millisecond)
		}
	}
	c.sink.Append(logbuf.SourceSupervisor, "Stopping core...")
	outcome := c.worker.Stop(grace)
	c.logger.Info("core stop finished", "trigger", trig, "outcome", outcome.String())

	c.mu.Lock()
	// normally onExit already moved us to Stopped; a stuck reaper does not
	if c.state == StateStopping {
		c.transitionLocked(StateStopped, trig)
	}
	c.mu.Unlock()
	return nil
}

// onExit is the worker's exit callback for the run started as gen. It runs
// once per run on the supervisor's wait goroutine. Exits of a run the
// Controller already gave up on only reach history.
func (c *Controller) onExit(gen uint64, info process.ExitInfo) {
	c.mu.Lock()
	if gen != c.run.gen {
		run := c.prev
		c.mu.Unlock()
		c.logger.Debug("exit of an abandoned run", "run", info.RunID)
		if run.gen == gen {
			c.exited(info, run)
		}
		return
	}
	switch c.state {
	case StateStarting:
		c.pendingExit = &info
		c.mu.Unlock()
		return
	case StateRunning:
		c.sink.Append(logbuf.SourceSupervisor, fmt.Sprintf("Core exited unexpectedly (code %d)", info.Code))
		c.transitionLocked(StateStopping, TriggerExit)
		c.transitionLocked(StateStopped, TriggerExit)
	case StateStopping:
		c.transitionLocked(StateStopped, c.run.stopTrigger)
	default:
		run := c.run
		c.mu.Unlock()
		c.logger.Debug("exit after stop already recorded", "run", info.RunID)
		c.exited(info, run)
		return
	}
	run := c.run
	c.mu.Unlock()
	c.exited(info, run)
}

// exited records metrics and history for a finished run. The stop event
// carries the trigger that asked for the stop, or "exit" when nobody did.
func (c *Controller) exited(info process.ExitInfo, run runInfo) {
	cause := "crash"
	switch {
	case info.Forced:
		cause = "forced"
	case info.Requested:
		cause = "graceful"
	}
	metrics.IncStop(cause)
	metrics.ObserveUptime(info.Uptime().Seconds())
	trig := run.stopTrigger
	if trig == "" {
		trig = TriggerExit
	}
	ev := history.Event{
		Type: history.EventStop, OccurredAt: info.ExitedAt, RunID: info.RunID, Name: info.Name,
		PID: info.PID, ConfigPath: run.configPath, Trigger: string(trig),
		StartedAt: info.StartedAt, ExitCode: info.Code, Cause: cause,
	}
	if info.Err != nil {
		ev.ExitErr = info.Err.Error()
	}
	c.record(ev)
}

func (c *Controller) record(ev history.Event) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.history.Send(ctx, ev); err != nil {
		c.logger.Warn("history send failed", "event", ev.Type, "error", err)
	}
}

func (c *Controller) reject(action string, st RunState, trig Trigger) {
	metrics.IncRejected(action, string(trig))
	c.sink.Append(logbuf.SourceSupervisor, fmt.Sprintf("%s request from %s ignored: %s already in progress", action, trig, st))
	c.logger.Info("already in progress", "action", action, "state", st.String(), "trigger", trig)
}

// transitionLocked moves to `to` when the edge is legal. Illegal edges are
// refused, logged and counted. Caller holds mu.
func (c *Controller) transitionLocked(to RunState, trig Trigger) bool {
	from := c.state
	if !Legal(from, to) {
		c.logger.Error("illegal state transition refused", "from", from.String(), "to", to.String(), "trigger", trig)
		metrics.IncIllegalTransition()
		return false
	}
	c.state = to
	metrics.RecordStateTransition(from.String(), to.String())
	metrics.SetCurrentState(to.String(), stateNames())
	c.notifyLocked(Transition{From: from, To: to, Trigger: trig, ConfigPath: c.run.configPath})
	return true
}

func (c *Controller) notifyLocked(tr Transition) {
	for _, fn := range c.listeners {
		fn(tr)
	}
}
