package process

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/coreshell/internal/logbuf"
	"github.com/loykin/coreshell/internal/relay"
)

const (
	// DefaultGrace is used by Stop when given a non-positive grace period.
	DefaultGrace = 5 * time.Second
	// killWait bounds how long Stop waits for the reaper after a force kill.
	killWait = 5 * time.Second
)

// run is the handle of one spawned worker. It never leaves the Supervisor.
type run struct {
	id        uint64
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{} // closed after onExit returned
	requested atomic.Bool
	forced    atomic.Bool
	exitOnce  sync.Once
}

// Supervisor owns zero or one proxy-core process at a time.
type Supervisor struct {
	mu     sync.Mutex
	cur    *run
	runs   uint64
	last   Status
	logger *slog.Logger
}

// New creates a Supervisor. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger.With("component", "supervisor")}
}

// Check reports ErrNotFound when spec's executable cannot be resolved.
// Start performs the same check; callers use Check to refuse a start
// before announcing it.
func (s *Supervisor) Check(spec Spec) error {
	_, err := spec.resolveExecutable()
	return err
}

// Start spawns the worker described by spec and returns once it is running.
// Its stdout and stderr are forwarded line by line to sink. onExit is called
// exactly once when the worker exits for any reason, possibly before the
// last output lines reached sink.
//
// The lock is held across the existence check and the spawn so concurrent
// callers produce at most one worker.
func (s *Supervisor) Start(spec Spec, sink relay.Sink, onExit func(ExitInfo)) error {
	if sink == nil {
		sink = relay.Discard
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return ErrAlreadyRunning
	}

	name := spec.name()
	exe, err := spec.resolveExecutable()
	if err != nil {
		sink.Append(logbuf.SourceSupervisor, err.Error())
		s.logger.Error("cannot start core", "name", name, "error", err)
		return err
	}
	spec.Executable = exe

	cmd := spec.Command()
	configureSysProcAttr(cmd)

	// Pipes are created here rather than with cmd.StdoutPipe so that
	// cmd.Wait does not close the read ends under the relays.
	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(outR, outW)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	mirrorOut, mirrorErr, mErr := spec.Log.CoreWriters(name)
	if mErr != nil {
		s.logger.Warn("core output mirror disabled", "error", mErr)
	}

	if err := cmd.Start(); err != nil {
		closeAll(outR, outW, errR, errW)
		closeAll(closer(mirrorOut), closer(mirrorErr))
		err = fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		sink.Append(logbuf.SourceSupervisor, err.Error())
		s.logger.Error("spawn failed", "name", name, "executable", exe, "error", err)
		return err
	}
	// The child holds its own copies; ours must go so the relays see EOF.
	closeAll(outW, errW)

	outDone := relay.Start(outR, logbuf.SourceStdout, sink, writer(mirrorOut))
	errDone := relay.Start(errR, logbuf.SourceStderr, sink, writer(mirrorErr))

	s.runs++
	r := &run{
		id:        s.runs,
		name:      name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	s.cur = r
	s.last = Status{
		Name:       name,
		Running:    true,
		PID:        r.pid,
		RunID:      r.id,
		Executable: exe,
		ConfigPath: spec.ConfigPath,
		StartedAt:  r.startedAt,
	}
	sink.Append(logbuf.SourceSupervisor, fmt.Sprintf("%s started (pid %d): %s %v", name, r.pid, exe, spec.Arguments()))
	s.logger.Info("core started", "name", name, "pid", r.pid, "run", r.id, "config", spec.ConfigPath)

	go s.wait(r, sink, onExit)
	go func() {
		<-outDone
		<-errDone
		closeAll(closer(mirrorOut), closer(mirrorErr))
	}()
	return nil
}

// wait reaps the worker, releases ownership and fires onExit once.
func (s *Supervisor) wait(r *run, sink relay.Sink, onExit func(ExitInfo)) {
	werr := r.cmd.Wait()
	info := ExitInfo{
		Name:      r.name,
		PID:       r.pid,
		RunID:     r.id,
		Code:      exitCode(r.cmd.ProcessState),
		Requested: r.requested.Load(),
		Forced:    r.forced.Load(),
		StartedAt: r.startedAt,
		ExitedAt:  time.Now(),
	}
	if werr != nil {
		info.Err = werr
	}

	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
	}
	if s.last.RunID == r.id {
		s.last.Running = false
		s.last.StoppedAt = info.ExitedAt
		s.last.ExitCode = info.Code
		if werr != nil {
			s.last.ExitErr = werr.Error()
		}
	}
	s.mu.Unlock()

	sink.Append(logbuf.SourceSupervisor, fmt.Sprintf("%s exited with code %d", r.name, info.Code))
	s.logger.Info("core exited", "name", r.name, "pid", r.pid, "run", r.id, "code", info.Code,
		"requested", info.Requested, "forced", info.Forced, "uptime", info.Uptime().Round(time.Millisecond))

	r.exitOnce.Do(func() {
		if onExit != nil {
			onExit(info)
		}
	})
	close(r.done)
}

// Stop terminates the worker: a graceful request first, then a force kill
// once grace elapses. It returns after the exit callback has run, or after a
// bounded wait if the reaper is stuck. Stop never holds the lock while waiting.
func (s *Supervisor) Stop(grace time.Duration) StopOutcome {
	s.mu.Lock()
	r := s.cur
	s.mu.Unlock()
	if r == nil {
		return StopNoop
	}
	if grace <= 0 {
		grace = DefaultGrace
	}

	select {
	case <-r.done:
		return StopGraceful
	default:
	}

	r.requested.Store(true)
	if err := terminate(r.pid); err != nil {
		s.logger.Warn("terminate signal failed", "pid", r.pid, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-r.done:
		return StopGraceful
	case <-timer.C:
	}

	s.logger.Warn("forcing core exit", "pid", r.pid, "grace", grace, "error", ErrTerminateTimeout)
	r.forced.Store(true)
	if err := forceKill(r.pid); err != nil {
		s.logger.Error("force kill failed", "pid", r.pid, "error", err)
	}
	select {
	case <-r.done:
	case <-time.After(killWait):
		s.logger.Error("core not reaped after force kill", "pid", r.pid)
	}
	return StopForced
}

// IsRunning reports whether a worker is currently owned.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// PID returns the worker's pid, or 0 when none is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.pid
}

// Snapshot returns a copy of the current status.
func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func closer(w io.WriteCloser) interface{ Close() error } {
	if w == nil {
		return nil
	}
	return w
}

func writer(w io.WriteCloser) io.Writer {
	if w == nil {
		return nil
	}
	return w
}
