package probe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule accepts standard five-field expressions, an optional
// leading seconds field and descriptors such as "@every 10m".
func ValidateSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Scheduler runs one recurring probe. Overlapping runs are skipped.
type Scheduler struct {
	mu     sync.Mutex
	c      *cron.Cron
	entry  cron.EntryID
	expr   string
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "probe-scheduler"),
	}
}

// Set replaces the scheduled probe. An empty expr removes it.
func (s *Scheduler) Set(expr string, fn func(context.Context)) error {
	expr = strings.TrimSpace(expr)
	s.mu.Lock()
	defer s.mu.Unlock()
	if expr == "" {
		s.removeLocked()
		return nil
	}
	if err := ValidateSchedule(expr); err != nil {
		return err
	}
	s.removeLocked()
	id, err := s.c.AddFunc(expr, func() { fn(s.ctx) })
	if err != nil {
		return fmt.Errorf("schedule probe: %w", err)
	}
	s.entry = id
	s.expr = expr
	s.logger.Info("probe scheduled", "schedule", expr)
	return nil
}

func (s *Scheduler) removeLocked() {
	if s.entry != 0 {
		s.c.Remove(s.entry)
		s.entry = 0
		s.expr = ""
	}
}

// Schedule returns the active expression, or "".
func (s *Scheduler) Schedule() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr
}

// Next returns the next activation, zero when nothing is scheduled or the
// scheduler is not running.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	id := s.entry
	s.mu.Unlock()
	if id == 0 {
		return time.Time{}
	}
	return s.c.Entry(id).Next
}

func (s *Scheduler) Start() { s.c.Start() }

// Stop halts scheduling, cancels a running probe and waits for it.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.c.Stop().Done()
}
