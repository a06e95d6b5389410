package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

// Event is one core lifecycle event. Stop events carry the exit details.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	RunID      uint64    `json:"run_id"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	ConfigPath string    `json:"config_path"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	ExitCode   int       `json:"exit_code"`
	Cause      string    `json:"cause,omitempty"` // graceful, forced, crash
	ExitErr    string    `json:"exit_error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi sends every event to each sink and joins the errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
