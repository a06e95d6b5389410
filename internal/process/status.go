package process

import "time"

// Status is a point-in-time view of the supervised worker. After an exit it
// keeps describing the last run until the next Start.
type Status struct {
	Name       string    `json:"name"`
	Running    bool      `json:"running"`
	PID        int       `json:"pid"`
	RunID      uint64    `json:"run_id"`
	Executable string    `json:"executable"`
	ConfigPath string    `json:"config_path"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at"`
	ExitCode   int       `json:"exit_code"`
	ExitErr    string    `json:"exit_error,omitempty"`
}

// ExitInfo is handed to the exit callback once per run.
type ExitInfo struct {
	Name      string
	PID       int
	RunID     uint64
	Code      int
	Err       error
	Requested bool // Stop was called for this run
	Forced    bool // the run had to be force-killed
	StartedAt time.Time
	ExitedAt  time.Time
}

// Uptime reports how long the run lasted.
func (e ExitInfo) Uptime() time.Duration { return e.ExitedAt.Sub(e.StartedAt) }

// StopOutcome reports how Stop ended.
type StopOutcome int

const (
	StopNoop StopOutcome = iota
	StopGraceful
	StopForced
)

func (o StopOutcome) String() string {
	switch o {
	case StopGraceful:
		return "graceful"
	case StopForced:
		return "forced"
	default:
		return "noop"
	}
}
