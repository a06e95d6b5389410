package manager

// RunState is the lifecycle state of the proxy core as seen by the UI.
//
// State Machine:
// Stopped -> Starting -> Running -> Stopping -> Stopped
// Starting -> Stopped (spawn failure)
type RunState int32

const (
	StateStopped RunState = iota
	StateStarting
	StateRunning
	StateStopping
)

// AllStates lists every state, in declaration order.
var AllStates = []RunState{StateStopped, StateStarting, StateRunning, StateStopping}

func (s RunState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON and logs.
func (s RunState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var legalEdges = map[RunState][]RunState{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateStopped},
	StateRunning:  {StateStopping},
	StateStopping: {StateStopped},
}

// Legal reports whether from -> to is an allowed edge.
func Legal(from, to RunState) bool {
	for _, s := range legalEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func stateNames() []string {
	out := make([]string, len(AllStates))
	for i, s := range AllStates {
		out[i] = s.String()
	}
	return out
}

// Trigger names where a start or stop request came from.
type Trigger string

const (
	TriggerButton    Trigger = "button"
	TriggerTray      Trigger = "tray"
	TriggerHotkey    Trigger = "hotkey"
	TriggerAutostart Trigger = "autostart"
	TriggerAPI       Trigger = "api"
	TriggerSchedule  Trigger = "schedule"
	TriggerShutdown  Trigger = "shutdown"
	// TriggerExit marks transitions caused by the core exiting on its own.
	TriggerExit Trigger = "exit"
)

// Transition is delivered to listeners for every state change. A repeated
// Stopped notification (stop requested while already stopped) has From == To.
type Transition struct {
	From       RunState
	To         RunState
	Trigger    Trigger
	ConfigPath string
}
