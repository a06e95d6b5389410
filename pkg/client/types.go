package client

import "time"

// Controls mirrors which actions the shell currently allows.
type Controls struct {
	Start   bool `json:"start"`
	Stop    bool `json:"stop"`
	Latency bool `json:"latency"`
	Speed   bool `json:"speed"`
}

// Usage is the last resource sample of the core process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Status is the response of GET /status.
type Status struct {
	State        string    `json:"state"`
	Controls     Controls  `json:"controls"`
	Trigger      string    `json:"trigger,omitempty"`
	ConfigPath   string    `json:"config_path,omitempty"`
	At           time.Time `json:"at"`
	PID          int       `json:"pid,omitempty"`
	ProxyEnabled bool      `json:"proxy_enabled"`
	ProxyBackend string    `json:"proxy_backend"`
	Usage        *Usage    `json:"usage,omitempty"`
}

// LogLine is one entry of the shell's log buffer.
type LogLine struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Source string    `json:"source"`
	Text   string    `json:"text"`
}

// Logs is the response of GET /logs. Lost reports evicted lines.
type Logs struct {
	Lines []LogLine `json:"lines"`
	Lost  bool      `json:"lost"`
	Last  uint64    `json:"last"`
}

// LatencyResult is a TCP ping of the configured server.
type LatencyResult struct {
	Address string        `json:"address"`
	Port    int           `json:"port"`
	RTT     time.Duration `json:"rtt"`
}

// SpeedResult is a download through the core's HTTP inbound.
type SpeedResult struct {
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Mbps     float64       `json:"mbps"`
}

// GenerateRequest describes a vmess config to create.
type GenerateRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	UUID    string `json:"uuid,omitempty"`
	Network string `json:"network,omitempty"`
	WSPath  string `json:"ws_path,omitempty"`
	TLS     bool   `json:"tls,omitempty"`
}

// Settings are the persisted user preferences. Pointer fields in
// SettingsPatch select which keys an update touches.
type Settings struct {
	RunOnStartup       bool   `json:"run_on_startup"`
	AutoStartCore      bool   `json:"auto_start_core"`
	EnableProxyHotkey  string `json:"enable_proxy_hotkey"`
	DisableProxyHotkey string `json:"disable_proxy_hotkey"`
	StartCoreHotkey    string `json:"start_core_hotkey"`
	StopCoreHotkey     string `json:"stop_core_hotkey"`
	ProxyAddress       string `json:"proxy_address"`
	ProbeSchedule      string `json:"probe_schedule"`
}

// SettingsPatch is a partial settings update.
type SettingsPatch map[string]any

// Event is one core lifecycle record.
type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	ConfigPath string    `json:"config_path"`
	Trigger    string    `json:"trigger"`
	ExitCode   int       `json:"exit_code"`
	Cause      string    `json:"cause,omitempty"`
	ExitErr    string    `json:"exit_error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
