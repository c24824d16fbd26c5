package domain

import "time"

// ProcessStatus is the lifecycle state of one launched server process
type ProcessStatus string

const (
	ProcessStarting   ProcessStatus = "starting"
	ProcessRunning    ProcessStatus = "running"
	ProcessTerminated ProcessStatus = "terminated"
)

// SessionState is the state of the console control session
type SessionState string

const (
	SessionDisconnected   SessionState = "disconnected"
	SessionConnecting     SessionState = "connecting"
	SessionAuthenticating SessionState = "authenticating"
	SessionReady          SessionState = "ready"
	SessionClosing        SessionState = "closing"
)

// SupervisorState is the overall state of the supervisor
type SupervisorState string

const (
	SupervisorIdle     SupervisorState = "idle"
	SupervisorRunning  SupervisorState = "running"
	SupervisorStopping SupervisorState = "stopping"
	SupervisorStopped  SupervisorState = "stopped"
	SupervisorFailed   SupervisorState = "failed"
)

// Run is one launch of the server process, as recorded in the run journal
type Run struct {
	ID         string     `json:"id"`
	PID        int        `json:"pid"`
	MainLog    string     `json:"main_log"`
	ErrorLog   string     `json:"error_log"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	ExitReason string     `json:"exit_reason,omitempty"`
}

// ServerStatus is the supervisor's view of the server, served by the API
type ServerStatus struct {
	State          SupervisorState `json:"state"`
	RunID          string          `json:"run_id,omitempty"`
	PID            int             `json:"pid,omitempty"`
	ProcessStatus  ProcessStatus   `json:"process_status,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	SessionState   SessionState    `json:"session_state"`
	Restarts       int             `json:"restarts"`
	MainLog        string          `json:"main_log,omitempty"`
	ErrorLog       string          `json:"error_log,omitempty"`
	LogLines       int64           `json:"log_lines"`
	PatternVersion string          `json:"pattern_version"`
	LastError      string          `json:"last_error,omitempty"`
	Capacity       CapacityStatus  `json:"capacity"`
}

// CapacityStatus is a snapshot of the access policy state
type CapacityStatus struct {
	CurrentPlayers     int        `json:"current_players"`
	MaxPlayers         int        `json:"max_players"`
	DonorBufferEnabled bool       `json:"donor_buffer_enabled"`
	DonorBufferSlots   int        `json:"donor_buffer_slots"`
	BufferActive       bool       `json:"buffer_active"`
	LastReconciledAt   *time.Time `json:"last_reconciled_at,omitempty"`
}
