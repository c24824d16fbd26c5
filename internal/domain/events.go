package domain

import "time"

// Event types for WebSocket and NATS notifications
const (
	EventPlayerJoin      = "player_join"
	EventPlayerLeave     = "player_leave"
	EventPlayerKicked    = "player_kicked"
	EventCountReconciled = "count_reconciled"
	EventServerStarted   = "server_started"
	EventServerExited    = "server_exited"
	EventSessionState    = "session_state"
	EventErrorSnapshot   = "error_snapshot"
)

// Event represents a real-time notification about the supervised server
type Event struct {
	Type      string      `json:"event"`
	RunID     string      `json:"run_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// PlayerJoinEvent is sent after a join has been counted
type PlayerJoinEvent struct {
	PlayerName  string `json:"player_name"`
	SteamID     string `json:"steam_id"`
	PlayerCount int    `json:"player_count"`
}

// PlayerLeaveEvent is sent after a leave has been counted
type PlayerLeaveEvent struct {
	PlayerName  string `json:"player_name"`
	PlayerCount int    `json:"player_count"`
}

// PlayerKickedEvent is sent when the donor buffer turns a player away
type PlayerKickedEvent struct {
	PlayerName  string `json:"player_name"`
	SteamID     string `json:"steam_id"`
	Reason      string `json:"reason"`
	PlayerCount int    `json:"player_count"`
}

// CountReconciledEvent is sent when a poll overwrites the tracked player count
type CountReconciledEvent struct {
	Previous int `json:"previous"`
	Current  int `json:"current"`
}

// ServerStartedEvent is sent after each launch
type ServerStartedEvent struct {
	PID      int    `json:"pid"`
	MainLog  string `json:"main_log"`
	ErrorLog string `json:"error_log"`
}

// ServerExitedEvent is sent when the server process terminates
type ServerExitedEvent struct {
	PID      int    `json:"pid"`
	ExitCode int    `json:"exit_code"`
	Reason   string `json:"reason"`
}

// SessionStateEvent is sent on every console session state transition
type SessionStateEvent struct {
	State SessionState `json:"state"`
}

// ErrorSnapshotEvent is sent when an error snapshot is written to the error log
type ErrorSnapshotEvent struct {
	Trigger string `json:"trigger"`
}
