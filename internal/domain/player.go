package domain

import "time"

// PlayerEventKind distinguishes join from leave events
type PlayerEventKind string

const (
	PlayerJoined PlayerEventKind = "join"
	PlayerLeft   PlayerEventKind = "leave"
)

// PlayerEvent is a join or leave extracted from the server's output.
// SteamID is only set for joins; the disconnect line carries just the name.
type PlayerEvent struct {
	Kind       PlayerEventKind `json:"kind"`
	PlayerName string          `json:"player_name"`
	SteamID    string          `json:"steam_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// VipEntry is one record of the VIP list file
type VipEntry struct {
	SteamID   string    `json:"steam_id"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the entry still grants VIP status at t
func (v VipEntry) ValidAt(t time.Time) bool {
	return t.Before(v.ExpiresAt)
}

// PlayerRecord is a journaled player event
type PlayerRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	PlayerName string    `json:"player_name,omitempty"`
	SteamID    string    `json:"steam_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
