package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/ernie/bloodmoon/internal/domain"
	_ "modernc.org/sqlite"
)

// formatTimestamp converts time.Time to SQLite-compatible UTC ISO8601 string
// The Z suffix ensures the Go sqlite driver parses it back as UTC
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

//go:embed schema.sql
var schema string

// Store provides database access
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Record journals a supervisor or policy event. Launches and exits update
// the run table; player, kick, reconciliation and snapshot events are
// appended to the event table. Other event types are ignored.
func (s *Store) Record(ctx context.Context, ev domain.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch data := ev.Data.(type) {
	case domain.ServerStartedEvent:
		return s.CreateRun(ctx, &domain.Run{
			ID:        ev.RunID,
			PID:       data.PID,
			MainLog:   data.MainLog,
			ErrorLog:  data.ErrorLog,
			StartedAt: ts,
		})
	case domain.ServerExitedEvent:
		return s.EndRun(ctx, ev.RunID, ts, data.ExitCode, data.Reason)
	case domain.PlayerJoinEvent:
		return s.insertEvent(ctx, ev.RunID, ev.Type, data.PlayerName, data.SteamID, fmt.Sprintf("players=%d", data.PlayerCount), ts)
	case domain.PlayerLeaveEvent:
		return s.insertEvent(ctx, ev.RunID, ev.Type, data.PlayerName, "", fmt.Sprintf("players=%d", data.PlayerCount), ts)
	case domain.PlayerKickedEvent:
		return s.insertEvent(ctx, ev.RunID, ev.Type, data.PlayerName, data.SteamID, data.Reason, ts)
	case domain.CountReconciledEvent:
		return s.insertEvent(ctx, ev.RunID, ev.Type, "", "", fmt.Sprintf("%d -> %d", data.Previous, data.Current), ts)
	case domain.ErrorSnapshotEvent:
		return s.insertEvent(ctx, ev.RunID, ev.Type, "", "", data.Trigger, ts)
	}
	return nil
}

// --- Run methods ---

// CreateRun records a server launch
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, pid, main_log, error_log, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.PID, run.MainLog, run.ErrorLog, formatTimestamp(run.StartedAt))
	return err
}

// EndRun records how a run ended
func (s *Store) EndRun(ctx context.Context, id string, endedAt time.Time, exitCode int, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, exit_code = ?, exit_reason = ? WHERE id = ?
	`, formatTimestamp(endedAt), exitCode, reason, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// GetRun returns a run by ID
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pid, main_log, error_log, started_at, ended_at, exit_code, exit_reason
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row)
}

// GetRuns returns the most recent runs, newest first
func (s *Store) GetRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pid, main_log, error_log, started_at, ended_at, exit_code, exit_reason
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// --- Event methods ---

func (s *Store) insertEvent(ctx context.Context, runID, typ, playerName, steamID, detail string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, type, player_name, steam_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, nullString(runID), typ, nullString(playerName), nullString(steamID), nullString(detail), formatTimestamp(ts))
	return err
}

// EventFilter selects journaled events
type EventFilter struct {
	Type     string
	RunID    string
	SteamID  string
	BeforeID *int64
	Limit    int
}

// GetEvents returns journaled events matching the filter, newest first
func (s *Store) GetEvents(ctx context.Context, filter EventFilter) ([]domain.PlayerRecord, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 50
	}

	query := `
		SELECT id, run_id, type, player_name, steam_id, detail, created_at
		FROM events WHERE 1 = 1`

	var args []interface{}

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.SteamID != "" {
		query += ` AND steam_id = ?`
		args = append(args, filter.SteamID)
	}
	if filter.BeforeID != nil {
		query += ` AND id < ?`
		args = append(args, *filter.BeforeID)
	}

	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.PlayerRecord
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}

// --- User methods ---

// User represents an authenticated user
type User struct {
	ID                     int64
	Username               string
	PasswordHash           string
	IsAdmin                bool
	PasswordChangeRequired bool
	CreatedAt              time.Time
	LastLogin              *time.Time
}

// CreateUser creates a new user account
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string, isAdmin bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, is_admin, password_change_required)
		VALUES (?, ?, ?, TRUE)
	`, username, passwordHash, isAdmin)
	return err
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, password_change_required, created_at, last_login
		FROM users WHERE username = ?
	`, username)
	return scanUser(row)
}

// GetUserByID retrieves a user by ID
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_admin, password_change_required, created_at, last_login
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// DeleteUser removes a user by username
func (s *Store) DeleteUser(ctx context.Context, username string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("user not found: %s", username)
	}
	return nil
}

// ListUsers returns all users with details
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, password_hash, is_admin, password_change_required, created_at, last_login
		FROM users ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

// UpdateUserLastLogin updates the last login timestamp
func (s *Store) UpdateUserLastLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_login = ? WHERE id = ?
	`, formatTimestamp(time.Now()), userID)
	return err
}

// UpdateUserPassword updates a user's password and clears the password_change_required flag
func (s *Store) UpdateUserPassword(ctx context.Context, userID int64, newPasswordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, password_change_required = FALSE WHERE id = ?
	`, newPasswordHash, userID)
	return err
}

// ResetUserPassword sets a new temporary password (admin action)
func (s *Store) ResetUserPassword(ctx context.Context, userID int64, newPasswordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = ?, password_change_required = TRUE WHERE id = ?
	`, newPasswordHash, userID)
	return err
}
