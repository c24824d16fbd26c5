package storage

import (
	"database/sql"
	"time"

	"github.com/ernie/bloodmoon/internal/domain"
)

// Null scanner helpers - reduce repetitive nil-checking code

func scanNullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func scanNullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

func scanNullInt64ToIntPtr(ni sql.NullInt64) *int {
	if ni.Valid {
		v := int(ni.Int64)
		return &v
	}
	return nil
}

// nullString stores empty strings as NULL
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// scanUser scans a user row from the database
func scanUser(s scanner) (*User, error) {
	var user User
	var lastLogin sql.NullTime
	err := s.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.IsAdmin,
		&user.PasswordChangeRequired, &user.CreatedAt, &lastLogin)
	if err != nil {
		return nil, err
	}
	user.LastLogin = scanNullTime(lastLogin)
	return &user, nil
}

// scanRun scans a run row
func scanRun(s scanner) (*domain.Run, error) {
	var run domain.Run
	var endedAt sql.NullTime
	var exitCode sql.NullInt64
	var exitReason sql.NullString
	err := s.Scan(&run.ID, &run.PID, &run.MainLog, &run.ErrorLog, &run.StartedAt,
		&endedAt, &exitCode, &exitReason)
	if err != nil {
		return nil, err
	}
	run.EndedAt = scanNullTime(endedAt)
	run.ExitCode = scanNullInt64ToIntPtr(exitCode)
	run.ExitReason = scanNullStringValue(exitReason)
	return &run, nil
}

// scanEvent scans an event journal row
func scanEvent(s scanner) (*domain.PlayerRecord, error) {
	var ev domain.PlayerRecord
	var runID, playerName, steamID, detail sql.NullString
	err := s.Scan(&ev.ID, &runID, &ev.Type, &playerName, &steamID, &detail, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	ev.RunID = scanNullStringValue(runID)
	ev.PlayerName = scanNullStringValue(playerName)
	ev.SteamID = scanNullStringValue(steamID)
	ev.Detail = scanNullStringValue(detail)
	return &ev, nil
}
