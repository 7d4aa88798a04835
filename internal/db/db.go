// Package db is the SQLite session store: take indexes, recording
// sessions, per-device outcomes and calibration history.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrEmptyTake = errors.New("take name is empty")
)

const timeLayout = time.RFC3339Nano

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the session store at path and applies
// any pending migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// NextTakeIndex allocates the next index for a take name, starting at 1.
func (db *DB) NextTakeIndex(ctx context.Context, take string) (int, error) {
	if take == "" {
		return 0, ErrEmptyTake
	}
	var idx int
	err := db.QueryRowContext(ctx, `
		INSERT INTO takes (name, last_index) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET
			last_index = last_index + 1,
			updated_at = CURRENT_TIMESTAMP
		RETURNING last_index
	`, take).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate take index for %q: %w", take, err)
	}
	return idx, nil
}

type Session struct {
	ID             string
	TakeName       string
	TakeIndex      int
	SyncMode       string
	StartedAt      time.Time
	StoppedAt      time.Time // zero while the session is open
	FramesCaptured int
	SyncStatus     string
}

func (s Session) String() string {
	return fmt.Sprintf("%s %s_%d (%s) frames=%d sync=%q", s.ID, s.TakeName, s.TakeIndex, s.SyncMode, s.FramesCaptured, s.SyncStatus)
}

// StartSession records a new recording session and returns its id.
func (db *DB) StartSession(ctx context.Context, take string, index int, syncMode string, started time.Time) (string, error) {
	id := uuid.NewString()
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, take_name, take_index, sync_mode, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, take, index, syncMode, started.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// FinishSession closes a session with its frame count and sync status.
func (db *DB) FinishSession(ctx context.Context, id string, stopped time.Time, frames int, syncStatus string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET stopped_at = ?, frames_captured = ?, sync_status = ?
		WHERE session_id = ?
	`, stopped.UTC().Format(timeLayout), frames, syncStatus, id)
	if err != nil {
		return fmt.Errorf("failed to finish session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *DB) Session(ctx context.Context, id string) (*Session, error) {
	row := db.QueryRowContext(ctx, `
		SELECT session_id, take_name, take_index, sync_mode, started_at, stopped_at, frames_captured, sync_status
		FROM sessions WHERE session_id = ?
	`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, err
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT session_id, take_name, take_index, sync_mode, started_at, stopped_at, frames_captured, sync_status
		FROM sessions ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		s       Session
		started string
		stopped sql.NullString
	)
	if err := sc.Scan(&s.ID, &s.TakeName, &s.TakeIndex, &s.SyncMode, &started, &stopped, &s.FramesCaptured, &s.SyncStatus); err != nil {
		return nil, err
	}
	var err error
	if s.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %v", err)
	}
	if stopped.Valid {
		if s.StoppedAt, err = time.Parse(timeLayout, stopped.String); err != nil {
			return nil, fmt.Errorf("failed to parse stopped_at: %v", err)
		}
	}
	return &s, nil
}

// Outcome is one device's result for a named stage of a session.
type Outcome struct {
	Stage    string
	Endpoint string
	Serial   string
	Error    string
}

// RecordOutcome stores a per-device result. A nil outcomeErr records success.
func (db *DB) RecordOutcome(ctx context.Context, sessionID, stage, endpoint, serial string, outcomeErr error) error {
	msg := ""
	if outcomeErr != nil {
		msg = outcomeErr.Error()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO device_outcomes (session_id, stage, endpoint, serial, error)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, stage, endpoint, serial, msg)
	if err != nil {
		return fmt.Errorf("failed to record %s outcome for %s: %w", stage, endpoint, err)
	}
	return nil
}

func (db *DB) Outcomes(ctx context.Context, sessionID string) ([]Outcome, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT stage, endpoint, serial, error FROM device_outcomes
		WHERE session_id = ? ORDER BY outcome_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.Stage, &o.Endpoint, &o.Serial, &o.Error); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type Calibration struct {
	Serial      string
	Rotation    [9]float32
	Translation [3]float32
	Refined     bool
	RecordedAt  time.Time
}

// RecordCalibration appends a sensor→world transform to the history of
// the device with the given serial.
func (db *DB) RecordCalibration(ctx context.Context, serial string, rotation [9]float32, translation [3]float32, refined bool) error {
	rot, err := json.Marshal(rotation)
	if err != nil {
		return err
	}
	tr, err := json.Marshal(translation)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO calibrations (serial, rotation_json, translation_json, refined, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, serial, string(rot), string(tr), refined, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to record calibration for %s: %w", serial, err)
	}
	return nil
}

// LatestCalibration returns the most recently recorded transform for serial.
func (db *DB) LatestCalibration(ctx context.Context, serial string) (*Calibration, error) {
	var (
		c           Calibration
		rot, tr, at string
	)
	err := db.QueryRowContext(ctx, `
		SELECT serial, rotation_json, translation_json, refined, recorded_at
		FROM calibrations WHERE serial = ?
		ORDER BY calibration_id DESC LIMIT 1
	`, serial).Scan(&c.Serial, &rot, &tr, &c.Refined, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("calibration for %s: %w", serial, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rot), &c.Rotation); err != nil {
		return nil, fmt.Errorf("failed to parse rotation: %v", err)
	}
	if err := json.Unmarshal([]byte(tr), &c.Translation); err != nil {
		return nil, fmt.Errorf("failed to parse translation: %v", err)
	}
	if c.RecordedAt, err = time.Parse(timeLayout, at); err != nil {
		return nil, fmt.Errorf("failed to parse recorded_at: %v", err)
	}
	return &c, nil
}
