// Package history keeps a SQLite record of closed quota periods and
// supervisor events. It is informational: the ledger file stays the
// source of truth for accounting.
package history

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// FileName is the database file inside the data directory
const FileName = "history.db"

// Event kinds
const (
	EventWorkerStarted = "worker_started"
	EventWorkerExited  = "worker_exited"
	EventRestart       = "restart"
	EventThrottled     = "throttled"
	EventRollover      = "rollover"
	EventStopped       = "stopped"
)

// Period is one closed quota period
type Period struct {
	Start     time.Time `json:"start" yaml:"start"`
	End       time.Time `json:"end" yaml:"end"`
	BytesUsed int64     `json:"bytes_used" yaml:"bytes_used"`
	Throttled bool      `json:"throttled" yaml:"throttled"`
}

// Event is one supervisor event
type Event struct {
	ID       int64     `json:"id" yaml:"id"`
	At       time.Time `json:"at" yaml:"at"`
	Kind     string    `json:"kind" yaml:"kind"`
	LaunchID string    `json:"launch_id,omitempty" yaml:"launch_id,omitempty"`
	Detail   string    `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Store is the SQLite-backed history
type Store struct {
	db *sql.DB
}

// Path returns the history database path for a data directory
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Open opens or creates the history database at path
func Open(path string) (*Store, error) {
	// WAL so `status` can read while the supervisor writes
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Single writer avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS periods (
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL,
		bytes_used INTEGER NOT NULL,
		throttled BOOLEAN NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at DATETIME NOT NULL,
		kind TEXT NOT NULL,
		launch_id TEXT,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_periods_start ON periods(started_at);
	CREATE INDEX IF NOT EXISTS idx_events_at ON events(at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RecordPeriod stores a closed period
func (s *Store) RecordPeriod(p Period) error {
	_, err := s.db.Exec(`
		INSERT INTO periods (started_at, ended_at, bytes_used, throttled)
		VALUES (?, ?, ?, ?)
	`, p.Start.UTC(), p.End.UTC(), p.BytesUsed, p.Throttled)
	if err != nil {
		return fmt.Errorf("failed to record period: %w", err)
	}
	return nil
}

// RecordEvent stores a supervisor event. A zero At is set to now.
func (s *Store) RecordEvent(e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO events (at, kind, launch_id, detail)
		VALUES (?, ?, ?, ?)
	`, e.At.UTC(), e.Kind, e.LaunchID, e.Detail)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// Periods returns up to limit closed periods, newest first
func (s *Store) Periods(limit int) ([]Period, error) {
	rows, err := s.db.Query(`
		SELECT started_at, ended_at, bytes_used, throttled
		FROM periods ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}
	defer rows.Close()

	var periods []Period
	for rows.Next() {
		var p Period
		if err := rows.Scan(&p.Start, &p.End, &p.BytesUsed, &p.Throttled); err != nil {
			return nil, fmt.Errorf("failed to scan period: %w", err)
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// Events returns up to limit events, newest first
func (s *Store) Events(limit int) ([]Event, error) {
	rows, err := s.db.Query(`
		SELECT id, at, kind, COALESCE(launch_id, ''), COALESCE(detail, '')
		FROM events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.At, &e.Kind, &e.LaunchID, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
