// Package persistence provides a SQLite-backed history of provisioning
// attempts. It is an optional collaborator: the session controller works
// without it, and deployments that want an audit trail inject a Store.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // driver

	"provisioner/pkg/logx"
	"provisioner/pkg/proto"
)

// Outcome classifies how an attempt ended.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeReady     Outcome = "ready"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// ErrAttemptNotFound indicates the attempt ID is unknown.
var ErrAttemptNotFound = errors.New("attempt not found")

// Attempt is one recorded provisioning attempt.
type Attempt struct {
	ID           string
	SessionID    string
	Generation   uint64
	Outcome      Outcome
	ReadyURL     string
	ErrorKind    string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS session_attempts (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL,
	generation    INTEGER NOT NULL,
	outcome       TEXT NOT NULL,
	ready_url     TEXT NOT NULL DEFAULT '',
	error_kind    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMP NOT NULL,
	finished_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_session_attempts_session
	ON session_attempts(session_id, started_at);
`

// Store persists attempt history in a SQLite database.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, logger: logx.NewLogger("persistence")}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// RecordStart inserts a new running attempt and returns its ID.
func (s *Store) RecordStart(sessionID string, generation uint64) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(`
		INSERT INTO session_attempts (id, session_id, generation, outcome, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, sessionID, generation, OutcomeRunning, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to record attempt start: %w", err)
	}
	s.logger.Debug("attempt %s started for session %s gen %d", id, sessionID, generation)
	return id, nil
}

// RecordReady marks the attempt as successful.
func (s *Store) RecordReady(attemptID, readyURL string) error {
	return s.finish(attemptID, OutcomeReady, readyURL, nil)
}

// RecordFailure marks the attempt as failed with its error detail.
func (s *Store) RecordFailure(attemptID string, detail *proto.ErrorDetail) error {
	return s.finish(attemptID, OutcomeFailed, "", detail)
}

// RecordCancelled marks the attempt as cancelled by the caller.
func (s *Store) RecordCancelled(attemptID string) error {
	return s.finish(attemptID, OutcomeCancelled, "", nil)
}

func (s *Store) finish(attemptID string, outcome Outcome, readyURL string, detail *proto.ErrorDetail) error {
	kind, msg := "", ""
	if detail != nil {
		kind, msg = string(detail.Kind), detail.Message
	}

	res, err := s.db.Exec(`
		UPDATE session_attempts
		SET outcome = ?, ready_url = ?, error_kind = ?, error_message = ?, finished_at = ?
		WHERE id = ?`,
		outcome, readyURL, kind, msg, time.Now().UTC(), attemptID)
	if err != nil {
		return fmt.Errorf("failed to record attempt outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check attempt update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAttemptNotFound, attemptID)
	}
	return nil
}

// History returns all attempts for a session, oldest first.
func (s *Store) History(sessionID string) ([]Attempt, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, generation, outcome, ready_url, error_kind, error_message, started_at, finished_at
		FROM session_attempts
		WHERE session_id = ?
		ORDER BY started_at, generation`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempt history: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only rows

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var finished sql.NullTime
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Generation, &a.Outcome,
			&a.ReadyURL, &a.ErrorKind, &a.ErrorMessage, &a.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			a.FinishedAt = &t
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}
	return attempts, nil
}
