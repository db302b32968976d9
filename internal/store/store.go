// Package store persists session transcripts in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// timeFormat is fixed-width so that stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type Event struct {
	Seq       int64           `json:"seq"`
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Frame     json.RawMessage `json:"frame"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store records every frame sent for a session, in order.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// Open opens or creates the database at path, creating parent directories as needed.
func Open(path string, log *zap.SugaredLogger) (*Store, error) {
	if path != MemoryPath {
		err := os.MkdirAll(filepath.Dir(path), 0755)
		if err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == MemoryPath {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		_, err = db.Exec("PRAGMA journal_mode=WAL")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}
	_, err = db.Exec("PRAGMA busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db, log: log.Named("store")}
	err = s.createSchema()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	s.log.Debugw("transcript store opened", "Path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			frame TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_session_events_session
			ON session_events(session_id, seq);
	`)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one frame to the session's transcript.
func (s *Store) Record(ctx context.Context, sessionID, frameType string, frame []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, type, frame, created_at) VALUES (?, ?, ?, ?)`,
		sessionID,
		frameType,
		string(frame),
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting session event: %w", err)
	}
	return nil
}

// ListEvents returns the session's transcript oldest first. A positive limit keeps only the most recent events.
// It returns ErrNotFound for sessions with no recorded events.
func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	query := `
		SELECT seq, session_id, type, frame, created_at
		FROM session_events
		WHERE session_id = ?
		ORDER BY seq ASC
	`
	args := []any{sessionID}
	if limit > 0 {
		query = `
			SELECT seq, session_id, type, frame, created_at FROM (
				SELECT seq, session_id, type, frame, created_at
				FROM session_events
				WHERE session_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying session events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var frame, createdAt string
		err := rows.Scan(&ev.Seq, &ev.SessionID, &ev.Type, &frame, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning session event: %w", err)
		}
		ev.Frame = json.RawMessage(frame)
		ev.CreatedAt, err = time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, ev)
	}
	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterating session events: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events, nil
}

// Prune deletes events recorded before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_events WHERE created_at < ?`,
		cutoff.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning session events: %w", err)
	}
	return res.RowsAffected()
}
