package journal

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists journal entries to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite journal store.
// The path should be a file path (e.g., "./skymerge.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS task_journal (
			run_id TEXT NOT NULL,
			task TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started TEXT NOT NULL DEFAULT '',
			finished TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, task)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_journal_run_id
		ON task_journal(run_id)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// RecordStart implements Store.
func (s *SQLiteStore) RecordStart(runID, task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO task_journal (run_id, task, status, started)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, task) DO UPDATE SET
			status = excluded.status,
			started = excluded.started,
			error = '',
			finished = ''
	`, runID, task, StatusStarted, time.Now().UTC().Format(time.RFC3339Nano))

	if err != nil {
		return fmt.Errorf("record task start: %w", err)
	}
	return nil
}

// RecordOutcome implements Store.
func (s *SQLiteStore) RecordOutcome(runID, task string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO task_journal (run_id, task, status, error, finished)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			finished = excluded.finished
	`, runID, task, status, errMsg, time.Now().UTC().Format(time.RFC3339Nano))

	if err != nil {
		return fmt.Errorf("record task outcome: %w", err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(runID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT task, status, error, started, finished
		FROM task_journal
		WHERE run_id = ?
		ORDER BY started
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var started, finished string
		if err := rows.Scan(&e.Task, &e.Status, &e.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.RunID = runID
		e.Started, _ = time.Parse(time.RFC3339Nano, started)
		e.Finished, _ = time.Parse(time.RFC3339Nano, finished)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal entries: %w", err)
	}

	return entries, nil
}

// DeleteRun implements Store.
func (s *SQLiteStore) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		DELETE FROM task_journal WHERE run_id = ?
	`, runID)
	if err != nil {
		return fmt.Errorf("delete run journal: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
