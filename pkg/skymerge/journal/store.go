// Package journal records per-run task outcomes so an aborted batch is
// inspectable after the fact: which tasks ran, which failed, and which
// never started.
package journal

import (
	"errors"
	"time"
)

// Status is the recorded state of one task within a run.
type Status string

// Task statuses.
const (
	StatusStarted Status = "started"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusAborted Status = "aborted"
)

// Entry is one journal row.
type Entry struct {
	RunID    string
	Task     string
	Status   Status
	Error    string
	Started  time.Time
	Finished time.Time
}

// Store persists journal entries. Implementations must be safe for
// concurrent use: the task runner writes from multiple goroutines.
type Store interface {
	// RecordStart marks a task as started.
	RecordStart(runID, task string) error

	// RecordOutcome updates a task's final status. errMsg is empty for
	// StatusDone and StatusAborted.
	RecordOutcome(runID, task string, status Status, errMsg string) error

	// List returns the entries for a run, in start order.
	List(runID string) ([]Entry, error)

	// DeleteRun removes all entries for a run.
	DeleteRun(runID string) error

	// Close releases any resources held by the store.
	Close() error
}

// Store errors.
var (
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("journal store is closed")

	// ErrNotFound is returned when a task has no journal entry.
	ErrNotFound = errors.New("journal entry not found")
)
