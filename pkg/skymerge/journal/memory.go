package journal

import (
	"sync"
	"time"
)

// MemoryStore keeps journal entries in memory.
// It is suitable for tests and single-shot CLI runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]*Entry
	closed  bool
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]*Entry),
	}
}

// RecordStart implements Store.
func (s *MemoryStore) RecordStart(runID, task string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	s.entries[runID] = append(s.entries[runID], &Entry{
		RunID:   runID,
		Task:    task,
		Status:  StatusStarted,
		Started: time.Now().UTC(),
	})
	return nil
}

// RecordOutcome implements Store.
func (s *MemoryStore) RecordOutcome(runID, task string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	for _, e := range s.entries[runID] {
		if e.Task == task {
			e.Status = status
			e.Error = errMsg
			e.Finished = time.Now().UTC()
			return nil
		}
	}

	// An aborted task never started, so there is no row to update.
	s.entries[runID] = append(s.entries[runID], &Entry{
		RunID:    runID,
		Task:     task,
		Status:   status,
		Error:    errMsg,
		Finished: time.Now().UTC(),
	})
	return nil
}

// List implements Store.
func (s *MemoryStore) List(runID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows := s.entries[runID]
	out := make([]Entry, len(rows))
	for i, e := range rows {
		out[i] = *e
	}
	return out, nil
}

// DeleteRun implements Store.
func (s *MemoryStore) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	delete(s.entries, runID)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
