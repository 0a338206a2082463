package requestlog

import (
	"context"
	"sync"
	"time"
)

// DefaultMemoryLimit is the number of entries kept by a memory store when no
// limit is given.
const DefaultMemoryLimit = 1000

// Memory keeps the most recent entries in process memory, newest first.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	limit   int
	nextID  int64
}

// NewMemory creates a memory store holding at most limit entries.
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Memory{limit: limit}
}

// Write prepends entry, dropping the oldest entry beyond the limit.
func (m *Memory) Write(_ context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	m.entries = append([]Entry{entry}, m.entries...)
	if len(m.entries) > m.limit {
		m.entries = m.entries[:m.limit]
	}
	return nil
}

// List returns a page of matching entries, newest first.
func (m *Memory) List(_ context.Context, q Query) (ListResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Entry
	for _, e := range m.entries {
		if q.matches(e) {
			matched = append(matched, e)
		}
	}

	result := ListResult{Total: len(matched), Data: []Entry{}}
	if q.Offset >= len(matched) {
		return result, nil
	}
	end := len(matched)
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	result.Data = append(result.Data, matched[q.Offset:end]...)
	return result, nil
}

// Delete removes matching entries and returns how many were removed.
func (m *Memory) Delete(_ context.Context, q MaintenanceQuery) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	var deleted int64
	for _, e := range m.entries {
		if q.matches(e) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return deleted, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
