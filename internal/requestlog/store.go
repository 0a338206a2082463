// Package requestlog stores the proxy's event log: the fire-and-forget
// (category, subject, source, status) events emitted through the metrics
// sink. Stores are in-memory (bounded, newest first), SQLite or Postgres.
package requestlog

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Entry is one logged proxy event.
type Entry struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Category  string    `json:"category"`
	Subject   string    `json:"subject"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Query selects a page of entries, newest first.
type Query struct {
	Limit    int
	Offset   int
	Category string
	Since    *time.Time
}

// ListResult is a page of entries plus the number of entries matching the
// query before paging.
type ListResult struct {
	Data  []Entry `json:"data"`
	Total int     `json:"total"`
}

// MaintenanceQuery selects entries to delete. A nil Before matches every
// entry.
type MaintenanceQuery struct {
	Before   *time.Time
	Category string
}

// Writer persists log entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// Reader lists log entries.
type Reader interface {
	List(ctx context.Context, q Query) (ListResult, error)
}

// Maintainer deletes log entries.
type Maintainer interface {
	Delete(ctx context.Context, q MaintenanceQuery) (int64, error)
}

// Store is a complete event log backend.
type Store interface {
	Writer
	Reader
	Maintainer
	Close() error
}

// NoopWriter ignores all log writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// Driver names accepted by Open.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the store selected by driver. limit bounds the memory store
// and is ignored by SQL stores.
func Open(driver, dsn string, limit int) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemory(limit), nil
	case DriverSQLite:
		w, err := NewSQLiteWriter(dsn)
		if err != nil {
			return nil, err
		}
		return w, nil
	case DriverPostgres:
		w, err := NewPostgresWriter(dsn)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unknown event log driver %q", driver)
	}
}

func (q Query) matches(e Entry) bool {
	if q.Category != "" && !strings.EqualFold(q.Category, e.Category) {
		return false
	}
	if q.Since != nil && e.CreatedAt.Before(*q.Since) {
		return false
	}
	return true
}

func (q MaintenanceQuery) matches(e Entry) bool {
	if q.Category != "" && !strings.EqualFold(q.Category, e.Category) {
		return false
	}
	if q.Before != nil && !e.CreatedAt.Before(*q.Before) {
		return false
	}
	return true
}
