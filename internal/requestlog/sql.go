package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

// NewSQLiteWriter opens (and creates if needed) a SQLite event log. dsn can be
// a file path or a SQLite DSN.
func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "cacheproxy-events.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite event log: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	w := &SQLWriter{db: db, dialect: DriverSQLite}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// NewPostgresWriter opens a Postgres event log.
func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres event log: %w", err)
	}
	w := &SQLWriter{db: db, dialect: DriverPostgres}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s event log: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS proxy_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT,
	category TEXT NOT NULL,
	subject TEXT,
	source TEXT,
	status TEXT,
	created_at TIMESTAMP NOT NULL
);`

	if w.dialect == DriverPostgres {
		ddl = `
CREATE TABLE IF NOT EXISTS proxy_events (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT,
	category TEXT NOT NULL,
	subject TEXT,
	source TEXT,
	status TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize event log schema: %w", err)
	}
	return nil
}

// placeholder returns the n-th (1-based) bind parameter for the dialect.
func (w *SQLWriter) placeholder(n int) string {
	if w.dialect == DriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Write inserts entry.
func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO proxy_events(trace_id, category, subject, source, status, created_at)
	VALUES(?, ?, ?, ?, ?, ?)`
	if w.dialect == DriverPostgres {
		query = `INSERT INTO proxy_events(trace_id, category, subject, source, status, created_at)
		VALUES($1, $2, $3, $4, $5, $6)`
	}

	_, err := w.db.ExecContext(ctx, query,
		entry.TraceID,
		entry.Category,
		entry.Subject,
		entry.Source,
		entry.Status,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write event log: %w", err)
	}
	return nil
}

// where builds a WHERE clause for the given filters, numbering bind
// parameters from 1.
func (w *SQLWriter) where(category string, since, before *time.Time) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if category != "" {
		args = append(args, strings.ToUpper(category))
		conds = append(conds, "UPPER(category) = "+w.placeholder(len(args)))
	}
	if since != nil {
		args = append(args, since.UTC())
		conds = append(conds, "created_at >= "+w.placeholder(len(args)))
	}
	if before != nil {
		args = append(args, before.UTC())
		conds = append(conds, "created_at < "+w.placeholder(len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List returns a page of matching entries, newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (ListResult, error) {
	clause, args := w.where(q.Category, q.Since, nil)

	var total int
	if err := w.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM proxy_events"+clause, args...).Scan(&total); err != nil {
		return ListResult{}, fmt.Errorf("count event log: %w", err)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	pageArgs := append(append([]any{}, args...), limit, q.Offset)
	query := "SELECT id, trace_id, category, subject, source, status, created_at FROM proxy_events" + clause +
		" ORDER BY created_at DESC, id DESC LIMIT " + w.placeholder(len(args)+1) + " OFFSET " + w.placeholder(len(args)+2)

	rows, err := w.db.QueryContext(ctx, query, pageArgs...)
	if err != nil {
		return ListResult{}, fmt.Errorf("list event log: %w", err)
	}
	defer rows.Close()

	result := ListResult{Total: total, Data: []Entry{}}
	for rows.Next() {
		var (
			e       Entry
			traceID sql.NullString
			subject sql.NullString
			source  sql.NullString
			status  sql.NullString
		)
		if err := rows.Scan(&e.ID, &traceID, &e.Category, &subject, &source, &status, &e.CreatedAt); err != nil {
			return ListResult{}, fmt.Errorf("scan event log: %w", err)
		}
		e.TraceID, e.Subject, e.Source, e.Status = traceID.String, subject.String, source.String, status.String
		result.Data = append(result.Data, e)
	}
	if err := rows.Err(); err != nil {
		return ListResult{}, fmt.Errorf("iterate event log: %w", err)
	}
	return result, nil
}

// Delete removes matching entries and returns how many were removed.
func (w *SQLWriter) Delete(ctx context.Context, q MaintenanceQuery) (int64, error) {
	clause, args := w.where(q.Category, nil, q.Before)
	res, err := w.db.ExecContext(ctx, "DELETE FROM proxy_events"+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("delete event log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete event log: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}
