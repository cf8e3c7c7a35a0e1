package requestlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SQLite allows at most 999 bound parameters per statement.
const (
	maxSQLiteParams = 999
	columnsPerEntry = 13
	maxSQLiteBatch  = maxSQLiteParams / columnsPerEntry
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS request_log (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	model TEXT NOT NULL,
	backend TEXT NOT NULL,
	stream INTEGER NOT NULL DEFAULT 0,
	status_code INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	error_type TEXT NOT NULL DEFAULT '',
	fragments INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0
)`

// SQLiteStore writes entries to a SQLite table.
type SQLiteStore struct {
	db            *sql.DB
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore creates the request_log table and, when retentionDays > 0,
// starts the hourly cleanup.
func NewSQLiteStore(ctx context.Context, db *sql.DB, retentionDays int) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create request_log table: %w", err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_request_log_timestamp ON request_log(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_request_log_request_id ON request_log(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_request_log_model ON request_log(model)",
	} {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	s := &SQLiteStore{
		db:            db,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}
	if retentionDays > 0 {
		go runCleanupLoop(s.stopCleanup, s.cleanup)
	}
	return s, nil
}

// WriteBatch inserts entries in chunks that fit SQLite's parameter limit.
func (s *SQLiteStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	for start := 0; start < len(entries); start += maxSQLiteBatch {
		end := min(start+maxSQLiteBatch, len(entries))
		chunk := entries[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*columnsPerEntry)
		for i, e := range chunk {
			placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
			args = append(args,
				e.ID,
				e.RequestID,
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.Model,
				e.Backend,
				e.Stream,
				e.StatusCode,
				e.Outcome,
				e.ErrorType,
				e.Fragments,
				e.PromptTokens,
				e.CompletionTokens,
				e.DurationMs,
			)
		}

		query := `INSERT OR IGNORE INTO request_log (id, request_id, timestamp, model, backend,
			stream, status_code, outcome, error_type, fragments, prompt_tokens,
			completion_tokens, duration_ms) VALUES ` + strings.Join(placeholders, ",")
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert request log batch %d: %w", start/maxSQLiteBatch, err)
		}
	}
	return nil
}

// Flush is a no-op: writes are synchronous.
func (s *SQLiteStore) Flush(context.Context) error {
	return nil
}

// Close stops the cleanup loop. The database belongs to the storage layer.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *SQLiteStore) cleanup() {
	cutoff := retentionCutoff(s.retentionDays).Format(time.RFC3339Nano)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := s.db.ExecContext(ctx, "DELETE FROM request_log WHERE timestamp < ?", cutoff)
	if err != nil {
		slog.Error("failed to clean up old request log entries", "error", err)
		return
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		slog.Info("cleaned up old request log entries", "deleted", n)
	}
}
