package requestlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS request_log (
	id UUID PRIMARY KEY,
	request_id TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	model TEXT NOT NULL,
	backend TEXT NOT NULL,
	stream BOOLEAN NOT NULL DEFAULT FALSE,
	status_code INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	error_type TEXT NOT NULL DEFAULT '',
	fragments INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0
)`

const postgresInsert = `
INSERT INTO request_log (id, request_id, timestamp, model, backend, stream, status_code,
	outcome, error_type, fragments, prompt_tokens, completion_tokens, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING`

// PostgreSQLStore writes entries to a PostgreSQL table.
type PostgreSQLStore struct {
	pool          *pgxpool.Pool
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewPostgreSQLStore creates the request_log table and, when retentionDays > 0,
// starts the hourly cleanup.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool, retentionDays int) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, errors.New("connection pool is required")
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create request_log table: %w", err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_request_log_timestamp ON request_log(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_request_log_request_id ON request_log(request_id)",
		"CREATE INDEX IF NOT EXISTS idx_request_log_model ON request_log(model)",
	} {
		if _, err := pool.Exec(ctx, idx); err != nil {
			slog.Warn("failed to create index", "error", err)
		}
	}

	s := &PostgreSQLStore{
		pool:          pool,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}
	if retentionDays > 0 {
		go runCleanupLoop(s.stopCleanup, s.cleanup)
	}
	return s, nil
}

// WriteBatch sends all inserts in one pgx batch inside a transaction.
func (s *PostgreSQLStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(postgresInsert,
			e.ID, e.RequestID, e.Timestamp, e.Model, e.Backend, e.Stream, e.StatusCode,
			e.Outcome, e.ErrorType, e.Fragments, e.PromptTokens, e.CompletionTokens, e.DurationMs)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert %d request log entries: %w", len(entries), err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Flush is a no-op: writes are synchronous.
func (s *PostgreSQLStore) Flush(context.Context) error {
	return nil
}

// Close stops the cleanup loop. The pool belongs to the storage layer.
func (s *PostgreSQLStore) Close() error {
	s.closeOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *PostgreSQLStore) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := s.pool.Exec(ctx, "DELETE FROM request_log WHERE timestamp < $1", retentionCutoff(s.retentionDays))
	if err != nil {
		slog.Error("failed to clean up old request log entries", "error", err)
		return
	}
	if n := result.RowsAffected(); n > 0 {
		slog.Info("cleaned up old request log entries", "deleted", n)
	}
}
