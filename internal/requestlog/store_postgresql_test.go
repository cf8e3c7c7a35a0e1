//go:build integration

package requestlog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("container tests are skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("llamagate_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))
	return pool
}

func pgEntry(model string, ts time.Time) *Entry {
	return &Entry{
		ID:               uuid.NewString(),
		RequestID:        uuid.NewString(),
		Timestamp:        ts,
		Model:            model,
		Backend:          "ollama",
		Stream:           true,
		StatusCode:       200,
		Outcome:          "completed",
		Fragments:        3,
		PromptTokens:     12,
		CompletionTokens: 3,
		DurationMs:       250,
	}
}

func pgCount(t *testing.T, pool *pgxpool.Pool) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), "SELECT COUNT(*) FROM request_log").Scan(&n))
	return n
}

func TestPostgreSQLStore(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	store, err := NewPostgreSQLStore(ctx, pool, 0)
	require.NoError(t, err)
	defer store.Close()

	reset := func(t *testing.T) {
		t.Helper()
		_, err := pool.Exec(ctx, "TRUNCATE request_log")
		require.NoError(t, err)
	}

	t.Run("WriteBatch", func(t *testing.T) {
		reset(t)
		e := pgEntry("llama3", time.Now().UTC())
		require.NoError(t, store.WriteBatch(ctx, []*Entry{e, pgEntry("mistral", time.Now().UTC())}))
		require.NoError(t, store.Flush(ctx))

		var (
			model     string
			stream    bool
			fragments int
			duration  int64
		)
		row := pool.QueryRow(ctx, "SELECT model, stream, fragments, duration_ms FROM request_log WHERE id = $1", e.ID)
		require.NoError(t, row.Scan(&model, &stream, &fragments, &duration))
		assert.Equal(t, "llama3", model)
		assert.True(t, stream)
		assert.Equal(t, 3, fragments)
		assert.Equal(t, int64(250), duration)
		assert.Equal(t, 2, pgCount(t, pool))
	})

	t.Run("DuplicatesAreIgnored", func(t *testing.T) {
		reset(t)
		e := pgEntry("llama3", time.Now().UTC())
		require.NoError(t, store.WriteBatch(ctx, []*Entry{e}))
		require.NoError(t, store.WriteBatch(ctx, []*Entry{e}))
		assert.Equal(t, 1, pgCount(t, pool))
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		assert.NoError(t, store.WriteBatch(ctx, nil))
	})

	t.Run("Cleanup", func(t *testing.T) {
		reset(t)
		old := pgEntry("llama3", time.Now().AddDate(0, 0, -10).UTC())
		fresh := pgEntry("llama3", time.Now().UTC())
		require.NoError(t, store.WriteBatch(ctx, []*Entry{old, fresh}))

		retained := &PostgreSQLStore{pool: pool, retentionDays: 7}
		retained.cleanup()

		assert.Equal(t, 1, pgCount(t, pool))
		var id string
		require.NoError(t, pool.QueryRow(ctx, "SELECT id::text FROM request_log").Scan(&id))
		assert.Equal(t, fresh.ID, id)
	})

	t.Run("LoggerFlushesOnClose", func(t *testing.T) {
		reset(t)
		logStore, err := NewPostgreSQLStore(ctx, pool, 30)
		require.NoError(t, err)

		l := NewLogger(logStore, Config{Enabled: true, BufferSize: 10, FlushInterval: time.Hour})
		for range 4 {
			l.Write(pgEntry("llama3", time.Now().UTC()))
		}
		require.NoError(t, l.Close())

		assert.Equal(t, 4, pgCount(t, pool))
	})
}
