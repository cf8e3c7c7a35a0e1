package requestlog

import (
	"context"
	"fmt"

	"llamagate/internal/storage"
)

// NewStore returns the Store matching the opened storage backend.
func NewStore(ctx context.Context, st storage.Storage, retentionDays int) (Store, error) {
	switch s := st.(type) {
	case *storage.SQLite:
		return NewSQLiteStore(ctx, s.DB(), retentionDays)
	case *storage.PostgreSQL:
		return NewPostgreSQLStore(ctx, s.Pool(), retentionDays)
	case *storage.MongoDB:
		return NewMongoDBStore(ctx, s.Database(), retentionDays)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", st.Type())
	}
}

// New opens storage and starts a Logger. With logging disabled it returns a
// NoopRecorder and no storage. The caller closes the recorder before the storage.
func New(ctx context.Context, cfg Config, storageCfg storage.Config) (Recorder, storage.Storage, error) {
	if !cfg.Enabled {
		return NoopRecorder{}, nil, nil
	}

	st, err := storage.Open(ctx, storageCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open request log storage: %w", err)
	}

	store, err := NewStore(ctx, st, cfg.RetentionDays)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return NewLogger(store, cfg), st, nil
}
