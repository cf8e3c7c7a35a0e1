package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQL is an open PostgreSQL connection pool.
type PostgreSQL struct {
	pool *pgxpool.Pool
}

// OpenPostgreSQL creates a connection pool and pings the server.
func OpenPostgreSQL(ctx context.Context, cfg PostgreSQLConfig) (*PostgreSQL, error) {
	if cfg.URL == "" {
		return nil, errors.New("postgresql URL is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgresql URL: %w", err)
	}
	poolCfg.MaxConns = 10
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgresql pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgresql: %w", err)
	}
	return &PostgreSQL{pool: pool}, nil
}

// Type implements Storage.
func (s *PostgreSQL) Type() string { return TypePostgreSQL }

// Pool returns the connection pool.
func (s *PostgreSQL) Pool() *pgxpool.Pool { return s.pool }

// Close closes the pool.
func (s *PostgreSQL) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
