package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Defaults for RedisConfig.
const (
	DefaultRedisKey = "llamagate:models"
	DefaultRedisTTL = 24 * time.Hour

	redisPingTimeout = 5 * time.Second
)

// RedisConfig selects the server and key of a shared model list.
type RedisConfig struct {
	URL string // redis://[:password@]host:port[/db]
	Key string
	// TTL expires a list that no instance refreshes anymore.
	TTL time.Duration
}

// RedisCache keeps the model list as one JSON value.
type RedisCache struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewRedisCache dials cfg.URL and fails unless the server answers PING.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	c := newRedisCache(rdb, cfg)
	slog.Info("redis model cache connected", "addr", opts.Addr, "key", c.key, "ttl", c.ttl)
	return c, nil
}

func newRedisCache(rdb *redis.Client, cfg RedisConfig) *RedisCache {
	c := &RedisCache{rdb: rdb, key: cfg.Key, ttl: cfg.TTL}
	if c.key == "" {
		c.key = DefaultRedisKey
	}
	if c.ttl <= 0 {
		c.ttl = DefaultRedisTTL
	}
	return c
}

// Get returns nil, nil when the key does not exist.
func (c *RedisCache) Get(ctx context.Context) (*ModelCache, error) {
	data, err := c.rdb.Get(ctx, c.key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get %s: %w", c.key, err)
	}
	return decode(data, "redis")
}

// Set overwrites the list and restarts its TTL.
func (c *RedisCache) Set(ctx context.Context, mc *ModelCache) error {
	data, err := json.Marshal(mc)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", c.key, err)
	}
	return nil
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
