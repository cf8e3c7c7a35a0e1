// Package cache persists the backend's model list between restarts.
// Local (file) and Redis stores are supported; Redis lets several gateway
// instances behind a load balancer share one list.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ModelCache is the persisted model list of one backend.
type ModelCache struct {
	Version   int           `json:"version"`
	Backend   string        `json:"backend"`
	UpdatedAt time.Time     `json:"updated_at"`
	Models    []CachedModel `json:"models"`
}

// CachedModel is one model entry of the cache.
type CachedModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
	Created int64  `json:"created"`
}

// Cache stores the model list.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns nil, nil if nothing was stored yet.
	Get(ctx context.Context) (*ModelCache, error)
	Set(ctx context.Context, cache *ModelCache) error
	Close() error
}

func decode(data []byte, source string) (*ModelCache, error) {
	var mc ModelCache
	if err := json.Unmarshal(data, &mc); err != nil {
		return nil, fmt.Errorf("parse %s cache: %w", source, err)
	}
	return &mc, nil
}
