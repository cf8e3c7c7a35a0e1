package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"llamagate/internal/cache"
	"llamagate/internal/core"
)

const cacheVersion = 1

const (
	// minReloadInterval rate-limits reloads triggered by unknown models.
	minReloadInterval = 5 * time.Second
	reloadTimeout     = 15 * time.Second
)

// Registry keeps the list of models the backend can serve.
// It loads the list from the model cache on startup, fetches it from the
// backend in the background and refreshes it periodically.
type Registry struct {
	backend core.Backend
	cache   cache.Cache

	mu     sync.RWMutex
	models map[string]core.Model

	initialized atomic.Bool

	reloads    singleflight.Group
	lastReload atomic.Int64 // unix nanos of the last Reload fetch
}

// NewRegistry creates a registry for b. c may be nil.
func NewRegistry(b core.Backend, c cache.Cache) *Registry {
	return &Registry{
		backend: b,
		cache:   c,
		models:  make(map[string]core.Model),
	}
}

// Refresh fetches the model list from the backend and swaps it in.
// The previous list keeps serving reads while the fetch runs.
func (r *Registry) Refresh(ctx context.Context) error {
	resp, err := r.backend.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models from %s: %w", r.backend.Name(), err)
	}

	models := make(map[string]core.Model, len(resp.Data))
	for _, m := range resp.Data {
		models[m.ID] = m
	}

	r.mu.Lock()
	r.models = models
	r.mu.Unlock()
	r.initialized.Store(true)

	slog.Debug("model registry refreshed", "backend", r.backend.Name(), "models", len(models))
	return nil
}

// Reload fetches the list again unless a Reload fetch started within
// minReloadInterval. Concurrent callers share one fetch; ctx only bounds
// the caller's wait.
func (r *Registry) Reload(ctx context.Context) error {
	if time.Since(time.Unix(0, r.lastReload.Load())) < minReloadInterval {
		return nil
	}
	ch := r.reloads.DoChan("models", func() (any, error) {
		r.lastReload.Store(time.Now().UnixNano())
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reloadTimeout)
		defer cancel()
		if err := r.Refresh(fetchCtx); err != nil {
			return nil, err
		}
		if err := r.SaveToCache(fetchCtx); err != nil {
			slog.Warn("failed to save models to cache", "error", err)
		}
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadFromCache restores the model list saved by an earlier run.
// A list saved for another backend type is ignored.
func (r *Registry) LoadFromCache(ctx context.Context) (int, error) {
	if r.cache == nil {
		return 0, nil
	}
	mc, err := r.cache.Get(ctx)
	if err != nil {
		return 0, err
	}
	if mc == nil || mc.Backend != r.backend.Name() {
		return 0, nil
	}

	models := make(map[string]core.Model, len(mc.Models))
	for _, cm := range mc.Models {
		models[cm.ID] = core.Model{
			ID:      cm.ID,
			Object:  cm.Object,
			OwnedBy: cm.OwnedBy,
			Created: cm.Created,
		}
	}

	r.mu.Lock()
	r.models = models
	r.mu.Unlock()

	slog.Info("loaded models from cache", "models", len(models), "cache_updated_at", mc.UpdatedAt)
	return len(models), nil
}

// SaveToCache persists the current model list.
func (r *Registry) SaveToCache(ctx context.Context) error {
	if r.cache == nil {
		return nil
	}
	models := r.ListModels()
	mc := &cache.ModelCache{
		Version:   cacheVersion,
		Backend:   r.backend.Name(),
		UpdatedAt: time.Now().UTC(),
		Models:    make([]cache.CachedModel, 0, len(models)),
	}
	for _, m := range models {
		mc.Models = append(mc.Models, cache.CachedModel{
			ID:      m.ID,
			Object:  m.Object,
			OwnedBy: m.OwnedBy,
			Created: m.Created,
		})
	}
	return r.cache.Set(ctx, mc)
}

// InitializeAsync loads cached models, then fetches fresh ones in the
// background. It returns once the cache was read.
func (r *Registry) InitializeAsync(ctx context.Context) {
	if cached, err := r.LoadFromCache(ctx); err != nil {
		slog.Warn("failed to load models from cache", "error", err)
	} else if cached > 0 {
		slog.Info("serving with cached models while refreshing", "cached_models", cached)
	}

	go func() {
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
		defer cancel()
		r.refreshAndSave(initCtx)
	}()
}

// StartBackgroundRefresh refreshes the list every interval until the
// returned stop function is called.
func (r *Registry) StartBackgroundRefresh(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				r.refreshAndSave(refreshCtx)
				refreshCancel()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (r *Registry) refreshAndSave(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		slog.Warn("model refresh failed", "error", err)
		return
	}
	if err := r.SaveToCache(ctx); err != nil {
		slog.Warn("failed to save models to cache", "error", err)
	}
}

// IsInitialized reports whether at least one backend fetch succeeded.
func (r *Registry) IsInitialized() bool {
	return r.initialized.Load()
}

// Supports reports whether the backend lists model. A name without a tag
// also matches its ":latest" variant, as Ollama resolves it that way.
func (r *Registry) Supports(model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.models[model]; ok {
		return true
	}
	if !strings.Contains(model, ":") {
		_, ok := r.models[model+":latest"]
		return ok
	}
	return false
}

// ListModels returns all known models sorted by id.
func (r *Registry) ListModels() []core.Model {
	r.mu.RLock()
	models := make([]core.Model, 0, len(r.models))
	for _, m := range r.models {
		models = append(models, m)
	}
	r.mu.RUnlock()

	sort.Slice(models, func(i, j int) bool {
		return models[i].ID < models[j].ID
	})
	return models
}

// ModelCount returns the number of known models.
func (r *Registry) ModelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}
