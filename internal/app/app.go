// Package app wires the gateway's components together and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"llamagate/config"
	"llamagate/internal/backend"
	"llamagate/internal/backend/ollama"
	"llamagate/internal/backend/openai"
	"llamagate/internal/cache"
	"llamagate/internal/httpclient"
	"llamagate/internal/llmclient"
	"llamagate/internal/observability"
	"llamagate/internal/relay"
	"llamagate/internal/requestlog"
	"llamagate/internal/server"
	"llamagate/internal/storage"
)

// streamDrainGrace is how long before the shutdown deadline live streams
// are cancelled.
const streamDrainGrace = 2 * time.Second

// App represents the main application with all its dependencies.
type App struct {
	config   *config.Config
	metrics  *observability.Metrics
	adapter  *backend.Adapter
	registry *backend.Registry
	cache    cache.Cache
	streams  *relay.Manager
	recorder requestlog.Recorder
	storage  storage.Storage
	server   *server.Server

	stopRefresh func()

	shutdownMu sync.Mutex
	shutdown   bool
}

// Options holds optional overrides for New.
type Options struct {
	// Factory builds the backend. Defaults to ollama and openai.
	Factory *backend.Factory
	// HTTPClient overrides the pooled backend client.
	HTTPClient *http.Client
}

// DefaultFactory returns a factory with every built-in backend registered.
func DefaultFactory() *backend.Factory {
	return backend.NewFactory(ollama.Registration, openai.Registration)
}

// New creates the application. The caller must call Shutdown to release
// resources.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Factory == nil {
		opts.Factory = DefaultFactory()
	}

	a := &App{config: cfg}

	var hooks llmclient.Hooks
	if cfg.Metrics.Enabled {
		a.metrics = observability.NewMetrics(nil)
		hooks = observability.NewPrometheusHooks(a.metrics)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = httpclient.New(httpclient.Config{
			HeaderTimeout: config.Seconds(cfg.Backend.RequestTimeout),
		})
	}

	backendOpts := backend.Options{
		BaseURL:    cfg.Backend.URL,
		APIKey:     cfg.Backend.APIKey,
		HTTPClient: httpClient,
		MaxRetries: cfg.Backend.MaxRetries,
		Hooks:      hooks,
	}
	if cb := cfg.Backend.CircuitBreaker; cb.Enabled {
		backendOpts.CircuitBreaker = &llmclient.CircuitBreakerConfig{
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			Timeout:          config.Seconds(cb.Timeout),
		}
	}
	b, err := opts.Factory.Create(cfg.Backend.Type, backendOpts)
	if err != nil {
		return nil, err
	}

	modelCache, err := newCache(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model cache: %w", err)
	}
	a.cache = modelCache

	a.registry = backend.NewRegistry(b, modelCache)
	a.registry.InitializeAsync(ctx)
	a.stopRefresh = a.registry.StartBackgroundRefresh(config.Seconds(cfg.Cache.RefreshInterval))

	a.adapter = backend.NewAdapter(b, a.registry, config.Seconds(cfg.Backend.RequestTimeout))

	recorder, st, err := requestlog.New(ctx, requestlog.Config{
		Enabled:       cfg.RequestLog.Enabled,
		BufferSize:    cfg.RequestLog.BufferSize,
		FlushInterval: config.Seconds(cfg.RequestLog.FlushInterval),
		RetentionDays: cfg.RequestLog.RetentionDays,
	}, storageConfig(cfg.Storage))
	if err != nil {
		a.stopRefresh()
		_ = a.cache.Close()
		return nil, fmt.Errorf("failed to initialize request log: %w", err)
	}
	a.recorder, a.storage = recorder, st

	a.streams = relay.NewManager(config.Seconds(cfg.Backend.StreamIdleTimeout), a.metrics)

	handler := server.NewHandler(a.adapter, server.HandlerOptions{
		Streams:  a.streams,
		Metrics:  a.metrics,
		Recorder: a.recorder,
	})
	a.server = server.New(handler, &server.Config{
		MasterKey:       cfg.Server.MasterKey,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		BodySizeLimit:   cfg.BodySizeBytes(),
	})

	a.logStartupInfo()
	return a, nil
}

func newCache(ctx context.Context, cfg config.CacheConfig) (cache.Cache, error) {
	if cfg.Type == config.CacheRedis {
		return cache.NewRedisCache(ctx, cache.RedisConfig{
			URL: cfg.Redis.URL,
			Key: cfg.Redis.Key,
			TTL: config.Seconds(cfg.Redis.TTL),
		})
	}
	return cache.NewLocalCache(cfg.Path), nil
}

func storageConfig(cfg config.StorageConfig) storage.Config {
	return storage.Config{
		Type:       cfg.Type,
		SQLite:     storage.SQLiteConfig{Path: cfg.SQLite.Path},
		PostgreSQL: storage.PostgreSQLConfig{URL: cfg.PostgreSQL.URL, MaxConns: cfg.PostgreSQL.MaxConns},
		MongoDB:    storage.MongoDBConfig{URL: cfg.MongoDB.URL, Database: cfg.MongoDB.Database},
	}
}

// Handler returns the HTTP handler of the gateway.
func (a *App) Handler() http.Handler {
	return a.server
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down components in dependency order:
// HTTP server (live streams are cancelled shortly before ctx's deadline),
// model refresh, request log, storage, model cache.
//
// Shutdown is idempotent. It attempts every step and returns the joined errors.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...", "active_streams", a.streams.Active())

	var errs []error

	stop := a.cancelStreamsBeforeDeadline(ctx)
	if err := a.server.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	stop()
	// Whatever is still streaming at this point is cut off now.
	a.streams.CancelAll()

	if a.stopRefresh != nil {
		a.stopRefresh()
	}

	if err := a.recorder.Close(); err != nil {
		slog.Error("request log close error", "error", err)
		errs = append(errs, fmt.Errorf("request log close: %w", err))
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			slog.Error("storage close error", "error", err)
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if err := a.cache.Close(); err != nil {
		slog.Error("model cache close error", "error", err)
		errs = append(errs, fmt.Errorf("cache close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	slog.Info("application shutdown complete")
	return nil
}

// cancelStreamsBeforeDeadline schedules CancelAll streamDrainGrace before
// ctx's deadline (or when ctx ends without one). The returned func
// unschedules it.
func (a *App) cancelStreamsBeforeDeadline(ctx context.Context) func() {
	deadline, ok := ctx.Deadline()
	if !ok {
		stop := context.AfterFunc(ctx, a.streams.CancelAll)
		return func() { stop() }
	}

	wait := time.Until(deadline) - streamDrainGrace
	if half := time.Until(deadline) / 2; wait < half {
		wait = half
	}
	timer := time.AfterFunc(wait, a.streams.CancelAll)
	return func() { timer.Stop() }
}

// CheckBackend checks the backend once and logs the result.
func (a *App) CheckBackend(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := a.adapter.CheckAvailability(ctx); err != nil {
		slog.Warn("backend not reachable yet, requests will fail until it is",
			"backend", a.adapter.Name(),
			"url", a.config.Backend.URL,
			"error", err,
		)
		return
	}
	slog.Info("backend reachable", "backend", a.adapter.Name(), "url", a.config.Backend.URL)
}

func (a *App) logStartupInfo() {
	cfg := a.config

	slog.Info("backend configured",
		"type", cfg.Backend.Type,
		"url", cfg.Backend.URL,
		"request_timeout", config.Seconds(cfg.Backend.RequestTimeout),
		"stream_idle_timeout", config.Seconds(cfg.Backend.StreamIdleTimeout),
	)

	if cfg.Server.MasterKey == "" {
		slog.Info("authentication disabled", "hint", "set LLAMAGATE_MASTER_KEY to require a Bearer token")
	} else {
		slog.Info("authentication enabled", "mode", "master_key")
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	slog.Info("model cache configured", "type", cfg.Cache.Type, "refresh_interval", config.Seconds(cfg.Cache.RefreshInterval))

	if cfg.RequestLog.Enabled {
		slog.Info("request log enabled",
			"storage", cfg.Storage.Type,
			"retention_days", cfg.RequestLog.RetentionDays,
		)
	} else {
		slog.Info("request log disabled")
	}
}
