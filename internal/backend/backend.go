// Package backend connects the gateway to the model-serving backend.
//
// A Factory builds the configured core.Backend, a Registry keeps the backend's
// model list, and an Adapter turns a validated request into a core.Result.
package backend

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"llamagate/internal/core"
	"llamagate/internal/llmclient"
)

// Options configures a backend instance.
type Options struct {
	// BaseURL overrides the backend's default URL when set.
	BaseURL string
	// APIKey is sent as a Bearer token when set.
	APIKey string
	// HTTPClient overrides the shared pooled client (tests).
	HTTPClient *http.Client

	MaxRetries     int
	CircuitBreaker *llmclient.CircuitBreakerConfig
	Hooks          llmclient.Hooks
}

// ClientConfig returns the llmclient configuration for a backend with the
// given name and default URL.
func (o Options) ClientConfig(name, defaultURL string) llmclient.Config {
	baseURL := o.BaseURL
	if baseURL == "" {
		baseURL = defaultURL
	}
	cfg := llmclient.DefaultConfig(name, baseURL)
	cfg.MaxRetries = o.MaxRetries
	cfg.CircuitBreaker = o.CircuitBreaker
	cfg.Hooks = o.Hooks
	return cfg
}

// NewClient builds the llmclient for a backend.
func (o Options) NewClient(name, defaultURL string, headers llmclient.HeaderSetter) *llmclient.Client {
	cfg := o.ClientConfig(name, defaultURL)
	if o.HTTPClient != nil {
		return llmclient.NewWithHTTPClient(o.HTTPClient, cfg, headers)
	}
	return llmclient.New(cfg, headers)
}

// Constructor creates a backend from options.
type Constructor func(opts Options) core.Backend

// Registration binds a backend type name to its constructor.
type Registration struct {
	Type string
	New  Constructor
}

// Factory creates backends by type name.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory returns a factory with the given registrations.
func NewFactory(regs ...Registration) *Factory {
	f := &Factory{constructors: make(map[string]Constructor)}
	for _, reg := range regs {
		f.Add(reg)
	}
	return f
}

// Add registers a backend type, replacing an earlier registration of the same name.
func (f *Factory) Add(reg Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[reg.Type] = reg.New
}

// Create instantiates the backend registered under backendType.
func (f *Factory) Create(backendType string, opts Options) (core.Backend, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[backendType]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %q (registered: %v)", backendType, f.Types())
	}
	return ctor(opts), nil
}

// Types returns the registered backend types, sorted.
func (f *Factory) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	types := make([]string, 0, len(f.constructors))
	for t := range f.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
