package backend

import (
	"context"
	"log/slog"
	"time"

	"llamagate/internal/core"
)

// Adapter dispatches validated requests to the backend.
type Adapter struct {
	backend        core.Backend
	models         core.ModelLookup
	requestTimeout time.Duration
}

// NewAdapter creates an adapter. models may be nil; requestTimeout <= 0
// leaves non-streaming calls bounded only by the caller's context.
func NewAdapter(b core.Backend, models core.ModelLookup, requestTimeout time.Duration) *Adapter {
	return &Adapter{backend: b, models: models, requestTimeout: requestTimeout}
}

// Name returns the backend name.
func (a *Adapter) Name() string {
	return a.backend.Name()
}

// Invoke forwards req to the backend.
//
// Non-streaming requests block until the full answer arrived. Streaming
// requests return as soon as the backend accepted the request; the caller
// owns the returned stream and must close it.
func (a *Adapter) Invoke(ctx context.Context, req *core.ChatRequest) (*core.Result, error) {
	if !a.knowsModel(ctx, req.Model) {
		return nil, core.NewModelNotFoundError(a.backend.Name(), req.Model)
	}

	if req.Stream {
		stream, err := a.backend.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		return &core.Result{Stream: stream}, nil
	}

	if a.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.requestTimeout)
		defer cancel()
	}

	completion, err := a.backend.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return &core.Result{Complete: completion}, nil
}

// knowsModel reports false only when the backend's current list lacks
// model. A miss re-reads the list first; an empty or unreadable list leaves
// the decision to the backend.
func (a *Adapter) knowsModel(ctx context.Context, model string) bool {
	if a.models == nil || a.models.ModelCount() == 0 || a.models.Supports(model) {
		return true
	}
	reloader, ok := a.models.(core.ModelReloader)
	if !ok {
		return false
	}
	if err := reloader.Reload(ctx); err != nil {
		slog.Warn("model list reload failed, dispatching anyway", "model", model, "error", err)
		return true
	}
	return a.models.ModelCount() == 0 || a.models.Supports(model)
}

// ListModels returns the registry's models, asking the backend directly
// while the registry is still empty.
func (a *Adapter) ListModels(ctx context.Context) (*core.ModelsResponse, error) {
	if a.models != nil && a.models.ModelCount() > 0 {
		return &core.ModelsResponse{Object: "list", Data: a.models.ListModels()}, nil
	}
	resp, err := a.backend.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Object == "" {
		resp.Object = "list"
	}
	if resp.Data == nil {
		resp.Data = []core.Model{}
	}
	return resp, nil
}

// CheckAvailability checks the backend when it supports availability checks.
func (a *Adapter) CheckAvailability(ctx context.Context) error {
	if checker, ok := a.backend.(core.AvailabilityChecker); ok {
		return checker.CheckAvailability(ctx)
	}
	return nil
}

// CircuitState reports the backend's circuit breaker state, or "disabled"
// when the backend has none.
func (a *Adapter) CircuitState() string {
	if cs, ok := a.backend.(interface{ CircuitState() string }); ok {
		return cs.CircuitState()
	}
	return "disabled"
}

// ModelCount returns the number of models in the registry.
func (a *Adapter) ModelCount() int {
	if a.models == nil {
		return 0
	}
	return a.models.ModelCount()
}
