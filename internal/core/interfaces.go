// Package core defines the core interfaces and types for the gateway.
package core

import (
	"context"
)

// Backend defines the interface for model-serving backends.
type Backend interface {
	// Name identifies the backend in logs, metrics and error messages.
	Name() string

	// Complete blocks until the backend produced the whole answer.
	Complete(ctx context.Context, req *ChatRequest) (*Completion, error)

	// Stream returns as soon as the backend accepted the request.
	// Fragments are decoded lazily from the open response (caller must close).
	Stream(ctx context.Context, req *ChatRequest) (FragmentStream, error)

	// ListModels returns the models the backend can serve.
	ListModels(ctx context.Context) (*ModelsResponse, error)
}

// AvailabilityChecker is an optional interface for backends that can
// verify reachability before the gateway starts serving.
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context) error
}

// ModelLookup defines the interface for looking up models known to the backend.
type ModelLookup interface {
	// Supports returns true if the model is known
	Supports(model string) bool

	// ListModels returns all known models
	ListModels() []Model

	// ModelCount returns the number of known models
	ModelCount() int
}

// ModelReloader is an optional ModelLookup extension asked to re-read the
// backend's list before a model is rejected.
type ModelReloader interface {
	Reload(ctx context.Context) error
}
