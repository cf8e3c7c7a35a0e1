// Package ollama talks to Ollama's native chat API.
package ollama

import (
	"context"
	"net/http"
	"time"

	"llamagate/internal/backend"
	"llamagate/internal/core"
	"llamagate/internal/llmclient"
)

// Registration provides factory registration for the Ollama backend.
var Registration = backend.Registration{
	Type: "ollama",
	New:  New,
}

const (
	name           = "ollama"
	defaultBaseURL = "http://localhost:11434"
)

// Backend implements core.Backend for Ollama.
type Backend struct {
	client *llmclient.Client
	apiKey string
}

// New creates an Ollama backend.
func New(opts backend.Options) core.Backend {
	return newBackend(opts)
}

func newBackend(opts backend.Options) *Backend {
	b := &Backend{apiKey: opts.APIKey}
	b.client = opts.NewClient(name, defaultBaseURL, b.setHeaders)
	return b
}

// Name implements core.Backend.
func (b *Backend) Name() string {
	return name
}

// CircuitState reports the client's circuit breaker state.
func (b *Backend) CircuitState() string {
	return b.client.CircuitState()
}

// setHeaders adds the optional Bearer token and forwards the request id.
func (b *Backend) setHeaders(req *http.Request) {
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	if requestID := core.GetRequestID(req.Context()); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
}

// CheckAvailability verifies that Ollama answers on /api/version.
func (b *Backend) CheckAvailability(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var resp versionResponse
	return b.client.Do(ctx, llmclient.Request{
		Method:   http.MethodGet,
		Endpoint: "/api/version",
	}, &resp)
}

// Complete sends a non-streaming chat request.
func (b *Backend) Complete(ctx context.Context, req *core.ChatRequest) (*core.Completion, error) {
	var resp chatResponse
	err := b.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/api/chat",
		Body:     newChatRequest(req, false),
		Model:    req.Model,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, core.NewBackendUnavailableError(name, resp.Error, nil)
	}
	return &core.Completion{
		Content:      resp.Message.Content,
		FinishReason: finishReason(resp.DoneReason),
		Usage:        resp.usage(),
	}, nil
}

// Stream sends a streaming chat request. The NDJSON body is decoded lazily.
func (b *Backend) Stream(ctx context.Context, req *core.ChatRequest) (core.FragmentStream, error) {
	body, err := b.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/api/chat",
		Body:     newChatRequest(req, true),
		Model:    req.Model,
	})
	if err != nil {
		return nil, err
	}
	return newStream(body), nil
}

// ListModels lists the locally pulled models from /api/tags.
func (b *Backend) ListModels(ctx context.Context) (*core.ModelsResponse, error) {
	var resp tagsResponse
	err := b.client.Do(ctx, llmclient.Request{
		Method:   http.MethodGet,
		Endpoint: "/api/tags",
	}, &resp)
	if err != nil {
		return nil, err
	}

	models := make([]core.Model, 0, len(resp.Models))
	for _, m := range resp.Models {
		var created int64
		if !m.ModifiedAt.IsZero() {
			created = m.ModifiedAt.Unix()
		}
		models = append(models, core.Model{
			ID:      m.Name,
			Object:  "model",
			OwnedBy: name,
			Created: created,
		})
	}
	return &core.ModelsResponse{Object: "list", Data: models}, nil
}

func finishReason(doneReason string) string {
	switch doneReason {
	case "length":
		return "length"
	default:
		return "stop"
	}
}
