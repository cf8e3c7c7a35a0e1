// Package openai talks to OpenAI-compatible servers such as llama.cpp,
// vLLM or Ollama's /v1 endpoint.
package openai

import (
	"context"
	"net/http"
	"time"

	"llamagate/internal/backend"
	"llamagate/internal/core"
	"llamagate/internal/llmclient"
)

// Registration provides factory registration for OpenAI-compatible backends.
var Registration = backend.Registration{
	Type: "openai",
	New:  New,
}

const (
	name           = "openai"
	defaultBaseURL = "http://localhost:11434/v1"
)

// Backend implements core.Backend for OpenAI-compatible servers.
type Backend struct {
	client *llmclient.Client
	apiKey string
}

// New creates an OpenAI-compatible backend.
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

func (b *Backend) setHeaders(req *http.Request) {
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
	if requestID := core.GetRequestID(req.Context()); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
}

// CheckAvailability verifies that the models endpoint answers.
func (b *Backend) CheckAvailability(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := b.ListModels(ctx)
	return err
}

// Complete sends a non-streaming chat completion request.
func (b *Backend) Complete(ctx context.Context, req *core.ChatRequest) (*core.Completion, error) {
	body := *req
	body.Stream = false

	var resp core.ChatResponse
	err := b.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     &body,
		Model:    req.Model,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		gwErr := core.NewInternalError("backend returned no choices", nil)
		gwErr.Backend = name
		return nil, gwErr
	}
	choice := resp.Choices[0]
	return &core.Completion{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage:        resp.Usage,
	}, nil
}

// Stream sends a streaming chat completion request and decodes the SSE body lazily.
func (b *Backend) Stream(ctx context.Context, req *core.ChatRequest) (core.FragmentStream, error) {
	body, err := b.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body:     req.WithStreaming(),
		Model:    req.Model,
	})
	if err != nil {
		return nil, err
	}
	return newStream(body), nil
}

// ListModels lists the models served at /models.
func (b *Backend) ListModels(ctx context.Context) (*core.ModelsResponse, error) {
	var resp core.ModelsResponse
	err := b.client.Do(ctx, llmclient.Request{
		Method:   http.MethodGet,
		Endpoint: "/models",
	}, &resp)
	if err != nil {
		return nil, err
	}
	for i := range resp.Data {
		if resp.Data[i].Object == "" {
			resp.Data[i].Object = "model"
		}
	}
	return &resp, nil
}
