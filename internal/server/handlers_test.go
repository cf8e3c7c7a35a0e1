package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llamagate/internal/core"
	"llamagate/internal/relay"
)

func newTestServer(g Gateway, rec *memoryRecorder) *Server {
	opts := HandlerOptions{}
	if rec != nil {
		opts.Recorder = rec
	}
	return New(NewHandler(g, opts), nil)
}

func postChat(t *testing.T, srv http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, body []byte) core.ErrorDetail {
	t.Helper()
	var env core.ErrorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	return env.Error
}

func TestChatCompletion_NonStreaming(t *testing.T) {
	g := &fakeGateway{completion: &core.Completion{Content: "hello"}}
	log := &memoryRecorder{}
	srv := newTestServer(g, log)

	rec := postChat(t, srv, `{"model":"llama3","messages":[{"role":"user","content":"hi"}],"stream":false}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp core.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, core.RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "llama3", resp.Model)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))

	entry := log.last()
	require.NotNil(t, entry)
	assert.Equal(t, "completed", entry.Outcome)
	assert.Equal(t, http.StatusOK, entry.StatusCode)
	assert.Equal(t, "llama3", entry.Model)
	assert.Equal(t, "fake", entry.Backend)
	assert.NotEmpty(t, entry.RequestID)
}

func TestChatCompletion_Streaming(t *testing.T) {
	g := &fakeGateway{fragments: []string{"he", "llo"}}
	log := &memoryRecorder{}
	srv := newTestServer(g, log)

	rec := postChat(t, srv, `{"model":"llama3","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := sseEvents(rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "[DONE]", events[2])

	var content strings.Builder
	for i, ev := range events[:2] {
		var chunk core.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(ev), &chunk))
		require.Len(t, chunk.Choices, 1)
		if i == 0 {
			assert.Equal(t, core.RoleAssistant, chunk.Choices[0].Delta.Role)
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, "hello", content.String())
	assert.True(t, g.stream.closed.Load())

	entry := log.last()
	require.NotNil(t, entry)
	assert.Equal(t, string(relay.OutcomeCompleted), entry.Outcome)
	assert.Equal(t, 2, entry.Fragments)
	assert.True(t, entry.Stream)
}

func TestChatCompletion_UnknownModel(t *testing.T) {
	g := &fakeGateway{err: core.NewModelNotFoundError("fake", "nope")}
	srv := newTestServer(g, nil)

	for _, stream := range []string{"false", "true"} {
		rec := postChat(t, srv, `{"model":"nope","messages":[{"role":"user","content":"hi"}],"stream":`+stream+`}`)

		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
		detail := decodeEnvelope(t, rec.Body.Bytes())
		assert.Equal(t, "model_not_found", detail.Type)
		assert.Equal(t, "model_not_found", detail.Code)
		assert.Equal(t, `model "nope" not found`, detail.Message)
	}
}

func TestChatCompletion_EmptyMessagesNeverReachesBackend(t *testing.T) {
	g := &fakeGateway{completion: &core.Completion{Content: "x"}}
	log := &memoryRecorder{}
	srv := newTestServer(g, log)

	rec := postChat(t, srv, `{"model":"llama3","messages":[]}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "invalid_request", detail.Type)
	assert.Contains(t, detail.Message, "messages")
	assert.Equal(t, int32(0), g.invocations.Load())

	entry := log.last()
	require.NotNil(t, entry)
	assert.Equal(t, "rejected", entry.Outcome)
	assert.Equal(t, "invalid_request", entry.ErrorType)
}

func TestChatCompletion_BackendFailsMidStream(t *testing.T) {
	g := &fakeGateway{
		fragments: []string{"a", "b", "c"},
		streamErr: core.NewBackendUnavailableError("fake", "backend connection failed", nil),
	}
	log := &memoryRecorder{}
	srv := newTestServer(g, log)

	rec := postChat(t, srv, `{"model":"llama3","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	events := sseEvents(rec.Body.String())
	require.Len(t, events, 4)
	for _, ev := range events[:3] {
		assert.Contains(t, ev, `"chat.completion.chunk"`)
	}
	detail := decodeEnvelope(t, []byte(events[3]))
	assert.Equal(t, "backend_unavailable", detail.Type)
	assert.NotContains(t, rec.Body.String(), "[DONE]")
	assert.True(t, g.stream.closed.Load())

	entry := log.last()
	require.NotNil(t, entry)
	assert.Equal(t, string(relay.OutcomeBackendError), entry.Outcome)
	assert.Equal(t, 3, entry.Fragments)
	assert.Equal(t, "backend_unavailable", entry.ErrorType)
}

func TestChatCompletion_BackendUnavailable(t *testing.T) {
	g := &fakeGateway{err: core.NewBackendUnavailableError("fake", "connection refused", nil)}
	srv := newTestServer(g, nil)

	rec := postChat(t, srv, `{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "backend_unavailable", decodeEnvelope(t, rec.Body.Bytes()).Type)
}

func TestChatCompletion_UnclassifiedErrorIsInternal(t *testing.T) {
	g := &fakeGateway{err: errors.New("boom")}
	srv := newTestServer(g, nil)

	rec := postChat(t, srv, `{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeEnvelope(t, rec.Body.Bytes())
	assert.Equal(t, "internal", detail.Type)
	assert.NotContains(t, detail.Message, "boom")
}

func TestChatCompletion_ClientGoneBeforeResponse(t *testing.T) {
	g := &fakeGateway{err: context.Canceled}
	log := &memoryRecorder{}
	srv := newTestServer(g, log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Empty(t, rec.Body.String())
	entry := log.last()
	require.NotNil(t, entry)
	assert.Equal(t, string(relay.OutcomeClientGone), entry.Outcome)
	assert.Equal(t, statusClientClosedRequest, entry.StatusCode)
}

func TestChatCompletion_MalformedBodies(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"empty body", ``, "request body is empty"},
		{"syntax error", `{"model":}`, "malformed JSON"},
		{"truncated", `{"model":"llama3"`, "truncated"},
		{"wrong field type", `{"model":42,"messages":[]}`, `field "model"`},
		{"not an object", `[1,2]`, "must be a JSON object"},
		{"trailing data", `{"model":"llama3","messages":[{"role":"user","content":"hi"}]} {}`, "single JSON object"},
		{"bad role", `{"model":"llama3","messages":[{"role":"robot","content":"hi"}]}`, "role"},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "model is required"},
		{"n greater than one", `{"model":"llama3","n":2,"messages":[{"role":"user","content":"hi"}]}`, "n must be 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &fakeGateway{completion: &core.Completion{Content: "x"}}
			srv := newTestServer(g, nil)

			rec := postChat(t, srv, tt.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			detail := decodeEnvelope(t, rec.Body.Bytes())
			assert.Equal(t, "invalid_request", detail.Type)
			assert.Contains(t, detail.Message, tt.message)
			assert.Equal(t, int32(0), g.invocations.Load())
		})
	}
}

func TestChatCompletion_UnknownFieldsTolerated(t *testing.T) {
	g := &fakeGateway{completion: &core.Completion{Content: "ok"}}
	srv := newTestServer(g, nil)

	rec := postChat(t, srv, `{"model":"llama3","messages":[{"role":"user","content":"hi","name":"bob"}],"logprobs":false,"user":"u1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), g.invocations.Load())
}

func TestChatCompletion_SamplingParametersForwarded(t *testing.T) {
	g := &fakeGateway{completion: &core.Completion{Content: "ok"}}
	srv := newTestServer(g, nil)

	rec := postChat(t, srv, `{"model":"llama3","messages":[{"role":"user","content":"hi"}],"temperature":0.2,"max_tokens":64,"stop":"END"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, g.lastRequest)
	require.NotNil(t, g.lastRequest.Temperature)
	assert.InDelta(t, 0.2, *g.lastRequest.Temperature, 1e-9)
	require.NotNil(t, g.lastRequest.MaxTokens)
	assert.Equal(t, 64, *g.lastRequest.MaxTokens)
	assert.Equal(t, core.StopSequences{"END"}, g.lastRequest.Stop)
}

func TestChatCompletion_AliasWithoutV1(t *testing.T) {
	g := &fakeGateway{completion: &core.Completion{Content: "hello"}}
	srv := newTestServer(g, nil)

	req := httptest.NewRequest(http.MethodPost, "/chat/completions",
		strings.NewReader(`{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListModels(t *testing.T) {
	g := &fakeGateway{models: &core.ModelsResponse{
		Object: "list",
		Data:   []core.Model{{ID: "llama3:latest", Object: "model", OwnedBy: "ollama"}},
	}}
	srv := newTestServer(g, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp core.ModelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "llama3:latest", resp.Data[0].ID)
}

func TestListModels_BackendDown(t *testing.T) {
	g := &fakeGateway{err: core.NewBackendUnavailableError("fake", "connection refused", nil)}
	srv := newTestServer(g, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Run("plain gateway", func(t *testing.T) {
		srv := newTestServer(&fakeGateway{}, nil)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, "ok", status.Status)
		assert.Equal(t, "fake", status.Backend)
	})

	t.Run("open circuit is degraded", func(t *testing.T) {
		g := healthyGateway{&fakeGateway{circuit: "open", modelCount: 3}}
		srv := newTestServer(g, nil)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, "degraded", status.Status)
		assert.Equal(t, "open", status.Circuit)
		assert.Equal(t, 3, status.Models)
	})
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	srv := newTestServer(&fakeGateway{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "invalid_request", decodeEnvelope(t, rec.Body.Bytes()).Type)
}
