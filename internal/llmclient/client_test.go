package llmclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llamagate/internal/core"
)

func fastConfig(url string) Config {
	cfg := DefaultConfig("test", url)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func gatewayError(t *testing.T, err error) *core.GatewayError {
	t.Helper()
	var gwErr *core.GatewayError
	require.ErrorAs(t, err, &gwErr)
	return gwErr
}

func TestClient_Do(t *testing.T) {
	var gotBody, gotAuth, gotType, gotExtra string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotExtra = r.Header.Get("X-Extra")
		_, _ = w.Write([]byte(`{"message":"hello"}`))
	}))
	defer server.Close()

	client := New(fastConfig(server.URL), func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer k")
	})

	var out struct {
		Message string `json:"message"`
	}
	err := client.Do(context.Background(), Request{
		Method:   http.MethodPost,
		Endpoint: "/api/chat",
		Body:     map[string]string{"model": "llama3"},
		Headers:  map[string]string{"X-Extra": "1"},
	}, &out)

	require.NoError(t, err)
	assert.Equal(t, "hello", out.Message)
	assert.JSONEq(t, `{"model":"llama3"}`, gotBody)
	assert.Equal(t, "Bearer k", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "1", gotExtra)
	assert.Equal(t, "closed", client.CircuitState())
}

func TestClient_Do_NoBodyNoContentType(t *testing.T) {
	var gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := New(fastConfig(server.URL), nil)
	require.NoError(t, client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/api/tags"}, nil))
	assert.Empty(t, gotType)
}

func TestClient_Do_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		model    string
		wantType core.ErrorType
		wantCode int
	}{
		{"unknown model", http.StatusNotFound, `{"error":"model 'nope' not found"}`, "nope", core.ErrorTypeModelNotFound, 404},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"bad temperature"}}`, "m", core.ErrorTypeInvalidRequest, 400},
		{"server error", http.StatusInternalServerError, `{"error":"out of memory"}`, "m", core.ErrorTypeBackendUnavailable, 503},
		{"wrong endpoint", http.StatusNotFound, `404 page not found`, "m", core.ErrorTypeBackendUnavailable, 503},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := New(fastConfig(server.URL), nil)
			err := client.Do(context.Background(), Request{Method: http.MethodPost, Endpoint: "/x", Model: tt.model}, nil)

			gwErr := gatewayError(t, err)
			assert.Equal(t, tt.wantType, gwErr.Type)
			assert.Equal(t, tt.wantCode, gwErr.HTTPStatusCode())
			assert.Equal(t, "test", gwErr.Backend)
		})
	}
}

func TestClient_Do_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	var out map[string]any
	err := New(fastConfig(server.URL), nil).Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"}, &out)

	assert.Equal(t, core.ErrorTypeInternal, gatewayError(t, err).Type)
}

func TestClient_Do_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	err := New(fastConfig(server.URL), nil).Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"}, nil)

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Do_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"busy"}`))
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.MaxRetries = 1
	err := New(cfg, nil).Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"}, nil)

	gwErr := gatewayError(t, err)
	assert.Equal(t, core.ErrorTypeBackendUnavailable, gwErr.Type)
	assert.Equal(t, "busy", gwErr.Message)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Do_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(fastConfig(server.URL), nil).Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"}, nil)

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Do_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	cfg := fastConfig(url)
	cfg.MaxRetries = 0
	err := New(cfg, nil).Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"}, nil)

	gwErr := gatewayError(t, err)
	assert.Equal(t, core.ErrorTypeBackendUnavailable, gwErr.Type)
	assert.Contains(t, gwErr.Message, "failed to reach backend")
}

func TestClient_Do_MalformedBaseURL(t *testing.T) {
	err := New(fastConfig("http://bad host"), nil).Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"}, nil)

	assert.Equal(t, core.ErrorTypeInternal, gatewayError(t, err).Type)
}

func TestClient_Do_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := New(fastConfig(server.URL), nil).Do(ctx, Request{Method: http.MethodGet, Endpoint: "/"}, nil)

	gwErr := gatewayError(t, err)
	assert.Equal(t, core.ErrorTypeBackendUnavailable, gwErr.Type)
	assert.Equal(t, "backend timed out", gwErr.Message)
}

func TestClient_Do_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	}))
	defer server.Close()

	err := New(fastConfig(server.URL), nil).Do(ctx, Request{Method: http.MethodGet, Endpoint: "/"}, nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_DoStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{\"done\":false}\n{\"done\":true}\n"))
	}))
	defer server.Close()

	body, err := New(fastConfig(server.URL), nil).DoStream(context.Background(), Request{Method: http.MethodPost, Endpoint: "/api/chat"})
	require.NoError(t, err)
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "{\"done\":false}\n{\"done\":true}\n", string(data))
}

func TestClient_DoStream_ErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"loading model"}`))
	}))
	defer server.Close()

	body, err := New(fastConfig(server.URL), nil).DoStream(context.Background(), Request{Method: http.MethodPost, Endpoint: "/api/chat"})

	assert.Nil(t, body)
	gwErr := gatewayError(t, err)
	assert.Equal(t, core.ErrorTypeBackendUnavailable, gwErr.Type)
	assert.Equal(t, "loading model", gwErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_CircuitOpensAndRejects(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.MaxRetries = 0
	cfg.CircuitBreaker = &CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}
	client := New(cfg, nil)

	for range 2 {
		require.Error(t, client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"}, nil))
	}
	assert.Equal(t, "open", client.CircuitState())

	err := client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"}, nil)
	assert.Contains(t, gatewayError(t, err).Message, "circuit breaker is open")
	_, err = client.DoStream(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"})
	assert.Contains(t, gatewayError(t, err).Message, "circuit breaker is open")
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_RetriesStopWhenCircuitOpens(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.MaxRetries = 5
	cfg.CircuitBreaker = &CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}
	client := New(cfg, nil)

	err := client.Do(context.Background(), Request{Method: http.MethodGet, Endpoint: "/"}, nil)

	assert.Contains(t, gatewayError(t, err).Message, "circuit breaker is open")
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "open", client.CircuitState())
}

func TestClient_CircuitDisabled(t *testing.T) {
	cfg := fastConfig("http://localhost")
	cfg.CircuitBreaker = nil
	assert.Equal(t, "disabled", New(cfg, nil).CircuitState())
}

func TestClient_Hooks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	type ctxKey struct{}
	var started RequestInfo
	var ended ResponseInfo
	var sawStartValue bool

	cfg := fastConfig(server.URL)
	cfg.Hooks = Hooks{
		OnRequestStart: func(ctx context.Context, info RequestInfo) context.Context {
			started = info
			return context.WithValue(ctx, ctxKey{}, true)
		},
		OnRequestEnd: func(ctx context.Context, info ResponseInfo) {
			ended = info
			sawStartValue, _ = ctx.Value(ctxKey{}).(bool)
		},
	}

	err := New(cfg, nil).Do(context.Background(), Request{Method: http.MethodPost, Endpoint: "/api/chat", Model: "llama3"}, nil)
	require.Error(t, err)

	assert.Equal(t, RequestInfo{Backend: "test", Endpoint: "/api/chat", Model: "llama3"}, started)
	assert.Equal(t, started, ended.RequestInfo)
	assert.Equal(t, http.StatusBadRequest, ended.StatusCode)
	assert.True(t, errors.Is(ended.Err, err))
	assert.True(t, sawStartValue)
}

func TestClient_Backoff(t *testing.T) {
	client := New(Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffFactor: 2}, nil)

	assert.Equal(t, 100*time.Millisecond, client.backoff(1))
	assert.Equal(t, 200*time.Millisecond, client.backoff(2))
	assert.Equal(t, 800*time.Millisecond, client.backoff(4))
	assert.Equal(t, time.Second, client.backoff(5))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("ollama", "http://localhost:11434")

	assert.Equal(t, "ollama", cfg.BackendName)
	assert.Equal(t, 2, cfg.MaxRetries)
	require.NotNil(t, cfg.CircuitBreaker)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, "http://localhost:11434", New(cfg, nil).BaseURL())
}
