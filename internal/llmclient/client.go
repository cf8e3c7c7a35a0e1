// Package llmclient is the JSON-over-HTTP client shared by the backend
// adapters. Plain calls are retried with exponential backoff, streaming
// calls never are, and one circuit breaker per client guards both.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"llamagate/internal/core"
	"llamagate/internal/httpclient"
)

// maxErrorBody caps how much of a failed response is read for classification.
const maxErrorBody = 64 << 10

// Config holds configuration for the backend client
type Config struct {
	// BackendName labels errors, logs and metrics
	BackendName string
	BaseURL     string

	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64

	// CircuitBreaker is optional; nil disables breaking
	CircuitBreaker *CircuitBreakerConfig

	Hooks Hooks
}

// CircuitBreakerConfig holds circuit breaker settings
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int
	// SuccessThreshold half-open successes close it again
	SuccessThreshold int
	// Timeout is how long the circuit stays open before a trial call is let through
	Timeout time.Duration
}

// RequestInfo describes a backend call about to be made.
type RequestInfo struct {
	Backend  string
	Endpoint string
	Model    string
	Stream   bool
}

// ResponseInfo describes how a backend call ended.
type ResponseInfo struct {
	RequestInfo
	StatusCode int // 0 when no response was received
	Duration   time.Duration
	Err        error
}

// Hooks are optional callbacks around backend calls.
type Hooks struct {
	OnRequestStart func(ctx context.Context, info RequestInfo) context.Context
	OnRequestEnd   func(ctx context.Context, info ResponseInfo)
}

// DefaultConfig returns the client settings used when the config file is silent.
func DefaultConfig(backendName, baseURL string) Config {
	return Config{
		BackendName:    backendName,
		BaseURL:        baseURL,
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		CircuitBreaker: &CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
		},
	}
}

// HeaderSetter decorates every outgoing request (auth, request id).
type HeaderSetter func(req *http.Request)

// Client talks to one backend base URL.
type Client struct {
	http       *http.Client
	cfg        Config
	setHeaders HeaderSetter
	breaker    *breaker
}

// New creates a client on the shared backend transport.
func New(cfg Config, setHeaders HeaderSetter) *Client {
	return NewWithHTTPClient(httpclient.New(httpclient.Config{}), cfg, setHeaders)
}

// NewWithHTTPClient creates a client on a caller supplied *http.Client.
func NewWithHTTPClient(httpClient *http.Client, cfg Config, setHeaders HeaderSetter) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:       httpClient,
		cfg:        cfg,
		setHeaders: setHeaders,
		breaker:    newBreaker(cfg.CircuitBreaker),
	}
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// CircuitState reports "closed", "open", "half-open" or "disabled".
func (c *Client) CircuitState() string {
	return c.breaker.state()
}

// Request is one call against the backend.
type Request struct {
	Method   string
	Endpoint string
	Body     any // JSON encoded when not nil
	Headers  map[string]string
	// Model lets a 404 be classified as model_not_found
	Model string
}

// Do sends req, retrying transport failures and 429/502/503/504, and decodes
// a 2xx body into out when out is not nil. Errors are *core.GatewayError,
// except a canceled ctx which is returned as is.
func (c *Client) Do(ctx context.Context, req Request, out any) (err error) {
	ctx, done := c.observe(ctx, req, false)
	status := 0
	defer func() { done(status, err) }()

	payload, err := c.encode(req)
	if err != nil {
		return err
	}
	if !c.breaker.allow() {
		return c.circuitOpen()
	}

	var body []byte
	for attempt := 0; ; attempt++ {
		status, body, err = c.roundTrip(ctx, req, payload)
		if err != nil && ctx.Err() != nil {
			return c.contextError(ctx.Err())
		}
		if err != nil && !retryableError(err) {
			return err
		}
		if err == nil && !retryableStatus(status) {
			break
		}
		c.breaker.failure()
		if attempt >= c.cfg.MaxRetries {
			if err == nil {
				err = core.ParseBackendError(c.cfg.BackendName, status, body, req.Model)
			}
			return err
		}
		if err := c.wait(ctx, c.backoff(attempt+1)); err != nil {
			return err
		}
		if !c.breaker.allow() {
			return c.circuitOpen()
		}
	}

	if status < 200 || status > 299 {
		if status >= 500 {
			c.breaker.failure()
		}
		return core.ParseBackendError(c.cfg.BackendName, status, body, req.Model)
	}
	c.breaker.success()

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		gwErr := core.NewInternalError("backend returned an invalid response: "+err.Error(), err)
		gwErr.Backend = c.cfg.BackendName
		return gwErr
	}
	return nil
}

// DoStream sends req once and returns the open body of a 2xx answer.
// The caller must close it.
func (c *Client) DoStream(ctx context.Context, req Request) (stream io.ReadCloser, err error) {
	ctx, done := c.observe(ctx, req, true)
	status := 0
	defer func() { done(status, err) }()

	payload, err := c.encode(req)
	if err != nil {
		return nil, err
	}
	if !c.breaker.allow() {
		return nil, c.circuitOpen()
	}

	httpReq, err := c.newRequest(ctx, req, payload)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, c.contextError(ctx.Err())
		}
		c.breaker.failure()
		return nil, c.unreachable(err)
	}
	status = resp.StatusCode

	if status < 200 || status > 299 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if status >= 500 || status == http.StatusTooManyRequests {
			c.breaker.failure()
		}
		return nil, core.ParseBackendError(c.cfg.BackendName, status, body, req.Model)
	}

	c.breaker.success()
	return resp.Body, nil
}

func (c *Client) roundTrip(ctx context.Context, req Request, payload []byte) (int, []byte, error) {
	httpReq, err := c.newRequest(ctx, req, payload)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, c.unreachable(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, core.NewBackendUnavailableError(c.cfg.BackendName,
			"failed to read backend response: "+err.Error(), err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) encode(req Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, core.NewInternalError("failed to marshal backend request", err)
	}
	return payload, nil
}

func (c *Client) newRequest(ctx context.Context, req Request, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.cfg.BaseURL+req.Endpoint, body)
	if err != nil {
		return nil, core.NewInternalError("failed to create backend request", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.setHeaders != nil {
		c.setHeaders(httpReq)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// observe runs the start hook and returns the end hook bound to this call.
func (c *Client) observe(ctx context.Context, req Request, stream bool) (context.Context, func(int, error)) {
	info := RequestInfo{
		Backend:  c.cfg.BackendName,
		Endpoint: req.Endpoint,
		Model:    req.Model,
		Stream:   stream,
	}
	if c.cfg.Hooks.OnRequestStart != nil {
		ctx = c.cfg.Hooks.OnRequestStart(ctx, info)
	}
	start := time.Now()
	return ctx, func(status int, err error) {
		if c.cfg.Hooks.OnRequestEnd != nil {
			c.cfg.Hooks.OnRequestEnd(ctx, ResponseInfo{
				RequestInfo: info,
				StatusCode:  status,
				Duration:    time.Since(start),
				Err:         err,
			})
		}
	}
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return c.contextError(ctx.Err())
	case <-timer.C:
		return nil
	}
}

// backoff returns the delay before retry number attempt (1-based).
func (c *Client) backoff(attempt int) time.Duration {
	d := float64(c.cfg.InitialBackoff) * math.Pow(c.cfg.BackoffFactor, float64(attempt-1))
	return time.Duration(math.Min(d, float64(c.cfg.MaxBackoff)))
}

func (c *Client) contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewBackendUnavailableError(c.cfg.BackendName, "backend timed out", err)
	}
	return err
}

func (c *Client) unreachable(err error) error {
	return core.NewBackendUnavailableError(c.cfg.BackendName, "failed to reach backend: "+err.Error(), err)
}

func (c *Client) circuitOpen() error {
	return core.NewBackendUnavailableError(c.cfg.BackendName, "circuit breaker is open, backend temporarily unavailable", nil)
}

// retryableError is false for failures that a new attempt cannot fix.
func retryableError(err error) bool {
	var gwErr *core.GatewayError
	return !errors.As(err, &gwErr) || gwErr.Type == core.ErrorTypeBackendUnavailable
}

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
