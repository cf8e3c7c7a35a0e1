// Package server provides the HTTP handlers and server setup of the gateway.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"llamagate/internal/core"
	"llamagate/internal/framing"
	"llamagate/internal/observability"
	"llamagate/internal/relay"
	"llamagate/internal/requestlog"
)

// statusClientClosedRequest is recorded when the client left before any
// response could be written.
const statusClientClosedRequest = 499

// outcomeRejected marks a request answered with an error envelope.
const outcomeRejected = "rejected"

// Gateway dispatches chat completion requests to the backend.
type Gateway interface {
	Name() string
	Invoke(ctx context.Context, req *core.ChatRequest) (*core.Result, error)
	ListModels(ctx context.Context) (*core.ModelsResponse, error)
}

type healthReporter interface {
	CircuitState() string
	ModelCount() int
}

// HandlerOptions holds the optional collaborators of a Handler.
type HandlerOptions struct {
	// Streams owns live streaming sessions. Defaults to a manager without idle timeout.
	Streams *relay.Manager
	// Metrics may be nil.
	Metrics *observability.Metrics
	// Recorder receives one entry per chat completion. Defaults to a no-op.
	Recorder requestlog.Recorder
}

// Handler holds the HTTP handlers.
type Handler struct {
	gateway  Gateway
	streams  *relay.Manager
	metrics  *observability.Metrics
	recorder requestlog.Recorder
}

// NewHandler creates a handler dispatching to gateway.
func NewHandler(gateway Gateway, opts HandlerOptions) *Handler {
	if opts.Streams == nil {
		opts.Streams = relay.NewManager(0, opts.Metrics)
	}
	if opts.Recorder == nil {
		opts.Recorder = requestlog.NoopRecorder{}
	}
	return &Handler{
		gateway:  gateway,
		streams:  opts.Streams,
		metrics:  opts.Metrics,
		recorder: opts.Recorder,
	}
}

// exchange tracks one chat completion from receipt to its terminal outcome.
type exchange struct {
	requestID string
	start     time.Time
	model     string
	stream    bool
}

// ChatCompletion handles POST /v1/chat/completions.
func (h *Handler) ChatCompletion(c echo.Context) error {
	ctx := c.Request().Context()
	ex := &exchange{requestID: core.GetRequestID(ctx), start: time.Now()}

	req, err := decodeChatRequest(c)
	if err != nil {
		return h.reject(c, ex, err)
	}
	ex.model, ex.stream = req.Model, req.Stream

	if err := req.Validate(); err != nil {
		return h.reject(c, ex, err)
	}

	slog.Debug("dispatching chat completion",
		"request_id", ex.requestID,
		"model", req.Model,
		"stream", req.Stream,
		"messages", len(req.Messages),
	)

	result, err := h.gateway.Invoke(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			h.finish(ex, string(relay.OutcomeClientGone), statusClientClosedRequest, nil, 0, nil)
			return nil
		}
		return h.reject(c, ex, err)
	}

	meta := framing.NewMeta(req.Model)
	if result.IsStream() {
		return h.relay(c, ex, meta, result.Stream)
	}

	resp := framing.Complete(meta, result.Complete)
	h.finish(ex, string(relay.OutcomeCompleted), http.StatusOK, nil, 0, result.Complete.Usage)
	return c.JSON(http.StatusOK, resp)
}

// relay streams fragments to the client. The status line is already sent
// when Run starts, so every failure from here on is an error frame.
func (h *Handler) relay(c echo.Context, ex *exchange, meta framing.Meta, stream core.FragmentStream) error {
	session := h.streams.Open(c.Request().Context(), ex.requestID, stream)

	framing.Prepare(c.Response())
	w := framing.NewStreamWriter(c.Response(), meta)

	res := session.Run(w)
	h.finish(ex, string(res.Outcome), http.StatusOK, res.Err, res.Fragments, res.Usage)
	return nil
}

// reject writes the error envelope for a failure before any frame was sent.
func (h *Handler) reject(c echo.Context, ex *exchange, err error) error {
	gwErr := core.Translate(err)
	if gwErr.HTTPStatusCode() >= http.StatusInternalServerError {
		slog.Warn("chat completion failed",
			"request_id", ex.requestID,
			"model", ex.model,
			"error", err,
		)
	}
	h.finish(ex, outcomeRejected, gwErr.HTTPStatusCode(), gwErr, 0, nil)
	return handleError(c, gwErr)
}

// finish records the terminal outcome in metrics and the request log.
func (h *Handler) finish(ex *exchange, outcome string, status int, gwErr *core.GatewayError, fragments int, usage *core.Usage) {
	elapsed := time.Since(ex.start)
	h.metrics.RecordRequest(outcome, ex.stream, status, elapsed)

	entry := &requestlog.Entry{
		ID:         uuid.NewString(),
		RequestID:  ex.requestID,
		Timestamp:  ex.start.UTC(),
		Model:      ex.model,
		Backend:    h.gateway.Name(),
		Stream:     ex.stream,
		StatusCode: status,
		Outcome:    outcome,
		Fragments:  fragments,
		DurationMs: elapsed.Milliseconds(),
	}
	if gwErr != nil {
		entry.ErrorType = string(gwErr.Type)
	}
	if usage != nil {
		entry.PromptTokens = usage.PromptTokens
		entry.CompletionTokens = usage.CompletionTokens
	}
	h.recorder.Write(entry)
}

// ListModels handles GET /v1/models.
func (h *Handler) ListModels(c echo.Context) error {
	resp, err := h.gateway.ListModels(c.Request().Context())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status        string `json:"status"`
	Backend       string `json:"backend"`
	Circuit       string `json:"circuit,omitempty"`
	Models        int    `json:"models"`
	ActiveStreams int    `json:"active_streams"`
}

// Health handles GET /health. It reports "degraded" while the backend
// circuit is open but always answers 200: the gateway itself is up.
func (h *Handler) Health(c echo.Context) error {
	status := HealthStatus{
		Status:        "ok",
		Backend:       h.gateway.Name(),
		ActiveStreams: h.streams.Active(),
	}
	if hr, ok := h.gateway.(healthReporter); ok {
		status.Circuit = hr.CircuitState()
		status.Models = hr.ModelCount()
		if status.Circuit == "open" {
			status.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, status)
}

// handleError writes the error envelope for err.
func handleError(c echo.Context, err error) error {
	gwErr := core.Translate(err)
	return c.JSON(gwErr.HTTPStatusCode(), gwErr.ToJSON())
}

// httpErrorHandler renders echo's own errors (unknown route, wrong method,
// body limit) in the gateway's envelope.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok && s != "" {
			msg = s
		}
		var gwErr *core.GatewayError
		if he.Code >= http.StatusInternalServerError {
			gwErr = core.NewInternalError(msg, err)
		} else {
			gwErr = core.NewInvalidRequestError(msg, err)
		}
		gwErr.StatusCode = he.Code
		err = gwErr
	}

	if werr := handleError(c, err); werr != nil {
		slog.Debug("writing error response", "error", werr)
	}
}
