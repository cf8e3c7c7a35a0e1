// Package relay owns live streaming sessions: it pumps fragments from the
// backend to the client, notices disconnects, idle backends and shutdown,
// and releases the backend handle on every exit path.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"llamagate/internal/core"
	"llamagate/internal/framing"
	"llamagate/internal/observability"
)

// Outcome is the terminal state of a session.
type Outcome string

const (
	// OutcomeCompleted means the sentinel frame was written.
	OutcomeCompleted Outcome = "completed"
	// OutcomeClientGone means the client disconnected; nothing more was written.
	OutcomeClientGone Outcome = "client_gone"
	// OutcomeBackendError means the backend failed and an error frame was written.
	OutcomeBackendError Outcome = "backend_error"
	// OutcomeTimeout means the backend went idle and an error frame was written.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeShutdown means the server stopped the session.
	OutcomeShutdown Outcome = "shutdown"
)

var (
	errIdleTimeout = errors.New("backend stream idle timeout")
	errShutdown    = errors.New("server shutting down")
	errClientGone  = errors.New("client disconnected")
)

// Result summarizes a finished session.
type Result struct {
	Outcome   Outcome
	Fragments int
	// Err is the error sent to the client, if any.
	Err   *core.GatewayError
	Usage *core.Usage
}

// Manager indexes live sessions so they can be cancelled on shutdown.
type Manager struct {
	idleTimeout time.Duration
	metrics     *observability.Metrics

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
}

// NewManager creates a manager. idleTimeout <= 0 disables the watchdog.
// metrics may be nil.
func NewManager(idleTimeout time.Duration, metrics *observability.Metrics) *Manager {
	return &Manager{
		idleTimeout: idleTimeout,
		metrics:     metrics,
		sessions:    make(map[*Session]struct{}),
	}
}

// Open registers a session relaying stream. The session is cancelled when
// ctx is done. The caller must call Run exactly once.
func (m *Manager) Open(ctx context.Context, requestID string, stream core.FragmentStream) *Session {
	sctx, cancel := context.WithCancelCause(ctx)
	s := &Session{
		RequestID: requestID,
		ctx:       sctx,
		cancel:    cancel,
		stream:    stream,
		manager:   m,
	}

	m.mu.Lock()
	m.sessions[s] = struct{}{}
	closing := m.closing
	m.mu.Unlock()

	m.metrics.StreamOpened()
	if closing {
		cancel(errShutdown)
	}
	return s
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CancelAll stops every live session and every session opened afterwards.
// Sessions still connected to their client end with an error frame.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	m.closing = true
	sessions := make([]*Session, 0, len(m.sessions))
	for s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.cancel(errShutdown)
	}
	if len(sessions) > 0 {
		slog.Info("cancelled live streams", "count", len(sessions))
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s)
	m.mu.Unlock()
	m.metrics.StreamClosed()
}

// Session is one streaming response in flight. It is owned by the goroutine
// handling the request; other goroutines only cancel it.
type Session struct {
	RequestID string

	ctx     context.Context
	cancel  context.CancelCauseFunc
	stream  core.FragmentStream
	manager *Manager
}

// Run pumps fragments into w until the stream ends, the backend fails, the
// client disconnects, the backend goes idle or the server shuts down.
// It writes exactly one terminal frame when the client can still receive it,
// and always releases the backend stream before returning.
func (s *Session) Run(w *framing.StreamWriter) Result {
	defer s.release()

	// Closing the stream unblocks a pending Recv.
	stop := context.AfterFunc(s.ctx, func() {
		_ = s.stream.Close()
	})
	defer stop()

	var watchdog *time.Timer
	if idle := s.manager.idleTimeout; idle > 0 {
		watchdog = time.AfterFunc(idle, func() { s.cancel(errIdleTimeout) })
		defer watchdog.Stop()
	}

	for {
		frag, err := s.stream.Recv()
		if s.ctx.Err() != nil {
			return s.interrupted(w)
		}

		if errors.Is(err, io.EOF) {
			if werr := w.WriteDone(); werr != nil {
				s.cancel(errClientGone)
				return s.result(w, OutcomeClientGone, nil)
			}
			return s.result(w, OutcomeCompleted, nil)
		}
		if err != nil {
			gwErr := core.Translate(err)
			slog.Warn("backend stream failed",
				"request_id", s.RequestID,
				"fragments", w.Frames(),
				"error", err,
			)
			if werr := w.WriteError(gwErr); werr != nil {
				return s.result(w, OutcomeClientGone, gwErr)
			}
			return s.result(w, OutcomeBackendError, gwErr)
		}

		if watchdog != nil {
			watchdog.Reset(s.manager.idleTimeout)
		}
		if werr := w.WriteFragment(frag); werr != nil {
			s.cancel(errClientGone)
			return s.result(w, OutcomeClientGone, nil)
		}
		s.manager.metrics.FragmentWritten()
	}
}

// interrupted ends a session whose context was cancelled.
func (s *Session) interrupted(w *framing.StreamWriter) Result {
	var gwErr *core.GatewayError
	var outcome Outcome

	switch cause := context.Cause(s.ctx); {
	case errors.Is(cause, errIdleTimeout):
		outcome = OutcomeTimeout
		gwErr = core.NewBackendUnavailableError("", errIdleTimeout.Error(), cause)
	case errors.Is(cause, errShutdown):
		outcome = OutcomeShutdown
		gwErr = core.NewBackendUnavailableError("", errShutdown.Error(), cause)
	default:
		// The request context ended: the client is gone and nothing can be delivered.
		return s.result(w, OutcomeClientGone, nil)
	}

	if err := w.WriteError(gwErr); err != nil {
		return s.result(w, OutcomeClientGone, gwErr)
	}
	return s.result(w, outcome, gwErr)
}

func (s *Session) result(w *framing.StreamWriter, outcome Outcome, gwErr *core.GatewayError) Result {
	r := Result{Outcome: outcome, Fragments: w.Frames(), Err: gwErr}
	if reporter, ok := s.stream.(core.UsageReporter); ok {
		r.Usage = reporter.Usage()
	}
	slog.Debug("stream finished",
		"request_id", s.RequestID,
		"outcome", outcome,
		"fragments", r.Fragments,
	)
	return r
}

func (s *Session) release() {
	if err := s.stream.Close(); err != nil {
		slog.Debug("closing backend stream", "request_id", s.RequestID, "error", err)
	}
	s.cancel(nil)
	s.manager.remove(s)
}
