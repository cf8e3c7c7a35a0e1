package server

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"llamagate/internal/core"
	"llamagate/internal/requestlog"
)

type fakeGateway struct {
	completion *core.Completion
	fragments  []string
	streamErr  error
	err        error
	models     *core.ModelsResponse
	circuit    string
	modelCount int

	invocations atomic.Int32
	lastRequest *core.ChatRequest
	stream      *fakeStream
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) Invoke(_ context.Context, req *core.ChatRequest) (*core.Result, error) {
	g.invocations.Add(1)
	g.lastRequest = req
	if g.err != nil {
		return nil, g.err
	}
	if req.Stream {
		g.stream = &fakeStream{fragments: g.fragments, err: g.streamErr}
		return &core.Result{Stream: g.stream}, nil
	}
	return &core.Result{Complete: g.completion}, nil
}

func (g *fakeGateway) ListModels(context.Context) (*core.ModelsResponse, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.models, nil
}

type healthyGateway struct {
	*fakeGateway
}

func (g healthyGateway) CircuitState() string { return g.circuit }
func (g healthyGateway) ModelCount() int      { return g.modelCount }

type fakeStream struct {
	fragments []string
	err       error
	next      int
	closed    atomic.Bool
}

func (s *fakeStream) Recv() (core.Fragment, error) {
	if s.closed.Load() {
		return core.Fragment{}, io.ErrClosedPipe
	}
	if s.next < len(s.fragments) {
		f := core.Fragment{Content: s.fragments[s.next], Index: s.next}
		s.next++
		return f, nil
	}
	if s.err != nil {
		return core.Fragment{}, s.err
	}
	return core.Fragment{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []*requestlog.Entry
}

func (r *memoryRecorder) Write(e *requestlog.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *memoryRecorder) Close() error { return nil }

func (r *memoryRecorder) last() *requestlog.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return nil
	}
	return r.entries[len(r.entries)-1]
}

// sseEvents splits an SSE body into the payloads of its data: lines.
func sseEvents(body string) []string {
	var events []string
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		events = append(events, strings.TrimPrefix(block, "data: "))
	}
	return events
}
