package backend

import (
	"context"
	"io"
	"sync/atomic"

	"llamagate/internal/core"
)

type mockBackend struct {
	name       string
	completion *core.Completion
	fragments  []string
	models     *core.ModelsResponse
	err        error
	listErr    error

	completeCalls atomic.Int32
	streamCalls   atomic.Int32
	listCalls     atomic.Int32
	lastCtx       context.Context
}

func (m *mockBackend) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockBackend) Complete(ctx context.Context, _ *core.ChatRequest) (*core.Completion, error) {
	m.completeCalls.Add(1)
	m.lastCtx = ctx
	if m.err != nil {
		return nil, m.err
	}
	return m.completion, nil
}

func (m *mockBackend) Stream(_ context.Context, _ *core.ChatRequest) (core.FragmentStream, error) {
	m.streamCalls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &sliceStream{fragments: m.fragments}, nil
}

func (m *mockBackend) ListModels(_ context.Context) (*core.ModelsResponse, error) {
	m.listCalls.Add(1)
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.models, nil
}

type sliceStream struct {
	fragments []string
	next      int
}

func (s *sliceStream) Recv() (core.Fragment, error) {
	if s.next >= len(s.fragments) {
		return core.Fragment{}, io.EOF
	}
	f := core.Fragment{Content: s.fragments[s.next], Index: s.next}
	s.next++
	return f, nil
}

func (s *sliceStream) Close() error { return nil }

func modelList(ids ...string) *core.ModelsResponse {
	resp := &core.ModelsResponse{Object: "list"}
	for _, id := range ids {
		resp.Data = append(resp.Data, core.Model{ID: id, Object: "model", OwnedBy: "mock"})
	}
	return resp
}
