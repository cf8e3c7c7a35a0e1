package observability

import (
	"context"
	"strconv"

	"llamagate/internal/llmclient"
)

// NewPrometheusHooks returns llmclient hooks recording every backend call.
// A nil Metrics yields no-op hooks.
func NewPrometheusHooks(m *Metrics) llmclient.Hooks {
	if m == nil {
		return llmclient.Hooks{}
	}
	return llmclient.Hooks{
		OnRequestEnd: func(_ context.Context, info llmclient.ResponseInfo) {
			m.backendRequests.WithLabelValues(info.Backend, info.Endpoint, strconv.Itoa(info.StatusCode)).Inc()
			m.backendDuration.WithLabelValues(info.Backend, info.Endpoint).Observe(info.Duration.Seconds())
		},
	}
}
