// Package observability holds the prometheus metrics of the gateway.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "llamagate"

// Metrics tracks chat completion requests, live streams and backend calls.
//
// Metrics:
//   - llamagate_requests_total: terminal request outcomes by stream mode
//   - llamagate_request_duration_seconds: time from receipt to terminal outcome
//   - llamagate_active_streams: streams currently relaying fragments
//   - llamagate_stream_fragments_total: fragments written to clients
//   - llamagate_backend_requests_total: backend calls by endpoint and status
//   - llamagate_backend_request_duration_seconds: backend call latency
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeStreams   prometheus.Gauge
	fragments       prometheus.Counter

	backendRequests *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the gateway metrics with registry.
// If registry is nil a fresh one is created with the Go and process collectors.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	// LLM latencies range from sub-second to minutes.
	buckets := []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Chat completion requests by terminal outcome",
			},
			[]string{"outcome", "stream", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Chat completion duration from receipt to terminal outcome",
				Buckets:   buckets,
			},
			[]string{"stream"},
		),
		activeStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_streams",
				Help:      "Streams currently relaying fragments to clients",
			},
		),
		fragments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_fragments_total",
				Help:      "Fragments written to streaming clients",
			},
		),
		backendRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_requests_total",
				Help:      "Backend calls by endpoint and response status (0 = no response)",
			},
			[]string{"backend", "endpoint", "status"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_request_duration_seconds",
				Help:      "Backend call latency until response headers",
				Buckets:   buckets,
			},
			[]string{"backend", "endpoint"},
		),
	}

	registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.activeStreams,
		m.fragments,
		m.backendRequests,
		m.backendDuration,
	)
	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records the terminal outcome of one chat completion request.
func (m *Metrics) RecordRequest(outcome string, stream bool, status int, duration time.Duration) {
	if m == nil {
		return
	}
	mode := strconv.FormatBool(stream)
	m.requests.WithLabelValues(outcome, mode, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// StreamOpened increments the active stream gauge.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

// StreamClosed decrements the active stream gauge.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}

// FragmentWritten counts one fragment delivered to a client.
func (m *Metrics) FragmentWritten() {
	if m == nil {
		return
	}
	m.fragments.Inc()
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
