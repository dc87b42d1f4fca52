// Package metrics exposes the voice gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tool call outcomes.
const (
	ToolSuccess   = "success"
	ToolError     = "error"
	ToolDuplicate = "duplicate"
	ToolDisabled  = "disabled"
	ToolCached    = "cached"
)

// Metrics holds the gateway collectors. A nil *Metrics is valid and records
// nothing, so sessions built in tests need no registry.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	GateDecisionsTotal        *prometheus.CounterVec
	ModelRestartsTotal        *prometheus.CounterVec
	StaleEventsTotal          prometheus.Counter
	SuppressedTranscriptTotal *prometheus.CounterVec

	TokensTotal     *prometheus.CounterVec
	CostUSDTotal    prometheus.Counter
	AudioBytesTotal *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_voice"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected voice sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total voice sessions by close status",
		}, []string{"status"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Voice session duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by outcome",
		}, []string{"tool", "outcome"}),
		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool backend latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		}, []string{"tool"}),
		GateDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Audio gate resolutions per assistant turn",
		}, []string{"decision"}),
		ModelRestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_restarts_total",
			Help:      "Model session restarts by reason",
		}, []string{"reason"}),
		StaleEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_model_events_total",
			Help:      "Model events dropped because they belonged to a replaced session",
		}),
		SuppressedTranscriptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_transcripts_total",
			Help:      "Assistant transcript updates withheld from the client",
		}, []string{"reason"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Model tokens by direction",
		}, []string{"direction"}),
		CostUSDTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated model cost in USD",
		}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes relayed by direction",
		}, []string{"direction"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors sent to clients by code",
		}, []string{"code"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.GateDecisionsTotal,
		m.ModelRestartsTotal,
		m.StaleEventsTotal,
		m.SuppressedTranscriptTotal,
		m.TokensTotal,
		m.CostUSDTotal,
		m.AudioBytesTotal,
		m.ErrorsTotal,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

// ToolCall records one resolved invocation. d is zero for calls that never
// reached the backend.
func (m *Metrics) ToolCall(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	if d > 0 {
		m.ToolCallDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

func (m *Metrics) GateDecision(decision string) {
	if m == nil {
		return
	}
	m.GateDecisionsTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) ModelRestart(reason string) {
	if m == nil {
		return
	}
	m.ModelRestartsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) StaleEvent() {
	if m == nil {
		return
	}
	m.StaleEventsTotal.Inc()
}

func (m *Metrics) SuppressedTranscript(reason string) {
	if m == nil {
		return
	}
	m.SuppressedTranscriptTotal.WithLabelValues(reason).Inc()
}

// Tokens records token deltas, not running totals.
func (m *Metrics) Tokens(input, output int) {
	if m == nil {
		return
	}
	if input > 0 {
		m.TokensTotal.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		m.TokensTotal.WithLabelValues("output").Add(float64(output))
	}
}

func (m *Metrics) Cost(usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.CostUSDTotal.Add(usd)
}

func (m *Metrics) AudioBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) Error(code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(code).Inc()
}
