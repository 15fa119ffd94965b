package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting control plane metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Model call volume, latency, token usage, and spend
//   - Fallback hops between model candidates
//   - Tool guard decisions by stage
//   - Audit pipeline pressure (queue depth, drops)
//   - Stream fanout load (subscribers, dropped events)
//   - Delegated agent calls by status
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.ModelCallCounter.WithLabelValues("anthropic", "claude-sonnet", "success").Inc()
type Metrics struct {
	// ModelCallCounter counts routed model calls.
	// Labels: provider, model, status (success|error)
	ModelCallCounter *prometheus.CounterVec

	// ModelCallDuration measures model call latency in seconds.
	// Labels: provider, model
	ModelCallDuration *prometheus.HistogramVec

	// ModelTokens tracks token consumption.
	// Labels: provider, model, type (input|output)
	ModelTokens *prometheus.CounterVec

	// ModelCostUSD accumulates estimated spend in USD.
	// Labels: provider, model
	ModelCostUSD *prometheus.CounterVec

	// FallbackCounter counts fallback hops between candidates.
	// Labels: reason (timeout|rate_limit|format|circuit_open|context_overflow|other)
	FallbackCounter *prometheus.CounterVec

	// ToolDecisionCounter counts tool guard decisions.
	// Labels: tool, decision (allow|deny|require_approval), stage
	ToolDecisionCounter *prometheus.CounterVec

	// AuditQueueDepth is a gauge tracking buffered audit events awaiting drain.
	AuditQueueDepth prometheus.Gauge

	// AuditDroppedCounter counts audit events dropped under backpressure.
	AuditDroppedCounter prometheus.Counter

	// AuditSinkErrors counts sink write failures.
	// Labels: sink
	AuditSinkErrors *prometheus.CounterVec

	// StreamSubscribers is a gauge of active stream subscriptions.
	StreamSubscribers prometheus.Gauge

	// StreamDroppedCounter counts events dropped from subscriber queues.
	// Labels: reason (overflow|oversized)
	StreamDroppedCounter *prometheus.CounterVec

	// DelegationCounter counts delegated agent calls.
	// Labels: status (ok|blocked|deduped|timeout|error)
	DelegationCounter *prometheus.CounterVec

	// CircuitState tracks breaker state per candidate (0 closed, 1 half-open, 2 open).
	// Labels: candidate
	CircuitState *prometheus.GaugeVec

	// HTTPRequestDuration measures gateway HTTP request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts gateway HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		ModelCallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openclaw_model_calls_total",
				Help: "Total number of model calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ModelCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openclaw_model_call_duration_seconds",
				Help:    "Duration of model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ModelTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openclaw_model_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ModelCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openclaw_model_cost_usd_total",
				Help: "Estimated model spend in USD by provider and model",
			},
			[]string{"provider", "model"},
		),

		FallbackCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openclaw_model_fallbacks_total",
				Help: "Total number of fallback hops between model candidates by reason",
			},
			[]string{"reason"},
		),

		ToolDecisionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openclaw_tool_decisions_total",
				Help: "Total number of tool guard decisions by tool, decision, and stage",
			},
			[]string{"tool", "decision", "stage"},
		),

		AuditQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "openclaw_audit_queue_depth",
				Help: "Number of audit events buffered awaiting drain",
			},
		),

		AuditDroppedCounter: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "openclaw_audit_dropped_total",
				Help: "Total number of audit events dropped under backpressure",
			},
		),

		AuditSinkErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openclaw_audit_sink_errors_total",
				Help: "Total number of audit sink write failures",
			},
			[]string{"sink"},
		),

		StreamSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "openclaw_stream_subscribers",
				Help: "Current number of active stream subscriptions",
			},
		),

		StreamDroppedCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openclaw_stream_dropped_total",
				Help: "Total number of stream events dropped by reason",
			},
			[]string{"reason"},
		),

		DelegationCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openclaw_delegations_total",
				Help: "Total number of delegated agent calls by status",
			},
			[]string{"status"},
		),

		CircuitState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "openclaw_circuit_state",
				Help: "Circuit breaker state per model candidate (0 closed, 1 half-open, 2 open)",
			},
			[]string{"candidate"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "openclaw_http_request_duration_seconds",
				Help:    "Duration of gateway HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "openclaw_http_requests_total",
				Help: "Total number of gateway HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
