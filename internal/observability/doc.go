// Package observability provides the ambient instrumentation for the control
// plane: structured logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Logging
//
// Logging is built on Go's slog package with enhancements for:
//   - Automatic request/trace/agent correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens)
//   - JSON output for production, text for development
//
// Example:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	ctx = observability.AddRequestID(ctx, requestID)
//	logger.Info(ctx, "routing decision", "chosen_model", ref)
//
// # Metrics
//
// Metrics are implemented with the Prometheus client and cover model calls,
// fallback hops, tool decisions, audit pipeline pressure, stream fanout load,
// and delegation outcomes. All metric names carry the openclaw_ prefix and
// are served from the gateway's /metrics endpoint.
//
// # Tracing
//
// Tracing uses OpenTelemetry with an OTLP gRPC exporter. When no endpoint is
// configured the tracer is a no-op, but trace IDs still flow: GetTraceID
// falls back to an explicit context value so audit events stay correlated
// without a collector.
package observability
