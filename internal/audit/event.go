// Package audit implements the control plane's audit event pipeline: events
// are materialized, queued into a bounded FIFO, redacted, serialized, and
// fanned out to sinks by a single drain goroutine.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SchemaVersion is stamped on every audit event and wire payload.
const SchemaVersion = "1.0"

// EventVersion is the current audit event record version.
const EventVersion = 1

// EventType identifies the kind of audit event. Types are free-form domain
// strings; the constants below cover everything the control plane emits.
type EventType string

const (
	// Request lifecycle
	EventRequestStart EventType = "request.start"
	EventRequestEnd   EventType = "request.end"

	// Model routing
	EventModelCallStart     EventType = "model.call.start"
	EventModelCallEnd       EventType = "model.call.end"
	EventModelCallError     EventType = "model.call.error"
	EventModelFallback      EventType = "model.fallback"
	EventRoutingDecision    EventType = "model.routing.decision"
	EventCircuitStateChange EventType = "health.circuit.state_change"

	// Tool guard
	EventToolDecision    EventType = "tool.decision"
	EventToolCallBlocked EventType = "tool.call.blocked"

	// Artifacts
	EventArtifactPublish EventType = "artifact.publish"
	EventArtifactFetch   EventType = "artifact.fetch"

	// Delegation
	EventAgentMessage   EventType = "agent.message"
	EventAgentCallStart EventType = "agent.call.start"
	EventAgentCallEnd   EventType = "agent.call.end"
	EventAgentCallError EventType = "agent.call.error"

	// Extension lifecycles
	EventPluginLifecycle EventType = "plugin.lifecycle"
	EventSkillLifecycle  EventType = "skill.lifecycle"
)

// RiskTier classifies how dangerous a tool call is.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// DecisionOutcome is the verdict attached to guarded operations.
type DecisionOutcome string

const (
	DecisionAllow DecisionOutcome = "allow"
	DecisionDeny  DecisionOutcome = "deny"
)

// Decision records the outcome of a policy or guard evaluation.
type Decision struct {
	Outcome DecisionOutcome `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
}

// ModelMeta carries model call metadata on routing events.
type ModelMeta struct {
	Provider     string `json:"provider,omitempty"`
	ModelRef     string `json:"model_ref,omitempty"`
	StatusCode   int    `json:"status_code,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	FromModelRef string `json:"from_model_ref,omitempty"`
	ToModelRef   string `json:"to_model_ref,omitempty"`
}

// ToolMeta carries tool call metadata on guard events.
type ToolMeta struct {
	Name    string `json:"name,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Blocked bool   `json:"blocked,omitempty"`
}

// Metrics carries accumulated request counters, attached to request.end and
// surfaced in rollups.
type Metrics struct {
	LatencyMs          int64   `json:"latency_ms,omitempty"`
	TokensIn           int64   `json:"tokens_in,omitempty"`
	TokensOut          int64   `json:"tokens_out,omitempty"`
	CostUsd            float64 `json:"cost_usd,omitempty"`
	Retries            int     `json:"retries,omitempty"`
	FallbackHops       int     `json:"fallback_hops,omitempty"`
	ToolCalls          int     `json:"tool_calls,omitempty"`
	BlockedToolCalls   int     `json:"blocked_tool_calls,omitempty"`
	DelegationCalls    int     `json:"delegation_calls,omitempty"`
	DelegationMessages int     `json:"delegation_messages,omitempty"`
	ArtifactsPublished int     `json:"artifacts_published,omitempty"`
	ArtifactsFetched   int     `json:"artifacts_fetched,omitempty"`
}

// Event is an immutable audit record. TraceID and AgentID are always
// non-empty once materialized; Payload is present even when empty.
type Event struct {
	SchemaVersion string         `json:"schema_version"`
	EventVersion  int            `json:"event_version"`
	Timestamp     int64          `json:"timestamp"`
	TraceID       string         `json:"trace_id"`
	SpanID        string         `json:"span_id,omitempty"`
	AgentID       string         `json:"agent_id"`
	Type          EventType      `json:"type"`
	RiskTier      RiskTier       `json:"risk_tier,omitempty"`
	Decision      *Decision      `json:"decision,omitempty"`
	Model         *ModelMeta     `json:"model,omitempty"`
	Tool          *ToolMeta      `json:"tool,omitempty"`
	Metrics       *Metrics       `json:"metrics,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// NewEvent creates an event of the given type with the trace and agent set.
// The pipeline materializes the remaining envelope fields on enqueue.
func NewEvent(eventType EventType, traceID, agentID string) *Event {
	return &Event{
		Type:    eventType,
		TraceID: traceID,
		AgentID: agentID,
		Payload: map[string]any{},
	}
}

// materialize fills envelope fields the emitter left unset. Agent and trace
// IDs default to "unknown" so the persisted-record invariant holds even for
// events emitted outside a request scope.
func materialize(e *Event, now time.Time) {
	e.SchemaVersion = SchemaVersion
	e.EventVersion = EventVersion
	if e.Timestamp == 0 {
		e.Timestamp = now.UnixMilli()
	}
	if e.AgentID == "" {
		e.AgentID = "unknown"
	}
	if e.TraceID == "" {
		e.TraceID = "unknown"
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
}

// hashString returns a stable 16-hex-char content hash, used wherever
// redaction replaces a value with its fingerprint.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
