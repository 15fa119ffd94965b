// Package stream fans audit events out to subscribers over a replay buffer,
// with per-subscription filters, rate windows, bounded queues, and periodic
// spend/health rollup rebroadcast.
package stream

import (
	"github.com/msimon42/openclaw-sub000/internal/audit"
	"github.com/msimon42/openclaw-sub000/internal/health"
	"github.com/msimon42/openclaw-sub000/internal/spend"
)

// Wire protocol method and event names. Methods arrive from clients; events
// are pushed to them. Every payload carries schemaVersion "1.0".
const (
	MethodSubscribe   = "OBS.SUBSCRIBE"
	MethodUnsubscribe = "OBS.UNSUBSCRIBE"
	MethodPing        = "OBS.PING"

	EventSnapshot = "OBS.SNAPSHOT"
	EventEvent    = "OBS.EVENT"
	EventHealth   = "OBS.HEALTH"
	EventSpend    = "OBS.SPEND"
	EventPong     = "OBS.PONG"
	EventError    = "OBS.ERROR"
)

// ErrCodeBufferOverflow is sent when a subscription dropped events under
// backpressure or because a single event exceeded the message size limit.
const ErrCodeBufferOverflow = "BUFFER_OVERFLOW"

// Envelope is one outbound frame: the event name plus its payload.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// FilterSpec is the client-supplied subscription filter. Zero-valued fields
// match everything.
type FilterSpec struct {
	AgentID         string   `json:"agentId,omitempty"`
	EventTypes      []string `json:"eventTypes,omitempty"`
	ModelRefs       []string `json:"modelRefs,omitempty"`
	DecisionOutcome string   `json:"decisionOutcome,omitempty"`
	RiskTiers       []string `json:"riskTiers,omitempty"`
	SinceTs         int64    `json:"sinceTs,omitempty"`
}

// SubscribeParams is the OBS.SUBSCRIBE payload.
type SubscribeParams struct {
	SchemaVersion   string      `json:"schemaVersion"`
	Filters         *FilterSpec `json:"filters,omitempty"`
	MaxEventsPerSec int         `json:"maxEventsPerSec,omitempty"`
}

// EventPayload carries one audit event on OBS.EVENT.
type EventPayload struct {
	SchemaVersion string       `json:"schemaVersion"`
	Event         *audit.Event `json:"event"`
}

// SnapshotPayload is the initial replay sent on subscribe. Truncated is set
// when older matching events were trimmed to fit the message size limit.
type SnapshotPayload struct {
	SchemaVersion string         `json:"schemaVersion"`
	Events        []*audit.Event `json:"events"`
	Truncated     bool           `json:"truncated,omitempty"`
}

// HealthPayload is the circuit rollup pushed on OBS.HEALTH.
type HealthPayload struct {
	SchemaVersion string                `json:"schemaVersion"`
	UpdatedAt     int64                 `json:"updatedAt"`
	Circuits      []health.CircuitState `json:"circuits"`
}

// SpendPayload is the spend rollup pushed on OBS.SPEND.
type SpendPayload struct {
	SchemaVersion string               `json:"schemaVersion"`
	Summary       spend.Summary        `json:"summary"`
	Fallbacks     []spend.FallbackEdge `json:"fallbacks,omitempty"`
}

// PongPayload answers OBS.PING.
type PongPayload struct {
	SchemaVersion string `json:"schemaVersion"`
	Timestamp     int64  `json:"timestamp"`
}

// ErrorPayload is pushed on OBS.ERROR.
type ErrorPayload struct {
	SchemaVersion string         `json:"schemaVersion"`
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	Retryable     bool           `json:"retryable,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}
