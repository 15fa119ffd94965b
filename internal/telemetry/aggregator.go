// Package telemetry aggregates domain events into per-request counters,
// drives the circuit tracker and spend rollups, and emits audit events for
// every operation the control plane performs.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/msimon42/openclaw-sub000/internal/audit"
	"github.com/msimon42/openclaw-sub000/internal/health"
	"github.com/msimon42/openclaw-sub000/internal/observability"
	"github.com/msimon42/openclaw-sub000/internal/spend"
)

// DirtyMarker is notified when spend or health rollups change, so the
// stream fanout can rebroadcast them on its next tick.
type DirtyMarker interface {
	MarkSpendDirty()
	MarkHealthDirty()
}

// ToolCall describes one guarded tool invocation decision.
type ToolCall struct {
	Name     string
	CallID   string
	RiskTier audit.RiskTier
	Stage    string
	Reason   string
}

// requestState is the per-request rollup. Created on the first event that
// carries the request id, destroyed when the request ends.
type requestState struct {
	requestID string
	traceID   string
	spanID    string
	agentID   string
	startedAt time.Time

	toolCalls          int
	blockedToolCalls   int
	fallbackHops       int
	retries            int
	tokensIn           int64
	tokensOut          int64
	costUsd            float64
	delegationCalls    int
	delegationMessages int
	artifactsPublished int
	artifactsFetched   int
}

// Aggregator fans every domain event into request counters, audit events,
// Prometheus metrics, the circuit tracker, and the spend tracker.
type Aggregator struct {
	audit   *audit.Pipeline
	health  *health.Tracker
	spend   *spend.Tracker
	metrics *observability.Metrics
	logger  *observability.Logger
	dirty   DirtyMarker

	mu     sync.Mutex
	states map[string]*requestState
	now    func() time.Time
}

// NewAggregator wires the aggregator into the audit pipeline, circuit
// tracker, and spend tracker. metrics, logger, and dirty may be nil. Circuit
// state transitions are observed and re-emitted as audit events.
func NewAggregator(pipeline *audit.Pipeline, tracker *health.Tracker, spendTracker *spend.Tracker, metrics *observability.Metrics, logger *observability.Logger, dirty DirtyMarker) *Aggregator {
	a := &Aggregator{
		audit:   pipeline,
		health:  tracker,
		spend:   spendTracker,
		metrics: metrics,
		logger:  logger,
		dirty:   dirty,
		states:  make(map[string]*requestState),
		now:     time.Now,
	}
	if tracker != nil {
		tracker.OnStateChange = a.circuitStateChange
	}
	return a
}

// ActiveRequests reports how many request states are currently tracked.
func (a *Aggregator) ActiveRequests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

// RequestStart creates the request state and emits request.start.
func (a *Aggregator) RequestStart(ctx context.Context) {
	a.mu.Lock()
	st := a.resolveLocked(ctx)
	a.mu.Unlock()

	a.emit(ctx, st, audit.EventRequestStart, nil)
}

// RequestEnd emits request.end carrying the accumulated counters and
// destroys the request state.
func (a *Aggregator) RequestEnd(ctx context.Context) {
	a.mu.Lock()
	st := a.lookupLocked(ctx)
	var metrics *audit.Metrics
	if st != nil {
		metrics = &audit.Metrics{
			LatencyMs:          a.now().Sub(st.startedAt).Milliseconds(),
			TokensIn:           st.tokensIn,
			TokensOut:          st.tokensOut,
			CostUsd:            st.costUsd,
			Retries:            st.retries,
			FallbackHops:       st.fallbackHops,
			ToolCalls:          st.toolCalls,
			BlockedToolCalls:   st.blockedToolCalls,
			DelegationCalls:    st.delegationCalls,
			DelegationMessages: st.delegationMessages,
			ArtifactsPublished: st.artifactsPublished,
			ArtifactsFetched:   st.artifactsFetched,
		}
		delete(a.states, st.requestID)
	}
	a.mu.Unlock()

	ev := a.newEvent(ctx, st, audit.EventRequestEnd)
	ev.Metrics = metrics
	a.audit.Emit(ev)
}

// ModelCallStart emits model.call.start.
func (a *Aggregator) ModelCallStart(ctx context.Context, provider, modelRef string) {
	a.mu.Lock()
	st := a.resolveLocked(ctx)
	a.mu.Unlock()

	ev := a.newEvent(ctx, st, audit.EventModelCallStart)
	ev.Model = &audit.ModelMeta{Provider: provider, ModelRef: modelRef}
	a.audit.Emit(ev)
}

// ModelCallEnd prices extracted usage, records a spend entry, notes circuit
// success, and emits model.call.end.
func (a *Aggregator) ModelCallEnd(ctx context.Context, provider, modelRef string, tokensIn, tokensOut int64, latency time.Duration) {
	var cost float64
	if a.spend != nil {
		cost = a.spend.Pricing().CostFor(modelRef, tokensIn, tokensOut)
	}

	a.mu.Lock()
	st := a.resolveLocked(ctx)
	if st != nil {
		st.tokensIn += tokensIn
		st.tokensOut += tokensOut
		st.costUsd = spend.Round8(st.costUsd + cost)
	}
	a.mu.Unlock()

	if a.spend != nil {
		a.spend.Record(spend.Entry{
			Timestamp: a.now(),
			TraceID:   a.traceID(ctx, st),
			AgentID:   a.agentID(ctx, st),
			Provider:  provider,
			ModelRef:  modelRef,
			TokensIn:  tokensIn,
			TokensOut: tokensOut,
			CostUsd:   cost,
		})
	}
	if a.health != nil {
		a.health.NoteSuccess(provider, modelRef)
	}
	if a.metrics != nil {
		a.metrics.ModelCallCounter.WithLabelValues(provider, modelRef, "success").Inc()
		a.metrics.ModelCallDuration.WithLabelValues(provider, modelRef).Observe(latency.Seconds())
		a.metrics.ModelTokens.WithLabelValues(provider, modelRef, "input").Add(float64(tokensIn))
		a.metrics.ModelTokens.WithLabelValues(provider, modelRef, "output").Add(float64(tokensOut))
		a.metrics.ModelCostUSD.WithLabelValues(provider, modelRef).Add(cost)
	}

	ev := a.newEvent(ctx, st, audit.EventModelCallEnd)
	ev.Model = &audit.ModelMeta{Provider: provider, ModelRef: modelRef}
	ev.Metrics = &audit.Metrics{
		LatencyMs: latency.Milliseconds(),
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUsd:   cost,
	}
	a.audit.Emit(ev)

	a.markSpendDirty()
	a.markHealthDirty()
}

// ModelCallError notes the failure on the circuit tracker and emits
// model.call.error. Reasons the tracker does not count (circuit_open,
// format) still produce the audit event.
func (a *Aggregator) ModelCallError(ctx context.Context, provider, modelRef, reason string, statusCode int, errorCode string) {
	a.mu.Lock()
	st := a.resolveLocked(ctx)
	if st != nil {
		st.retries++
	}
	a.mu.Unlock()

	if a.health != nil {
		a.health.NoteFailure(provider, modelRef, reason)
	}
	if a.metrics != nil {
		a.metrics.ModelCallCounter.WithLabelValues(provider, modelRef, "error").Inc()
	}

	ev := a.newEvent(ctx, st, audit.EventModelCallError)
	ev.Model = &audit.ModelMeta{
		Provider:   provider,
		ModelRef:   modelRef,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
	}
	ev.Payload["reason"] = reason
	a.audit.Emit(ev)

	a.markHealthDirty()
}

// ModelCallFallback counts a fallback hop and emits a model.fallback edge.
func (a *Aggregator) ModelCallFallback(ctx context.Context, fromRef, toRef, reason string) {
	a.mu.Lock()
	st := a.resolveLocked(ctx)
	if st != nil {
		st.fallbackHops++
	}
	a.mu.Unlock()

	if a.spend != nil {
		a.spend.RecordFallback(fromRef, toRef)
	}
	if a.metrics != nil {
		a.metrics.FallbackCounter.WithLabelValues(reason).Inc()
	}

	ev := a.newEvent(ctx, st, audit.EventModelFallback)
	ev.Model = &audit.ModelMeta{FromModelRef: fromRef, ToModelRef: toRef}
	ev.Payload["reason"] = reason
	a.audit.Emit(ev)

	a.markSpendDirty()
}

// RoutingDecision emits the resolved route with its candidate rationale.
func (a *Aggregator) RoutingDecision(ctx context.Context, route, primary string, fallbacks, rationale []string) {
	a.mu.Lock()
	st := a.resolveLocked(ctx)
	a.mu.Unlock()

	ev := a.newEvent(ctx, st, audit.EventRoutingDecision)
	ev.Payload["route"] = route
	ev.Payload["primary"] = primary
	ev.Payload["fallbacks"] = fallbacks
	if len(rationale) > 0 {
		ev.Payload["rationale"] = rationale
	}
	a.audit.Emit(ev)
}

// ToolCallAllowed counts an allowed tool call and emits tool.decision.
func (a *Aggregator) ToolCallAllowed(ctx context.Context, tc ToolCall) {
	a.mu.Lock()
	st := a.resolveLocked(ctx)
	if st != nil {
		st.toolCalls++
	}
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.ToolDecisionCounter.WithLabelValues(tc.Name, "allow", tc.Stage).Inc()
	}

	ev := a.newEvent(ctx, st, audit.EventToolDecision)
	ev.RiskTier = tc.RiskTier
	ev.Decision = &audit.Decision{Outcome: audit.DecisionAllow, Reason: tc.Reason}
	ev.Tool = &audit.ToolMeta{Name: tc.Name, CallID: tc.CallID}
	ev.Payload["stage"] = tc.Stage
	a.audit.Emit(ev)
}

// ToolCallBlocked counts a denied tool call and emits tool.call.blocked.
func (a *Aggregator) ToolCallBlocked(ctx context.Context, tc ToolCall) {
	a.mu.Lock()
	st := a.resolveLocked(ctx)
	if st != nil {
		st.blockedToolCalls++
	}
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.ToolDecisionCounter.WithLabelValues(tc.Name, "deny", tc.Stage).Inc()
	}

	ev := a.newEvent(ctx, st, audit.EventToolCallBlocked)
	ev.RiskTier = tc.RiskTier
	ev.Decision = &audit.Decision{Outcome: audit.DecisionDeny, Reason: tc.Reason}
	ev.Tool = &audit.ToolMeta{Name: tc.Name, CallID: tc.CallID, Blocked: true}
	ev.Payload["stage"] = tc.Stage
	a.audit.Emit(ev)
}

// ArtifactPublish counts a published artifact and emits artifact.publish.
func (a *Aggregator) ArtifactPublish(ctx context.Context, artifactID, kind string, sizeBytes int64) {
	a.mu.Lock()
	st := a.resolveLocked(ctx)
	if st != nil {
		st.artifactsPublished++
	}
	a.mu.Unlock()

	ev := a.newEvent(ctx, st, audit.EventArtifactPublish)
	ev.Payload["artifact_id"] = artifactID
	ev.Payload["kind"] = kind
	ev.Payload["size_bytes"] = sizeBytes
	a.audit.Emit(ev)
}

// ArtifactFetch counts an artifact fetch and emits artifact.fetch.
func (a *Aggregator) ArtifactFetch(ctx context.Context, artifactID string) {
	a.mu.Lock()
	st := a.resolveLocked(ctx)
	if st != nil {
		st.artifactsFetched++
	}
	a.mu.Unlock()

	ev := a.newEvent(ctx, st, audit.EventArtifactFetch)
	ev.Payload["artifact_id"] = artifactID
	a.audit.Emit(ev)
}

// AgentMessage counts an inbox handoff and emits agent.message.
func (a *Aggregator) AgentMessage(ctx context.Context, from, to, priority string) {
	a.mu.Lock()
	st := a.resolveLocked(ctx)
	if st != nil {
		st.delegationMessages++
	}
	a.mu.Unlock()

	ev := a.newEvent(ctx, st, audit.EventAgentMessage)
	ev.Payload["from"] = from
	ev.Payload["to"] = to
	ev.Payload["priority"] = priority
	a.audit.Emit(ev)
}

// AgentCallStart counts a delegation and emits agent.call.start.
func (a *Aggregator) AgentCallStart(ctx context.Context, from, to string) {
	a.mu.Lock()
	st := a.resolveLocked(ctx)
	if st != nil {
		st.delegationCalls++
	}
	a.mu.Unlock()

	ev := a.newEvent(ctx, st, audit.EventAgentCallStart)
	ev.Payload["from"] = from
	ev.Payload["to"] = to
	a.audit.Emit(ev)
}

// AgentCallEnd emits agent.call.end with the terminal status. Blocked and
// deduped delegations end here without a matching start.
func (a *Aggregator) AgentCallEnd(ctx context.Context, from, to, status, reason string, latency time.Duration) {
	a.mu.Lock()
	st := a.lookupLocked(ctx)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.DelegationCounter.WithLabelValues(status).Inc()
	}

	ev := a.newEvent(ctx, st, audit.EventAgentCallEnd)
	ev.Payload["from"] = from
	ev.Payload["to"] = to
	ev.Payload["status"] = status
	if reason != "" {
		ev.Payload["reason"] = reason
	}
	if latency > 0 {
		ev.Metrics = &audit.Metrics{LatencyMs: latency.Milliseconds()}
	}
	a.audit.Emit(ev)
}

// AgentCallError emits agent.call.error for delegations that did not
// complete ok.
func (a *Aggregator) AgentCallError(ctx context.Context, from, to, reason string) {
	a.mu.Lock()
	st := a.lookupLocked(ctx)
	a.mu.Unlock()

	ev := a.newEvent(ctx, st, audit.EventAgentCallError)
	ev.Payload["from"] = from
	ev.Payload["to"] = to
	ev.Payload["reason"] = reason
	a.audit.Emit(ev)
}

// PluginLifecycle emits plugin.lifecycle.
func (a *Aggregator) PluginLifecycle(ctx context.Context, name, phase string) {
	a.mu.Lock()
	st := a.lookupLocked(ctx)
	a.mu.Unlock()

	ev := a.newEvent(ctx, st, audit.EventPluginLifecycle)
	ev.Payload["name"] = name
	ev.Payload["phase"] = phase
	a.audit.Emit(ev)
}

// SkillLifecycle emits skill.lifecycle.
func (a *Aggregator) SkillLifecycle(ctx context.Context, name, phase string) {
	a.mu.Lock()
	st := a.lookupLocked(ctx)
	a.mu.Unlock()

	ev := a.newEvent(ctx, st, audit.EventSkillLifecycle)
	ev.Payload["name"] = name
	ev.Payload["phase"] = phase
	a.audit.Emit(ev)
}

// circuitStateChange re-emits circuit transitions as audit events and keeps
// the per-candidate gauge current.
func (a *Aggregator) circuitStateChange(candidate, from, to string) {
	if a.metrics != nil {
		a.metrics.CircuitState.WithLabelValues(candidate).Set(circuitGaugeValue(to))
	}
	if a.logger != nil {
		a.logger.Info(context.Background(), "circuit state change",
			"candidate", candidate, "from", from, "to", to)
	}

	ev := audit.NewEvent(audit.EventCircuitStateChange, "", "")
	ev.Payload["candidate"] = candidate
	ev.Payload["from"] = from
	ev.Payload["to"] = to
	a.audit.Emit(ev)

	a.markHealthDirty()
}

func circuitGaugeValue(state string) float64 {
	switch state {
	case health.StateOpen:
		return 2
	case health.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// resolveLocked finds the request state for the context, creating one when
// the context carries a request id (or, failing that, a trace id) that has
// no state yet.
func (a *Aggregator) resolveLocked(ctx context.Context) *requestState {
	if st := a.lookupLocked(ctx); st != nil {
		return st
	}

	key := observability.GetRequestID(ctx)
	if key == "" {
		key = observability.GetTraceID(ctx)
	}
	if key == "" {
		return nil
	}
	st := &requestState{
		requestID: key,
		traceID:   observability.GetTraceID(ctx),
		spanID:    observability.GetSpanID(ctx),
		agentID:   observability.GetAgentID(ctx),
		startedAt: a.now(),
	}
	a.states[key] = st
	return st
}

// lookupLocked resolves by request id, falling back to a linear scan by
// trace id. The state map is bounded by in-flight requests, so the scan is
// acceptable.
func (a *Aggregator) lookupLocked(ctx context.Context) *requestState {
	if rid := observability.GetRequestID(ctx); rid != "" {
		if st, ok := a.states[rid]; ok {
			return st
		}
		return nil
	}
	tid := observability.GetTraceID(ctx)
	if tid == "" {
		return nil
	}
	for _, st := range a.states {
		if st.traceID == tid {
			return st
		}
	}
	return nil
}

func (a *Aggregator) newEvent(ctx context.Context, st *requestState, eventType audit.EventType) *audit.Event {
	ev := audit.NewEvent(eventType, a.traceID(ctx, st), a.agentID(ctx, st))
	if span := observability.GetSpanID(ctx); span != "" {
		ev.SpanID = span
	} else if st != nil {
		ev.SpanID = st.spanID
	}
	return ev
}

func (a *Aggregator) emit(ctx context.Context, st *requestState, eventType audit.EventType, payload map[string]any) {
	ev := a.newEvent(ctx, st, eventType)
	for k, v := range payload {
		ev.Payload[k] = v
	}
	a.audit.Emit(ev)
}

func (a *Aggregator) traceID(ctx context.Context, st *requestState) string {
	if id := observability.GetTraceID(ctx); id != "" {
		return id
	}
	if st != nil {
		return st.traceID
	}
	return ""
}

func (a *Aggregator) agentID(ctx context.Context, st *requestState) string {
	if id := observability.GetAgentID(ctx); id != "" {
		return id
	}
	if st != nil {
		return st.agentID
	}
	return ""
}

func (a *Aggregator) markSpendDirty() {
	if a.dirty != nil {
		a.dirty.MarkSpendDirty()
	}
}

func (a *Aggregator) markHealthDirty() {
	if a.dirty != nil {
		a.dirty.MarkHealthDirty()
	}
}
