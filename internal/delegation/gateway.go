package delegation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msimon42/openclaw-sub000/internal/artifacts"
	"github.com/msimon42/openclaw-sub000/internal/observability"
	"github.com/msimon42/openclaw-sub000/internal/sessions"
	"github.com/msimon42/openclaw-sub000/internal/telemetry"
	"github.com/msimon42/openclaw-sub000/pkg/models"
)

// summaryMaxChars caps the latest-assistant summary returned to callers.
const summaryMaxChars = 800

// Executor starts a delegated run on the target agent. Implementations post a
// completion snapshot keyed by IdempotencyKey when the run ends.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) error
}

// ExecuteRequest is handed to the agent-execution collaborator.
type ExecuteRequest struct {
	To             string
	Message        string
	ArtifactIDs    []string
	SessionKey     string
	TraceID        string
	IdempotencyKey string
	Deliver        bool
	MaxToolCalls   int
	Timeout        time.Duration
}

// ChatInjector delivers an inbox handoff into the target agent's live chat.
type ChatInjector interface {
	Inject(ctx context.Context, agentID, sessionID, message string) error
}

// Config wires the gateway.
type Config struct {
	Limits Limits

	// AutoPublishThreshold is the message length above which payloads are
	// compacted into artifacts. Zero uses the store default.
	AutoPublishThreshold int
}

// Gateway implements agents.call and agents.message.
type Gateway struct {
	cfg       Config
	guards    *GuardSet
	snapshots *SnapshotStore
	store     sessions.Store
	artifacts *artifacts.Store
	telemetry *telemetry.Aggregator
	executor  Executor
	injector  ChatInjector
	logger    *observability.Logger
	now       func() time.Time
}

func NewGateway(cfg Config, store sessions.Store, artifactStore *artifacts.Store, agg *telemetry.Aggregator, executor Executor, injector ChatInjector, logger *observability.Logger) *Gateway {
	cfg.Limits = cfg.Limits.Clamped()
	return &Gateway{
		cfg:       cfg,
		guards:    NewGuardSet(),
		snapshots: NewSnapshotStore(),
		store:     store,
		artifacts: artifactStore,
		telemetry: agg,
		executor:  executor,
		injector:  injector,
		logger:    logger,
		now:       time.Now,
	}
}

// Snapshots exposes the completion store so run loops can post results.
func (g *Gateway) Snapshots() *SnapshotStore {
	return g.snapshots
}

// Guards exposes the trace guard set for housekeeping.
func (g *Gateway) Guards() *GuardSet {
	return g.guards
}

// CallRequest is one synchronous delegation.
type CallRequest struct {
	From        string     `json:"from"`
	To          string     `json:"to"`
	Message     string     `json:"message"`
	ArtifactIDs []string   `json:"artifactIds,omitempty"`
	SessionKey  string     `json:"sessionKey,omitempty"`
	TraceID     string     `json:"traceId,omitempty"`
	Limits      *Overrides `json:"limits,omitempty"`
}

// CallResponse reports the delegation outcome. Blocked and deduped are
// normal responses, not errors.
type CallResponse struct {
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	ArtifactRefs []artifacts.Ref `json:"artifactRefs,omitempty"`
	TraceID      string          `json:"traceId"`
}

// taskIdentity is hashed to dedupe repeated delegations. Field order is part
// of the hash.
type taskIdentity struct {
	To          string   `json:"to"`
	Message     string   `json:"message"`
	ArtifactIDs []string `json:"artifactIds"`
	SessionKey  string   `json:"sessionKey"`
}

func normalizeMessage(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TaskHash computes the dedup hash for a delegation.
func TaskHash(to, message string, artifactIDs []string, sessionKey string) string {
	sorted := append([]string{}, artifactIDs...)
	sort.Strings(sorted)
	data, _ := json.Marshal(taskIdentity{
		To:          to,
		Message:     normalizeMessage(message),
		ArtifactIDs: sorted,
		SessionKey:  sessionKey,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Call delegates synchronously to another agent and waits for its completion
// snapshot.
func (g *Gateway) Call(ctx context.Context, req CallRequest) (*CallResponse, error) {
	limits := g.cfg.Limits.Merge(req.Limits)

	traceID := req.TraceID
	if traceID == "" {
		traceID = observability.GetTraceID(ctx)
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.InboxKey(req.To)
	}

	taskHash := TaskHash(req.To, req.Message, req.ArtifactIDs, sessionKey)
	pairKey := req.From + "->" + req.To

	adm := g.guards.Admit(traceID, taskHash, pairKey, limits)
	if !adm.OK {
		if g.logger != nil {
			g.logger.Debug(ctx, "delegation refused",
				"from", req.From, "to", req.To, "status", adm.Status, "reason", adm.Reason)
		}
		// Refusals are terminal and audited like any other deny.
		g.telemetry.AgentCallEnd(ctx, req.From, req.To, adm.Status, adm.Reason, 0)
		return &CallResponse{Status: adm.Status, Reason: adm.Reason, TraceID: traceID}, nil
	}
	defer g.guards.Release(traceID)

	start := g.now()
	g.telemetry.AgentCallStart(ctx, req.From, req.To)

	message, compactedRef, err := g.artifacts.MaybeAutoPublish(ctx, req.Message, req.From, req.To, traceID, g.cfg.AutoPublishThreshold)
	if err != nil {
		g.telemetry.AgentCallError(ctx, req.From, req.To, "artifact publish failed")
		return nil, err
	}
	artifactIDs := req.ArtifactIDs
	var refs []artifacts.Ref
	if compactedRef != nil {
		artifactIDs = append(append([]string{}, artifactIDs...), compactedRef.ID)
		refs = append(refs, *compactedRef)
	}

	idempotencyKey := uuid.NewString()
	timeout := time.Duration((limits.TimeoutMs+999)/1000) * time.Second

	execErr := g.executor.Execute(ctx, ExecuteRequest{
		To:             req.To,
		Message:        message,
		ArtifactIDs:    artifactIDs,
		SessionKey:     sessionKey,
		TraceID:        traceID,
		IdempotencyKey: idempotencyKey,
		Deliver:        false,
		MaxToolCalls:   limits.MaxToolCalls,
		Timeout:        timeout,
	})

	var (
		snap *Snapshot
		got  bool
	)
	if execErr == nil {
		snap, got = g.snapshots.Await(ctx, idempotencyKey, timeout)
	}

	status := StatusOK
	reason := ""
	switch {
	case execErr != nil:
		status, reason = StatusError, execErr.Error()
	case !got:
		status = StatusTimeout
	case !snap.OK:
		status, reason = StatusError, snap.Error
	}

	summary := g.summarize(ctx, sessionKey, snap)

	if summaryRef := g.publishSummary(ctx, req, traceID, status, summary); summaryRef != nil {
		refs = append(refs, *summaryRef)
	}
	if _, err := g.artifacts.WriteHandoffBrief(ctx, artifacts.HandoffBrief{
		TraceID:      traceID,
		From:         req.From,
		To:           req.To,
		ArtifactRefs: refs,
		Summary:      summary,
	}); err != nil && g.logger != nil {
		g.logger.Warn(ctx, "handoff brief write failed", "trace", traceID, "error", err)
	}

	g.telemetry.AgentCallEnd(ctx, req.From, req.To, status, reason, g.now().Sub(start))
	if status != StatusOK {
		g.telemetry.AgentCallError(ctx, req.From, req.To, reason)
	}

	return &CallResponse{
		Status:       status,
		Reason:       reason,
		Summary:      summary,
		ArtifactRefs: refs,
		TraceID:      traceID,
	}, nil
}

// summarize returns the latest assistant message in the delegated session,
// ellipsized. The snapshot's session takes precedence over the session key.
func (g *Gateway) summarize(ctx context.Context, sessionKey string, snap *Snapshot) string {
	sessionID := ""
	if snap != nil && snap.SessionID != "" {
		sessionID = snap.SessionID
	} else if session, err := g.store.GetByKey(ctx, sessionKey); err == nil {
		sessionID = session.ID
	}
	if sessionID == "" {
		return ""
	}

	latest, err := sessions.LatestAssistant(ctx, g.store, sessionID)
	if err != nil || latest == nil {
		return ""
	}
	return latest.Summary(summaryMaxChars)
}

func (g *Gateway) publishSummary(ctx context.Context, req CallRequest, traceID, status, summary string) *artifacts.Ref {
	payload, err := json.Marshal(map[string]any{
		"from":    req.From,
		"to":      req.To,
		"traceId": traceID,
		"status":  status,
		"summary": summary,
	})
	if err != nil {
		return nil
	}
	rec, err := g.artifacts.Publish(ctx, payload, artifacts.PublishOptions{
		Kind:      "application/json",
		CreatedBy: req.To,
		TraceID:   traceID,
	})
	if err != nil {
		if g.logger != nil {
			g.logger.Warn(ctx, "summary artifact publish failed", "trace", traceID, "error", err)
		}
		return nil
	}
	return &artifacts.Ref{ID: rec.ID, Kind: rec.Kind, SizeBytes: rec.SizeBytes}
}

// MessageRequest is one asynchronous inbox handoff.
type MessageRequest struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Message     string   `json:"message"`
	ArtifactIDs []string `json:"artifactIds,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	TraceID     string   `json:"traceId,omitempty"`
	SessionKey  string   `json:"sessionKey,omitempty"`
}

// MessageResponse acknowledges an inbox handoff.
type MessageResponse struct {
	SessionID    string          `json:"sessionId"`
	TraceID      string          `json:"traceId"`
	Priority     string          `json:"priority"`
	ArtifactRefs []artifacts.Ref `json:"artifactRefs,omitempty"`
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func normalizePriority(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "low":
		return "low"
	case "high":
		return "high"
	case "urgent":
		return "urgent"
	default:
		return "normal"
	}
}

// Message compacts the payload, upserts the target inbox session, writes a
// handoff brief, and invokes the chat-inject collaborator.
func (g *Gateway) Message(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	from := strings.TrimSpace(req.From)
	to := strings.TrimSpace(req.To)
	priority := normalizePriority(req.Priority)

	traceID := req.TraceID
	if traceID == "" {
		traceID = observability.GetTraceID(ctx)
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.InboxKey(to)
	}

	message, ref, err := g.artifacts.MaybeAutoPublish(ctx, req.Message, from, to, traceID, g.cfg.AutoPublishThreshold)
	if err != nil {
		return nil, err
	}
	artifactIDs := req.ArtifactIDs
	var refs []artifacts.Ref
	if ref != nil {
		artifactIDs = append(append([]string{}, artifactIDs...), ref.ID)
		refs = append(refs, *ref)
	}

	session, err := g.store.GetOrCreate(ctx, sessionKey, to)
	if err != nil {
		return nil, err
	}
	err = g.store.AppendMessage(ctx, session.ID, &models.Message{
		Role:    models.RoleUser,
		Content: message,
		Metadata: map[string]any{
			"from":        from,
			"priority":    priority,
			"traceId":     traceID,
			"artifactIds": artifactIDs,
		},
	})
	if err != nil {
		return nil, err
	}

	if g.injector != nil {
		if err := g.injector.Inject(ctx, to, session.ID, message); err != nil && g.logger != nil {
			g.logger.Warn(ctx, "chat inject failed", "to", to, "error", err)
		}
	}

	if _, err := g.artifacts.WriteHandoffBrief(ctx, artifacts.HandoffBrief{
		TraceID:      traceID,
		From:         from,
		To:           to,
		ArtifactRefs: refs,
		Summary:      clip(message, summaryMaxChars),
	}); err != nil && g.logger != nil {
		g.logger.Warn(ctx, "handoff brief write failed", "trace", traceID, "error", err)
	}

	g.telemetry.AgentMessage(ctx, from, to, priority)

	return &MessageResponse{
		SessionID:    session.ID,
		TraceID:      traceID,
		Priority:     priority,
		ArtifactRefs: refs,
	}, nil
}
