// Package guard gates every tool execution behind rate limits, policy
// evaluation, risk classification, and an approval gate, in that order. The
// first stage to block wins; every decision is audited with its stage.
package guard

import (
	"context"

	"github.com/msimon42/openclaw-sub000/internal/audit"
	"github.com/msimon42/openclaw-sub000/internal/observability"
	"github.com/msimon42/openclaw-sub000/internal/policy"
	"github.com/msimon42/openclaw-sub000/internal/telemetry"
)

// Scope identifies whose rate limit bucket a tool call charges.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeAgent   Scope = "agent"
	ScopeGlobal  Scope = "global"
)

// Decision stages, recorded on every audit event the guard emits.
const (
	StageRateLimit    = "rate_limit"
	StagePolicy       = "policy"
	StageApprovalGate = "approval_gate"
	StageAllow        = "allow"
)

// ReasonRequireApproval is the deny reason for calls held for approval.
const ReasonRequireApproval = "require_approval"

// Notifier posts a system notice into the originating session. Delivery is
// best-effort; failures are swallowed.
type Notifier interface {
	Notify(ctx context.Context, sessionKey, message string) error
}

// Config controls the guard.
type Config struct {
	// RateLimits are the per-(scope, tool) call caps. A tool of "*" applies
	// to every tool in that scope.
	RateLimits []RateLimit

	// HighRiskTools are classified high regardless of command text.
	HighRiskTools []string

	// RequireApproval gates configured risk tiers behind operator approval.
	RequireApproval map[audit.RiskTier]bool
}

// Request is one pending tool call.
type Request struct {
	Tool       string
	CallID     string
	AgentID    string
	SessionKey string
	Command    string
	Fields     map[string]any
	Policy     policy.Resolved
}

// Decision is the guard's verdict. Blocked calls never execute.
type Decision struct {
	Allowed  bool
	Stage    string
	RiskTier audit.RiskTier
	Reason   string
}

// Guard authorizes tool calls. All state is internal; Authorize is safe for
// concurrent use.
type Guard struct {
	cfg        Config
	limiter    *limiter
	classifier *classifier
	telemetry  *telemetry.Aggregator
	notifier   Notifier
	logger     *observability.Logger
}

// New creates a guard. telemetry, notifier, and logger may be nil.
func New(cfg Config, agg *telemetry.Aggregator, notifier Notifier, logger *observability.Logger) *Guard {
	return &Guard{
		cfg:        cfg,
		limiter:    newLimiter(cfg.RateLimits),
		classifier: newClassifier(cfg.HighRiskTools),
		telemetry:  agg,
		notifier:   notifier,
		logger:     logger,
	}
}

// Authorize runs the gate stages and returns the first blocking decision, or
// an allow. The risk tier is attached to every decision that reaches the
// classification stage.
func (g *Guard) Authorize(ctx context.Context, req Request) Decision {
	scopeIDs := map[Scope]string{ScopeGlobal: ""}
	if req.SessionKey != "" {
		scopeIDs[ScopeSession] = req.SessionKey
	}
	if req.AgentID != "" {
		scopeIDs[ScopeAgent] = req.AgentID
	}

	if !g.limiter.allow(req.Tool, scopeIDs) {
		return g.blocked(ctx, req, Decision{
			Stage:  StageRateLimit,
			Reason: "rate limit exceeded for tool " + req.Tool,
		})
	}

	verdict := policy.Evaluate(req.Policy, policy.Request{
		Capability: policy.ToolCapability(req.Tool),
		Fields:     req.Fields,
	})
	if !verdict.Allowed {
		return g.blocked(ctx, req, Decision{
			Stage:  StagePolicy,
			Reason: verdict.Reason,
		})
	}

	tier := g.classifier.Classify(req.Tool, req.Command)

	if req.Policy.RequireApproval || g.cfg.RequireApproval[tier] {
		return g.blocked(ctx, req, Decision{
			Stage:    StageApprovalGate,
			RiskTier: tier,
			Reason:   ReasonRequireApproval,
		})
	}

	d := Decision{Allowed: true, Stage: StageAllow, RiskTier: tier}
	if g.telemetry != nil {
		g.telemetry.ToolCallAllowed(ctx, telemetry.ToolCall{
			Name:     req.Tool,
			CallID:   req.CallID,
			RiskTier: tier,
			Stage:    d.Stage,
		})
	}
	return d
}

// blocked audits the deny and posts a best-effort session notice.
func (g *Guard) blocked(ctx context.Context, req Request, d Decision) Decision {
	if g.telemetry != nil {
		g.telemetry.ToolCallBlocked(ctx, telemetry.ToolCall{
			Name:     req.Tool,
			CallID:   req.CallID,
			RiskTier: d.RiskTier,
			Stage:    d.Stage,
			Reason:   d.Reason,
		})
	}
	if g.notifier != nil && req.SessionKey != "" {
		msg := "tool call blocked: " + req.Tool + " (" + d.Reason + ")"
		if err := g.notifier.Notify(ctx, req.SessionKey, msg); err != nil && g.logger != nil {
			g.logger.Warn(ctx, "session notice failed", "session", req.SessionKey, "error", err)
		}
	}
	return d
}
