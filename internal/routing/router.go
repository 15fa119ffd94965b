package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/msimon42/openclaw-sub000/internal/health"
	"github.com/msimon42/openclaw-sub000/internal/telemetry"
)

// RunFunc performs one model call against a concrete provider/model pair.
type RunFunc func(ctx context.Context, provider, model string) (*Result, error)

// Result is a successful model call with its extracted token usage.
type Result struct {
	Value     any
	TokensIn  int64
	TokensOut int64
}

// Attempt records one candidate the router tried or skipped.
type Attempt struct {
	Candidate Candidate
	Reason    string
}

// Request is one routed model call.
type Request struct {
	Provider  string
	Model     string
	RequestID string
	AgentDir  string
	Message   string
	Signals   Signals
	Fallbacks []Candidate
	Run       RunFunc
}

// Options configure a Router.
type Options struct {
	Plan      *PlanConfig
	Allowlist []string

	// ContextWindows overrides the built-in context window table.
	ContextWindows map[string]int
}

// defaultContextWindows maps model names to their context window in tokens.
var defaultContextWindows = map[string]int{
	"gpt-4.1":          1047576,
	"gpt-4.1-mini":     1047576,
	"gpt-4o":           128000,
	"gpt-4o-mini":      128000,
	"o3":               200000,
	"claude-sonnet-4":  200000,
	"claude-haiku-3-5": 200000,
	"claude-opus-4":    200000,
	"grok-4":           256000,
	"grok-3":           131072,
	"gemini-2.5-pro":   1048576,
	"gemini-2.5-flash": 1048576,
	"llama-3.3-70b":    128000,
	"deepseek-r1":      64000,
	"mistral-large":    128000,
}

// Router walks a candidate chain until one model call succeeds. Every
// attempt, skip, and fallback hop is recorded through the aggregator, which
// feeds the audit pipeline, the spend ledger, and the circuit tracker.
type Router struct {
	opts      Options
	health    *health.Tracker
	telemetry *telemetry.Aggregator
	cooldowns *CooldownRegistry
	logger    *slog.Logger
	now       func() time.Time
}

// NewRouter creates a router. cooldowns may be nil; logger defaults to
// slog.Default.
func NewRouter(opts Options, tracker *health.Tracker, agg *telemetry.Aggregator, cooldowns *CooldownRegistry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		opts:      opts,
		health:    tracker,
		telemetry: agg,
		cooldowns: cooldowns,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Router) window(model string) (int, bool) {
	if w, ok := r.opts.ContextWindows[model]; ok {
		return w, true
	}
	w, ok := defaultContextWindows[model]
	return w, ok
}

// Execute resolves the candidate chain for the request and tries each
// candidate in order. The returned error is the original failure when only
// one attempt was made, a terminal user-facing error, or an all-failed
// summary.
func (r *Router) Execute(ctx context.Context, req Request) (*Result, error) {
	plan := BuildPlan(r.opts.Plan, req.Message, req.Signals,
		Candidate{Provider: req.Provider, Model: req.Model}, req.Fallbacks, r.opts.Allowlist)
	cands := plan.Candidates()

	fallbackRefs := make([]string, len(plan.Fallbacks))
	for i, c := range plan.Fallbacks {
		fallbackRefs[i] = c.Ref()
	}
	r.telemetry.RoutingDecision(ctx, plan.Route, plan.Primary.Ref(), fallbackRefs, plan.Rationale)

	var (
		attempts   []Attempt
		firstErr   error
		hops       int
		chosen     string
		failReason string
		tokensIn   int64
		tokensOut  int64
	)
	start := r.now()
	defer func() {
		var chosenAttr any
		if chosen != "" {
			chosenAttr = chosen
		}
		r.logger.Info("routing decision",
			"request_id", req.RequestID,
			"route", plan.Route,
			"chosen_model", chosenAttr,
			"fallback_hops", hops,
			"fail_reason", failReason,
			"latency_ms", r.now().Sub(start).Milliseconds(),
			"tokens_in", tokensIn,
			"tokens_out", tokensOut,
		)
	}()

	for i := 0; i < len(cands); {
		c := cands[i]

		if r.health != nil && !r.health.CanAttempt(c.Provider, c.Model) {
			r.telemetry.ModelCallError(ctx, c.Provider, c.Model, "circuit_open", 0, "")
			attempts = append(attempts, Attempt{Candidate: c, Reason: "circuit_open"})
			if i+1 < len(cands) {
				r.telemetry.ModelCallFallback(ctx, c.Ref(), cands[i+1].Ref(), "circuit_open")
				hops++
			}
			i++
			continue
		}

		if r.cooldowns != nil && !r.cooldowns.Available(c.Provider) {
			if i != 0 || !r.cooldowns.ShouldProbe(req.AgentDir, c.Provider) {
				attempts = append(attempts, Attempt{Candidate: c, Reason: "auth_cooldown"})
				i++
				continue
			}
		}

		callStart := r.now()
		r.telemetry.ModelCallStart(ctx, c.Provider, c.Model)
		res, err := req.Run(ctx, c.Provider, c.Model)
		latency := r.now().Sub(callStart)

		if err == nil {
			if res == nil {
				res = &Result{}
			}
			r.telemetry.ModelCallEnd(ctx, c.Provider, c.Model, res.TokensIn, res.TokensOut, latency)
			chosen = c.Ref()
			tokensIn, tokensOut = res.TokensIn, res.TokensOut
			return res, nil
		}

		if firstErr == nil {
			firstErr = err
		}
		cls := classify(err)
		status, code := providerStatus(err)

		switch cls.class {
		case failAbort:
			failReason = "aborted"
			return nil, err

		case failTerminal:
			r.telemetry.ModelCallError(ctx, c.Provider, c.Model, cls.reason, status, code)
			attempts = append(attempts, Attempt{Candidate: c, Reason: cls.reason})
			failReason = cls.reason
			return nil, errors.New(cls.userMessage)

		case failContextOverflow:
			r.telemetry.ModelCallError(ctx, c.Provider, c.Model, cls.reason, status, code)
			attempts = append(attempts, Attempt{Candidate: c, Reason: cls.reason})
			next := r.overflowTarget(cands, i, c.Model)
			if next < 0 {
				failReason = cls.reason
				i = len(cands)
				continue
			}
			r.telemetry.ModelCallFallback(ctx, c.Ref(), cands[next].Ref(), cls.reason)
			hops++
			i = next
			continue

		case failRetryable:
			r.telemetry.ModelCallError(ctx, c.Provider, c.Model, cls.reason, status, code)
			attempts = append(attempts, Attempt{Candidate: c, Reason: cls.reason})
			failReason = cls.reason
			if i+1 < len(cands) {
				r.telemetry.ModelCallFallback(ctx, c.Ref(), cands[i+1].Ref(), cls.reason)
				hops++
			}
			i++
			continue

		default:
			r.telemetry.ModelCallError(ctx, c.Provider, c.Model, cls.reason, status, code)
			failReason = cls.reason
			return nil, err
		}
	}

	if firstErr != nil && len(attempts) == 1 {
		return nil, firstErr
	}
	if failReason == "" {
		failReason = "exhausted"
	}

	parts := make([]string, len(attempts))
	for i, a := range attempts {
		parts[i] = a.Candidate.Ref() + " (" + a.Reason + ")"
	}
	return nil, fmt.Errorf("All models failed (%d): %s", len(attempts), strings.Join(parts, "; "))
}

// overflowTarget finds the candidate a context overflow promotes to: the
// next one whose known window strictly exceeds the failed model's, else the
// first one whose window is unknown, else none.
func (r *Router) overflowTarget(cands []Candidate, failedIdx int, failedModel string) int {
	failedWin, _ := r.window(failedModel)

	for j := failedIdx + 1; j < len(cands); j++ {
		if w, ok := r.window(cands[j].Model); ok && w > failedWin {
			return j
		}
	}
	for j := failedIdx + 1; j < len(cands); j++ {
		if _, ok := r.window(cands[j].Model); !ok {
			return j
		}
	}
	return -1
}

func providerStatus(err error) (int, string) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode, pe.Code
	}
	return 0, ""
}
