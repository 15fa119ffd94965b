// Package routing selects model candidates for a request and walks them in
// order until one succeeds, recording every attempt through the audit
// aggregator and the circuit tracker.
package routing

import (
	"regexp"
	"strings"
)

// Route names. Every request resolves to exactly one.
const (
	RouteCoding   = "coding"
	RouteX        = "x"
	RouteEveryday = "everyday"
)

// Candidate is one provider/model pair.
type Candidate struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
}

// Ref returns the canonical "provider/model" form.
func (c Candidate) Ref() string {
	return c.Provider + "/" + c.Model
}

// Signals are the structured routing hints accompanying a message.
type Signals struct {
	RepoContext      bool
	ToolRequirements []string
	ExplicitTags     []string
}

// RouteTargets is the candidate chain configured for one route.
type RouteTargets struct {
	Primary   Candidate   `json:"primary" yaml:"primary"`
	Fallbacks []Candidate `json:"fallbacks" yaml:"fallbacks"`
}

// PlanConfig is the operator's routing table.
type PlanConfig struct {
	Routes            map[string]RouteTargets `json:"routes" yaml:"routes"`
	DisabledProviders []string                `json:"disabledProviders" yaml:"disabledProviders"`

	// Capabilities overrides or extends the built-in model capability table.
	Capabilities map[string][]string `json:"capabilities" yaml:"capabilities"`
}

// Plan is a resolved candidate chain. Rationale records why candidates were
// renamed or removed.
type Plan struct {
	Route     string
	Primary   Candidate
	Fallbacks []Candidate
	Rationale []string
}

// Candidates returns the primary followed by the fallbacks.
func (p Plan) Candidates() []Candidate {
	return append([]Candidate{p.Primary}, p.Fallbacks...)
}

var (
	codePattern  = regexp.MustCompile(`(?i)\b(func|class|def|package|import|refactor|compile|stack ?trace|SELECT|INSERT|UPDATE|DELETE)\b`)
	fencePattern = regexp.MustCompile("```")
	xPattern     = regexp.MustCompile(`(?i)\b(tweet|twitter|x\.com|grok|timeline|trending)\b`)
)

// grokAliases collapses the xai model strings seen in the wild to canonical
// names.
var grokAliases = map[string]string{
	"grok":          "grok-4",
	"grok4":         "grok-4",
	"grok-4-latest": "grok-4",
	"grok-3-latest": "grok-3",
	"grok-beta":     "grok-3",
}

// modelCapabilities is the built-in capability table. PlanConfig.Capabilities
// entries take precedence.
var modelCapabilities = map[string][]string{
	"gpt-4.1":          {"tools", "json", "vision"},
	"gpt-4.1-mini":     {"tools", "json", "vision"},
	"gpt-4o":           {"tools", "json", "vision"},
	"gpt-4o-mini":      {"tools", "json", "vision"},
	"o3":               {"tools", "json"},
	"claude-sonnet-4":  {"tools", "json", "vision"},
	"claude-haiku-3-5": {"tools", "json", "vision"},
	"claude-opus-4":    {"tools", "json", "vision"},
	"grok-4":           {"tools", "json", "vision"},
	"grok-3":           {"tools", "json"},
	"gemini-2.5-pro":   {"tools", "json", "vision"},
	"gemini-2.5-flash": {"tools", "json", "vision"},
	"llama-3.3-70b":    {"tools", "json"},
	"deepseek-r1":      {"json"},
	"mistral-large":    {"tools", "json"},
}

// DecideRoute maps a message and its signals to one route. Explicit tags win
// over content heuristics.
func DecideRoute(message string, sig Signals) string {
	for _, tag := range sig.ExplicitTags {
		switch strings.ToLower(strings.TrimSpace(tag)) {
		case RouteCoding, "code":
			return RouteCoding
		case RouteX:
			return RouteX
		case RouteEveryday:
			return RouteEveryday
		}
	}

	if sig.RepoContext || fencePattern.MatchString(message) || codePattern.MatchString(message) {
		return RouteCoding
	}
	if xPattern.MatchString(message) {
		return RouteX
	}
	return RouteEveryday
}

// requiredCapabilities derives the capability set a request needs from its
// signals.
func requiredCapabilities(sig Signals) []string {
	if len(sig.ToolRequirements) > 0 {
		return []string{"tools"}
	}
	return nil
}

func normalizeCandidate(c Candidate) (Candidate, bool) {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.Model = strings.TrimSpace(c.Model)
	if c.Provider == "xai" {
		if canonical, ok := grokAliases[strings.ToLower(c.Model)]; ok {
			return Candidate{Provider: c.Provider, Model: canonical}, true
		}
	}
	return c, false
}

func (cfg *PlanConfig) capabilitiesFor(model string) ([]string, bool) {
	if cfg != nil {
		if caps, ok := cfg.Capabilities[model]; ok {
			return caps, true
		}
	}
	caps, ok := modelCapabilities[model]
	return caps, ok
}

func hasAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[strings.ToLower(c)] = true
	}
	for _, c := range want {
		if !set[strings.ToLower(c)] {
			return false
		}
	}
	return true
}

// BuildPlan resolves the candidate chain for a request. With no routing table
// the requested pair stays primary and the override fallbacks pass through
// unfiltered; the allowlist still applies.
func BuildPlan(cfg *PlanConfig, message string, sig Signals, requested Candidate, overrides []Candidate, allowlist []string) Plan {
	plan := Plan{Route: RouteEveryday}

	if cfg == nil || len(cfg.Routes) == 0 {
		plan.Primary = requested
		plan.Fallbacks = enforceAllowlist(overrides, allowlist, &plan.Rationale)
		return plan
	}

	plan.Route = DecideRoute(message, sig)
	targets, ok := cfg.Routes[plan.Route]
	if !ok {
		plan.Primary = requested
		plan.Fallbacks = enforceAllowlist(overrides, allowlist, &plan.Rationale)
		plan.Rationale = append(plan.Rationale, "route "+plan.Route+" not configured, using requested model")
		return plan
	}

	disabled := make(map[string]bool, len(cfg.DisabledProviders))
	for _, p := range cfg.DisabledProviders {
		disabled[strings.ToLower(strings.TrimSpace(p))] = true
	}
	required := requiredCapabilities(sig)

	var chain []Candidate
	for _, raw := range append([]Candidate{targets.Primary}, targets.Fallbacks...) {
		c, aliased := normalizeCandidate(raw)
		if aliased {
			plan.Rationale = append(plan.Rationale, raw.Ref()+" aliased to "+c.Ref())
		}
		if disabled[c.Provider] {
			plan.Rationale = append(plan.Rationale, c.Ref()+" removed (provider disabled)")
			continue
		}
		if len(required) > 0 {
			caps, known := cfg.capabilitiesFor(c.Model)
			if known && !hasAll(caps, required) {
				plan.Rationale = append(plan.Rationale, c.Ref()+" removed (missing "+strings.Join(required, ",")+")")
				continue
			}
		}
		chain = append(chain, c)
	}

	if len(chain) == 0 {
		plan.Primary = requested
		plan.Fallbacks = enforceAllowlist(overrides, allowlist, &plan.Rationale)
		plan.Rationale = append(plan.Rationale, "all route candidates filtered, using requested model")
		return plan
	}

	plan.Primary = chain[0]
	rest := append(chain[1:], overrides...)
	plan.Fallbacks = enforceAllowlist(rest, allowlist, &plan.Rationale)
	return plan
}

// enforceAllowlist drops fallbacks outside the operator's allowed set. An
// empty allowlist disables enforcement. The primary is never filtered here.
func enforceAllowlist(fallbacks []Candidate, allowlist []string, rationale *[]string) []Candidate {
	if len(allowlist) == 0 {
		return fallbacks
	}
	allowed := make(map[string]bool, len(allowlist))
	for _, ref := range allowlist {
		allowed[strings.ToLower(strings.TrimSpace(ref))] = true
	}

	var kept []Candidate
	for _, c := range fallbacks {
		if allowed[strings.ToLower(c.Ref())] {
			kept = append(kept, c)
			continue
		}
		*rationale = append(*rationale, "fallback "+c.Ref()+" dropped (not in allowlist)")
	}
	return kept
}
