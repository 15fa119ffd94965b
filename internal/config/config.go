// Package config loads and validates the daemon configuration file. Files are
// YAML (or JSON5) with environment variable expansion and $include merging.
// Unknown fields are rejected so typos fail loudly at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/msimon42/openclaw-sub000/internal/artifacts"
	"github.com/msimon42/openclaw-sub000/internal/audit"
	"github.com/msimon42/openclaw-sub000/internal/auth"
	"github.com/msimon42/openclaw-sub000/internal/delegation"
	"github.com/msimon42/openclaw-sub000/internal/guard"
	"github.com/msimon42/openclaw-sub000/internal/observability"
	"github.com/msimon42/openclaw-sub000/internal/policy"
	"github.com/msimon42/openclaw-sub000/internal/routing"
	"github.com/msimon42/openclaw-sub000/internal/spend"
	"github.com/msimon42/openclaw-sub000/internal/stream"
)

// Config is the root of the daemon configuration file.
type Config struct {
	Version    int              `yaml:"version"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Audit      AuditConfig      `yaml:"audit"`
	Stream     StreamConfig     `yaml:"stream"`
	Policy     PolicyConfig     `yaml:"policy"`
	Guard      GuardConfig      `yaml:"guard"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Routing    RoutingConfig    `yaml:"routing"`
	Spend      SpendConfig      `yaml:"spend"`
	Delegation DelegationConfig `yaml:"delegation"`
	Sessions   SessionsConfig   `yaml:"sessions"`
}

// GatewayConfig controls the HTTP listener and operator authentication.
type GatewayConfig struct {
	Addr string     `yaml:"addr"`
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig holds operator credentials. With neither tokens nor a JWT secret
// configured, the gateway serves unauthenticated.
type AuthConfig struct {
	Tokens           []string `yaml:"tokens"`
	JWTSecret        string   `yaml:"jwtSecret"`
	JWTExpiryMinutes int      `yaml:"jwtExpiryMinutes"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"addSource"`
}

// TracingConfig controls the OTLP trace exporter. Tracing is a no-op when
// Endpoint is empty.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sampleRate"`
	Insecure    bool    `yaml:"insecure"`
	Environment string  `yaml:"environment"`
}

// AuditConfig controls the audit pipeline and its file sink.
type AuditConfig struct {
	Enabled            *bool  `yaml:"enabled"`
	Dir                string `yaml:"dir"`
	RedactionMode      string `yaml:"redactionMode"`
	MaxQueueSize       int    `yaml:"maxQueueSize"`
	MaxPayloadBytes    int    `yaml:"maxPayloadBytes"`
	DebugMaxFieldChars int    `yaml:"debugMaxFieldChars"`
}

// StreamConfig controls the live event fanout hub.
type StreamConfig struct {
	ReplayWindowMs          int64 `yaml:"replayWindowMs"`
	ServerMaxEventsPerSec   int   `yaml:"serverMaxEventsPerSec"`
	ServerMaxBufferedEvents int   `yaml:"serverMaxBufferedEvents"`
	MessageMaxBytes         int   `yaml:"messageMaxBytes"`
}

// PolicyConfig carries the layered capability policies. Global applies to
// every agent; Agents and Skills override it per identity. GlobalFile, when
// set, is loaded as the global layer and hot-reloaded on change.
type PolicyConfig struct {
	GlobalFile string                   `yaml:"globalFile"`
	Global     *policy.Layer            `yaml:"global"`
	Agents     map[string]*policy.Layer `yaml:"agents"`
	Skills     map[string]*policy.Layer `yaml:"skills"`
}

// GuardConfig controls tool call rate limits and approval gating.
type GuardConfig struct {
	RateLimits      []RateLimitConfig `yaml:"rateLimits"`
	HighRiskTools   []string          `yaml:"highRiskTools"`
	RequireApproval map[string]bool   `yaml:"requireApproval"`
}

// RateLimitConfig is one per-(scope, tool) call cap.
type RateLimitConfig struct {
	Scope    string `yaml:"scope"`
	Tool     string `yaml:"tool"`
	MaxCalls int    `yaml:"maxCalls"`
	WindowMs int64  `yaml:"windowMs"`
}

// ArtifactsConfig controls the content-addressed artifact store.
type ArtifactsConfig struct {
	WorkspaceRoot        string `yaml:"workspaceRoot"`
	AutoPublishThreshold int    `yaml:"autoPublishThreshold"`
}

// RoutingConfig controls model selection, fallback chains, and circuits.
type RoutingConfig struct {
	Routes            map[string]RouteConfig `yaml:"routes"`
	DisabledProviders []string               `yaml:"disabledProviders"`
	Capabilities      map[string][]string    `yaml:"capabilities"`
	Allowlist         []string               `yaml:"allowlist"`
	ContextWindows    map[string]int         `yaml:"contextWindows"`
}

// RouteConfig names a route's primary model and its fallback chain.
type RouteConfig struct {
	Primary   ModelRefConfig   `yaml:"primary"`
	Fallbacks []ModelRefConfig `yaml:"fallbacks"`
}

// ModelRefConfig is a provider/model pair.
type ModelRefConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// SpendConfig controls cost tracking. Pricing is hot-reloaded on change.
type SpendConfig struct {
	Enabled     *bool                         `yaml:"enabled"`
	Dir         string                        `yaml:"dir"`
	SummaryPath string                        `yaml:"summaryPath"`
	Pricing     map[string]ModelPricingConfig `yaml:"pricing"`
}

// ModelPricingConfig is the per-1k-token USD rate for one model ref.
type ModelPricingConfig struct {
	InputPer1kUsd  float64 `yaml:"inputPer1kUsd"`
	OutputPer1kUsd float64 `yaml:"outputPer1kUsd"`
}

// DelegationConfig bounds agent-to-agent calls. Zero values take defaults;
// out-of-range values clamp.
type DelegationConfig struct {
	TimeoutMs              int `yaml:"timeoutMs"`
	MaxDepth               int `yaml:"maxDepth"`
	MaxCallsPerTrace       int `yaml:"maxCallsPerTrace"`
	MaxToolCalls           int `yaml:"maxToolCalls"`
	DedupeWindowMs         int `yaml:"dedupeWindowMs"`
	PairRateLimitPerMinute int `yaml:"pairRateLimitPerMinute"`
}

// SessionsConfig selects the session store backend.
type SessionsConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = "127.0.0.1:18789"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Audit.RedactionMode == "" {
		cfg.Audit.RedactionMode = string(audit.RedactStrict)
	}
	if cfg.Artifacts.WorkspaceRoot == "" {
		cfg.Artifacts.WorkspaceRoot = "."
	}
	if cfg.Artifacts.AutoPublishThreshold == 0 {
		cfg.Artifacts.AutoPublishThreshold = artifacts.DefaultAutoPublishThreshold
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "memory"
	}
}

// Validate checks cross-field constraints that the decoder cannot express.
func (c *Config) Validate() error {
	switch audit.RedactionMode(c.Audit.RedactionMode) {
	case audit.RedactStrict, audit.RedactDebug:
	default:
		return fmt.Errorf("audit.redactionMode must be %q or %q, got %q",
			audit.RedactStrict, audit.RedactDebug, c.Audit.RedactionMode)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sampleRate must be between 0 and 1, got %v", c.Tracing.SampleRate)
	}

	switch c.Sessions.Backend {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Sessions.Path) == "" {
			return fmt.Errorf("sessions.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("sessions.backend must be \"memory\" or \"sqlite\", got %q", c.Sessions.Backend)
	}

	for route := range c.Routing.Routes {
		switch route {
		case routing.RouteCoding, routing.RouteX, routing.RouteEveryday:
		default:
			return fmt.Errorf("routing.routes: unknown route %q", route)
		}
	}

	for _, layer := range c.policyLayers() {
		for _, capability := range append(append([]policy.Capability{}, layer.Allow...), layer.Deny...) {
			if !policy.Known(string(capability)) {
				return fmt.Errorf("policy: unknown capability %q", capability)
			}
		}
	}

	for _, rl := range c.Guard.RateLimits {
		switch guard.Scope(rl.Scope) {
		case guard.ScopeSession, guard.ScopeAgent, guard.ScopeGlobal:
		default:
			return fmt.Errorf("guard.rateLimits: unknown scope %q", rl.Scope)
		}
	}

	for tier := range c.Guard.RequireApproval {
		switch audit.RiskTier(tier) {
		case audit.RiskLow, audit.RiskMedium, audit.RiskHigh, audit.RiskCritical:
		default:
			return fmt.Errorf("guard.requireApproval: unknown risk tier %q", tier)
		}
	}

	return nil
}

func (c *Config) policyLayers() []*policy.Layer {
	layers := []*policy.Layer{}
	if c.Policy.Global != nil {
		layers = append(layers, c.Policy.Global)
	}
	for _, l := range c.Policy.Agents {
		layers = append(layers, l)
	}
	for _, l := range c.Policy.Skills {
		layers = append(layers, l)
	}
	return layers
}

// AuditPipelineConfig maps the audit section onto the pipeline's config.
func (c *Config) AuditPipelineConfig() audit.Config {
	out := audit.DefaultConfig()
	if c.Audit.Enabled != nil {
		out.Enabled = *c.Audit.Enabled
	}
	if c.Audit.Dir != "" {
		out.Dir = c.Audit.Dir
	}
	out.RedactionMode = audit.RedactionMode(c.Audit.RedactionMode)
	if c.Audit.MaxQueueSize > 0 {
		out.MaxQueueSize = c.Audit.MaxQueueSize
	}
	if c.Audit.MaxPayloadBytes > 0 {
		out.MaxPayloadBytes = c.Audit.MaxPayloadBytes
	}
	if c.Audit.DebugMaxFieldChars > 0 {
		out.DebugMaxFieldChars = c.Audit.DebugMaxFieldChars
	}
	return out
}

// StreamHubConfig maps the stream section onto the hub's config.
func (c *Config) StreamHubConfig() stream.Config {
	out := stream.DefaultConfig()
	if c.Stream.ReplayWindowMs > 0 {
		out.ReplayWindowMs = c.Stream.ReplayWindowMs
	}
	if c.Stream.ServerMaxEventsPerSec > 0 {
		out.ServerMaxEventsPerSec = c.Stream.ServerMaxEventsPerSec
	}
	if c.Stream.ServerMaxBufferedEvents > 0 {
		out.ServerMaxBufferedEvents = c.Stream.ServerMaxBufferedEvents
	}
	if c.Stream.MessageMaxBytes > 0 {
		out.MessageMaxBytes = c.Stream.MessageMaxBytes
	}
	return out
}

// GuardToolConfig maps the guard section onto the tool guard's config.
func (c *Config) GuardToolConfig() guard.Config {
	out := guard.Config{
		HighRiskTools: c.Guard.HighRiskTools,
	}
	for _, rl := range c.Guard.RateLimits {
		out.RateLimits = append(out.RateLimits, guard.RateLimit{
			Scope:    guard.Scope(rl.Scope),
			Tool:     rl.Tool,
			MaxCalls: rl.MaxCalls,
			WindowMs: rl.WindowMs,
		})
	}
	if len(c.Guard.RequireApproval) > 0 {
		out.RequireApproval = make(map[audit.RiskTier]bool, len(c.Guard.RequireApproval))
		for tier, v := range c.Guard.RequireApproval {
			out.RequireApproval[audit.RiskTier(tier)] = v
		}
	}
	return out
}

// RoutingPlanConfig maps the routing section onto the planner's config.
func (c *Config) RoutingPlanConfig() *routing.PlanConfig {
	out := &routing.PlanConfig{
		DisabledProviders: c.Routing.DisabledProviders,
		Capabilities:      c.Routing.Capabilities,
	}
	if len(c.Routing.Routes) > 0 {
		out.Routes = make(map[string]routing.RouteTargets, len(c.Routing.Routes))
		for name, rc := range c.Routing.Routes {
			targets := routing.RouteTargets{
				Primary: routing.Candidate{Provider: rc.Primary.Provider, Model: rc.Primary.Model},
			}
			for _, fb := range rc.Fallbacks {
				targets.Fallbacks = append(targets.Fallbacks, routing.Candidate{
					Provider: fb.Provider,
					Model:    fb.Model,
				})
			}
			out.Routes[name] = targets
		}
	}
	return out
}

// SpendTrackerConfig maps the spend section onto the tracker's config.
func (c *Config) SpendTrackerConfig() spend.Config {
	out := spend.DefaultConfig()
	if c.Spend.Enabled != nil {
		out.Enabled = *c.Spend.Enabled
	}
	if c.Spend.Dir != "" {
		out.Dir = c.Spend.Dir
	}
	if c.Spend.SummaryPath != "" {
		out.SummaryPath = c.Spend.SummaryPath
	}
	out.Pricing = c.SpendPricing()
	return out
}

// SpendPricing converts the pricing table to the tracker's representation.
func (c *Config) SpendPricing() spend.Pricing {
	pricing := make(spend.Pricing, len(c.Spend.Pricing))
	for ref, rates := range c.Spend.Pricing {
		pricing[ref] = spend.ModelPricing{
			InputPer1kUsd:  rates.InputPer1kUsd,
			OutputPer1kUsd: rates.OutputPer1kUsd,
		}
	}
	return pricing
}

// DelegationLimits maps the delegation section onto clamped limits.
func (c *Config) DelegationLimits() delegation.Limits {
	return delegation.Limits{
		TimeoutMs:              c.Delegation.TimeoutMs,
		MaxDepth:               c.Delegation.MaxDepth,
		MaxCallsPerTrace:       c.Delegation.MaxCallsPerTrace,
		MaxToolCalls:           c.Delegation.MaxToolCalls,
		DedupeWindowMs:         c.Delegation.DedupeWindowMs,
		PairRateLimitPerMinute: c.Delegation.PairRateLimitPerMinute,
	}.Clamped()
}

// AuthenticatorConfig maps the gateway auth section onto the authenticator's
// config.
func (c *Config) AuthenticatorConfig() auth.Config {
	return auth.Config{
		Tokens:    c.Gateway.Auth.Tokens,
		JWTSecret: c.Gateway.Auth.JWTSecret,
		JWTExpiry: time.Duration(c.Gateway.Auth.JWTExpiryMinutes) * time.Minute,
	}
}

// LogConfig maps the logging section onto the logger's config.
func (c *Config) LogConfig() observability.LogConfig {
	return observability.LogConfig{
		Level:     c.Logging.Level,
		Format:    c.Logging.Format,
		AddSource: c.Logging.AddSource,
	}
}

// TraceConfig maps the tracing section onto the tracer's config.
func (c *Config) TraceConfig(serviceVersion string) observability.TraceConfig {
	return observability.TraceConfig{
		ServiceName:    "openclawd",
		ServiceVersion: serviceVersion,
		Environment:    c.Tracing.Environment,
		Endpoint:       c.Tracing.Endpoint,
		SamplingRate:   c.Tracing.SampleRate,
		EnableInsecure: c.Tracing.Insecure,
	}
}
