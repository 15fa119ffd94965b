package guard

import (
	"context"
	"testing"
	"time"

	"github.com/msimon42/openclaw-sub000/internal/audit"
	"github.com/msimon42/openclaw-sub000/internal/policy"
)

type fakeNotifier struct {
	messages []string
}

func (f *fakeNotifier) Notify(_ context.Context, _ string, message string) error {
	f.messages = append(f.messages, message)
	return nil
}

func permissivePolicy() policy.Resolved {
	return policy.Resolve(&policy.Layer{Deny: []policy.Capability{}})
}

func TestAuthorizeAllow(t *testing.T) {
	g := New(Config{}, nil, nil, nil)

	d := g.Authorize(context.Background(), Request{
		Tool:   "memory_search",
		Policy: permissivePolicy(),
	})
	if !d.Allowed {
		t.Fatalf("benign tool blocked at %s: %s", d.Stage, d.Reason)
	}
	if d.Stage != StageAllow {
		t.Errorf("stage = %q, want %q", d.Stage, StageAllow)
	}
	if d.RiskTier != audit.RiskLow {
		t.Errorf("risk tier = %s, want low", d.RiskTier)
	}
}

func TestAuthorizeRateLimit(t *testing.T) {
	g := New(Config{
		RateLimits: []RateLimit{
			{Scope: ScopeSession, Tool: "exec", MaxCalls: 2, WindowMs: 60_000},
		},
	}, nil, nil, nil)

	req := Request{
		Tool:       "exec",
		SessionKey: "agent:main:main",
		Command:    "ls",
		Policy:     permissivePolicy(),
	}

	for i := 0; i < 2; i++ {
		if d := g.Authorize(context.Background(), req); !d.Allowed {
			t.Fatalf("call %d blocked at %s: %s", i+1, d.Stage, d.Reason)
		}
	}

	d := g.Authorize(context.Background(), req)
	if d.Allowed {
		t.Fatal("third call within window should be rate limited")
	}
	if d.Stage != StageRateLimit {
		t.Errorf("stage = %q, want %q", d.Stage, StageRateLimit)
	}

	// A different session has its own bucket.
	other := req
	other.SessionKey = "agent:other:main"
	if d := g.Authorize(context.Background(), other); !d.Allowed {
		t.Errorf("separate session blocked at %s: %s", d.Stage, d.Reason)
	}
}

func TestAuthorizeRateLimitDenyDoesNotRecord(t *testing.T) {
	l := newLimiter([]RateLimit{
		{Scope: ScopeGlobal, Tool: "*", MaxCalls: 1, WindowMs: 60_000},
	})
	base := time.Now()
	l.now = func() time.Time { return base }

	scopes := map[Scope]string{ScopeGlobal: ""}
	if !l.allow("exec", scopes) {
		t.Fatal("first call should pass")
	}
	for i := 0; i < 3; i++ {
		if l.allow("exec", scopes) {
			t.Fatal("bucket full, call should be denied")
		}
	}

	// Denied attempts must not extend the window.
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	if !l.allow("exec", scopes) {
		t.Error("window expired, call should pass again")
	}
}

func TestAuthorizePolicyDenial(t *testing.T) {
	notifier := &fakeNotifier{}
	g := New(Config{}, nil, notifier, nil)

	d := g.Authorize(context.Background(), Request{
		Tool:       "web_fetch",
		SessionKey: "agent:main:main",
		Fields:     map[string]any{"url": "https://evil.test/"},
		Policy:     permissivePolicy(),
	})
	if d.Allowed {
		t.Fatal("fetch with no allowDomains should be blocked")
	}
	if d.Stage != StagePolicy {
		t.Errorf("stage = %q, want %q", d.Stage, StagePolicy)
	}
	if len(notifier.messages) != 1 {
		t.Errorf("blocked call should post one session notice, got %d", len(notifier.messages))
	}
}

func TestAuthorizeApprovalGate(t *testing.T) {
	g := New(Config{
		RequireApproval: map[audit.RiskTier]bool{audit.RiskCritical: true},
	}, nil, nil, nil)

	d := g.Authorize(context.Background(), Request{
		Tool:    "exec",
		Command: "dd if=/dev/zero of=/dev/sda",
		Policy:  permissivePolicy(),
	})
	if d.Allowed {
		t.Fatal("critical command should be held for approval")
	}
	if d.Stage != StageApprovalGate {
		t.Errorf("stage = %q, want %q", d.Stage, StageApprovalGate)
	}
	if d.Reason != ReasonRequireApproval {
		t.Errorf("reason = %q, want %q", d.Reason, ReasonRequireApproval)
	}
	if d.RiskTier != audit.RiskCritical {
		t.Errorf("risk tier = %s, want critical", d.RiskTier)
	}

	// Same command passes when the tier is not gated.
	open := New(Config{}, nil, nil, nil)
	if d := open.Authorize(context.Background(), Request{
		Tool:    "exec",
		Command: "dd if=/dev/zero of=/dev/sda",
		Policy:  permissivePolicy(),
	}); !d.Allowed {
		t.Errorf("ungated tier blocked at %s: %s", d.Stage, d.Reason)
	}
}

func TestAuthorizePolicyRequireApproval(t *testing.T) {
	g := New(Config{}, nil, nil, nil)

	requireApproval := true
	p := policy.Resolve(&policy.Layer{
		Deny:            []policy.Capability{},
		RequireApproval: &requireApproval,
	})

	d := g.Authorize(context.Background(), Request{
		Tool:   "memory_search",
		Policy: p,
	})
	if d.Allowed {
		t.Fatal("policy requireApproval should gate every tool call")
	}
	if d.Stage != StageApprovalGate {
		t.Errorf("stage = %q, want %q", d.Stage, StageApprovalGate)
	}
}

func TestAuthorizeStageOrder(t *testing.T) {
	// A call that would fail policy and approval still reports rate_limit
	// when the bucket is already full.
	g := New(Config{
		RateLimits: []RateLimit{
			{Scope: ScopeGlobal, Tool: "exec", MaxCalls: 0, WindowMs: 60_000},
			{Scope: ScopeGlobal, Tool: "*", MaxCalls: 1, WindowMs: 60_000},
		},
		RequireApproval: map[audit.RiskTier]bool{audit.RiskHigh: true},
	}, nil, nil, nil)

	// MaxCalls <= 0 rules are dropped at construction, so exhaust the
	// wildcard bucket first.
	first := g.Authorize(context.Background(), Request{Tool: "exec", Command: "ls", Policy: permissivePolicy()})
	if first.Allowed {
		t.Fatal("high tier should be held for approval on first call")
	}
	if first.Stage != StageApprovalGate {
		t.Fatalf("first stage = %q, want %q", first.Stage, StageApprovalGate)
	}

	second := g.Authorize(context.Background(), Request{Tool: "exec", Command: "ls", Policy: permissivePolicy()})
	if second.Stage != StageRateLimit {
		t.Errorf("second stage = %q, want %q", second.Stage, StageRateLimit)
	}
}
