package guard

import (
	"sync"
	"time"
)

// RateLimit caps calls to one tool within a rolling window, scoped to a
// session, an agent, or the whole process.
type RateLimit struct {
	Scope    Scope  `json:"scope" yaml:"scope"`
	Tool     string `json:"tool" yaml:"tool"`
	MaxCalls int    `json:"maxCalls" yaml:"maxCalls"`
	WindowMs int64  `json:"windowMs" yaml:"windowMs"`
}

// limiter tracks per-key call timestamps. Keys combine the scope, the scope's
// identity (session key or agent id), and the tool name.
type limiter struct {
	rules map[Scope]map[string]RateLimit

	mu    sync.Mutex
	calls map[string][]time.Time
	now   func() time.Time
}

func newLimiter(rules []RateLimit) *limiter {
	l := &limiter{
		rules: make(map[Scope]map[string]RateLimit),
		calls: make(map[string][]time.Time),
		now:   time.Now,
	}
	for _, r := range rules {
		if r.MaxCalls <= 0 || r.WindowMs <= 0 {
			continue
		}
		byTool := l.rules[r.Scope]
		if byTool == nil {
			byTool = make(map[string]RateLimit)
			l.rules[r.Scope] = byTool
		}
		byTool[r.Tool] = r
	}
	return l
}

// rule finds the limit for a (scope, tool) pair, falling back to the scope's
// "*" wildcard rule.
func (l *limiter) rule(scope Scope, tool string) (RateLimit, bool) {
	byTool, ok := l.rules[scope]
	if !ok {
		return RateLimit{}, false
	}
	if r, ok := byTool[tool]; ok {
		return r, true
	}
	r, ok := byTool["*"]
	return r, ok
}

// allow checks every applicable scope rule and, when all admit the call,
// records one timestamp per matched key. Full buckets deny without recording.
func (l *limiter) allow(tool string, scopeIDs map[Scope]string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	type hit struct {
		key   string
		fresh []time.Time
	}
	var hits []hit

	for scope, id := range scopeIDs {
		r, ok := l.rule(scope, tool)
		if !ok {
			continue
		}
		key := string(scope) + ":" + id + "|" + tool
		cutoff := now.Add(-time.Duration(r.WindowMs) * time.Millisecond)
		fresh := l.calls[key][:0:0]
		for _, ts := range l.calls[key] {
			if ts.After(cutoff) {
				fresh = append(fresh, ts)
			}
		}
		if len(fresh) >= r.MaxCalls {
			l.calls[key] = fresh
			return false
		}
		hits = append(hits, hit{key: key, fresh: fresh})
	}

	for _, h := range hits {
		l.calls[h.key] = append(h.fresh, now)
	}
	return true
}
