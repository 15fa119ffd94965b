// Package delegation lets one agent hand work to another under trace-scoped
// limits: bounded recursion, per-trace call budgets, dedup of repeated tasks,
// and pair-level rate limiting.
package delegation

// Limits bound one delegation call. All values are clamped at parse time so
// downstream code only sees resolved numbers.
type Limits struct {
	TimeoutMs              int `json:"timeoutMs" yaml:"timeoutMs"`
	MaxDepth               int `json:"maxDepth" yaml:"maxDepth"`
	MaxCallsPerTrace       int `json:"maxCallsPerTrace" yaml:"maxCallsPerTrace"`
	MaxToolCalls           int `json:"maxToolCalls" yaml:"maxToolCalls"`
	DedupeWindowMs         int `json:"dedupeWindowMs" yaml:"dedupeWindowMs"`
	PairRateLimitPerMinute int `json:"pairRateLimitPerMinute" yaml:"pairRateLimitPerMinute"`
}

// Overrides are per-call limit adjustments. Nil fields keep the configured
// value.
type Overrides struct {
	TimeoutMs              *int `json:"timeoutMs,omitempty"`
	MaxDepth               *int `json:"maxDepth,omitempty"`
	MaxCallsPerTrace       *int `json:"maxCallsPerTrace,omitempty"`
	MaxToolCalls           *int `json:"maxToolCalls,omitempty"`
	DedupeWindowMs         *int `json:"dedupeWindowMs,omitempty"`
	PairRateLimitPerMinute *int `json:"pairRateLimitPerMinute,omitempty"`
}

// DefaultLimits returns the configured defaults before clamping.
func DefaultLimits() Limits {
	return Limits{
		TimeoutMs:              120_000,
		MaxDepth:               3,
		MaxCallsPerTrace:       8,
		MaxToolCalls:           24,
		DedupeWindowMs:         60_000,
		PairRateLimitPerMinute: 6,
	}
}

func clampInt(v, def, min, max int) int {
	if v == 0 {
		v = def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Clamped resolves every field into its allowed range, substituting the
// default for zero values.
func (l Limits) Clamped() Limits {
	return Limits{
		TimeoutMs:              clampInt(l.TimeoutMs, 120_000, 100, 600_000),
		MaxDepth:               clampInt(l.MaxDepth, 3, 1, 10),
		MaxCallsPerTrace:       clampInt(l.MaxCallsPerTrace, 8, 1, 100),
		MaxToolCalls:           clampInt(l.MaxToolCalls, 24, 1, 200),
		DedupeWindowMs:         clampInt(l.DedupeWindowMs, 60_000, 1_000, 600_000),
		PairRateLimitPerMinute: clampInt(l.PairRateLimitPerMinute, 6, 1, 100),
	}
}

// Merge applies per-call overrides to the base limits and clamps the result.
func (l Limits) Merge(o *Overrides) Limits {
	merged := l
	if o != nil {
		if o.TimeoutMs != nil {
			merged.TimeoutMs = *o.TimeoutMs
		}
		if o.MaxDepth != nil {
			merged.MaxDepth = *o.MaxDepth
		}
		if o.MaxCallsPerTrace != nil {
			merged.MaxCallsPerTrace = *o.MaxCallsPerTrace
		}
		if o.MaxToolCalls != nil {
			merged.MaxToolCalls = *o.MaxToolCalls
		}
		if o.DedupeWindowMs != nil {
			merged.DedupeWindowMs = *o.DedupeWindowMs
		}
		if o.PairRateLimitPerMinute != nil {
			merged.PairRateLimitPerMinute = *o.PairRateLimitPerMinute
		}
	}
	return merged.Clamped()
}
