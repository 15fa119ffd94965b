package delegation

import "testing"

func TestLimitsClamped(t *testing.T) {
	tests := []struct {
		name string
		in   Limits
		want Limits
	}{
		{"zero gets defaults", Limits{}, DefaultLimits()},
		{
			"below minimums",
			Limits{TimeoutMs: 1, MaxDepth: -5, MaxCallsPerTrace: -1, MaxToolCalls: -1, DedupeWindowMs: 5, PairRateLimitPerMinute: -2},
			Limits{TimeoutMs: 100, MaxDepth: 1, MaxCallsPerTrace: 1, MaxToolCalls: 1, DedupeWindowMs: 1_000, PairRateLimitPerMinute: 1},
		},
		{
			"above maximums",
			Limits{TimeoutMs: 900_000, MaxDepth: 50, MaxCallsPerTrace: 500, MaxToolCalls: 999, DedupeWindowMs: 900_000, PairRateLimitPerMinute: 1_000},
			Limits{TimeoutMs: 600_000, MaxDepth: 10, MaxCallsPerTrace: 100, MaxToolCalls: 200, DedupeWindowMs: 600_000, PairRateLimitPerMinute: 100},
		},
		{
			"in range unchanged",
			Limits{TimeoutMs: 30_000, MaxDepth: 2, MaxCallsPerTrace: 4, MaxToolCalls: 10, DedupeWindowMs: 30_000, PairRateLimitPerMinute: 3},
			Limits{TimeoutMs: 30_000, MaxDepth: 2, MaxCallsPerTrace: 4, MaxToolCalls: 10, DedupeWindowMs: 30_000, PairRateLimitPerMinute: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.Clamped(); got != tt.want {
				t.Errorf("Clamped() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLimitsMergeOverrides(t *testing.T) {
	base := DefaultLimits()

	depth := 5
	timeout := 999_999
	merged := base.Merge(&Overrides{MaxDepth: &depth, TimeoutMs: &timeout})

	if merged.MaxDepth != 5 {
		t.Errorf("MaxDepth = %d, want 5", merged.MaxDepth)
	}
	if merged.TimeoutMs != 600_000 {
		t.Errorf("TimeoutMs = %d, override must still be clamped", merged.TimeoutMs)
	}
	if merged.MaxCallsPerTrace != base.MaxCallsPerTrace {
		t.Errorf("MaxCallsPerTrace = %d, nil override must keep base", merged.MaxCallsPerTrace)
	}

	if got := base.Merge(nil); got != base.Clamped() {
		t.Errorf("Merge(nil) = %+v", got)
	}
}
