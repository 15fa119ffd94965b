package delegation

import (
	"context"
	"sync"
	"time"
)

const (
	// guardIdleTTL is how long an untouched trace guard survives.
	guardIdleTTL = 15 * time.Minute

	// pairWindow is the sliding window for pair-level rate limiting.
	pairWindow = time.Minute
)

// Delegation call statuses.
const (
	StatusOK      = "ok"
	StatusBlocked = "blocked"
	StatusDeduped = "deduped"
	StatusTimeout = "timeout"
	StatusError   = "error"
)

// Admission is the guard's verdict for one call.
type Admission struct {
	OK     bool
	Status string
	Reason string
}

// traceGuard tracks one trace's delegation activity.
type traceGuard struct {
	activeDepth int
	callCount   int
	taskSeen    map[string]time.Time
	pairCalls   map[string][]time.Time
	lastAccess  time.Time
}

// GuardSet holds the per-trace guards. Pruning runs opportunistically on
// access and periodically through Housekeep.
type GuardSet struct {
	mu     sync.Mutex
	guards map[string]*traceGuard
	now    func() time.Time
}

func NewGuardSet() *GuardSet {
	return &GuardSet{
		guards: make(map[string]*traceGuard),
		now:    time.Now,
	}
}

// Admit runs the delegation checks in order and, when all pass, charges the
// guard (depth, call count, task hash, pair timestamp) atomically.
func (s *GuardSet) Admit(traceID, taskHash, pairKey string, limits Limits) Admission {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	g := s.guards[traceID]
	if g == nil {
		g = &traceGuard{
			taskSeen:  make(map[string]time.Time),
			pairCalls: make(map[string][]time.Time),
		}
		s.guards[traceID] = g
	}
	g.lastAccess = now

	dedupeWindow := time.Duration(limits.DedupeWindowMs) * time.Millisecond
	for hash, seen := range g.taskSeen {
		if now.Sub(seen) > dedupeWindow {
			delete(g.taskSeen, hash)
		}
	}
	fresh := g.pairCalls[pairKey][:0:0]
	for _, ts := range g.pairCalls[pairKey] {
		if now.Sub(ts) <= pairWindow {
			fresh = append(fresh, ts)
		}
	}
	g.pairCalls[pairKey] = fresh

	switch {
	case g.activeDepth >= limits.MaxDepth:
		return Admission{Status: StatusBlocked, Reason: "maxDepth exceeded"}
	case g.callCount >= limits.MaxCallsPerTrace:
		return Admission{Status: StatusBlocked, Reason: "maxCallsPerTrace exceeded"}
	case !g.taskSeen[taskHash].IsZero():
		return Admission{Status: StatusDeduped, Reason: "duplicate task within dedupe window"}
	case len(fresh) >= limits.PairRateLimitPerMinute:
		return Admission{Status: StatusBlocked, Reason: "pairRateLimitPerMinute exceeded"}
	}

	g.activeDepth++
	g.callCount++
	g.taskSeen[taskHash] = now
	g.pairCalls[pairKey] = append(fresh, now)
	return Admission{OK: true, Status: StatusOK}
}

// Release undoes an admission's depth charge and prunes idle guards.
func (s *GuardSet) Release(traceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g := s.guards[traceID]; g != nil {
		if g.activeDepth > 0 {
			g.activeDepth--
		}
		g.lastAccess = s.now()
	}
	s.pruneLocked()
}

// ActiveDepth reports the current recursion depth for a trace.
func (s *GuardSet) ActiveDepth(traceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.guards[traceID]; g != nil {
		return g.activeDepth
	}
	return 0
}

func (s *GuardSet) pruneLocked() {
	cutoff := s.now().Add(-guardIdleTTL)
	for traceID, g := range s.guards {
		if g.activeDepth == 0 && g.lastAccess.Before(cutoff) {
			delete(s.guards, traceID)
		}
	}
}

// Housekeep prunes idle guards until the context ends.
func (s *GuardSet) Housekeep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.pruneLocked()
			s.mu.Unlock()
		}
	}
}
