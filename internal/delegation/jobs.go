package delegation

import (
	"context"
	"sync"
	"time"
)

// Snapshot is the completion record an agent run loop posts when a delegated
// job finishes.
type Snapshot struct {
	IdempotencyKey string    `json:"idempotencyKey"`
	OK             bool      `json:"ok"`
	Error          string    `json:"error,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	CompletedAt    time.Time `json:"completedAt"`
}

// SnapshotStore matches completion snapshots to waiting callers by
// idempotency key. A snapshot posted before its waiter arrives is held until
// awaited or pruned.
type SnapshotStore struct {
	mu      sync.Mutex
	snaps   map[string]*Snapshot
	waiters map[string][]chan *Snapshot
	now     func() time.Time
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		snaps:   make(map[string]*Snapshot),
		waiters: make(map[string][]chan *Snapshot),
		now:     time.Now,
	}
}

// Complete records a snapshot and wakes every waiter for its key.
func (s *SnapshotStore) Complete(snap Snapshot) {
	if snap.CompletedAt.IsZero() {
		snap.CompletedAt = s.now()
	}

	s.mu.Lock()
	stored := snap
	s.snaps[snap.IdempotencyKey] = &stored
	waiting := s.waiters[snap.IdempotencyKey]
	delete(s.waiters, snap.IdempotencyKey)
	s.mu.Unlock()

	for _, ch := range waiting {
		ch <- &stored
	}
}

// Await blocks until a snapshot for the key arrives, the timeout elapses, or
// the context ends. The second return is false when no snapshot arrived.
func (s *SnapshotStore) Await(ctx context.Context, key string, timeout time.Duration) (*Snapshot, bool) {
	s.mu.Lock()
	if snap, ok := s.snaps[key]; ok {
		s.mu.Unlock()
		return snap, true
	}
	ch := make(chan *Snapshot, 1)
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case snap := <-ch:
		return snap, true
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	chans := s.waiters[key]
	for i, c := range chans {
		if c == ch {
			s.waiters[key] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return nil, false
}

// Prune drops snapshots older than the given age and returns the count.
func (s *SnapshotStore) Prune(olderThan time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	pruned := 0
	for key, snap := range s.snaps {
		if snap.CompletedAt.Before(cutoff) {
			delete(s.snaps, key)
			pruned++
		}
	}
	return pruned
}
