package delegation

import (
	"context"
	"testing"
	"time"
)

func TestSnapshotAwaitAfterComplete(t *testing.T) {
	s := NewSnapshotStore()
	s.Complete(Snapshot{IdempotencyKey: "k-1", OK: true, SessionID: "s-1"})

	snap, ok := s.Await(context.Background(), "k-1", 10*time.Millisecond)
	if !ok || !snap.OK || snap.SessionID != "s-1" {
		t.Errorf("Await = %+v, %v", snap, ok)
	}
}

func TestSnapshotAwaitBeforeComplete(t *testing.T) {
	s := NewSnapshotStore()

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Complete(Snapshot{IdempotencyKey: "k-2", OK: false, Error: "run failed"})
	}()

	snap, ok := s.Await(context.Background(), "k-2", 2*time.Second)
	if !ok {
		t.Fatal("Await timed out waiting for snapshot")
	}
	if snap.OK || snap.Error != "run failed" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestSnapshotAwaitTimeout(t *testing.T) {
	s := NewSnapshotStore()

	start := time.Now()
	snap, ok := s.Await(context.Background(), "never", 30*time.Millisecond)
	if ok || snap != nil {
		t.Errorf("Await = %+v, %v, want timeout", snap, ok)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("Await returned before the timeout")
	}

	// The abandoned waiter must be deregistered.
	s.mu.Lock()
	waiting := len(s.waiters["never"])
	s.mu.Unlock()
	if waiting != 0 {
		t.Errorf("leftover waiters = %d", waiting)
	}
}

func TestSnapshotPrune(t *testing.T) {
	s := NewSnapshotStore()
	base := time.Now()
	s.now = func() time.Time { return base }

	s.Complete(Snapshot{IdempotencyKey: "old"})
	s.now = func() time.Time { return base.Add(time.Hour) }
	s.Complete(Snapshot{IdempotencyKey: "fresh"})

	if pruned := s.Prune(30 * time.Minute); pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if _, ok := s.Await(context.Background(), "fresh", time.Millisecond); !ok {
		t.Error("fresh snapshot must survive pruning")
	}
}
