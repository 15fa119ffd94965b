package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/msimon42/openclaw-sub000/internal/audit"
)

func testEvent(eventType audit.EventType, ts int64) *audit.Event {
	ev := audit.NewEvent(eventType, "trace-1", "agent-1")
	ev.Timestamp = ts
	return ev
}

func collect(t *testing.T, sub *Subscription, n int, timeout time.Duration) []Envelope {
	t.Helper()
	var out []Envelope
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case env, ok := <-sub.Out():
			if !ok {
				t.Fatalf("Out closed after %d envelopes, want %d", len(out), n)
			}
			out = append(out, env)
		case <-deadline:
			t.Fatalf("timed out after %d envelopes, want %d", len(out), n)
		}
	}
	return out
}

func TestSubscribeDeliversSnapshotThenRollups(t *testing.T) {
	h := NewHub(DefaultConfig(), nil, nil, nil, nil)
	defer h.Close()

	now := time.Now().UnixMilli()
	for i := 0; i < 3; i++ {
		if err := h.Write(context.Background(), testEvent(audit.EventToolDecision, now+int64(i))); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	sub, err := h.Subscribe(SubscribeParams{SchemaVersion: audit.SchemaVersion})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe(sub.ID())

	envs := collect(t, sub, 3, time.Second)
	if envs[0].Event != EventSnapshot {
		t.Fatalf("first envelope = %s, want %s", envs[0].Event, EventSnapshot)
	}
	snap, ok := envs[0].Payload.(SnapshotPayload)
	if !ok {
		t.Fatalf("snapshot payload type %T", envs[0].Payload)
	}
	if len(snap.Events) != 3 {
		t.Errorf("snapshot has %d events, want 3", len(snap.Events))
	}
	if snap.SchemaVersion != audit.SchemaVersion {
		t.Errorf("snapshot schemaVersion = %q", snap.SchemaVersion)
	}
	if envs[1].Event != EventSpend {
		t.Errorf("second envelope = %s, want %s", envs[1].Event, EventSpend)
	}
	if envs[2].Event != EventHealth {
		t.Errorf("third envelope = %s, want %s", envs[2].Event, EventHealth)
	}
}

func TestSnapshotRespectsFilter(t *testing.T) {
	h := NewHub(DefaultConfig(), nil, nil, nil, nil)
	defer h.Close()

	now := time.Now().UnixMilli()
	h.Write(context.Background(), testEvent(audit.EventToolDecision, now))
	h.Write(context.Background(), testEvent(audit.EventAgentMessage, now+1))
	h.Write(context.Background(), testEvent(audit.EventToolDecision, now+2))

	sub, err := h.Subscribe(SubscribeParams{
		Filters: &FilterSpec{EventTypes: []string{"tool.decision"}},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe(sub.ID())

	envs := collect(t, sub, 1, time.Second)
	snap := envs[0].Payload.(SnapshotPayload)
	if len(snap.Events) != 2 {
		t.Fatalf("snapshot has %d events, want 2", len(snap.Events))
	}
	for _, ev := range snap.Events {
		if ev.Type != audit.EventToolDecision {
			t.Errorf("snapshot contains %s", ev.Type)
		}
	}
}

func TestEventFanoutHonorsFilter(t *testing.T) {
	h := NewHub(DefaultConfig(), nil, nil, nil, nil)
	defer h.Close()

	sub, err := h.Subscribe(SubscribeParams{
		Filters: &FilterSpec{EventTypes: []string{"agent.message"}},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe(sub.ID())
	collect(t, sub, 3, time.Second) // snapshot + rollups

	now := time.Now().UnixMilli()
	h.Write(context.Background(), testEvent(audit.EventToolDecision, now))
	h.Write(context.Background(), testEvent(audit.EventAgentMessage, now+1))

	envs := collect(t, sub, 1, time.Second)
	if envs[0].Event != EventEvent {
		t.Fatalf("envelope = %s, want %s", envs[0].Event, EventEvent)
	}
	payload := envs[0].Payload.(EventPayload)
	if payload.Event.Type != audit.EventAgentMessage {
		t.Errorf("delivered %s, want agent.message", payload.Event.Type)
	}
}

func TestRateWindowCapsDeliveryPerSecond(t *testing.T) {
	h := NewHub(DefaultConfig(), nil, nil, nil, nil)
	defer h.Close()

	sub, err := h.Subscribe(SubscribeParams{MaxEventsPerSec: 2})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe(sub.ID())
	collect(t, sub, 3, time.Second) // snapshot + rollups

	now := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		h.Write(context.Background(), testEvent(audit.EventToolDecision, now+int64(i)))
	}

	start := time.Now()
	collect(t, sub, 5, 5*time.Second)
	elapsed := time.Since(start)

	// 5 events at 2/s: windows at 0s, 1s, 2s. Allow scheduling slack.
	if elapsed < 1500*time.Millisecond {
		t.Errorf("5 events delivered in %v, expected rate limiting to stretch past 1.5s", elapsed)
	}
}

func TestQueueOverflowDropsOldestAndReportsOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerMaxBufferedEvents = 2
	h := NewHub(cfg, nil, nil, nil, nil)
	defer h.Close()

	var mu sync.Mutex
	var drops []int64
	h.OnDrop = func(id string, total int64) {
		mu.Lock()
		drops = append(drops, total)
		mu.Unlock()
	}

	sub, err := h.Subscribe(SubscribeParams{MaxEventsPerSec: 1})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe(sub.ID())
	collect(t, sub, 3, time.Second) // snapshot + rollups

	now := time.Now().UnixMilli()
	// First event is dispatched immediately; the rest pile up against the
	// 1/s window and overflow the 2-slot queue.
	for i := 0; i < 6; i++ {
		h.Write(context.Background(), testEvent(audit.EventToolDecision, now+int64(i)))
	}

	deadline := time.After(3 * time.Second)
	sawError := false
	for !sawError {
		select {
		case env := <-sub.Out():
			if env.Event == EventError {
				p := env.Payload.(ErrorPayload)
				if p.Code != ErrCodeBufferOverflow {
					t.Errorf("error code = %q, want %q", p.Code, ErrCodeBufferOverflow)
				}
				sawError = true
			}
		case <-deadline:
			t.Fatal("no BUFFER_OVERFLOW error envelope")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(drops) == 0 {
		t.Fatal("OnDrop not invoked")
	}
	// Totals are cumulative and strictly increasing: each drop counted once.
	for i := 1; i < len(drops); i++ {
		if drops[i] != drops[i-1]+1 {
			t.Errorf("drop totals %v not strictly incrementing", drops)
			break
		}
	}
	if got := sub.Dropped(); got != drops[len(drops)-1] {
		t.Errorf("Dropped = %d, want %d", got, drops[len(drops)-1])
	}
}

func TestOversizedEventDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageMaxBytes = 512
	h := NewHub(cfg, nil, nil, nil, nil)
	defer h.Close()

	dropped := make(chan int64, 1)
	h.OnDrop = func(id string, total int64) {
		select {
		case dropped <- total:
		default:
		}
	}

	sub, err := h.Subscribe(SubscribeParams{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe(sub.ID())
	collect(t, sub, 3, time.Second)

	ev := testEvent(audit.EventToolDecision, time.Now().UnixMilli())
	big := make([]byte, 2048)
	for i := range big {
		big[i] = 'a'
	}
	// Oversized even after payload trimming: the envelope itself is bloated.
	ev.SpanID = string(big)
	if err := h.Write(context.Background(), ev); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-dropped:
	case <-time.After(time.Second):
		t.Fatal("oversized event not reported dropped")
	}

	envs := collect(t, sub, 1, time.Second)
	if envs[0].Event != EventError {
		t.Fatalf("envelope = %s, want %s", envs[0].Event, EventError)
	}
}

func TestOversizedPayloadTrimmedNotDropped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageMaxBytes = 1024
	h := NewHub(cfg, nil, nil, nil, nil)
	defer h.Close()

	sub, err := h.Subscribe(SubscribeParams{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe(sub.ID())
	collect(t, sub, 3, time.Second)

	ev := testEvent(audit.EventToolDecision, time.Now().UnixMilli())
	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'b'
	}
	ev.Payload["blob"] = string(big)
	if err := h.Write(context.Background(), ev); err != nil {
		t.Fatalf("Write: %v", err)
	}

	envs := collect(t, sub, 1, time.Second)
	if envs[0].Event != EventEvent {
		t.Fatalf("envelope = %s, want trimmed %s", envs[0].Event, EventEvent)
	}
	payload := envs[0].Payload.(EventPayload)
	if payload.Event.Payload["truncated"] != true {
		t.Errorf("payload not replaced by truncation marker: %v", payload.Event.Payload)
	}
}

func TestReplayBufferEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerMaxBufferedEvents = 100
	cfg.ReplayWindowMs = 1000
	h := NewHub(cfg, nil, nil, nil, nil)
	defer h.Close()

	now := time.Now().UnixMilli()
	h.Write(context.Background(), testEvent(audit.EventToolDecision, now-5000))
	h.Write(context.Background(), testEvent(audit.EventToolDecision, now))

	sub, err := h.Subscribe(SubscribeParams{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe(sub.ID())

	envs := collect(t, sub, 1, time.Second)
	snap := envs[0].Payload.(SnapshotPayload)
	if len(snap.Events) != 1 {
		t.Fatalf("snapshot has %d events, want 1 (stale event outside window)", len(snap.Events))
	}
	if snap.Events[0].Timestamp != now {
		t.Errorf("kept event ts %d, want %d", snap.Events[0].Timestamp, now)
	}
}

func TestReplayBufferKeepsInWindowEventsPastBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerMaxBufferedEvents = 2
	cfg.ReplayWindowMs = 1000
	h := NewHub(cfg, nil, nil, nil, nil)
	defer h.Close()

	now := time.Now().UnixMilli()
	for i := 0; i < 4; i++ {
		h.Write(context.Background(), testEvent(audit.EventToolDecision, now+int64(i)))
	}

	h.mu.Lock()
	buffered := len(h.buffer)
	h.mu.Unlock()
	if buffered != 4 {
		t.Fatalf("buffer = %d events, want 4: in-window events stay past the bound", buffered)
	}

	// Once the head falls out of the window, the overflow is evicted down to
	// the bound.
	h.mu.Lock()
	for _, ev := range h.buffer {
		ev.Timestamp = now - 5000
	}
	h.mu.Unlock()

	h.Write(context.Background(), testEvent(audit.EventToolDecision, now+10))

	h.mu.Lock()
	buffered = len(h.buffer)
	newest := h.buffer[len(h.buffer)-1].Timestamp
	h.mu.Unlock()
	if buffered != 2 {
		t.Errorf("buffer = %d events, want 2 after stale overflow eviction", buffered)
	}
	if newest != now+10 {
		t.Errorf("newest ts = %d, want %d", newest, now+10)
	}
}

func TestDirtyRollupRebroadcast(t *testing.T) {
	h := NewHub(DefaultConfig(), nil, nil, nil, nil)
	defer h.Close()

	sub, err := h.Subscribe(SubscribeParams{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer h.Unsubscribe(sub.ID())
	collect(t, sub, 3, time.Second)

	h.MarkSpendDirty()
	h.flushRollups()

	envs := collect(t, sub, 1, time.Second)
	if envs[0].Event != EventSpend {
		t.Errorf("envelope = %s, want %s after spend dirty", envs[0].Event, EventSpend)
	}

	h.MarkHealthDirty()
	h.flushRollups()

	envs = collect(t, sub, 1, time.Second)
	if envs[0].Event != EventHealth {
		t.Errorf("envelope = %s, want %s after health dirty", envs[0].Event, EventHealth)
	}
}

func TestSubscribeRejectsUnknownSchema(t *testing.T) {
	h := NewHub(DefaultConfig(), nil, nil, nil, nil)
	defer h.Close()

	if _, err := h.Subscribe(SubscribeParams{SchemaVersion: "2.0"}); err != ErrUnsupportedSchema {
		t.Errorf("err = %v, want ErrUnsupportedSchema", err)
	}
}

func TestUnsubscribeClosesOut(t *testing.T) {
	h := NewHub(DefaultConfig(), nil, nil, nil, nil)
	defer h.Close()

	sub, err := h.Subscribe(SubscribeParams{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	collect(t, sub, 3, time.Second)
	h.Unsubscribe(sub.ID())

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Out():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Out not closed after Unsubscribe")
		}
	}
}
