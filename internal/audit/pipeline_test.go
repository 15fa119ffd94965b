package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestPipelineDeliversInOrder(t *testing.T) {
	sink := NewMemorySink()
	p := NewPipeline(DefaultConfig(), sink, nil, nil)

	for i := 0; i < 25; i++ {
		e := NewEvent(EventToolDecision, "trace-1", "agent-1")
		e.Payload["seq"] = i
		p.Emit(e)
	}

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := sink.Events()
	if len(events) != 25 {
		t.Fatalf("got %d events, want 25", len(events))
	}
	for i, e := range events {
		if e.Payload["seq"] != int64(i) {
			t.Errorf("event %d has seq %v, want %d", i, e.Payload["seq"], i)
		}
	}
}

func TestPipelineMaterializesEnvelope(t *testing.T) {
	sink := NewMemorySink()
	p := NewPipeline(DefaultConfig(), sink, nil, nil)

	res := p.Enqueue(&Event{Type: EventAgentMessage})
	if err := <-res; err != nil {
		t.Fatalf("Enqueue result: %v", err)
	}
	p.Close(context.Background())

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", e.SchemaVersion, SchemaVersion)
	}
	if e.EventVersion != EventVersion {
		t.Errorf("EventVersion = %d, want %d", e.EventVersion, EventVersion)
	}
	if e.AgentID != "unknown" {
		t.Errorf("AgentID = %q, want unknown default", e.AgentID)
	}
	if e.TraceID == "" {
		t.Error("TraceID is empty")
	}
	if e.Timestamp == 0 {
		t.Error("Timestamp not set")
	}
	if e.Payload == nil {
		t.Error("Payload is nil")
	}
}

func TestPipelineDropsOldestOnOverflow(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	var delivered []string

	gate := SinkFunc(func(ctx context.Context, e *Event) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		delivered = append(delivered, e.Payload["id"].(string))
		return nil
	})

	cfg := DefaultConfig()
	cfg.MaxQueueSize = 2
	p := NewPipeline(cfg, gate, nil, nil)

	emit := func(id string) <-chan error {
		e := NewEvent(EventToolDecision, "t", "a")
		e.Payload["id"] = id
		return p.Enqueue(e)
	}

	// First event occupies the drain goroutine inside the sink.
	first := emit("first")
	<-entered

	// Queue: [q1, q2]. q3 displaces q1.
	q1 := emit("q1")
	q2 := emit("q2")
	q3 := emit("q3")

	select {
	case err := <-q1:
		if err != ErrQueueOverflow {
			t.Errorf("q1 result = %v, want ErrQueueOverflow", err)
		}
	case <-time.After(time.Second):
		t.Fatal("q1 result not delivered after displacement")
	}

	close(release)
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	for name, ch := range map[string]<-chan error{"first": first, "q2": q2, "q3": q3} {
		if err := <-ch; err != nil {
			t.Errorf("%s result = %v, want nil", name, err)
		}
	}

	want := []string{"first", "q2", "q3"}
	if len(delivered) != len(want) {
		t.Fatalf("delivered %v, want %v", delivered, want)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Errorf("delivered[%d] = %s, want %s", i, delivered[i], want[i])
		}
	}
}

func TestPipelineKeepsDrainingAfterSinkError(t *testing.T) {
	var count int
	failing := SinkFunc(func(ctx context.Context, e *Event) error {
		count++
		if count == 1 {
			return fmt.Errorf("disk full")
		}
		return nil
	})

	p := NewPipeline(DefaultConfig(), failing, nil, nil)

	first := p.Enqueue(NewEvent(EventToolDecision, "t", "a"))
	second := p.Enqueue(NewEvent(EventToolDecision, "t", "a"))
	p.Close(context.Background())

	if err := <-first; err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("first result = %v, want disk full error", err)
	}
	if err := <-second; err != nil {
		t.Errorf("second result = %v, want nil", err)
	}
}

func TestPipelineClosedRejectsEnqueue(t *testing.T) {
	p := NewPipeline(DefaultConfig(), NewMemorySink(), nil, nil)
	p.Close(context.Background())

	if err := <-p.Enqueue(NewEvent(EventToolDecision, "t", "a")); err != ErrPipelineClosed {
		t.Errorf("Enqueue after Close = %v, want ErrPipelineClosed", err)
	}
}

func TestPipelineDisabledDiscards(t *testing.T) {
	sink := NewMemorySink()
	cfg := DefaultConfig()
	cfg.Enabled = false
	p := NewPipeline(cfg, sink, nil, nil)

	if err := <-p.Enqueue(NewEvent(EventToolDecision, "t", "a")); err != nil {
		t.Errorf("disabled Enqueue = %v, want nil ack", err)
	}
	p.Close(context.Background())

	if got := len(sink.Events()); got != 0 {
		t.Errorf("sink has %d events, want 0 when disabled", got)
	}
}

// Emitting an event with secret-bearing payload must persist no plaintext
// secrets: sensitive keys are elided and prompt fields are hashed.
func TestPipelineRedactsPersistedPayload(t *testing.T) {
	sink := NewMemorySink()
	cfg := DefaultConfig()
	cfg.RedactionMode = RedactDebug
	p := NewPipeline(cfg, sink, nil, nil)

	e := NewEvent(EventToolDecision, "trace-1", "agent-1")
	e.Payload = map[string]any{
		"apiKey": "x",
		"nested": map[string]any{"token": "y", "authorization": "Bearer z"},
		"prompt": "hello",
	}
	if err := <-p.Enqueue(e); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p.Close(context.Background())

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	raw, err := json.Marshal(events[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	stored := string(raw)

	if !strings.Contains(stored, "[REDACTED]") {
		t.Errorf("stored event missing redaction marker: %s", stored)
	}
	if !strings.Contains(stored, hashString("hello")) {
		t.Errorf("stored event missing prompt hash: %s", stored)
	}
	for _, leaked := range []string{`"x"`, `"y"`, `"Bearer z"`, `"hello"`} {
		if strings.Contains(stored, leaked) {
			t.Errorf("stored event leaked %s: %s", leaked, stored)
		}
	}
}
