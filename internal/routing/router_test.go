package routing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/msimon42/openclaw-sub000/internal/audit"
	"github.com/msimon42/openclaw-sub000/internal/health"
	"github.com/msimon42/openclaw-sub000/internal/telemetry"
)

type routerStack struct {
	router *Router
	sink   *audit.MemorySink
	pipe   *audit.Pipeline
	health *health.Tracker
}

func newRouterStack(t *testing.T, opts Options) *routerStack {
	t.Helper()

	cfg := audit.DefaultConfig()
	cfg.RedactionMode = audit.RedactDebug
	sink := audit.NewMemorySink()
	pipe := audit.NewPipeline(cfg, sink, nil, nil)

	tracker := health.NewTracker(health.DefaultConfig())
	agg := telemetry.NewAggregator(pipe, tracker, nil, nil, nil, nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &routerStack{
		router: NewRouter(opts, tracker, agg, nil, logger),
		sink:   sink,
		pipe:   pipe,
		health: tracker,
	}
}

func (s *routerStack) drain(t *testing.T) []*audit.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.pipe.Close(ctx); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	return s.sink.Events()
}

func typeSequence(events []*audit.Event, want ...audit.EventType) bool {
	idx := 0
	for _, ev := range events {
		if idx < len(want) && ev.Type == want[idx] {
			idx++
		}
	}
	return idx == len(want)
}

func TestExecuteFallbackOnServerError(t *testing.T) {
	s := newRouterStack(t, Options{})

	var calls []Candidate
	run := func(_ context.Context, provider, model string) (*Result, error) {
		calls = append(calls, Candidate{Provider: provider, Model: model})
		if len(calls) == 1 {
			return nil, &ProviderError{StatusCode: 503, Message: "service unavailable"}
		}
		return &Result{Value: "ok", TokensIn: 10, TokensOut: 20}, nil
	}

	res, err := s.router.Execute(context.Background(), Request{
		Provider:  "openai",
		Model:     "gpt-4.1-mini",
		RequestID: "req-1",
		Fallbacks: []Candidate{{Provider: "anthropic", Model: "claude-haiku-3-5"}},
		Run:       run,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "ok" {
		t.Errorf("value = %v, want ok", res.Value)
	}

	wantCalls := []Candidate{
		{Provider: "openai", Model: "gpt-4.1-mini"},
		{Provider: "anthropic", Model: "claude-haiku-3-5"},
	}
	if len(calls) != 2 || calls[0] != wantCalls[0] || calls[1] != wantCalls[1] {
		t.Errorf("calls = %v, want %v", calls, wantCalls)
	}

	events := s.drain(t)
	if !typeSequence(events, audit.EventModelCallError, audit.EventModelFallback, audit.EventModelCallEnd) {
		types := make([]audit.EventType, len(events))
		for i, ev := range events {
			types[i] = ev.Type
		}
		t.Errorf("audit order wrong: %v", types)
	}

	hops := 0
	for _, ev := range events {
		if ev.Type == audit.EventModelFallback {
			hops++
			if ev.Payload["reason"] != "timeout" {
				t.Errorf("fallback reason = %v, want timeout", ev.Payload["reason"])
			}
		}
	}
	if hops != 1 {
		t.Errorf("fallback hops = %d, want 1", hops)
	}
}

func TestExecuteContextOverflowPromotion(t *testing.T) {
	s := newRouterStack(t, Options{
		ContextWindows: map[string]int{
			"model-small": 8000,
			"model-large": 128000,
		},
	})

	var calls []Candidate
	run := func(_ context.Context, provider, model string) (*Result, error) {
		calls = append(calls, Candidate{Provider: provider, Model: model})
		if len(calls) == 1 {
			return nil, errors.New("context length exceeded")
		}
		return &Result{Value: "done"}, nil
	}

	res, err := s.router.Execute(context.Background(), Request{
		Provider:  "openai",
		Model:     "model-small",
		Fallbacks: []Candidate{{Provider: "openai", Model: "model-large"}},
		Run:       run,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "done" {
		t.Errorf("value = %v", res.Value)
	}

	wantCalls := []Candidate{
		{Provider: "openai", Model: "model-small"},
		{Provider: "openai", Model: "model-large"},
	}
	if len(calls) != 2 || calls[0] != wantCalls[0] || calls[1] != wantCalls[1] {
		t.Errorf("calls = %v, want %v", calls, wantCalls)
	}

	events := s.drain(t)
	for _, ev := range events {
		if ev.Type == audit.EventModelFallback && ev.Payload["reason"] != "context_overflow" {
			t.Errorf("fallback reason = %v, want context_overflow", ev.Payload["reason"])
		}
	}
}

func TestExecuteContextOverflowNoLargerModelStops(t *testing.T) {
	s := newRouterStack(t, Options{
		ContextWindows: map[string]int{
			"model-large": 128000,
			"model-tiny":  4000,
		},
	})

	var calls int
	run := func(_ context.Context, _, _ string) (*Result, error) {
		calls++
		return nil, errors.New("context length exceeded")
	}

	_, err := s.router.Execute(context.Background(), Request{
		Provider:  "openai",
		Model:     "model-large",
		Fallbacks: []Candidate{{Provider: "openai", Model: "model-tiny"}},
		Run:       run,
	})
	if err == nil {
		t.Fatal("expected failure when no candidate has a larger window")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (smaller model must not be tried)", calls)
	}
	s.drain(t)
}

func TestExecuteTerminalAuthNoFallback(t *testing.T) {
	s := newRouterStack(t, Options{})

	var calls int
	run := func(_ context.Context, _, _ string) (*Result, error) {
		calls++
		return nil, &ProviderError{StatusCode: 401, Code: "invalid_api_key", Message: "Incorrect API key provided"}
	}

	_, err := s.router.Execute(context.Background(), Request{
		Provider:  "openai",
		Model:     "gpt-4.1-mini",
		Fallbacks: []Candidate{{Provider: "anthropic", Model: "claude-haiku-3-5"}},
		Run:       run,
	})
	if err == nil {
		t.Fatal("expected terminal error")
	}
	if !strings.Contains(err.Error(), "authentication failed") {
		t.Errorf("error = %q, want authentication failed prefix", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, fallback must not be tried", calls)
	}
	s.drain(t)
}

func TestExecuteSingleAttemptRethrowsOriginal(t *testing.T) {
	s := newRouterStack(t, Options{})

	original := &ProviderError{StatusCode: 503, Message: "bad gateway"}
	run := func(_ context.Context, _, _ string) (*Result, error) {
		return nil, original
	}

	_, err := s.router.Execute(context.Background(), Request{
		Provider: "openai",
		Model:    "gpt-4.1-mini",
		Run:      run,
	})
	if !errors.Is(err, original) {
		t.Errorf("single-attempt failure must rethrow the original error, got %v", err)
	}
	s.drain(t)
}

func TestExecuteAllFailedSummary(t *testing.T) {
	s := newRouterStack(t, Options{})

	run := func(_ context.Context, _, _ string) (*Result, error) {
		return nil, &ProviderError{StatusCode: 429, Message: "rate limit exceeded"}
	}

	_, err := s.router.Execute(context.Background(), Request{
		Provider:  "openai",
		Model:     "gpt-4.1-mini",
		Fallbacks: []Candidate{{Provider: "anthropic", Model: "claude-haiku-3-5"}},
		Run:       run,
	})
	if err == nil {
		t.Fatal("expected summary error")
	}
	if !strings.HasPrefix(err.Error(), "All models failed (2):") {
		t.Errorf("error = %q", err)
	}
	if !strings.Contains(err.Error(), "openai/gpt-4.1-mini (rate_limit)") ||
		!strings.Contains(err.Error(), "anthropic/claude-haiku-3-5 (rate_limit)") {
		t.Errorf("summary missing attempts: %q", err)
	}
	s.drain(t)
}

func TestExecuteAbortRethrowsImmediately(t *testing.T) {
	s := newRouterStack(t, Options{})

	var calls int
	run := func(_ context.Context, _, _ string) (*Result, error) {
		calls++
		return nil, ErrAborted
	}

	_, err := s.router.Execute(context.Background(), Request{
		Provider:  "openai",
		Model:     "gpt-4.1-mini",
		Fallbacks: []Candidate{{Provider: "anthropic", Model: "claude-haiku-3-5"}},
		Run:       run,
	})
	if !errors.Is(err, ErrAborted) {
		t.Errorf("error = %v, want ErrAborted", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, abort must not fall back", calls)
	}
	s.drain(t)
}

func TestExecuteSkipsOpenCircuit(t *testing.T) {
	s := newRouterStack(t, Options{})

	// Trip the primary's circuit.
	for i := 0; i < 3; i++ {
		s.health.NoteFailure("openai", "gpt-4.1-mini", "timeout")
	}

	var calls []Candidate
	run := func(_ context.Context, provider, model string) (*Result, error) {
		calls = append(calls, Candidate{Provider: provider, Model: model})
		return &Result{Value: "ok"}, nil
	}

	res, err := s.router.Execute(context.Background(), Request{
		Provider:  "openai",
		Model:     "gpt-4.1-mini",
		Fallbacks: []Candidate{{Provider: "anthropic", Model: "claude-haiku-3-5"}},
		Run:       run,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "ok" {
		t.Errorf("value = %v", res.Value)
	}
	if len(calls) != 1 || calls[0].Provider != "anthropic" {
		t.Errorf("calls = %v, want only the fallback", calls)
	}

	events := s.drain(t)
	sawSkip := false
	for _, ev := range events {
		if ev.Type == audit.EventModelCallError && ev.Payload["reason"] == "circuit_open" {
			sawSkip = true
		}
	}
	if !sawSkip {
		t.Error("circuit skip must emit model.call.error with reason circuit_open")
	}
}

func TestExecuteCooldownSkipsNonPrimary(t *testing.T) {
	cooldowns := NewCooldownRegistry()
	cooldowns.SetCooldown("anthropic", "default", time.Now().Add(time.Hour))

	s := newRouterStack(t, Options{})
	s.router.cooldowns = cooldowns

	var calls []Candidate
	run := func(_ context.Context, provider, model string) (*Result, error) {
		calls = append(calls, Candidate{Provider: provider, Model: model})
		if provider == "openai" {
			return nil, &ProviderError{StatusCode: 503, Message: "service unavailable"}
		}
		return &Result{Value: "ok"}, nil
	}

	_, err := s.router.Execute(context.Background(), Request{
		Provider: "openai",
		Model:    "gpt-4.1-mini",
		Fallbacks: []Candidate{
			{Provider: "anthropic", Model: "claude-haiku-3-5"},
			{Provider: "xai", Model: "grok-4"},
		},
		Run: run,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(calls) != 2 || calls[1].Provider != "xai" {
		t.Errorf("calls = %v, cooling fallback must be skipped", calls)
	}
	s.drain(t)
}
