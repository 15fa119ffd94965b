// Package health tracks per-candidate circuit breaker state for model
// routing. A candidate is a provider/model pair; failures within a rolling
// window open the circuit, which later half-opens on access and closes on
// the first success.
package health

import (
	"errors"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// ErrCircuitOpen is returned when an attempt is blocked by an open circuit.
var ErrCircuitOpen = errors.New("health: circuit open")

// countableReasons are the failure classes that count toward opening a
// circuit. Terminal auth errors, aborts, format failures, and circuit-open
// skips do not indicate provider health and are ignored.
var countableReasons = map[string]bool{
	"timeout":      true,
	"rate_limit":   true,
	"server_error": true,
}

// Config controls circuit behavior.
type Config struct {
	// FailureThreshold is the number of in-window failures that opens the
	// circuit.
	FailureThreshold int

	// WindowMs is the rolling failure window in milliseconds.
	WindowMs int64

	// OpenMs is how long an opened circuit blocks attempts, in milliseconds.
	OpenMs int64
}

// DefaultConfig returns the default circuit configuration: 3 failures in
// 60 s opens for 60 s.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		WindowMs:         60_000,
		OpenMs:           60_000,
	}
}

// CandidateKey builds the canonical provider/model key.
func CandidateKey(provider, model string) string {
	return provider + "/" + model
}

// CircuitState is a point-in-time view of one candidate's circuit.
type CircuitState struct {
	Candidate        string `json:"candidate"`
	State            string `json:"state"`
	FailuresInWindow int    `json:"failures_in_window"`
	OpenUntilMs      int64  `json:"open_until_ms,omitempty"`
	LastError        string `json:"last_error,omitempty"`
}

// circuit holds the mutable breaker state for one candidate.
type circuit struct {
	mu        sync.Mutex
	state     string
	failures  []time.Time
	openUntil time.Time
	lastError string
}

// Tracker owns the circuit map. State transitions are reported through the
// OnStateChange callback, invoked outside the candidate lock.
type Tracker struct {
	cfg Config

	// OnStateChange, when set, observes every transition. It runs on the
	// caller's goroutine after the candidate lock is released.
	OnStateChange func(candidate, from, to string)

	mu       sync.RWMutex
	circuits map[string]*circuit

	now func() time.Time
}

// NewTracker creates a tracker with the given config, applying defaults to
// unset fields.
func NewTracker(cfg Config) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = 60_000
	}
	if cfg.OpenMs <= 0 {
		cfg.OpenMs = 60_000
	}
	return &Tracker{
		cfg:      cfg,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

// get returns the circuit for a candidate, creating it closed if absent.
func (t *Tracker) get(key string) *circuit {
	t.mu.RLock()
	c, ok := t.circuits[key]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.circuits[key]; ok {
		return c
	}
	c = &circuit{state: StateClosed}
	t.circuits[key] = c
	return c
}

// CanAttempt reports whether a call to the candidate may proceed. An open
// circuit whose openUntil has elapsed transitions to half_open and admits
// the attempt.
func (t *Tracker) CanAttempt(provider, model string) bool {
	key := CandidateKey(provider, model)
	c := t.get(key)
	now := t.now()

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return true
	}
	if now.Before(c.openUntil) {
		c.mu.Unlock()
		return false
	}
	c.state = StateHalfOpen
	c.mu.Unlock()

	t.notify(key, StateOpen, StateHalfOpen)
	return true
}

// NoteFailure records a model call failure. Every reason is kept as the
// candidate's last error, but only countable reasons (timeout, rate_limit,
// server_error) accumulate; the threshold-crossing failure opens the circuit,
// and any counted failure in half_open reopens it.
func (t *Tracker) NoteFailure(provider, model, reason string) {
	key := CandidateKey(provider, model)
	c := t.get(key)
	now := t.now()
	window := time.Duration(t.cfg.WindowMs) * time.Millisecond

	var from, to string

	c.mu.Lock()
	c.lastError = reason
	if !countableReasons[reason] {
		c.mu.Unlock()
		return
	}
	c.failures = pruneBefore(c.failures, now.Add(-window))
	c.failures = append(c.failures, now)

	switch c.state {
	case StateClosed:
		if len(c.failures) >= t.cfg.FailureThreshold {
			c.state = StateOpen
			c.openUntil = now.Add(time.Duration(t.cfg.OpenMs) * time.Millisecond)
			from, to = StateClosed, StateOpen
		}
	case StateHalfOpen:
		c.state = StateOpen
		c.openUntil = now.Add(time.Duration(t.cfg.OpenMs) * time.Millisecond)
		from, to = StateHalfOpen, StateOpen
	}
	c.mu.Unlock()

	if to != "" {
		t.notify(key, from, to)
	}
}

// NoteSuccess records a successful model call. The first success in
// half_open closes the circuit and clears failure history.
func (t *Tracker) NoteSuccess(provider, model string) {
	key := CandidateKey(provider, model)
	c := t.get(key)

	c.mu.Lock()
	if c.state != StateHalfOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.failures = nil
	c.openUntil = time.Time{}
	c.mu.Unlock()

	t.notify(key, StateHalfOpen, StateClosed)
}

// State returns the current view of one candidate's circuit.
func (t *Tracker) State(provider, model string) CircuitState {
	key := CandidateKey(provider, model)
	c := t.get(key)
	now := t.now()
	window := time.Duration(t.cfg.WindowMs) * time.Millisecond

	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = pruneBefore(c.failures, now.Add(-window))
	return c.view(key)
}

// Snapshot returns the state of every tracked candidate, for health rollups.
func (t *Tracker) Snapshot() []CircuitState {
	t.mu.RLock()
	keys := make([]string, 0, len(t.circuits))
	circuits := make([]*circuit, 0, len(t.circuits))
	for k, c := range t.circuits {
		keys = append(keys, k)
		circuits = append(circuits, c)
	}
	t.mu.RUnlock()

	now := t.now()
	window := time.Duration(t.cfg.WindowMs) * time.Millisecond

	out := make([]CircuitState, 0, len(circuits))
	for i, c := range circuits {
		c.mu.Lock()
		c.failures = pruneBefore(c.failures, now.Add(-window))
		out = append(out, c.view(keys[i]))
		c.mu.Unlock()
	}
	return out
}

func (c *circuit) view(key string) CircuitState {
	s := CircuitState{
		Candidate:        key,
		State:            c.state,
		FailuresInWindow: len(c.failures),
		LastError:        c.lastError,
	}
	if c.state == StateOpen {
		s.OpenUntilMs = c.openUntil.UnixMilli()
	}
	return s
}

func (t *Tracker) notify(candidate, from, to string) {
	if t.OnStateChange != nil {
		t.OnStateChange(candidate, from, to)
	}
}

func pruneBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && stamps[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	return append([]time.Time(nil), stamps[idx:]...)
}
