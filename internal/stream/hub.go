package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/msimon42/openclaw-sub000/internal/audit"
	"github.com/msimon42/openclaw-sub000/internal/health"
	"github.com/msimon42/openclaw-sub000/internal/observability"
	"github.com/msimon42/openclaw-sub000/internal/spend"
)

var (
	// ErrUnsupportedSchema rejects subscribe payloads from a different
	// protocol generation.
	ErrUnsupportedSchema = errors.New("stream: unsupported schema version")

	// ErrHubClosed rejects subscriptions after shutdown.
	ErrHubClosed = errors.New("stream: hub closed")
)

// rollupInterval is how often dirty spend/health summaries are rebroadcast.
const rollupInterval = 5 * time.Second

// snapshotOverheadBytes reserves room for the snapshot envelope around the
// serialized events.
const snapshotOverheadBytes = 256

// Config controls the fanout hub.
type Config struct {
	// ReplayWindowMs bounds how far back the replay buffer reaches.
	ReplayWindowMs int64

	// ServerMaxEventsPerSec caps any subscription's requested rate.
	ServerMaxEventsPerSec int

	// ServerMaxBufferedEvents bounds both the replay buffer and each
	// subscription's pending queue.
	ServerMaxBufferedEvents int

	// MessageMaxBytes bounds a single outbound message, including the
	// initial snapshot.
	MessageMaxBytes int
}

// DefaultConfig returns the default stream configuration.
func DefaultConfig() Config {
	return Config{
		ReplayWindowMs:          300_000,
		ServerMaxEventsPerSec:   100,
		ServerMaxBufferedEvents: 10000,
		MessageMaxBytes:         64 * 1024,
	}
}

// Hub receives redacted audit events as a pipeline sink and fans them out to
// subscriptions. It keeps a bounded replay buffer for subscribe-time
// snapshots and rebroadcasts spend/health rollups when marked dirty.
type Hub struct {
	cfg     Config
	health  *health.Tracker
	spend   *spend.Tracker
	logger  *observability.Logger
	metrics *observability.Metrics

	// OnDrop, when set, observes every subscription drop with the running
	// total for that subscription.
	OnDrop func(subscriptionID string, total int64)

	mu     sync.Mutex
	buffer []*audit.Event
	subs   map[string]*Subscription
	closed bool

	spendDirty  atomic.Bool
	healthDirty atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

var _ audit.Sink = (*Hub)(nil)

// NewHub creates the hub and starts its rollup ticker. health, spend,
// logger, and metrics may be nil.
func NewHub(cfg Config, healthTracker *health.Tracker, spendTracker *spend.Tracker, logger *observability.Logger, metrics *observability.Metrics) *Hub {
	if cfg.ReplayWindowMs <= 0 {
		cfg.ReplayWindowMs = 300_000
	}
	if cfg.ServerMaxEventsPerSec <= 0 {
		cfg.ServerMaxEventsPerSec = 100
	}
	if cfg.ServerMaxBufferedEvents <= 0 {
		cfg.ServerMaxBufferedEvents = 10000
	}
	if cfg.MessageMaxBytes <= 0 {
		cfg.MessageMaxBytes = 64 * 1024
	}
	h := &Hub{
		cfg:     cfg,
		health:  healthTracker,
		spend:   spendTracker,
		logger:  logger,
		metrics: metrics,
		subs:    make(map[string]*Subscription),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go h.run()
	return h
}

// Write implements audit.Sink: the event joins the replay buffer and is
// dispatched to every matching subscription without blocking the drain
// goroutine beyond O(subscriptions).
func (h *Hub) Write(ctx context.Context, ev *audit.Event) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.buffer = append(h.buffer, ev)
	h.pruneLocked(h.now().UnixMilli())

	var targets []*Subscription
	for _, sub := range h.subs {
		if sub.filter.Matches(ev) {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}

	payload := EventPayload{SchemaVersion: audit.SchemaVersion, Event: ev}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if len(data) > h.cfg.MessageMaxBytes {
		payload = EventPayload{SchemaVersion: audit.SchemaVersion, Event: trimEvent(ev)}
		data, err = json.Marshal(payload)
		if err != nil || len(data) > h.cfg.MessageMaxBytes {
			for _, sub := range targets {
				sub.noteDrop("oversized")
			}
			return nil
		}
	}

	env := Envelope{Event: EventEvent, Payload: payload}
	for _, sub := range targets {
		sub.enqueueEvent(env)
	}
	return nil
}

// Close shuts the hub down and tears every subscription down with it.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		subs := make([]*Subscription, 0, len(h.subs))
		for _, sub := range h.subs {
			subs = append(subs, sub)
		}
		h.subs = make(map[string]*Subscription)
		h.mu.Unlock()

		close(h.done)
		for _, sub := range subs {
			sub.Close()
		}
		if h.metrics != nil {
			h.metrics.StreamSubscribers.Set(0)
		}
	})
	return nil
}

// Subscribe registers a consumer. The first three envelopes delivered are
// the filtered replay snapshot followed by the latest spend and health
// rollups.
func (h *Hub) Subscribe(params SubscribeParams) (*Subscription, error) {
	if params.SchemaVersion != "" && params.SchemaVersion != audit.SchemaVersion {
		return nil, ErrUnsupportedSchema
	}
	maxPerSec := params.MaxEventsPerSec
	if maxPerSec <= 0 || maxPerSec > h.cfg.ServerMaxEventsPerSec {
		maxPerSec = h.cfg.ServerMaxEventsPerSec
	}

	filter := CompileFilter(params.Filters)
	sub := newSubscription(uuid.NewString(), filter, maxPerSec, h.cfg.ServerMaxBufferedEvents, h.now)
	sub.onDrop = func(total int64, reason string) {
		h.noteDropped(sub.id, total, reason)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	snapshot := h.snapshotLocked(filter)
	h.subs[sub.id] = sub
	sub.enqueueControl(Envelope{Event: EventSnapshot, Payload: snapshot})
	sub.enqueueControl(Envelope{Event: EventSpend, Payload: h.spendPayload()})
	sub.enqueueControl(Envelope{Event: EventHealth, Payload: h.healthPayload()})
	h.mu.Unlock()

	go sub.pump()

	if h.metrics != nil {
		h.metrics.StreamSubscribers.Inc()
	}
	return sub, nil
}

// Unsubscribe removes and closes the subscription.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.Close()
	if h.metrics != nil {
		h.metrics.StreamSubscribers.Dec()
	}
}

// SubscriberCount reports active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// MarkSpendDirty schedules a spend rollup rebroadcast on the next tick.
func (h *Hub) MarkSpendDirty() { h.spendDirty.Store(true) }

// MarkHealthDirty schedules a health rollup rebroadcast on the next tick.
func (h *Hub) MarkHealthDirty() { h.healthDirty.Store(true) }

func (h *Hub) run() {
	ticker := time.NewTicker(rollupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.flushRollups()
		}
	}
}

// flushRollups rebroadcasts whichever rollups were marked dirty since the
// last tick.
func (h *Hub) flushRollups() {
	if h.spendDirty.Swap(false) {
		h.broadcastControl(Envelope{Event: EventSpend, Payload: h.spendPayload()})
	}
	if h.healthDirty.Swap(false) {
		h.broadcastControl(Envelope{Event: EventHealth, Payload: h.healthPayload()})
	}
}

func (h *Hub) broadcastControl(env Envelope) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.enqueueControl(env)
	}
}

// snapshotLocked filters the replay buffer and keeps the newest events whose
// serialized form fits the message budget.
func (h *Hub) snapshotLocked(f Filter) SnapshotPayload {
	cutoff := h.now().UnixMilli() - h.cfg.ReplayWindowMs
	matched := make([]*audit.Event, 0)
	for _, ev := range h.buffer {
		if ev.Timestamp >= cutoff && f.Matches(ev) {
			matched = append(matched, ev)
		}
	}

	budget := h.cfg.MessageMaxBytes - snapshotOverheadBytes
	total := 0
	start := len(matched)
	for i := len(matched) - 1; i >= 0; i-- {
		data, err := json.Marshal(matched[i])
		if err != nil || total+len(data)+1 > budget {
			break
		}
		total += len(data) + 1
		start = i
	}

	return SnapshotPayload{
		SchemaVersion: audit.SchemaVersion,
		Events:        matched[start:],
		Truncated:     start > 0,
	}
}

// pruneLocked evicts head entries that are both older than the replay window
// and past the buffer bound. In-window events stay even when the buffer runs
// long; snapshots filter by the window cutoff regardless.
func (h *Hub) pruneLocked(nowMs int64) {
	cutoff := nowMs - h.cfg.ReplayWindowMs
	i := 0
	for i < len(h.buffer) && len(h.buffer)-i > h.cfg.ServerMaxBufferedEvents && h.buffer[i].Timestamp < cutoff {
		i++
	}
	if i > 0 {
		h.buffer = h.buffer[i:]
	}
}

func (h *Hub) spendPayload() SpendPayload {
	p := SpendPayload{SchemaVersion: audit.SchemaVersion}
	if h.spend != nil {
		p.Summary = h.spend.Summary()
		p.Fallbacks = h.spend.FallbackEdges()
	}
	return p
}

func (h *Hub) healthPayload() HealthPayload {
	p := HealthPayload{SchemaVersion: audit.SchemaVersion, UpdatedAt: h.now().UnixMilli()}
	if h.health != nil {
		p.Circuits = h.health.Snapshot()
	}
	return p
}

func (h *Hub) noteDropped(subID string, total int64, reason string) {
	if h.metrics != nil {
		h.metrics.StreamDroppedCounter.WithLabelValues(reason).Inc()
	}
	if h.OnDrop != nil {
		h.OnDrop(subID, total)
	}
}

// trimEvent clones the event with its payload replaced by a truncation
// marker, for events whose full form exceeds the message size limit.
func trimEvent(ev *audit.Event) *audit.Event {
	originalLen := 0
	if data, err := json.Marshal(ev.Payload); err == nil {
		originalLen = len(data)
	}
	clone := *ev
	clone.Payload = map[string]any{"truncated": true, "originalLength": originalLen}
	return &clone
}
