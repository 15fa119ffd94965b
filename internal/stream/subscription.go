package stream

import (
	"sync"
	"time"

	"github.com/msimon42/openclaw-sub000/internal/audit"
)

// rateWindow implements the 1 s token window: up to maxPerSec events are
// dispatched per window, and reserve reports how long to wait once the
// window is exhausted. maxPerSec <= 0 means unlimited.
type rateWindow struct {
	maxPerSec    int
	windowStart  int64
	sentInWindow int
}

func (w *rateWindow) reserve(nowMs int64) time.Duration {
	if w.maxPerSec <= 0 {
		return 0
	}
	if nowMs-w.windowStart >= 1000 {
		w.windowStart = nowMs
		w.sentInWindow = 0
	}
	if w.sentInWindow < w.maxPerSec {
		w.sentInWindow++
		return 0
	}
	return time.Duration(w.windowStart+1000-nowMs) * time.Millisecond
}

type queued struct {
	env     Envelope
	isEvent bool
}

// Subscription is one stream consumer. The hub enqueues matching events into
// a bounded pending queue; a pump goroutine applies the rate window and
// delivers envelopes on Out. Only OBS.EVENT envelopes consume rate tokens
// and count against the queue bound.
type Subscription struct {
	id        string
	filter    Filter
	maxQueued int

	mu       sync.Mutex
	window   rateWindow
	pending  []queued
	dropped  int64
	overflow int64
	closed   bool

	wake chan struct{}
	done chan struct{}
	out  chan Envelope

	onDrop func(total int64, reason string)
	now    func() time.Time
}

func newSubscription(id string, filter Filter, maxPerSec, maxQueued int, now func() time.Time) *Subscription {
	if maxQueued <= 0 {
		maxQueued = 10000
	}
	if now == nil {
		now = time.Now
	}
	return &Subscription{
		id:        id,
		filter:    filter,
		maxQueued: maxQueued,
		window:    rateWindow{maxPerSec: maxPerSec},
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		out:       make(chan Envelope, 16),
		now:       now,
	}
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Out is the delivery channel. It closes when the subscription does.
func (s *Subscription) Out() <-chan Envelope { return s.out }

// Dropped reports how many events this subscription has lost.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close tears the subscription down. Pending envelopes are discarded.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// enqueueEvent queues an OBS.EVENT envelope, dropping the oldest queued
// event when the bound is hit.
func (s *Subscription) enqueueEvent(env Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var total int64
	if s.eventQueueLenLocked() >= s.maxQueued {
		s.dropOldestEventLocked()
		total = s.dropped
	}
	s.pending = append(s.pending, queued{env: env, isEvent: true})
	s.mu.Unlock()

	if total > 0 && s.onDrop != nil {
		s.onDrop(total, "overflow")
	}
	s.signal()
}

// enqueueControl queues a snapshot, rollup, pong, or error envelope. Control
// envelopes bypass the rate window and the queue bound.
func (s *Subscription) enqueueControl(env Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, queued{env: env})
	s.mu.Unlock()
	s.signal()
}

// noteDrop records an event lost before it could be queued, e.g. one whose
// serialized form exceeds the message size limit.
func (s *Subscription) noteDrop(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.dropped++
	s.overflow++
	total := s.dropped
	s.mu.Unlock()

	if s.onDrop != nil {
		s.onDrop(total, reason)
	}
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) eventQueueLenLocked() int {
	n := 0
	for _, item := range s.pending {
		if item.isEvent {
			n++
		}
	}
	return n
}

func (s *Subscription) dropOldestEventLocked() {
	for i, item := range s.pending {
		if item.isEvent {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.dropped++
			s.overflow++
			return
		}
	}
}

// pump moves envelopes from the pending queue to Out, throttling events by
// the rate window and surfacing accumulated drops as a BUFFER_OVERFLOW
// error envelope ahead of the next delivery.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		env, isEvent, ok := s.next()
		if !ok {
			return
		}
		if isEvent && !s.throttle() {
			return
		}
		select {
		case s.out <- env:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) next() (Envelope, bool, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Envelope{}, false, false
		}
		if s.overflow > 0 {
			n := s.overflow
			s.overflow = 0
			s.mu.Unlock()
			return Envelope{
				Event: EventError,
				Payload: ErrorPayload{
					SchemaVersion: audit.SchemaVersion,
					Code:          ErrCodeBufferOverflow,
					Message:       "subscriber queue overflowed; events were dropped",
					Details:       map[string]any{"dropped": n},
				},
			}, false, true
		}
		if len(s.pending) > 0 {
			item := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return item.env, item.isEvent, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			return Envelope{}, false, false
		}
	}
}

// throttle blocks until the rate window admits one more event. Returns false
// when the subscription closes while waiting.
func (s *Subscription) throttle() bool {
	for {
		s.mu.Lock()
		wait := s.window.reserve(s.now().UnixMilli())
		s.mu.Unlock()
		if wait <= 0 {
			return true
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return false
		}
	}
}
