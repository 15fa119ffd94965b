package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/msimon42/openclaw-sub000/internal/observability"
)

var (
	// ErrQueueOverflow is delivered on the result channel of an event that
	// was discarded because the queue was full when a newer event arrived.
	ErrQueueOverflow = errors.New("audit: event dropped, queue full")

	// ErrPipelineClosed is delivered when enqueueing after Close.
	ErrPipelineClosed = errors.New("audit: pipeline closed")
)

// Config controls the audit pipeline.
type Config struct {
	// Enabled toggles the pipeline. When false, enqueued events are
	// acknowledged and discarded.
	Enabled bool

	// Dir is the directory for day-partitioned audit log files.
	Dir string

	// RedactionMode selects strict or debug payload redaction.
	RedactionMode RedactionMode

	// MaxQueueSize bounds the enqueue FIFO. When full, the oldest queued
	// event is discarded to admit the newest.
	MaxQueueSize int

	// MaxPayloadBytes caps the serialized payload size per event.
	MaxPayloadBytes int

	// DebugMaxFieldChars bounds string values in debug redaction mode.
	DebugMaxFieldChars int
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		Dir:                "audit",
		RedactionMode:      RedactStrict,
		MaxQueueSize:       10000,
		MaxPayloadBytes:    256 * 1024,
		DebugMaxFieldChars: 1024,
	}
}

type pending struct {
	event  *Event
	result chan error
}

// Pipeline accepts audit events, materializes their envelope, and hands them
// to a single drain goroutine that redacts, serializes, and writes them to
// the sink in strict FIFO order. Enqueue never blocks beyond O(1) work.
type Pipeline struct {
	cfg        Config
	redactor   *Redactor
	serializer *Serializer
	sink       Sink
	logger     *observability.Logger
	metrics    *observability.Metrics

	mu     sync.Mutex
	queue  []pending
	closed bool

	wake chan struct{}
	done chan struct{}

	now func() time.Time
}

// NewPipeline creates the pipeline and starts its drain goroutine. logger
// and metrics may be nil.
func NewPipeline(cfg Config, sink Sink, logger *observability.Logger, metrics *observability.Metrics) *Pipeline {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}
	p := &Pipeline{
		cfg:        cfg,
		redactor:   NewRedactor(cfg.RedactionMode, cfg.DebugMaxFieldChars),
		serializer: NewSerializer(cfg.MaxPayloadBytes),
		sink:       sink,
		logger:     logger,
		metrics:    metrics,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		now:        time.Now,
	}
	go p.drainLoop()
	return p
}

// Enqueue materializes the event and queues it for the drain goroutine. The
// returned channel delivers exactly one value: nil once the event reached
// the sink, or the error that prevented it (including ErrQueueOverflow when
// a later event displaced it).
func (p *Pipeline) Enqueue(event *Event) <-chan error {
	result := make(chan error, 1)

	if !p.cfg.Enabled {
		result <- nil
		return result
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		result <- ErrPipelineClosed
		return result
	}

	materialize(event, p.now())

	if len(p.queue) >= p.cfg.MaxQueueSize {
		oldest := p.queue[0]
		p.queue = p.queue[1:]
		oldest.result <- ErrQueueOverflow
		if p.metrics != nil {
			p.metrics.AuditDroppedCounter.Inc()
		}
	}
	p.queue = append(p.queue, pending{event: event, result: result})
	depth := len(p.queue)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.AuditQueueDepth.Set(float64(depth))
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return result
}

// Emit is fire-and-forget Enqueue for callers that do not track per-item
// delivery.
func (p *Pipeline) Emit(event *Event) {
	p.Enqueue(event)
}

// QueueDepth reports events currently buffered awaiting drain.
func (p *Pipeline) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close flushes every queued event, stops the drain goroutine, and closes
// the sink. Events enqueued after Close fail with ErrPipelineClosed.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.sink.Close()
}

func (p *Pipeline) drainLoop() {
	defer close(p.done)
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			if p.closed {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			<-p.wake
			continue
		}
		item := p.queue[0]
		p.queue = p.queue[1:]
		depth := len(p.queue)
		p.mu.Unlock()

		if p.metrics != nil {
			p.metrics.AuditQueueDepth.Set(float64(depth))
		}
		p.process(item)
	}
}

// process runs the redaction and serialization stages, then writes to the
// sink. Failures are reported on the item's result channel only; the drain
// loop keeps going.
func (p *Pipeline) process(item pending) {
	event := item.event
	event.Payload = p.redactor.Payload(event.Payload)
	p.serializer.Prepare(event)

	err := p.sink.Write(context.Background(), event)
	if err != nil && p.metrics != nil {
		p.metrics.AuditSinkErrors.WithLabelValues("composite").Inc()
	}
	item.result <- err
}
