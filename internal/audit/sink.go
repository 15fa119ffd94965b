package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/msimon42/openclaw-sub000/internal/observability"
)

// Sink receives fully prepared (materialized, redacted, serialized) audit
// events. The pipeline's drain goroutine is the only writer.
type Sink interface {
	Write(ctx context.Context, event *Event) error
	Close() error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event *Event) error

// Write calls the function.
func (f SinkFunc) Write(ctx context.Context, event *Event) error { return f(ctx, event) }

// Close is a no-op.
func (f SinkFunc) Close() error { return nil }

// FileSink appends events to day-partitioned files named YYYY-MM-DD.jsonl,
// one compact JSON line per event. Files rotate solely on the UTC day
// boundary of the event timestamp; handles are opened lazily.
type FileSink struct {
	dir string

	mu   sync.Mutex
	file *os.File
	day  string
}

// NewFileSink creates the audit directory if needed and returns the sink.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Write appends the event to the day file matching its timestamp.
func (s *FileSink) Write(ctx context.Context, event *Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	day := time.UnixMilli(event.Timestamp).UTC().Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil || s.day != day {
		if s.file != nil {
			s.file.Close()
			s.file = nil
		}
		path := filepath.Join(s.dir, day+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		s.file = f
		s.day = day
	}

	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Close closes the current day file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.day = ""
	return err
}

// MemorySink retains events in memory. Used by tests and the events CLI.
type MemorySink struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write appends the event.
func (s *MemorySink) Write(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }

// Events returns a snapshot of everything written so far.
func (s *MemorySink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

// CompositeSink fans each write out to all children in sequence. A child
// failure is logged and reported on the item's result channel, but never
// stops delivery to the remaining children.
type CompositeSink struct {
	sinks  []Sink
	logger *observability.Logger
}

// NewCompositeSink wraps the given sinks. logger may be nil.
func NewCompositeSink(logger *observability.Logger, sinks ...Sink) *CompositeSink {
	return &CompositeSink{sinks: sinks, logger: logger}
}

// Write delivers the event to every child, collecting failures.
func (s *CompositeSink) Write(ctx context.Context, event *Event) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Write(ctx, event); err != nil {
			errs = append(errs, err)
			if s.logger != nil {
				s.logger.Warn(ctx, "audit sink write failed",
					"sink", fmt.Sprintf("%T", sink),
					"event_type", string(event.Type),
					"error", err,
				)
			}
		}
	}
	return errors.Join(errs...)
}

// Close closes every child, collecting failures.
func (s *CompositeSink) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
