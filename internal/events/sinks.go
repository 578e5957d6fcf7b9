package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/refundops/internal/domain"
	"github.com/punchamoorthee/refundops/internal/metrics"
)

// MemorySink captures events in order. Tests use it to assert on emitted
// sequences.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Emit(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of everything captured so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfKind returns captured events of kind k.
func (s *MemorySink) OfKind(k Kind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops captured events.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, e Event) error {
	ev := s.logger.Info()
	if e.Priority == domain.PriorityCritical {
		ev = s.logger.Error()
	}
	ev = ev.Str("event_id", e.ID).
		Str("kind", string(e.Kind)).
		Str("priority", string(e.Priority)).
		Interface("payload", e.Payload)
	if e.Correlation != nil {
		ev = ev.Str("correlation_id", e.Correlation.ID).Str("root_id", e.Correlation.RootID)
	}
	if len(e.Tags) > 0 {
		ev = ev.Strs("tags", e.Tags)
	}
	for k, v := range e.Metadata {
		ev = ev.Str("meta_"+k, v)
	}
	ev.Msg("refund event")
	return nil
}

// RedisSink publishes JSON-encoded events to a Redis pub/sub channel for
// cross-service subscribers.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Emit(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		metrics.EventSinkErrors.WithLabelValues("redis").Inc()
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	return nil
}

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
