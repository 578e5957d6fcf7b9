// Package events publishes structured, tagged events for every refund state
// transition. Emission is fire-and-forget: sink failures are logged and
// counted, never returned to the caller.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/refundops/internal/domain"
	"github.com/punchamoorthee/refundops/internal/logging"
	"github.com/punchamoorthee/refundops/internal/metrics"
)

// Kind names an event type.
type Kind string

const (
	KindRefundRequested      Kind = "RefundRequested"
	KindRefundApproved       Kind = "RefundApproved"
	KindRefundDenied         Kind = "RefundDenied"
	KindRefundStageChanged   Kind = "RefundStageChanged"
	KindRefundProcessed      Kind = "RefundProcessed"
	KindCompensationExecuted Kind = "CompensationExecuted"
	KindAdminNotification    Kind = "AdminNotification"
	KindMaintenanceCompleted Kind = "MaintenanceCompleted"
)

// Payload is implemented by every event body.
type Payload interface {
	EventKind() Kind
}

type RefundRequested struct {
	RefundID    int64             `json:"refund_id"`
	OriginType  domain.OriginType `json:"origin_type"`
	OriginID    string            `json:"origin_id"`
	RequestedBy string            `json:"requested_by"`
	Amount      int64             `json:"amount"`
	Reason      string            `json:"reason,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

type RefundApproved struct {
	RefundID       int64     `json:"refund_id"`
	AdminPrincipal string    `json:"admin_principal"`
	AdminNote      string    `json:"admin_note,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type RefundDenied struct {
	RefundID       int64     `json:"refund_id"`
	AdminPrincipal string    `json:"admin_principal"`
	AdminNote      string    `json:"admin_note,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

type RefundStageChanged struct {
	RefundID int64                  `json:"refund_id"`
	From     domain.ProcessingState `json:"from"`
	To       domain.ProcessingState `json:"to"`
}

type RefundProcessed struct {
	RefundID    int64     `json:"refund_id"`
	ProcessedAt time.Time `json:"processed_at"`
	Success     bool      `json:"success"`
	ErrorMsg    string    `json:"error_msg,omitempty"`
}

type CompensationExecuted struct {
	RefundID int64  `json:"refund_id"`
	Action   string `json:"action"`
	Detail   string `json:"detail"`
	Success  bool   `json:"success"`
	ErrorMsg string `json:"error_msg,omitempty"`
}

type AdminNotification struct {
	RefundID int64           `json:"refund_id,omitempty"`
	Severity domain.Severity `json:"severity"`
	Message  string          `json:"message"`
}

type MaintenanceCompleted struct {
	ProcessedCount int       `json:"processed_count"`
	RetriedCount   int       `json:"retried_count"`
	Timestamp      time.Time `json:"timestamp"`
}

func (RefundRequested) EventKind() Kind      { return KindRefundRequested }
func (RefundApproved) EventKind() Kind       { return KindRefundApproved }
func (RefundDenied) EventKind() Kind         { return KindRefundDenied }
func (RefundStageChanged) EventKind() Kind   { return KindRefundStageChanged }
func (RefundProcessed) EventKind() Kind      { return KindRefundProcessed }
func (CompensationExecuted) EventKind() Kind { return KindCompensationExecuted }
func (AdminNotification) EventKind() Kind    { return KindAdminNotification }
func (MaintenanceCompleted) EventKind() Kind { return KindMaintenanceCompleted }

// Event is the envelope handed to sinks.
type Event struct {
	ID          string                     `json:"id"`
	Kind        Kind                       `json:"kind"`
	Payload     Payload                    `json:"payload"`
	Correlation *domain.CorrelationContext `json:"correlation,omitempty"`
	Priority    domain.Priority            `json:"priority"`
	Tags        []string                   `json:"tags,omitempty"`
	Metadata    map[string]string          `json:"metadata,omitempty"`
	Timestamp   time.Time                  `json:"timestamp"`
}

// Sink receives events. Implementations return errors for logging only.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Emitter stamps envelopes and forwards them to a sink.
type Emitter struct {
	sink   Sink
	now    func() time.Time
	logger zerolog.Logger
}

func NewEmitter(sink Sink) *Emitter {
	return &Emitter{
		sink:   sink,
		now:    time.Now,
		logger: logging.WithComponent("events"),
	}
}

// Option adjusts a single emission.
type Option func(*Event)

func WithPriority(p domain.Priority) Option {
	return func(e *Event) { e.Priority = p }
}

func WithTags(tags ...string) Option {
	return func(e *Event) { e.Tags = append(e.Tags, tags...) }
}

func WithMeta(key, value string) Option {
	return func(e *Event) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string)
		}
		e.Metadata[key] = value
	}
}

func WithCorrelation(c *domain.CorrelationContext) Option {
	return func(e *Event) {
		if c != nil {
			cc := *c
			e.Correlation = &cc
		}
	}
}

// Emit builds an envelope around p and delivers it. It never fails.
func (em *Emitter) Emit(ctx context.Context, p Payload, opts ...Option) {
	e := Event{
		ID:        uuid.NewString(),
		Kind:      p.EventKind(),
		Payload:   p,
		Priority:  domain.PriorityNormal,
		Timestamp: em.now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	metrics.EventsEmitted.WithLabelValues(string(e.Kind)).Inc()
	if err := em.sink.Emit(ctx, e); err != nil {
		l := logging.Enrich(ctx, em.logger)
		l.Warn().Err(err).Str("kind", string(e.Kind)).Msg("event delivery failed")
	}
}
