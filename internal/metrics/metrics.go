// Package metrics holds the Prometheus collectors shared by the ledger, the
// treasury processor and the supporting managers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RefundsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_requests_created_total",
		Help: "Refund requests created, labeled by refund source kind",
	}, []string{"source"})

	LifecycleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_lifecycle_transitions_total",
		Help: "Refund status transitions, labeled by target status",
	}, []string{"status"})

	ProcessingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_processing_outcomes_total",
		Help: "Treasury pipeline outcomes: completed, failed, retrying, replayed",
	}, []string{"outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "refund_stage_duration_seconds",
		Help:    "Latency of each treasury pipeline stage",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"stage", "result"})

	Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_compensations_total",
		Help: "Compensation actions executed, labeled by kind and result",
	}, []string{"kind", "result"})

	IdempotencyLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_lookups_total",
		Help: "Idempotency key classifications",
	}, []string{"status"})

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_events_emitted_total",
		Help: "Events handed to sinks, labeled by kind",
	}, []string{"kind"})

	EventSinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_event_sink_errors_total",
		Help: "Sink delivery failures, labeled by sink",
	}, []string{"sink"})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "refund_pipeline_in_flight",
		Help: "Refund requests currently inside the treasury pipeline",
	})
)
