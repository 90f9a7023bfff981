package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsRecorded tracks producer-side audit event writes.
	EventsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_recorded_total",
		Help: "Total number of audit events recorded with outbox fan-out",
	})

	// Deliveries tracks every executed delivery attempt by final outcome.
	// outcome is one of: delivered, transient_failure, permanent_failure.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_deliveries_total",
		Help: "Total number of delivery attempts executed by the worker",
	}, []string{"destination", "outcome"})

	// DeliveryDuration measures the sink call latency per destination.
	DeliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_delivery_duration_seconds",
		Help:    "Duration of destination sink calls in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"destination"})

	// ClaimBatchSize tracks how many due rows each poll cycle claimed.
	ClaimBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_claim_batch_size",
		Help:    "Number of outbox rows claimed per poll cycle",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
	})

	// ClaimRacesLost counts conditional claims that affected zero rows
	// because another worker won. Expected under concurrency, not an error.
	ClaimRacesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_claim_races_lost_total",
		Help: "Total number of claim attempts lost to a concurrent worker",
	})

	// LeasesReclaimed counts expired leases reset by the reclaim scan.
	LeasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_leases_reclaimed_total",
		Help: "Total number of expired in_progress leases reset to retry_wait",
	})

	// DeadLettersCreated counts quarantined delivery episodes.
	DeadLettersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_dead_letters_created_total",
		Help: "Total number of dead letter records created",
	}, []string{"destination"})

	// OutboxBacklog is the primary lag indicator: rows still awaiting
	// delivery (pending or retry_wait).
	OutboxBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_outbox_backlog",
		Help: "Current number of pending/retry_wait rows in the outbox",
	})

	// DeadLettersOpen tracks quarantined rows awaiting operator review.
	DeadLettersOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_dead_letters_open",
		Help: "Current number of dead letters with operator_status=open",
	})
)
