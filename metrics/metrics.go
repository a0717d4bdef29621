package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TriggerOutcomes counts handler invocations by delivery origin and outcome.
	TriggerOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c3d_trigger_outcomes_total",
			Help: "Trigger handler invocations by origin and outcome",
		},
		[]string{"origin", "outcome"},
	)

	// ConversionDuration tracks engine wall time per format pair.
	ConversionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "c3d_conversion_duration_seconds",
			Help:    "Duration of conversion engine invocations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"source", "target"},
	)

	// JobsSubmitted counts accepted submissions.
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "c3d_jobs_submitted_total",
			Help: "Total number of conversion jobs submitted",
		},
	)

	// QueueRedeliveries counts trigger messages pushed back onto the pending queue.
	QueueRedeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "c3d_queue_redeliveries_total",
			Help: "Trigger messages re-enqueued by retry or recovery",
		},
		[]string{"reason"},
	)

	// JobsExpired counts records removed by the retention sweep.
	JobsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "c3d_jobs_expired_total",
			Help: "Job records deleted after their retention horizon",
		},
	)
)
