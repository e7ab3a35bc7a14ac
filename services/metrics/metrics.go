package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionOutcomes counts pipeline runs by outcome (skipped, reused, analyzed, failed).
	SessionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mwalimu_session_outcomes_total",
			Help: "Session processing runs by outcome",
		},
		[]string{"outcome"},
	)

	// AnalyzerRequestDuration tracks analyzer round trips by result (ok, error, timeout, bad_response).
	AnalyzerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mwalimu_analyzer_request_seconds",
			Help:    "Analyzer request duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"result"},
	)

	// QueueDepth is the number of scheduled sessions not yet picked up by a worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mwalimu_queue_depth",
			Help: "Sessions waiting in the processing queue",
		},
	)

	// QueueRejected counts sessions that could not be scheduled, by reason (full, closed).
	QueueRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mwalimu_queue_rejected_total",
			Help: "Sessions rejected by the processing queue",
		},
		[]string{"reason"},
	)
)
