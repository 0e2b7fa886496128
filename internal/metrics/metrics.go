// Package metrics exposes Prometheus instrumentation for the job system.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for processed jobs.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRateLimited  = "rate_limited"
	OutcomeInvalid      = "invalid"
)

// Metrics holds the collectors shared by the worker and the API.
type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	QueueDepth    *prometheus.GaugeVec
	RetrySetSize  prometheus.Gauge
	DeadLetters   prometheus.Gauge
}

// New registers the collectors on reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "postq_jobs_processed_total",
			Help: "Jobs handled by the worker, by type and outcome.",
		}, []string{"type", "outcome"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "postq_job_execution_seconds",
			Help:    "Job execution latency by type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postq_queue_depth",
			Help: "Jobs waiting per priority lane.",
		}, []string{"lane"}),
		RetrySetSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "postq_retry_set_size",
			Help: "Jobs waiting in the delayed retry set.",
		}),
		DeadLetters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "postq_dead_letter_size",
			Help: "Jobs retained in the dead-letter list.",
		}),
	}
}
