package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs accepted by submit"}, []string{"task_type"})
	JobsDeduplicated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_deduplicated_total", Help: "Submissions resolved to an existing live job"})
	JobsCompleted      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"task_type"})
	JobsFailed         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that reached FAILED"}, []string{"task_type", "kind"})
	JobsRetried        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Attempts that were scheduled for retry"}, []string{"task_type"})
	JobsCancelled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_cancelled_total", Help: "Jobs that reached CANCELLED"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Jobs waiting in the queue"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently PROCESSING"})
	AttemptDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "job_attempt_duration_seconds", Help: "Wall-clock duration of one attempt", Buckets: prometheus.ExponentialBuckets(0.05, 2, 14)}, []string{"task_type"})
	StatusRecordErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "status_record_errors_total", Help: "Status snapshots the store failed to persist"})
	NotificationErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "notification_errors_total", Help: "Terminal notifications whose hook failed"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	IntakeItems        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "intake_items_total", Help: "External items seen by intake adapters"}, []string{"source", "adapter", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsDeduplicated,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsCancelled,
			QueueDepthGauge,
			InFlightGauge,
			AttemptDuration,
			StatusRecordErrors,
			NotificationErrors,
			RateLimitRejects,
			IntakeItems,
		)
	})
	return promhttp.Handler()
}
