package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "integrator_jobs_submitted_total", Help: "Integration jobs accepted"})
	JobsRejected     = prometheus.NewCounter(prometheus.CounterOpts{Name: "integrator_jobs_rejected_total", Help: "Submissions rejected by queue backpressure"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "integrator_jobs_succeeded_total", Help: "Jobs that finished successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "integrator_jobs_failed_total", Help: "Jobs that ended in error"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "integrator_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	CoversGenerated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "integrator_covers_generated_total", Help: "Cover derivatives generated"})
	CoversSkipped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "integrator_covers_skipped_total", Help: "Cover runs skipped because art already exists"})
	CoverFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "integrator_cover_failures_total", Help: "Cover runs that failed after retries"})
	QueueDepth       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "integrator_queue_depth", Help: "Jobs waiting in the submission queue"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "integrator_jobs_inflight", Help: "Jobs currently executing"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsRejected,
			JobsSucceeded,
			JobsFailed,
			RateLimitRejects,
			CoversGenerated,
			CoversSkipped,
			CoverFailures,
			QueueDepth,
			JobsInFlight,
		)
	})
	return promhttp.Handler()
}
