package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs enqueued"})
	EnqueueDeduped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueue_deduped_total", Help: "Enqueue calls collapsed onto an existing job"})
	JobsCompleted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Jobs scheduled for retry"})
	JobsFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs failed terminally"})
	FastPathRuns      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_fastpath_runs_total", Help: "Fast-path inline executions"})
	FastPathTimeouts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_fastpath_timeouts_total", Help: "Fast-path budget exhaustions"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	IdempotentReplays = prometheus.NewCounter(prometheus.CounterOpts{Name: "api_idempotent_replays_total", Help: "Responses replayed from idempotency storage"})
	BreakerRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "upstream_breaker_rejects_total", Help: "Calls failed fast by an open circuit breaker"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_runnable_depth", Help: "Jobs currently runnable"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently claimed"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			EnqueueDeduped,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			FastPathRuns,
			FastPathTimeouts,
			RateLimitRejects,
			IdempotentReplays,
			BreakerRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
