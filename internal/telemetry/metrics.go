package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_enqueued_total", Help: "Work items pushed to the broker"}, []string{"queue"})
	DuplicateCounter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_enqueue_duplicates_total", Help: "Enqueues skipped because the job id was already queued or running"})
	SyncFallbacks     = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_sync_fallbacks_total", Help: "Enqueues executed inline because the broker was unreachable during migration"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_rate_limit_rejects_total", Help: "API enqueue requests rejected by rate limiter"})
	Executions        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_executions_total", Help: "Work items executed by workers, by final status"}, []string{"status"})
	ContentionRetries = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_contention_retries_total", Help: "Executions retried after deadlock, lock timeout or an explicit retry request"})
	ScheduledRuns     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_job_runs_total", Help: "Scheduled job executions by outcome"}, []string{"status"})
	Ticks             = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_ticks_total", Help: "Scheduler ticks"})
	TenantsSkipped    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_tenants_skipped_total", Help: "Tenants skipped during a tick, by reason"}, []string{"reason"})
	WorkerRestarts    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_worker_restarts_total", Help: "Crashed pool workers restarted by the supervisor"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_queue_depth", Help: "Ready queue depth across the worker's queues"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_inflight", Help: "Work items currently executing in this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			DuplicateCounter,
			SyncFallbacks,
			RateLimitRejects,
			Executions,
			ContentionRetries,
			ScheduledRuns,
			Ticks,
			TenantsSkipped,
			WorkerRestarts,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
