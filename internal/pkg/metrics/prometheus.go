package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bifrost_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Execution Metrics
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_executions_total",
			Help: "Total number of executions by terminal status",
		},
		[]string{"status", "trigger_source"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bifrost_execution_duration_seconds",
			Help:    "Execution duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"workflow_name"},
	)

	ExecutionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bifrost_executions_in_flight",
			Help: "Number of executions currently running",
		},
	)

	// Queue Metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bifrost_queue_depth",
			Help: "Number of executions waiting in the pending queue",
		},
	)

	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_dispatches_total",
			Help: "Total number of dispatch publishes",
		},
		[]string{"outcome"},
	)

	RedeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_redeliveries_total",
			Help: "Total number of dispatch redeliveries after transient failures",
		},
	)

	// Worker Pool Metrics
	PoolWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bifrost_pool_workers",
			Help: "Number of pool workers by state",
		},
		[]string{"state"},
	)

	WorkerSpawnsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_worker_spawns_total",
			Help: "Total number of worker processes spawned",
		},
	)

	WorkerRecyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_worker_recycles_total",
			Help: "Total number of worker recycles",
		},
		[]string{"reason"},
	)

	MemoryGateDenialsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_memory_gate_denials_total",
			Help: "Total number of worker spawns denied by the memory gate",
		},
	)

	// Log Fan-out Metrics
	LogRowsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_log_rows_total",
			Help: "Total number of execution log rows written",
		},
	)

	LogPublishSuppressedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_log_publish_suppressed_total",
			Help: "Total number of log events withheld from pub/sub by the rate limiter",
		},
	)

	// Hook Metrics
	HookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_hook_events_total",
			Help: "Total number of inbound hook events",
		},
		[]string{"source_kind", "outcome"},
	)

	DeliveryRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_delivery_retries_total",
			Help: "Total number of event delivery retries",
		},
	)

	// Scheduler Metrics
	ScheduleFiresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bifrost_schedule_fires_total",
			Help: "Total number of scheduled executions admitted",
		},
	)

	ScheduleSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_schedule_skips_total",
			Help: "Total number of scheduled fires skipped",
		},
		[]string{"reason"},
	)

	// Monitor Metrics
	StuckResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_stuck_resolutions_total",
			Help: "Total number of overdue executions resolved by the monitor",
		},
		[]string{"resolution"},
	)

	// Rate Limiting Metrics
	RateLimitHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bifrost_rate_limit_hits_total",
			Help: "Total number of rate limit hits",
		},
		[]string{"endpoint"},
	)
)

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware records HTTP metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordExecution records a terminal execution outcome.
func RecordExecution(status, triggerSource, workflowName string, durationSeconds float64) {
	ExecutionsTotal.WithLabelValues(status, triggerSource).Inc()
	if durationSeconds > 0 {
		ExecutionDuration.WithLabelValues(workflowName).Observe(durationSeconds)
	}
}

// RecordHookEvent records an inbound hook outcome.
func RecordHookEvent(sourceKind, outcome string) {
	HookEventsTotal.WithLabelValues(sourceKind, outcome).Inc()
}

// RecordRateLimitHit records rate limit hits
func RecordRateLimitHit(endpoint string) {
	RateLimitHitsTotal.WithLabelValues(endpoint).Inc()
}

// SetPoolWorkers updates the per-state worker gauges.
func SetPoolWorkers(idle, busy, killed int) {
	PoolWorkers.WithLabelValues("idle").Set(float64(idle))
	PoolWorkers.WithLabelValues("busy").Set(float64(busy))
	PoolWorkers.WithLabelValues("killed").Set(float64(killed))
}
