package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	gradingRequestsTotal  *prometheus.CounterVec
	gradingLatencySeconds *prometheus.HistogramVec
	gradingErrorsTotal    *prometheus.CounterVec

	gradingTasksTotal        *prometheus.CounterVec
	gradingAttemptsTotal     *prometheus.CounterVec
	gradingTaskDuration      *prometheus.HistogramVec
	gradingQueueDepth        prometheus.Gauge
	gradingStreamClients     prometheus.Gauge
	gradingEventsPublished   *prometheus.CounterVec
	gradingResolverCacheHits *prometheus.CounterVec
	gradingScoreClamps       *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the grading API and workers.
func RegisterMetrics() {
	registerOnce.Do(func() {
		gradingRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_requests_total",
			Help: "Total number of grading API requests served.",
		}, []string{"method", "route", "status"})

		gradingLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_latency_seconds",
			Help:    "Latency distribution for grading API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		gradingErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_errors_total",
			Help: "Total number of error responses returned by grading endpoints.",
		}, []string{"method", "route", "status"})

		gradingTasksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_tasks_total",
			Help: "Grading tasks that reached a terminal state.",
		}, []string{"provider", "status"})

		gradingAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_task_attempts_total",
			Help: "Provider invocations by outcome.",
		}, []string{"provider", "outcome"})

		gradingTaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_task_duration_seconds",
			Help:    "Time from first start to terminal state for grading tasks.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"provider"})

		gradingQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grading_queue_depth",
			Help: "Grading jobs waiting for a worker.",
		})

		gradingStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grading_stream_clients_active",
			Help: "Connected websocket clients following grading progress.",
		})

		gradingEventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_events_published_total",
			Help: "Task events fanned out to subscribers.",
		}, []string{"status"})

		gradingResolverCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_resolver_cache_total",
			Help: "Configuration resolver cache lookups by result.",
		}, []string{"result"})

		gradingScoreClamps = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_score_clamped_total",
			Help: "Provider scores outside [0, marks] that were clamped.",
		}, []string{"provider"})

		prometheus.MustRegister(
			gradingRequestsTotal,
			gradingLatencySeconds,
			gradingErrorsTotal,
			gradingTasksTotal,
			gradingAttemptsTotal,
			gradingTaskDuration,
			gradingQueueDepth,
			gradingStreamClients,
			gradingEventsPublished,
			gradingResolverCacheHits,
			gradingScoreClamps,
		)
	})
}

// GradingRequests exposes the counter for grading API requests.
func GradingRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingRequestsTotal
}

// GradingLatency exposes the latency histogram for grading API requests.
func GradingLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return gradingLatencySeconds
}

// GradingErrors exposes the counter for grading API error responses.
func GradingErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingErrorsTotal
}

// GradingTasks counts tasks by provider and terminal status.
func GradingTasks() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingTasksTotal
}

// GradingAttempts counts provider invocations by outcome.
func GradingAttempts() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingAttemptsTotal
}

// GradingTaskDuration observes task wall-clock duration.
func GradingTaskDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return gradingTaskDuration
}

// GradingQueueDepth tracks jobs waiting in the in-process queue.
func GradingQueueDepth() prometheus.Gauge {
	RegisterMetrics()
	return gradingQueueDepth
}

// GradingStreamClients tracks active websocket subscribers.
func GradingStreamClients() prometheus.Gauge {
	RegisterMetrics()
	return gradingStreamClients
}

// GradingEventsPublished counts task events delivered to the broker.
func GradingEventsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingEventsPublished
}

// GradingResolverCache counts resolver cache hits and misses.
func GradingResolverCache() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingResolverCacheHits
}

// GradingScoreClamps counts out-of-range provider scores.
func GradingScoreClamps() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingScoreClamps
}
