package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_tasks_submitted_total",
			Help: "Total number of tasks submitted by kind",
		},
		[]string{"kind"},
	)

	TasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to workers",
		},
	)

	TasksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_failed_total",
			Help: "Total number of tasks that terminated in failure",
		},
	)

	TasksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_retried_total",
			Help: "Total number of retry attempts scheduled",
		},
	)

	TasksTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_tasks_timed_out_total",
			Help: "Total number of tasks that exceeded their execution timeout",
		},
	)

	DeadLetterDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_dead_letter_depth",
			Help: "Current number of tasks parked in the dead-letter queue",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_queue_depth",
			Help: "Current queue depth by priority",
		},
		[]string{"priority"},
	)

	// Dispatcher metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_dispatch_latency_seconds",
			Help:    "Time from a task becoming due to dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DispatchDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_dispatch_deferred_total",
			Help: "Dispatch attempts deferred by reason (blackout, resources, no_worker)",
		},
		[]string{"reason"},
	)

	AntistarvationScans = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_antistarvation_scans_total",
			Help: "Total number of low-priority-first dispatch scans",
		},
	)

	// Worker metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_workers_total",
			Help: "Total number of worker instances by kind and health",
		},
		[]string{"kind", "health"},
	)

	WorkerCapacityUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_worker_capacity_used",
			Help: "Currently used capacity per worker instance",
		},
		[]string{"instance"},
	)

	// Hub metrics
	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_messages_published_total",
			Help: "Total number of messages published by type",
		},
		[]string{"type"},
	)

	MessagesAcked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_messages_acked_total",
			Help: "Total number of acknowledged messages",
		},
	)

	MessagesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_messages_expired_total",
			Help: "Total number of messages that exhausted retries or timed out",
		},
	)

	MessageRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_message_retries_total",
			Help: "Total number of message redeliveries",
		},
	)

	CoordinationRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_coordination_rounds_total",
			Help: "Coordination rounds by outcome (coordinated, failed, timeout)",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drover_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(TasksRetried)
	prometheus.MustRegister(TasksTimedOut)
	prometheus.MustRegister(DeadLetterDepth)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(DispatchDeferred)
	prometheus.MustRegister(AntistarvationScans)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(WorkerCapacityUsed)
	prometheus.MustRegister(MessagesPublished)
	prometheus.MustRegister(MessagesAcked)
	prometheus.MustRegister(MessagesExpired)
	prometheus.MustRegister(MessageRetries)
	prometheus.MustRegister(CoordinationRounds)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
