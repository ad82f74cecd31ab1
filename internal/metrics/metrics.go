package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	RequestsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casefill_requests_received_total",
			Help: "Total number of receive-request calls by flow",
		},
		[]string{"flow"},
	)

	RequestsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casefill_requests_completed_total",
			Help: "Total number of handled requests by flow and outcome",
		},
		[]string{"flow", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "casefill_request_duration_seconds",
			Help:    "Synchronous handling time of a receive-request call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"flow"},
	)

	// Step metrics
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "casefill_step_duration_seconds",
			Help:    "Workflow step execution time",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"step"},
	)

	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casefill_steps_executed_total",
			Help: "Total number of workflow steps executed",
		},
		[]string{"step", "status"},
	)

	StepsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casefill_steps_skipped_total",
			Help: "Steps skipped because the session already carried their output",
		},
		[]string{"step"},
	)

	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casefill_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casefill_sessions_expired_total",
			Help: "Total number of sessions removed after their TTL",
		},
	)

	SessionUpdateConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casefill_session_update_conflicts_total",
			Help: "Session updates rejected by the version check",
		},
	)

	// Task metrics
	TasksEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casefill_tasks_enqueued_total",
			Help: "Total number of agent tasks enqueued",
		},
	)

	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casefill_tasks_finished_total",
			Help: "Total number of agent tasks that reached a terminal status",
		},
		[]string{"status"},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "casefill_task_duration_seconds",
			Help:    "Time from claim to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "casefill_tasks_in_flight",
			Help: "Number of tasks currently held by workers",
		},
	)

	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "casefill_task_queue_depth",
			Help: "Tasks buffered for dispatch",
		},
	)

	// External client metrics
	ClientCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casefill_client_calls_total",
			Help: "Outbound calls by service and outcome (one per attempt)",
		},
		[]string{"service", "outcome"},
	)

	ClientCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "casefill_client_call_duration_seconds",
			Help:    "Outbound call latency per attempt",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"service"},
	)

	ClientRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casefill_client_retries_total",
			Help: "Outbound call retries by service",
		},
		[]string{"service"},
	)

	// Prompt metrics
	PromptTruncations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casefill_prompt_truncations_total",
			Help: "Prompts reduced to fit the size limit",
		},
		[]string{"template", "strategy"},
	)

	TemplateReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casefill_template_reloads_total",
			Help: "Prompt template reloads by result",
		},
		[]string{"result"},
	)

	// HTTP surface
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casefill_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "casefill_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casefill_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	IdempotentReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casefill_http_idempotent_replays_total",
			Help: "Responses served from the idempotency cache",
		},
	)

	// Health metrics
	HealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "casefill_health_check_status",
			Help: "Latest health check result per component (0=healthy, 1=degraded, 2=unhealthy)",
		},
		[]string{"component", "critical"},
	)
)

// RecordStep records metrics for one executed workflow step
func RecordStep(step, status string, durationSeconds float64) {
	StepsExecuted.WithLabelValues(step, status).Inc()
	StepDuration.WithLabelValues(step).Observe(durationSeconds)
}

// RecordRequest records the outcome of one receive-request call
func RecordRequest(flow, status string, durationSeconds float64) {
	RequestsCompleted.WithLabelValues(flow, status).Inc()
	RequestDuration.WithLabelValues(flow).Observe(durationSeconds)
}

// RecordClientCall records metrics for a single outbound attempt
func RecordClientCall(service, outcome string, durationSeconds float64) {
	ClientCalls.WithLabelValues(service, outcome).Inc()
	if durationSeconds > 0 {
		ClientCallDuration.WithLabelValues(service).Observe(durationSeconds)
	}
}

// RecordHTTPRequest records one served HTTP request
func RecordHTTPRequest(route string, code int, durationSeconds float64) {
	HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(durationSeconds)
}

// RecordTaskFinished records a task reaching a terminal status
func RecordTaskFinished(status string, durationSeconds float64) {
	TasksFinished.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		TaskDuration.Observe(durationSeconds)
	}
}
