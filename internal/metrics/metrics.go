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
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memva_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memva_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveRuns tracks claude runs currently executing
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memva_active_runs",
			Help: "Number of claude runs currently executing",
		},
	)

	// RunDuration tracks how long claude runs take, by outcome
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memva_run_duration_seconds",
			Help:    "Claude run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"outcome"},
	)

	// JobsClaimed counts jobs claimed from the queue
	JobsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memva_jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		},
		[]string{"type"},
	)

	// JobOutcomes counts finished job attempts by outcome
	JobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memva_job_outcomes_total",
			Help: "Total number of job attempts by outcome",
		},
		[]string{"type", "outcome"},
	)

	// JobDuration tracks handler execution time per job type
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memva_job_duration_seconds",
			Help:    "Job handler duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 1800, 7200},
		},
		[]string{"type"},
	)

	// QueueDepth tracks the number of jobs per queue status
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memva_queue_depth",
			Help: "Number of jobs in the queue by status",
		},
		[]string{"status"},
	)

	// PermissionDecisions counts permission request outcomes
	PermissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memva_permission_decisions_total",
			Help: "Total number of permission request outcomes",
		},
		[]string{"outcome"},
	)

	// PendingPermissions tracks permission requests awaiting a decision
	PendingPermissions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memva_pending_permissions",
			Help: "Number of permission requests awaiting a decision",
		},
	)

	// EventsAppended counts events written to the session log
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memva_events_appended_total",
			Help: "Total number of events appended to session histories",
		},
		[]string{"type"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memva_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	// MaintenanceRuns counts maintenance operations by outcome
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memva_maintenance_runs_total",
			Help: "Total number of maintenance operations",
		},
		[]string{"operation", "status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streaming handlers
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRunStart increments the active run gauge
func RecordRunStart() {
	ActiveRuns.Inc()
}

// RecordRunEnd decrements the active run gauge and records duration
func RecordRunEnd(outcome string, durationSeconds float64) {
	ActiveRuns.Dec()
	RunDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordJobClaimed counts a claimed job
func RecordJobClaimed(jobType string) {
	JobsClaimed.WithLabelValues(jobType).Inc()
}

// RecordJobOutcome counts a finished job attempt
func RecordJobOutcome(jobType, outcome string) {
	JobOutcomes.WithLabelValues(jobType, outcome).Inc()
}

// ObserveJobDuration records handler execution time
func ObserveJobDuration(jobType string, seconds float64) {
	JobDuration.WithLabelValues(jobType).Observe(seconds)
}

// SetQueueDepth sets the queue depth gauge for one status
func SetQueueDepth(status string, count float64) {
	QueueDepth.WithLabelValues(status).Set(count)
}

// RecordPermissionDecision counts a permission request outcome
func RecordPermissionDecision(outcome string) {
	PermissionDecisions.WithLabelValues(outcome).Inc()
}

// SetPendingPermissions sets the pending permission gauge
func SetPendingPermissions(count float64) {
	PendingPermissions.Set(count)
}

// RecordEventAppended counts an appended event
func RecordEventAppended(eventType string) {
	EventsAppended.WithLabelValues(eventType).Inc()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordMaintenanceRun counts a maintenance operation
func RecordMaintenanceRun(operation, status string) {
	MaintenanceRuns.WithLabelValues(operation, status).Inc()
}
