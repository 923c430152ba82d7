// Package metrics provides Prometheus metrics for the forge pipeline.
// Exports HTTP, job, task, sandbox, credit, rate-limit and queue metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "forge"

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for forge
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Job Metrics
	JobsCreatedTotal  *prometheus.CounterVec
	JobsFinishedTotal *prometheus.CounterVec
	FixCyclesTotal    prometheus.Counter

	// Task Metrics
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	// Sandbox Metrics
	SandboxExecutionsTotal *prometheus.CounterVec
	SandboxDuration        *prometheus.HistogramVec
	SandboxRetriesTotal    prometheus.Counter
	SandboxInFlight        prometheus.Gauge

	// Credit Metrics
	CreditsDebitedTotal prometheus.Counter

	// Rate limit Metrics
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Queue Metrics
	QueueDepth    prometheus.Gauge
	WorkersActive prometheus.Gauge

	// AI Metrics
	AIRequestsTotal *prometheus.CounterVec
	AITokensUsed    *prometheus.CounterVec

	// Cache Metrics
	CacheLookupsTotal *prometheus.CounterVec
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// HTTP Metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	// Job Metrics
	m.JobsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "created_total",
			Help:      "Jobs created by kind",
		},
		[]string{"kind"},
	)

	m.JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs reaching a terminal or paused status",
		},
		[]string{"status"},
	)

	m.FixCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "fix_cycles_total",
			Help:      "Corrective tasks inserted after a task failure",
		},
	)

	// Task Metrics
	m.TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "total",
			Help:      "Tasks executed by agent type and outcome",
		},
		[]string{"agent", "status"},
	)

	m.TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Task duration in seconds including sandbox and verification",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent"},
	)

	// Sandbox Metrics
	m.SandboxExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Sandbox executions by language, phase and failure class",
		},
		[]string{"language", "phase", "class"},
	)

	m.SandboxDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "duration_seconds",
			Help:      "Sandbox execution duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"language"},
	)

	m.SandboxRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "retries_total",
			Help:      "Sandbox executions repeated after a retryable failure",
		},
	)

	m.SandboxInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "in_flight",
			Help:      "Number of sandbox executions currently running",
		},
	)

	// Credit Metrics
	m.CreditsDebitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "debited_total",
			Help:      "Credits debited from user ledgers",
		},
	)

	// Rate limit Metrics
	m.RateLimitRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Rate limit rejections by reason",
		},
		[]string{"reason"},
	)

	// Queue Metrics
	m.QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs waiting for a worker",
		},
	)

	m.WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "workers_active",
			Help:      "Workers currently running a job",
		},
	)

	// AI Metrics
	m.AIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "requests_total",
			Help:      "Model requests by provider, agent and status",
		},
		[]string{"provider", "agent", "status"},
	)

	m.AITokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ai",
			Name:      "tokens_total",
			Help:      "Tokens consumed by provider and direction",
		},
		[]string{"provider", "direction"},
	)

	m.CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Project file cache lookups by result",
		},
		[]string{"result"},
	)

	return m
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// RecordTask records a finished task attempt
func (m *Metrics) RecordTask(agent, status string, duration time.Duration) {
	m.TasksTotal.WithLabelValues(agent, status).Inc()
	m.TaskDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordSandboxExecution records one sandbox attempt
func (m *Metrics) RecordSandboxExecution(language, phase, class string, duration time.Duration) {
	if class == "" {
		class = "ok"
	}
	m.SandboxExecutionsTotal.WithLabelValues(language, phase, class).Inc()
	m.SandboxDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// RecordAIRequest records a model call and its token usage
func (m *Metrics) RecordAIRequest(provider, agent, status string, inputTokens, outputTokens int) {
	m.AIRequestsTotal.WithLabelValues(provider, agent, status).Inc()
	m.AITokensUsed.WithLabelValues(provider, "input").Add(float64(inputTokens))
	m.AITokensUsed.WithLabelValues(provider, "output").Add(float64(outputTokens))
}

// RecordCredits adds a debited amount
func (m *Metrics) RecordCredits(amount float64) {
	if amount > 0 {
		m.CreditsDebitedTotal.Add(amount)
	}
}

// Helper function to convert status code to label
func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
