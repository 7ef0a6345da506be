// Package metric exposes Prometheus metrics for the recommendation pipeline.
//
// Metrics are registered on a private registry so several instances can
// coexist in one process, which tests rely on. A nil *Metrics is valid and
// records nothing.
package metric

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "finops"

// Run outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeCached    = "cached"
	OutcomeCancelled = "cancelled"
	OutcomeEmpty     = "empty"
	OutcomeFailed    = "failed"
)

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	tasksCreated   prometheus.Counter
	tasksStillborn prometheus.Counter
	tasksCancelled prometheus.Counter
	tasksCompleted prometheus.Counter
	cancelRequests prometheus.Counter

	llmAttempts         prometheus.Counter
	llmRateLimitRetries prometheus.Counter
	llmDuration         prometheus.Histogram

	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
}

// New creates and registers all metrics. Process and Go runtime collectors
// are included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total",
			Help: "Analyses answered from the result cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total",
			Help: "Analyses that missed the result cache",
		}),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_created_total",
			Help: "Tasks registered",
		}),
		tasksStillborn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_stillborn_total",
			Help: "Tasks born cancelled by a pending project cancel",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_cancelled_total",
			Help: "Running tasks transitioned to cancelled",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tasks_completed_total",
			Help: "Tasks marked completed",
		}),
		cancelRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cancel_requests_total",
			Help: "Project cancel requests received",
		}),
		llmAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "llm_attempts_total",
			Help: "LLM requests sent",
		}),
		llmRateLimitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "llm_rate_limit_retries_total",
			Help: "LLM retries caused by rate limiting",
		}),
		llmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "llm_request_duration_seconds",
			Help:    "Latency of individual LLM requests",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "analysis_runs_total",
			Help: "Analysis runs by outcome",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "analysis_duration_seconds",
			Help:    "End-to-end analysis duration by outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheHits, m.cacheMisses,
		m.tasksCreated, m.tasksStillborn, m.tasksCancelled, m.tasksCompleted, m.cancelRequests,
		m.llmAttempts, m.llmRateLimitRetries, m.llmDuration,
		m.runs, m.runDuration,
	)
	return m
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

// TaskCreated records a new task; stillborn tasks are also counted apart.
func (m *Metrics) TaskCreated(stillborn bool) {
	if m == nil {
		return
	}
	m.tasksCreated.Inc()
	if stillborn {
		m.tasksStillborn.Inc()
	}
}

// TasksCancelled records a project cancel and how many tasks it flipped.
func (m *Metrics) TasksCancelled(n int) {
	if m == nil {
		return
	}
	m.cancelRequests.Inc()
	m.tasksCancelled.Add(float64(n))
}

func (m *Metrics) TaskCompleted() {
	if m != nil {
		m.tasksCompleted.Inc()
	}
}

// LLMAttempt records one request and its latency.
func (m *Metrics) LLMAttempt(d time.Duration) {
	if m == nil {
		return
	}
	m.llmAttempts.Inc()
	m.llmDuration.Observe(d.Seconds())
}

func (m *Metrics) LLMRateLimitRetry() {
	if m != nil {
		m.llmRateLimitRetries.Inc()
	}
}

// Run records a finished analysis.
func (m *Metrics) Run(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
