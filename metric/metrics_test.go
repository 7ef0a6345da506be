package metric

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.CacheHit()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.cacheHits))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.cacheHits))
}

func TestCounters(t *testing.T) {
	m := New()

	m.CacheHit()
	m.CacheMiss()
	m.CacheMiss()
	m.TaskCreated(false)
	m.TaskCreated(true)
	m.TasksCancelled(3)
	m.TasksCancelled(0)
	m.TaskCompleted()
	m.LLMAttempt(2 * time.Second)
	m.LLMRateLimitRetry()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheMisses))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksStillborn))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.tasksCancelled))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cancelRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmRateLimitRetries))
}

func TestRunByOutcome(t *testing.T) {
	m := New()

	m.Run(OutcomeCompleted, time.Second)
	m.Run(OutcomeCompleted, 2*time.Second)
	m.Run(OutcomeCancelled, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues(OutcomeCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(OutcomeCancelled)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.runs.WithLabelValues(OutcomeFailed)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheHit()
		m.CacheMiss()
		m.TaskCreated(true)
		m.TasksCancelled(1)
		m.TaskCompleted()
		m.LLMAttempt(time.Second)
		m.LLMRateLimitRetry()
		m.Run(OutcomeFailed, time.Second)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.CacheHit()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "finops_cache_hits_total 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
