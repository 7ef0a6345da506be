package llm

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds the retry protocol for LLM calls. Only rate-limit
// errors are retried.
type RetryConfig struct {
	// MaxRetries bounds the retries after the first attempt.
	MaxRetries int

	// BackoffBase is the first wait; each later wait doubles it.
	BackoffBase time.Duration

	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration

	// RequestDelay is the minimum spacing between consecutive requests.
	RequestDelay time.Duration

	// RequestTimeout bounds each attempt.
	RequestTimeout time.Duration
}

// DefaultRetryConfig returns the default retry protocol.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     5,
		BackoffBase:    2 * time.Second,
		MaxBackoff:     5 * time.Minute,
		RequestDelay:   3 * time.Second,
		RequestTimeout: 120 * time.Second,
	}
}

// NewBackOff returns the wait schedule base·2^attempt without jitter and
// without an elapsed-time limit. The attempt bound is MaxRetries.
func (r RetryConfig) NewBackOff() backoff.BackOff {
	if r.MaxRetries <= 0 {
		return &backoff.StopBackOff{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.MaxInterval = r.MaxWait()
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(r.MaxRetries))
}

// MaxWait is the longest single wait, including provider Retry-After hints.
func (r RetryConfig) MaxWait() time.Duration {
	if r.MaxBackoff > 0 {
		return r.MaxBackoff
	}
	return DefaultRetryConfig().MaxBackoff
}

// Backoff returns the wait before retry number attempt, counting from zero.
func (r RetryConfig) Backoff(attempt int) time.Duration {
	b := r
	b.MaxRetries = attempt + 1
	schedule := b.NewBackOff()

	var wait time.Duration
	for i := 0; i <= attempt; i++ {
		wait = schedule.NextBackOff()
	}
	return wait
}
