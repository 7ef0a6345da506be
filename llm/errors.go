package llm

import (
	"errors"
	"fmt"
	"time"
)

// Error types for classifying LLM errors. The client only classifies; retry
// decisions belong to the caller.

// ErrParse reports a response whose JSON could not be extracted even after
// repair. It is never worth retrying.
var ErrParse = errors.New("llm response is not valid JSON")

// RateLimitError reports that the provider throttled the request.
type RateLimitError struct {
	err error

	// RetryAfter is the provider's hint, zero when absent.
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return e.err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.err
}

// NewRateLimitError wraps an error as a rate limit.
func NewRateLimitError(err error, retryAfter time.Duration) error {
	return &RateLimitError{err: err, RetryAfter: retryAfter}
}

// TransientError represents a temporary failure such as a network error or a
// 5xx reply.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsRateLimited returns true if the provider throttled the request.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsTransient returns true if the error is a temporary failure.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsParse returns true if the error came from JSON extraction.
func IsParse(err error) bool {
	return errors.Is(err, ErrParse)
}

func parseError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}
