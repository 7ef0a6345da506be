// Package testutil provides test utilities for the llm package.
package testutil

import (
	"context"
	"sync"
	"time"
)

// Step is one scripted reply.
type Step struct {
	Text  string
	Err   error
	Delay time.Duration // simulated latency, interrupted by ctx
}

// MockCaller is a thread-safe scripted llm.Caller.
//
// Usage:
//
//	// Rate limited twice, then a payload
//	mock := &MockCaller{
//	    Steps: []Step{
//	        {Err: llm.NewRateLimitError(errors.New("429"), 0)},
//	        {Err: llm.NewRateLimitError(errors.New("429"), 0)},
//	        {Text: `{"items":[]}`},
//	    },
//	}
type MockCaller struct {
	mu sync.Mutex

	// Steps are consumed in order. Once exhausted, Default is returned.
	Steps   []Step
	Default Step

	// OnCall runs before each reply with the 1-based call number.
	OnCall func(n int)

	// IgnoreContext makes Delay run to completion even when ctx is
	// cancelled, like a request already on the wire.
	IgnoreContext bool

	prompts   []string
	maxTokens []int
	calls     []time.Time
}

// Call implements llm.Caller.
func (m *MockCaller) Call(ctx context.Context, prompt string, maxTokens int) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.maxTokens = append(m.maxTokens, maxTokens)
	m.calls = append(m.calls, time.Now())
	n := len(m.calls)

	step := m.Default
	if n <= len(m.Steps) {
		step = m.Steps[n-1]
	}
	onCall := m.OnCall
	m.mu.Unlock()

	if onCall != nil {
		onCall(n)
	}

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		if m.IgnoreContext {
			<-timer.C
		} else {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-timer.C:
			}
		}
	}

	if step.Err != nil {
		return "", step.Err
	}
	return step.Text, nil
}

// CallCount returns the number of calls made.
func (m *MockCaller) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Prompts returns every prompt received, in order.
func (m *MockCaller) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// MaxTokens returns the max token argument of every call, in order.
func (m *MockCaller) MaxTokens() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.maxTokens...)
}

// CallTimes returns when each call started.
func (m *MockCaller) CallTimes() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.calls...)
}

// Reset clears recorded calls so Steps replay from the start.
func (m *MockCaller) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = nil
	m.maxTokens = nil
	m.calls = nil
}
