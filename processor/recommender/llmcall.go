package recommender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360studio/finops/llm"
)

// callLLM sends the prompt, retrying only rate-limit failures. Pacing
// applies to the first attempt; retries wait on the backoff schedule. A
// cancelled task aborts the loop at the next checkpoint or mid-sleep.
func (o *Orchestrator) callLLM(ctx context.Context, id, prompt string) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", interrupted(ctx, err)
	}

	schedule := o.config.Retry.NewBackOff()
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := o.checkpoint(ctx, id); err != nil {
				return "", err
			}
		}

		text, err := o.attempt(ctx, prompt)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			// The reply of a call cut short by cancellation is discarded.
			return "", interrupted(ctx, ctx.Err())
		}
		if !llm.IsRateLimited(err) {
			return "", fmt.Errorf("%w: %w", ErrLLM, err)
		}

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			return "", fmt.Errorf("%w after %d attempts: %w", ErrRateLimited, attempt+1, err)
		}
		var rl *llm.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > wait {
			wait = min(rl.RetryAfter, o.config.Retry.MaxWait())
		}

		if err := o.checkpoint(ctx, id); err != nil {
			return "", err
		}
		o.deps.Metrics.LLMRateLimitRetry()
		o.logger.Info("LLM rate limited, backing off",
			"task_id", id,
			"attempt", attempt+1,
			"max_retries", o.config.Retry.MaxRetries,
			"wait", wait)

		if err := o.sleep(ctx, wait); err != nil {
			return "", interrupted(ctx, err)
		}
	}
}

// attempt makes one bounded call.
func (o *Orchestrator) attempt(ctx context.Context, prompt string) (string, error) {
	if o.config.Retry.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.Retry.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	text, err := o.deps.LLM.Call(ctx, prompt, o.config.MaxTokens)
	o.deps.Metrics.LLMAttempt(time.Since(start))
	return text, err
}

func interrupted(ctx context.Context, err error) error {
	if isCancelled(ctx) {
		return errCancelled
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
