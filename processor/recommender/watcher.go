package recommender

import (
	"context"
	"sync"
	"time"
)

// watch polls the registry until stop is called and cancels ctx with
// errCancelled once the task is cancelled. Poll errors are left to the
// next checkpoint.
func (o *Orchestrator) watch(ctx context.Context, id string, cancel context.CancelCauseFunc) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.config.CancelPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				cancelled, err := o.deps.Registry.IsCancelled(ctx, id)
				if err != nil {
					o.logger.Debug("Cancellation poll failed", "task_id", id, "error", err)
					continue
				}
				if cancelled {
					o.logger.Debug("Watcher observed cancellation", "task_id", id)
					cancel(errCancelled)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
