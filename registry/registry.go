// Package registry implements the cross-process task registry that
// coordinates long-running analysis jobs.
//
// Authoritative state is the shared store. The registry keeps no mirror of
// task status; every query goes to the store so a cancel issued by one process
// is visible to workers in all others.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/c360studio/finops/storage"
)

// Registry is the task registry over the shared store.
type Registry struct {
	store  *storage.Client
	logger *slog.Logger

	// mu serializes the non-atomic scan-then-delete in CleanupCompleted
	// within this process. Cross-process atomicity comes from the scripts.
	mu sync.Mutex

	newID func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates a registry over the given store.
func New(store *storage.Client, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: slog.Default(),
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) rdb() *redis.Client {
	return r.store.Redis()
}

// Create registers a new task and returns its id. If the task's project has a
// pending-cancel sentinel, the sentinel is consumed and the task is born
// cancelled.
func (r *Registry) Create(ctx context.Context, taskType string, metadata map[string]string) (string, error) {
	id := r.newID()
	pid := metadata[MetadataProjectID]

	if metadata == nil {
		metadata = map[string]string{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}

	ctx, cancel := r.store.WithTimeout(ctx)
	defer cancel()

	status, err := createScript.Run(ctx, r.rdb(),
		[]string{storage.TaskKey(id), storage.ProjectTasksKey(pid), storage.CancelledTasksKey, storage.PendingCancelKey},
		id, taskType, string(encoded), pid,
	).Text()
	if err != nil {
		return "", storage.Unavailable("create task", err)
	}

	if Status(status) == StatusCancelled {
		r.logger.Info("Task born cancelled by pending project cancel",
			"task_id", id, "project_id", pid, "type", taskType)
	} else {
		r.logger.Debug("Task created", "task_id", id, "project_id", pid, "type", taskType)
	}
	return id, nil
}

// Cancel flips a running task to cancelled. It returns whether the task was
// found. Cancelling an already cancelled or completed task changes nothing.
func (r *Registry) Cancel(ctx context.Context, id string) (bool, error) {
	ctx, cancel := r.store.WithTimeout(ctx)
	defer cancel()

	found, err := cancelScript.Run(ctx, r.rdb(),
		[]string{storage.TaskKey(id), storage.CancelledTasksKey}, id,
	).Int64()
	if err != nil {
		return false, storage.Unavailable("cancel task", err)
	}
	return found == 1, nil
}

// CancelByProject cancels every running task owned by the project and returns
// how many were transitioned. When the project has no tasks at all, a
// pending-cancel sentinel is left so the next Create for the project is
// stillborn; when it does have tasks, any stale sentinel is cleared.
func (r *Registry) CancelByProject(ctx context.Context, projectID string) (int, error) {
	ctx, cancel := r.store.WithTimeout(ctx)
	defer cancel()

	n, err := cancelProjectScript.Run(ctx, r.rdb(),
		[]string{storage.ProjectTasksKey(projectID), storage.CancelledTasksKey, storage.PendingCancelKey},
		projectID, storage.TaskKeyPrefix,
	).Int64()
	if err != nil {
		return 0, storage.Unavailable("cancel project tasks", err)
	}

	r.logger.Info("Project tasks cancelled", "project_id", projectID, "cancelled", n)
	return int(n), nil
}

// IsCancelled reports whether the task is in the cancelled index. This is
// the checkpoint poll; it is a single set membership test.
func (r *Registry) IsCancelled(ctx context.Context, id string) (bool, error) {
	ctx, cancel := r.store.WithTimeout(ctx)
	defer cancel()

	ok, err := r.rdb().SIsMember(ctx, storage.CancelledTasksKey, id).Result()
	if err != nil {
		return false, storage.Unavailable("is cancelled", err)
	}
	return ok, nil
}

// Complete marks the task completed and removes it from the cancelled index.
// Project membership is kept until CleanupCompleted. Completing an unknown
// task is a no-op.
func (r *Registry) Complete(ctx context.Context, id string) error {
	ctx, cancel := r.store.WithTimeout(ctx)
	defer cancel()

	found, err := completeScript.Run(ctx, r.rdb(),
		[]string{storage.TaskKey(id), storage.CancelledTasksKey}, id,
	).Int64()
	if err != nil {
		return storage.Unavailable("complete task", err)
	}
	if found == 0 {
		r.logger.Debug("Complete on unknown task", "task_id", id)
	}
	return nil
}

// Status returns the stored task, or an Info with StatusNotFound.
func (r *Registry) Status(ctx context.Context, id string) (Info, error) {
	ctx, cancel := r.store.WithTimeout(ctx)
	defer cancel()

	fields, err := r.rdb().HGetAll(ctx, storage.TaskKey(id)).Result()
	if err != nil {
		return Info{}, storage.Unavailable("task status", err)
	}
	if len(fields) == 0 {
		return Info{ID: id, Status: StatusNotFound}, nil
	}
	return r.decode(id, fields), nil
}

// HasPendingCancel reports whether the project has an unconsumed sentinel.
func (r *Registry) HasPendingCancel(ctx context.Context, projectID string) (bool, error) {
	ctx, cancel := r.store.WithTimeout(ctx)
	defer cancel()

	ok, err := r.rdb().SIsMember(ctx, storage.PendingCancelKey, projectID).Result()
	if err != nil {
		return false, storage.Unavailable("pending cancel", err)
	}
	return ok, nil
}

// ListByProject returns every task indexed under the project.
func (r *Registry) ListByProject(ctx context.Context, projectID string) ([]Info, error) {
	membersCtx, cancel := r.store.WithTimeout(ctx)
	ids, err := r.rdb().SMembers(membersCtx, storage.ProjectTasksKey(projectID)).Result()
	cancel()
	if err != nil {
		return nil, storage.Unavailable("project tasks", err)
	}

	tasks := make([]Info, 0, len(ids))
	for _, id := range ids {
		info, err := r.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if info.Status == StatusNotFound {
			continue
		}
		tasks = append(tasks, info)
	}
	return tasks, nil
}

// ListActive scans every task and returns those still running. It is meant
// for observability and is not used on hot paths.
func (r *Registry) ListActive(ctx context.Context) ([]Info, error) {
	var active []Info
	seen := make(map[string]bool)

	err := r.scanTasks(ctx, func(info Info) error {
		if info.Status == StatusRunning && !seen[info.ID] {
			seen[info.ID] = true
			active = append(active, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

// CleanupCompleted deletes every terminal task together with its project
// membership. Cancelled ids stay in the cancelled index so a worker still
// running one keeps observing the cancellation; Complete removes them. It
// returns the number of tasks removed.
func (r *Registry) CleanupCompleted(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var terminal []Info
	seen := make(map[string]bool)
	err := r.scanTasks(ctx, func(info Info) error {
		if info.Status.Terminal() && !seen[info.ID] {
			seen[info.ID] = true
			terminal = append(terminal, info)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, info := range terminal {
		callCtx, cancel := r.store.WithTimeout(ctx)
		_, err := r.rdb().TxPipelined(callCtx, func(pipe redis.Pipeliner) error {
			pipe.Del(callCtx, storage.TaskKey(info.ID))
			if pid := info.ProjectID(); pid != "" {
				pipe.SRem(callCtx, storage.ProjectTasksKey(pid), info.ID)
			}
			return nil
		})
		cancel()
		if err != nil {
			return removed, storage.Unavailable("cleanup task", err)
		}
		removed++
	}

	r.logger.Info("Cleaned up terminal tasks", "removed", removed)
	return removed, nil
}

// scanTasks loads every task hash and hands it to fn.
func (r *Registry) scanTasks(ctx context.Context, fn func(Info) error) error {
	return r.store.ScanKeys(ctx, storage.TaskKeyPattern, func(keys []string) error {
		for _, key := range keys {
			callCtx, cancel := r.store.WithTimeout(ctx)
			fields, err := r.rdb().HGetAll(callCtx, key).Result()
			cancel()
			if err != nil {
				// A key of the wrong type under task:* is not ours; skip it.
				if isWrongType(err) {
					continue
				}
				return storage.Unavailable("scan task", err)
			}
			if len(fields) == 0 {
				continue
			}
			if err := fn(r.decode(key[len(storage.TaskKeyPrefix):], fields)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Registry) decode(id string, fields map[string]string) Info {
	info := Info{
		ID:     fields["id"],
		Type:   fields["type"],
		Status: Status(fields["status"]),
	}
	if info.ID == "" {
		info.ID = id
	}

	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &info.Metadata); err != nil {
			r.logger.Warn("Malformed task metadata", "task_id", info.ID, "error", err)
			info.Metadata = nil
		}
	}
	return info
}

func isWrongType(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "WRONGTYPE")
}
