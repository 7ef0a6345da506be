package storage

// Key layout shared by every process. Changing any of these breaks
// cross-process compatibility with running workers.
const (
	// CancelledTasksKey is the set of task ids currently in status=cancelled.
	CancelledTasksKey = "cancelled_tasks"

	// PendingCancelKey is the set of project ids awaiting their first stillborn task.
	PendingCancelKey = "pending_cancel_projects"

	// TaskKeyPrefix prefixes the per-task hash.
	TaskKeyPrefix = "task:"

	// TaskKeyPattern matches every task hash for SCAN.
	TaskKeyPattern = TaskKeyPrefix + "*"

	// CacheKeyPrefix prefixes cached analysis results.
	CacheKeyPrefix = "llm_cache:"

	// CacheKeyPattern matches every cache entry for SCAN.
	CacheKeyPattern = CacheKeyPrefix + "*"
)

// TaskKey returns the hash key for a task.
func TaskKey(id string) string {
	return TaskKeyPrefix + id
}

// ProjectTasksKey returns the set key indexing a project's task ids.
func ProjectTasksKey(projectID string) string {
	return "project:" + projectID + ":tasks"
}

// CacheKey returns the key holding the cached payload for a fingerprint.
func CacheKey(fingerprint string) string {
	return CacheKeyPrefix + fingerprint
}
