package registry

// Status is the lifecycle state of a task.
//
// Lifecycle: running -> completed
//
//	running -> cancelled (via Cancel or CancelByProject)
//	cancelled -> completed (Complete always wins; status is authoritative)
type Status string

const (
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"

	// StatusNotFound is reported by Status for unknown task ids. It is never stored.
	StatusNotFound Status = "not_found"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

// MetadataProjectID is the metadata key that makes a task cancellable by project.
const MetadataProjectID = "project_id"

// Info is a snapshot of one task hash.
type Info struct {
	ID       string            `json:"id"`
	Type     string            `json:"type,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Status   Status            `json:"status"`
}

// ProjectID returns the owning project, or "" when the task has none.
func (i Info) ProjectID() string {
	return i.Metadata[MetadataProjectID]
}
