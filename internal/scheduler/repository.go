package scheduler

import "context"

// TaskScope narrows a project to a subset of tasks.
type TaskScope struct {
	ProjectKey   string
	EpicKey      string
	StoryKey     string
	TaskKeys     []string
	IncludeTypes []string
	ExcludeTypes []string
}

// TaskRepository is the read/write access the scheduler and runner need to the
// task store.
type TaskRepository interface {
	// GetTasksInScope returns tasks matching every non-empty field of scope.
	GetTasksInScope(ctx context.Context, scope TaskScope) ([]Task, error)
	// GetDependencyEdges returns all edges whose TaskID is in taskIDs.
	GetDependencyEdges(ctx context.Context, taskIDs []string) ([]Edge, error)
	// GetOpenComments returns unresolved comments of a category for a task.
	GetOpenComments(ctx context.Context, taskID, category string) ([]Comment, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error
	UpdateTaskMetadata(ctx context.Context, taskID string, metadata map[string]any) error
}
