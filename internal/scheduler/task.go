package scheduler

// TaskStatus is the workflow status token stored on a task.
type TaskStatus string

const (
	StatusNotStarted       TaskStatus = "not_started"
	StatusInProgress       TaskStatus = "in_progress"
	StatusChangesRequested TaskStatus = "changes_requested"
	StatusReadyToReview    TaskStatus = "ready_to_review"
	StatusReadyToQA        TaskStatus = "ready_to_qa"
	StatusCompleted        TaskStatus = "completed"
	StatusCancelled        TaskStatus = "cancelled"
	StatusFailed           TaskStatus = "failed"
)

// RelationType labels a dependency edge.
type RelationType string

const (
	// RelationBlocks is the only relation that affects scheduling.
	RelationBlocks  RelationType = "blocks"
	RelationRelates RelationType = "relates_to"
)

// CommentMissingContext is the comment category that flags a task as lacking
// the information needed to start it.
const CommentMissingContext = "missing_context"

// Task is a unit of work in the project graph.
type Task struct {
	ID          string         // Stable identifier
	Key         string         // Human-facing key, unique within a project
	ProjectKey  string         // Owning project
	EpicKey     string         // Parent epic (may be empty)
	StoryKey    string         // Parent story (may be empty)
	Title       string
	Type        string         // e.g. "feature", "bug", "chore"
	Status      TaskStatus
	Priority    int            // Lower is more urgent
	StoryPoints int            // Estimate, used as a tie-breaker
	Metadata    map[string]any // Free-form bag owned by callers
}

// Edge is a directed dependency: TaskID depends on DependsOnID.
type Edge struct {
	TaskID       string
	DependsOnID  string
	RelationType RelationType
}

// Blocks reports whether the edge participates in scheduling.
func (e Edge) Blocks() bool {
	return e.RelationType == RelationBlocks
}

// Comment is a note attached to a task.
type Comment struct {
	ID       int64
	TaskID   string
	Category string
	Body     string
	Status   string // "open" or "resolved"
}

// cloneTask returns a copy of the task so callers can't mutate graph state.
func cloneTask(t *Task) Task {
	clone := *t
	if t.Metadata != nil {
		clone.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	return clone
}
