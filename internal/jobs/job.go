package jobs

import (
	"encoding/json"
	"time"
)

// Job is a long-running, checkpointed unit of orchestration work.
type Job struct {
	ID                string          `json:"id"`
	WorkspaceID       string          `json:"workspace_id"`
	Type              string          `json:"type"`
	State             State           `json:"state"`
	CommandName       string          `json:"command_name"`
	TotalUnits        int             `json:"total_units"` // 0 when unknown
	CompletedUnits    int             `json:"completed_units"`
	LastCheckpointSeq int64           `json:"last_checkpoint_seq"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	ErrorSummary      string          `json:"error_summary,omitempty"`
	CancelReason      string          `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
}

// Checkpoint is an append-only resumable snapshot of job progress.
type Checkpoint struct {
	JobID     string          `json:"job_id"`
	Sequence  int64           `json:"sequence"`
	Stage     string          `json:"stage"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// RunStatus is the status of a CommandRun or TaskRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsFinal reports whether the run has been closed.
func (s RunStatus) IsFinal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// CommandRun is the audit record of one CLI/API command invocation.
type CommandRun struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id,omitempty"`
	WorkspaceID string     `json:"workspace_id"`
	CommandName string     `json:"command_name"`
	Args        []string   `json:"args,omitempty"`
	Status      RunStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// TaskRun is the audit record of one attempt at one task within a job.
type TaskRun struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	CommandRunID string     `json:"command_run_id,omitempty"`
	TaskID       string     `json:"task_id"`
	TaskKey      string     `json:"task_key"`
	Attempt      int        `json:"attempt"`
	Status       RunStatus  `json:"status"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// LogEntry is one job log line. Field names are a stable wire format.
type LogEntry struct {
	JobID     string          `json:"jobId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence,omitempty"`
	Level     string          `json:"level,omitempty"`
	Source    string          `json:"source,omitempty"`
	Message   string          `json:"message,omitempty"`
	TaskID    string          `json:"taskId,omitempty"`
	TaskKey   string          `json:"taskKey,omitempty"`
	Phase     string          `json:"phase,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Task lifecycle markers carried in LogEntry.Details under "task_event".
const (
	TaskEventStarted   = "started"
	TaskEventSucceeded = "succeeded"
	TaskEventFailed    = "failed"
)

// TaskEventDetails encodes a task lifecycle marker as log details.
func TaskEventDetails(event string) json.RawMessage {
	b, _ := json.Marshal(struct {
		TaskEvent string `json:"task_event"`
	}{event})
	return b
}

// TaskEvent returns the lifecycle marker in the entry's details, or "".
func (e LogEntry) TaskEvent() string {
	if len(e.Details) == 0 {
		return ""
	}
	var d struct {
		TaskEvent string `json:"task_event"`
	}
	if json.Unmarshal(e.Details, &d) != nil {
		return ""
	}
	return d.TaskEvent
}

// LogCursor marks the last log entry a reader has seen. Callers treat it as
// opaque and hand it back unchanged. Paging follows Sequence; Timestamp is
// informational.
type LogCursor struct {
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

// LogQuery selects log entries strictly after a cursor and/or at or after
// a timestamp.
type LogQuery struct {
	Since time.Time
	After *LogCursor
	Limit int
}

// LogPage is one batch of log entries plus the cursor to continue from.
type LogPage struct {
	Entries []LogEntry `json:"entries"`
	Cursor  *LogCursor `json:"cursor,omitempty"`
}

// TokenUsage records model tokens consumed by a task.
type TokenUsage struct {
	JobID            string    `json:"job_id"`
	TaskID           string    `json:"task_id,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Timestamp        time.Time `json:"timestamp"`
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	WorkspaceID string
	States      []State
	Limit       int
}

// TaskSummary aggregates a job's task runs by status.
type TaskSummary struct {
	JobID    string            `json:"job_id"`
	Total    int               `json:"total"`
	ByStatus map[RunStatus]int `json:"by_status"`
	Failed   []string          `json:"failed,omitempty"` // Task keys whose latest attempt failed
}

// TokenUsageSummary aggregates a job's token usage.
type TokenUsageSummary struct {
	JobID            string                `json:"job_id"`
	PromptTokens     int                   `json:"prompt_tokens"`
	CompletionTokens int                   `json:"completion_tokens"`
	TotalTokens      int                   `json:"total_tokens"`
	ByModel          map[string]TokenCount `json:"by_model"`
}

// TokenCount is a prompt/completion pair.
type TokenCount struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
