package jobs

import (
	"context"
	"time"
)

// StateUpdate describes a compare-and-swap state change.
type StateUpdate struct {
	To           State
	At           time.Time
	ErrorSummary string // Kept unchanged when empty
	CancelReason string // Kept unchanged when empty
	MarkStarted  bool   // Sets started_at if it is not set yet
	MarkFinished bool   // Sets finished_at
}

// Store persists jobs and their audit trail. Implementations must make every
// method safe for concurrent use across goroutines and processes.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	// GetJob returns nil, nil when the job does not exist.
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	// SwapJobState applies update only while the job is still in expected.
	// It returns false when another writer got there first.
	SwapJobState(ctx context.Context, id string, expected State, update StateUpdate) (bool, error)
	UpdateJobProgress(ctx context.Context, id string, completed, total int, at time.Time) error

	// AppendCheckpoint assigns the next sequence number atomically.
	AppendCheckpoint(ctx context.Context, cp Checkpoint) (Checkpoint, error)
	// LatestCheckpoint returns nil, nil when the job has no checkpoints.
	LatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, jobID string) ([]Checkpoint, error)

	CreateCommandRun(ctx context.Context, run *CommandRun) error
	// AttachCommandRun links a command run opened before its job existed.
	AttachCommandRun(ctx context.Context, id, jobID string) error
	// FinishCommandRun closes a running command run; false if it was
	// already closed or does not exist.
	FinishCommandRun(ctx context.Context, id string, status RunStatus, errMsg string, at time.Time) (bool, error)
	GetCommandRun(ctx context.Context, id string) (*CommandRun, error)
	ListCommandRuns(ctx context.Context, jobID string) ([]CommandRun, error)

	CreateTaskRun(ctx context.Context, run *TaskRun) error
	FinishTaskRun(ctx context.Context, id string, status RunStatus, errMsg string, at time.Time) (bool, error)
	ListTaskRuns(ctx context.Context, jobID string) ([]TaskRun, error)

	// AppendLog assigns the next per-job sequence number atomically.
	AppendLog(ctx context.Context, entry LogEntry) (LogEntry, error)
	ListLogs(ctx context.Context, jobID string, q LogQuery) ([]LogEntry, error)

	RecordTokenUsage(ctx context.Context, usage TokenUsage) error
	ListTokenUsage(ctx context.Context, jobID string) ([]TokenUsage, error)
}
