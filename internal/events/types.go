package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	JobID() string
}

// Topic constants
const (
	TopicJob  = "job"
	TopicTask = "task"
	TopicLog  = "log"
)

// Event type constants
const (
	EventTypeJobState        = "job.state"
	EventTypeJobProgress     = "job.progress"
	EventTypeCheckpoint      = "job.checkpoint"
	EventTypeTaskRunStarted  = "task.started"
	EventTypeTaskRunFinished = "task.finished"
	EventTypeJobLog          = "job.log"
)

// JobStateChangedEvent is published on every job state transition.
type JobStateChangedEvent struct {
	ID        string    `json:"job_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e JobStateChangedEvent) EventType() string { return EventTypeJobState }
func (e JobStateChangedEvent) Topic() string     { return TopicJob }
func (e JobStateChangedEvent) JobID() string     { return e.ID }

// JobProgressEvent is published when a job's unit counters move.
type JobProgressEvent struct {
	ID        string    `json:"job_id"`
	Completed int       `json:"completed_units"`
	Total     int       `json:"total_units"`
	Timestamp time.Time `json:"timestamp"`
}

func (e JobProgressEvent) EventType() string { return EventTypeJobProgress }
func (e JobProgressEvent) Topic() string     { return TopicJob }
func (e JobProgressEvent) JobID() string     { return e.ID }

// CheckpointWrittenEvent is published after a checkpoint is persisted.
type CheckpointWrittenEvent struct {
	ID        string    `json:"job_id"`
	Sequence  int64     `json:"sequence"`
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}

func (e CheckpointWrittenEvent) EventType() string { return EventTypeCheckpoint }
func (e CheckpointWrittenEvent) Topic() string     { return TopicJob }
func (e CheckpointWrittenEvent) JobID() string     { return e.ID }

// TaskRunStartedEvent is published when a task attempt begins.
type TaskRunStartedEvent struct {
	ID        string    `json:"job_id"`
	RunID     string    `json:"run_id"`
	TaskKey   string    `json:"task_key"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskRunStartedEvent) EventType() string { return EventTypeTaskRunStarted }
func (e TaskRunStartedEvent) Topic() string     { return TopicTask }
func (e TaskRunStartedEvent) JobID() string     { return e.ID }

// TaskRunFinishedEvent is published when a task attempt reaches a final status.
type TaskRunFinishedEvent struct {
	ID        string        `json:"job_id"`
	RunID     string        `json:"run_id"`
	TaskKey   string        `json:"task_key"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskRunFinishedEvent) EventType() string { return EventTypeTaskRunFinished }
func (e TaskRunFinishedEvent) Topic() string     { return TopicTask }
func (e TaskRunFinishedEvent) JobID() string     { return e.ID }

// JobLogEvent mirrors a persisted log line.
type JobLogEvent struct {
	ID        string    `json:"job_id"`
	Sequence  int64     `json:"sequence"`
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message,omitempty"`
	TaskKey   string    `json:"task_key,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e JobLogEvent) EventType() string { return EventTypeJobLog }
func (e JobLogEvent) Topic() string     { return TopicLog }
func (e JobLogEvent) JobID() string     { return e.ID }
