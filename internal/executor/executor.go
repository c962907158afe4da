// Package executor runs individual tasks on behalf of a job.
package executor

import (
	"context"

	"github.com/aristath/workgraph/internal/scheduler"
)

// Status is the outcome an executor reports for a task.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Request describes one task attempt.
type Request struct {
	JobID   string
	Task    scheduler.Task
	Attempt int
}

// Usage is token consumption reported by the task.
type Usage struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// Result is what a finished attempt produced. A task that ran to completion
// but reported StatusFailed is returned with a nil error; errors are reserved
// for attempts that could not run or crashed and are worth retrying.
type Result struct {
	Status Status
	Output string
	Usage  *Usage
}

// TaskExecutor runs a single task attempt.
type TaskExecutor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to TaskExecutor.
type Func func(ctx context.Context, req Request) (Result, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
