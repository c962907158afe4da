package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aristath/workgraph/internal/events"
)

// CommandRunRequest describes a command invocation to audit.
type CommandRunRequest struct {
	JobID       string
	WorkspaceID string
	CommandName string
	Args        []string
}

// OpenCommandRun records the start of a command.
func (e *Engine) OpenCommandRun(ctx context.Context, req CommandRunRequest) (*CommandRun, error) {
	run := &CommandRun{
		ID:          e.newID(),
		JobID:       req.JobID,
		WorkspaceID: req.WorkspaceID,
		CommandName: req.CommandName,
		Args:        req.Args,
		Status:      RunRunning,
		StartedAt:   e.now(),
	}
	if err := e.store.CreateCommandRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to open command run: %w", err)
	}
	return run, nil
}

// AttachCommandRun records jobID on a run that was opened before the job was
// created.
func (e *Engine) AttachCommandRun(ctx context.Context, run *CommandRun, jobID string) error {
	if err := e.store.AttachCommandRun(ctx, run.ID, jobID); err != nil {
		return err
	}
	run.JobID = jobID
	return nil
}

// ListCommandRuns returns the audit trail of commands that touched a job.
func (e *Engine) ListCommandRuns(ctx context.Context, jobID string) ([]CommandRun, error) {
	runs, err := e.store.ListCommandRuns(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list command runs for job %s: %w", jobID, err)
	}
	return runs, nil
}

// CloseCommandRun finalizes a command run. Closing an already closed run is a
// no-op that keeps the first result.
func (e *Engine) CloseCommandRun(ctx context.Context, id string, status RunStatus, cause error) error {
	if !status.IsFinal() {
		return fmt.Errorf("cannot close command run with status %q", status)
	}
	applied, err := e.store.FinishCommandRun(ctx, id, status, errString(cause), e.now())
	if err != nil {
		return fmt.Errorf("failed to close command run %s: %w", id, err)
	}
	if applied {
		return nil
	}
	run, err := e.store.GetCommandRun(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load command run %s: %w", id, err)
	}
	if run == nil {
		return fmt.Errorf("command run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

// RunCommand opens a CommandRun, calls fn and closes the run with the
// outcome, including when fn panics. A cancelled context closes the run as
// cancelled.
func (e *Engine) RunCommand(ctx context.Context, req CommandRunRequest, fn func(ctx context.Context, run *CommandRun) error) (err error) {
	run, err := e.OpenCommandRun(ctx, req)
	if err != nil {
		return err
	}

	// The run must be closed even when ctx is already done
	closeCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			if closeErr := e.CloseCommandRun(closeCtx, run.ID, RunFailed, fmt.Errorf("panic: %v", r)); closeErr != nil {
				e.logger.Error("failed to close command run after panic", "run_id", run.ID, "error", closeErr)
			}
			panic(r)
		}
	}()

	err = fn(ctx, run)

	status := RunSucceeded
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		status = RunCancelled
	default:
		status = RunFailed
	}

	if closeErr := e.CloseCommandRun(closeCtx, run.ID, status, err); closeErr != nil {
		return errors.Join(err, closeErr)
	}
	return err
}

// TaskRunRequest describes one task attempt.
type TaskRunRequest struct {
	JobID        string
	CommandRunID string
	TaskID       string
	TaskKey      string
	Attempt      int
}

// StartTaskRun records the start of a task attempt.
func (e *Engine) StartTaskRun(ctx context.Context, req TaskRunRequest) (*TaskRun, error) {
	attempt := req.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	run := &TaskRun{
		ID:           e.newID(),
		JobID:        req.JobID,
		CommandRunID: req.CommandRunID,
		TaskID:       req.TaskID,
		TaskKey:      req.TaskKey,
		Attempt:      attempt,
		Status:       RunRunning,
		StartedAt:    e.now(),
	}
	if err := e.store.CreateTaskRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to start task run for %s: %w", req.TaskKey, err)
	}

	e.bus.Publish(events.TaskRunStartedEvent{
		ID:        run.JobID,
		RunID:     run.ID,
		TaskKey:   run.TaskKey,
		Attempt:   run.Attempt,
		Timestamp: run.StartedAt,
	})
	return run, nil
}

// FinishTaskRun finalizes a task attempt. A second finish is a no-op.
func (e *Engine) FinishTaskRun(ctx context.Context, run *TaskRun, status RunStatus, cause error) error {
	if !status.IsFinal() {
		return fmt.Errorf("cannot finish task run with status %q", status)
	}
	now := e.now()
	applied, err := e.store.FinishTaskRun(ctx, run.ID, status, errString(cause), now)
	if err != nil {
		return fmt.Errorf("failed to finish task run %s: %w", run.ID, err)
	}
	if !applied {
		return nil
	}

	run.Status = status
	run.Error = errString(cause)
	run.FinishedAt = &now

	e.bus.Publish(events.TaskRunFinishedEvent{
		ID:        run.JobID,
		RunID:     run.ID,
		TaskKey:   run.TaskKey,
		Status:    string(status),
		Error:     run.Error,
		Duration:  now.Sub(run.StartedAt),
		Timestamp: now,
	})
	return nil
}

// SummarizeTasks counts the latest attempt of every task in a job by status.
func (e *Engine) SummarizeTasks(ctx context.Context, jobID string) (*TaskSummary, error) {
	runs, err := e.store.ListTaskRuns(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task runs for job %s: %w", jobID, err)
	}
	return SummarizeTaskRuns(jobID, runs), nil
}

// SummarizeTaskRuns aggregates runs, counting only each task's latest attempt.
func SummarizeTaskRuns(jobID string, runs []TaskRun) *TaskSummary {
	latest := make(map[string]TaskRun)
	for _, r := range runs {
		prev, ok := latest[r.TaskID]
		if !ok || r.Attempt > prev.Attempt || (r.Attempt == prev.Attempt && r.StartedAt.After(prev.StartedAt)) {
			latest[r.TaskID] = r
		}
	}

	summary := &TaskSummary{
		JobID:    jobID,
		Total:    len(latest),
		ByStatus: make(map[RunStatus]int),
	}
	for _, r := range latest {
		summary.ByStatus[r.Status]++
		if r.Status == RunFailed {
			summary.Failed = append(summary.Failed, r.TaskKey)
		}
	}
	sort.Strings(summary.Failed)
	return summary
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
