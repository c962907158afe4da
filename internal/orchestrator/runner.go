package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/workgraph/internal/executor"
	"github.com/aristath/workgraph/internal/jobs"
	"github.com/aristath/workgraph/internal/scheduler"
)

// TaskWriter records task outcomes.
type TaskWriter interface {
	UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus) error
	UpdateTaskMetadata(ctx context.Context, taskID string, metadata map[string]any) error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Concurrency  int                     // Max concurrent tasks within a parallel batch (default 1)
	Retry        RetryConfig             // Zero value selects DefaultRetryConfig
	Breakers     *CircuitBreakerRegistry // Optional; a default registry is created when nil
	PollInterval time.Duration           // How often a paused job is re-read (default 1s)
	Logger       *slog.Logger
}

// Runner executes a selection plan as a job: it creates the job, dispatches
// tasks to the executor, records task runs, logs and checkpoints, and settles
// the job state when the plan is exhausted or execution stops.
type Runner struct {
	engine   *jobs.Engine
	selector Selector
	tasks    TaskWriter
	exec     executor.TaskExecutor
	resumer  *ResumeService
	breakers *CircuitBreakerRegistry
	cfg      RunnerConfig
	logger   *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(engine *jobs.Engine, selector Selector, tasks TaskWriter, exec executor.TaskExecutor, cfg RunnerConfig) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	breakers := cfg.Breakers
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(BreakerConfig{}, logger)
	}
	return &Runner{
		engine:   engine,
		selector: selector,
		tasks:    tasks,
		exec:     exec,
		resumer:  NewResumeService(engine, selector, logger),
		breakers: breakers,
		cfg:      cfg,
		logger:   logger,
	}
}

// RunRequest describes a new execution.
type RunRequest struct {
	WorkspaceID string
	Filters     scheduler.Filters
	Args        []string // Recorded on the command run
}

// RunReport summarizes an execution.
type RunReport struct {
	Job       *jobs.Job
	Plan      *scheduler.SelectionPlan
	Succeeded []string // Task keys, sorted
	Failed    []string // Task keys, sorted
}

// Run selects tasks for req.Filters and executes them under a new job.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	var report *RunReport
	err := r.engine.RunCommand(ctx, jobs.CommandRunRequest{
		WorkspaceID: req.WorkspaceID,
		CommandName: "run",
		Args:        req.Args,
	}, func(ctx context.Context, cmd *jobs.CommandRun) error {
		plan, err := r.selector.SelectTasks(ctx, req.Filters)
		if err != nil {
			return err
		}

		phase, _ := scheduler.ParsePhase(string(req.Filters.Phase))
		job, err := r.engine.CreateJob(ctx, jobs.CreateJobRequest{
			WorkspaceID: req.WorkspaceID,
			Type:        string(phase),
			CommandName: "run",
			TotalUnits:  len(plan.Ordered),
			Payload:     req.Filters,
		})
		if err != nil {
			return err
		}
		if err := r.engine.AttachCommandRun(ctx, cmd, job.ID); err != nil {
			return err
		}

		// The plan checkpoint makes the job resumable before any task ran
		if _, err := r.engine.WriteCheckpoint(ctx, job.ID, StagePlan, PlanManifest{
			Filters:     req.Filters,
			Fingerprint: plan.Fingerprint,
		}); err != nil {
			return err
		}
		for _, w := range plan.Warnings {
			r.appendLog(ctx, jobs.LogEntry{JobID: job.ID, Level: "warn", Source: "scheduler", Message: w})
		}

		if _, err := r.engine.Start(ctx, job.ID); err != nil {
			return err
		}

		report, err = r.execute(ctx, job, cmd.ID, req.Filters, plan, nil)
		return err
	})
	return report, err
}

// Resume continues a stopped job from its latest checkpoint.
func (r *Runner) Resume(ctx context.Context, jobID string) (*RunReport, error) {
	var report *RunReport
	err := r.engine.RunCommand(ctx, jobs.CommandRunRequest{
		JobID:       jobID,
		CommandName: "resume",
	}, func(ctx context.Context, cmd *jobs.CommandRun) error {
		res, err := r.resumer.Resume(ctx, jobID)
		if err != nil {
			return err
		}
		r.appendLog(ctx, jobs.LogEntry{
			JobID:   jobID,
			Level:   "info",
			Source:  "runner",
			Message: fmt.Sprintf("resumed from checkpoint %d (%s), %d task(s) remaining", res.Checkpoint.Sequence, res.Checkpoint.Stage, len(res.Remaining)),
		})
		report, err = r.execute(ctx, res.Job, cmd.ID, res.Manifest.Filters, res.Plan, res.Manifest.CompletedKeys)
		return err
	})
	return report, err
}

// execution is the mutable state of one execute call.
type execution struct {
	job       *jobs.Job
	plan      *scheduler.SelectionPlan
	cmdRunID  string
	filters   scheduler.Filters
	phase     scheduler.Phase
	mu        sync.Mutex // serializes task completion bookkeeping
	completed []string   // Keys finished by this job, including earlier runs
	succeeded []string
	failed    []string
	total     int
}

func (r *Runner) execute(ctx context.Context, job *jobs.Job, cmdRunID string, filters scheduler.Filters, plan *scheduler.SelectionPlan, completed []string) (*RunReport, error) {
	phase, _ := scheduler.ParsePhase(string(filters.Phase))
	done := make(map[string]bool, len(completed))
	for _, k := range completed {
		done[k] = true
	}

	batches := pendingBatches(plan, filters.Parallel, done)
	ex := &execution{
		job:       job,
		plan:      plan,
		cmdRunID:  cmdRunID,
		filters:   filters,
		phase:     phase,
		completed: append([]string(nil), completed...),
	}
	for _, b := range batches {
		ex.total += len(b)
	}
	ex.total += len(completed)

	// Settling must happen even when ctx was cancelled
	settleCtx := context.WithoutCancel(ctx)

	if err := r.engine.UpdateProgress(ctx, job.ID, len(completed), ex.total); err != nil {
		return nil, r.settleFailed(settleCtx, ex, err)
	}

	stopped, err := r.dispatch(ctx, ex, batches)
	switch {
	case stopped == jobs.StatePaused:
		// Interrupted while paused: the job keeps its state and stays resumable
		report, rerr := r.report(settleCtx, ex)
		if rerr != nil {
			return nil, errors.Join(ctx.Err(), rerr)
		}
		return report, ctx.Err()
	case err != nil && ctx.Err() != nil:
		return r.settlePartial(settleCtx, ex, fmt.Sprintf("interrupted: %v", ctx.Err()), ctx.Err())
	case err != nil:
		return nil, r.settleFailed(settleCtx, ex, err)
	case stopped != "":
		r.logger.Info("job stopped externally, stopped dispatching", "job_id", job.ID, "state", stopped)
		return r.report(settleCtx, ex)
	case ctx.Err() != nil:
		return r.settlePartial(settleCtx, ex, fmt.Sprintf("interrupted: %v", ctx.Err()), ctx.Err())
	case len(ex.failed) > 0:
		sort.Strings(ex.failed)
		reason := fmt.Sprintf("%d task(s) failed: %s", len(ex.failed), strings.Join(ex.failed, ", "))
		return r.settlePartial(settleCtx, ex, reason, nil)
	}

	if _, err := r.engine.Complete(settleCtx, job.ID); err != nil {
		return nil, err
	}
	return r.report(settleCtx, ex)
}

// dispatch runs the batches in order. Before each batch, and once more before
// the job may complete, it waits out a pause. It returns the state that
// stopped dispatch early, if any: one set by another caller, or StatePaused
// when ctx ended during a pause.
func (r *Runner) dispatch(ctx context.Context, ex *execution, batches [][]scheduler.Task) (jobs.State, error) {
	for _, batch := range batches {
		if ctx.Err() != nil {
			return "", nil
		}
		if stopped, err := r.awaitRunning(ctx, ex.job.ID); stopped != "" || err != nil {
			return stopped, err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.Concurrency)
		for _, task := range batch {
			g.Go(func() error {
				return r.runTask(gctx, ex, task)
			})
		}
		if err := g.Wait(); err != nil {
			return "", err
		}
	}
	if ctx.Err() != nil {
		return "", nil
	}
	return r.awaitRunning(ctx, ex.job.ID)
}

// awaitRunning re-reads the job, since another process may have paused or
// cancelled it. While it is paused no task is dispatched; an Unpause lets
// the run continue. Any state other than running or paused is returned.
func (r *Runner) awaitRunning(ctx context.Context, jobID string) (jobs.State, error) {
	paused := false
	for {
		current, err := r.engine.GetJob(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				if paused {
					return jobs.StatePaused, nil
				}
				return "", nil
			}
			return "", err
		}

		switch current.State {
		case jobs.StateRunning:
			if paused {
				r.logger.Info("job unpaused, dispatch continues", "job_id", jobID)
			}
			return "", nil
		case jobs.StatePaused:
			if !paused {
				paused = true
				r.logger.Info("job paused, holding dispatch", "job_id", jobID)
				r.appendLog(ctx, jobs.LogEntry{
					JobID: jobID, Level: "info", Source: "runner",
					Message: "job paused, waiting for unpause before dispatching more tasks",
				})
			}
		default:
			return current.State, nil
		}

		timer := time.NewTimer(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return jobs.StatePaused, nil
		case <-timer.C:
		}
	}
}

// runTask executes one task with retries. Task failures are recorded and
// swallowed; only bookkeeping errors are returned.
func (r *Runner) runTask(ctx context.Context, ex *execution, task scheduler.Task) error {
	if ctx.Err() != nil {
		return nil
	}
	closeCtx := context.WithoutCancel(ctx)
	jobID := ex.job.ID

	r.appendLog(ctx, jobs.LogEntry{
		JobID: jobID, Level: "info", Source: "runner",
		TaskID: task.ID, TaskKey: task.Key, Phase: string(ex.phase),
		Message: "task started", Details: jobs.TaskEventDetails(jobs.TaskEventStarted),
	})

	breaker := r.breakers.Get(breakerName(task))
	var bookkeeping error
	result, err := executeWithRetry(ctx, breaker, r.cfg.Retry, func(ctx context.Context, attempt int) (executor.Result, error) {
		run, err := r.engine.StartTaskRun(ctx, jobs.TaskRunRequest{
			JobID:        jobID,
			CommandRunID: ex.cmdRunID,
			TaskID:       task.ID,
			TaskKey:      task.Key,
			Attempt:      attempt,
		})
		if err != nil {
			bookkeeping = err
			return executor.Result{}, stopRetry(err)
		}

		res, execErr := r.exec.Execute(ctx, executor.Request{JobID: jobID, Task: task, Attempt: attempt})

		status := jobs.RunSucceeded
		cause := execErr
		switch {
		case execErr != nil && ctx.Err() != nil:
			status = jobs.RunCancelled
		case execErr != nil:
			status = jobs.RunFailed
		case res.Status == executor.StatusFailed:
			status = jobs.RunFailed
			cause = errors.New("task reported failure")
		}
		if err := r.engine.FinishTaskRun(closeCtx, run, status, cause); err != nil {
			bookkeeping = err
			return executor.Result{}, stopRetry(err)
		}

		if res.Usage != nil {
			if err := r.engine.RecordTokenUsage(closeCtx, jobs.TokenUsage{
				JobID:            jobID,
				TaskID:           task.ID,
				Model:            res.Usage.Model,
				PromptTokens:     res.Usage.PromptTokens,
				CompletionTokens: res.Usage.CompletionTokens,
			}); err != nil {
				r.logger.Warn("failed to record token usage", "job_id", jobID, "task_key", task.Key, "error", err)
			}
		}
		if execErr != nil {
			r.appendLog(closeCtx, jobs.LogEntry{
				JobID: jobID, Level: "warn", Source: "executor",
				TaskID: task.ID, TaskKey: task.Key, Phase: string(ex.phase),
				Message: fmt.Sprintf("attempt %d failed: %v", attempt, execErr),
			})
		}
		return res, execErr
	})
	if bookkeeping != nil {
		return bookkeeping
	}
	if ctx.Err() != nil {
		// Interrupted tasks are neither completed nor failed
		return nil
	}

	if err == nil && result.Status != executor.StatusFailed {
		return r.taskSucceeded(closeCtx, ex, task)
	}
	if err == nil {
		err = errors.New("task reported failure")
	}
	return r.taskFailed(closeCtx, ex, task, err)
}

func (r *Runner) taskSucceeded(ctx context.Context, ex *execution, task scheduler.Task) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if err := r.tasks.UpdateTaskStatus(ctx, task.ID, ex.phase.DoneStatus()); err != nil {
		return err
	}
	ex.completed = append(ex.completed, task.Key)
	ex.succeeded = append(ex.succeeded, task.Key)

	if err := r.engine.UpdateProgress(ctx, ex.job.ID, len(ex.completed), ex.total); err != nil {
		return err
	}

	// The checkpoint carries the fingerprint of the plan as it looks now, so
	// a resume can tell whether anything else changed in between
	plan, err := r.selector.SelectTasks(ctx, ex.filters)
	if err != nil {
		return err
	}
	if _, err := r.engine.WriteCheckpoint(ctx, ex.job.ID, StageTask, PlanManifest{
		Filters:       ex.filters,
		Fingerprint:   plan.Fingerprint,
		CompletedKeys: append([]string(nil), ex.completed...),
		TaskKey:       task.Key,
	}); err != nil {
		return err
	}

	r.appendLog(ctx, jobs.LogEntry{
		JobID: ex.job.ID, Level: "info", Source: "runner",
		TaskID: task.ID, TaskKey: task.Key, Phase: string(ex.phase),
		Message: fmt.Sprintf("task completed, status now %s", ex.phase.DoneStatus()),
		Details: jobs.TaskEventDetails(jobs.TaskEventSucceeded),
	})
	return nil
}

func (r *Runner) taskFailed(ctx context.Context, ex *execution, task scheduler.Task, cause error) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.failed = append(ex.failed, task.Key)

	// Metadata is replaced as a whole, so keep what the task already had
	meta := make(map[string]any, len(task.Metadata)+2)
	for k, v := range task.Metadata {
		meta[k] = v
	}
	meta["last_error"] = cause.Error()
	meta["last_job_id"] = ex.job.ID
	if err := r.tasks.UpdateTaskMetadata(ctx, task.ID, meta); err != nil {
		return err
	}

	r.logger.Error("task failed", "job_id", ex.job.ID, "task_key", task.Key, "error", cause)
	r.appendLog(ctx, jobs.LogEntry{
		JobID: ex.job.ID, Level: "error", Source: "runner",
		TaskID: task.ID, TaskKey: task.Key, Phase: string(ex.phase),
		Message: fmt.Sprintf("task failed: %v", cause),
		Details: jobs.TaskEventDetails(jobs.TaskEventFailed),
	})
	return nil
}

func (r *Runner) settlePartial(ctx context.Context, ex *execution, reason string, cause error) (*RunReport, error) {
	if _, err := r.engine.MarkPartial(ctx, ex.job.ID, reason); err != nil {
		return nil, errors.Join(cause, err)
	}
	report, err := r.report(ctx, ex)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return report, cause
}

func (r *Runner) settleFailed(ctx context.Context, ex *execution, cause error) error {
	if _, err := r.engine.Fail(ctx, ex.job.ID, cause); err != nil {
		r.logger.Error("failed to mark job failed", "job_id", ex.job.ID, "error", err)
	}
	return cause
}

func (r *Runner) report(ctx context.Context, ex *execution) (*RunReport, error) {
	job, err := r.engine.GetJob(ctx, ex.job.ID)
	if err != nil {
		return nil, err
	}
	sort.Strings(ex.succeeded)
	sort.Strings(ex.failed)
	return &RunReport{Job: job, Plan: ex.plan, Succeeded: ex.succeeded, Failed: ex.failed}, nil
}

func (r *Runner) appendLog(ctx context.Context, entry jobs.LogEntry) {
	if _, err := r.engine.AppendLog(ctx, entry); err != nil {
		r.logger.Warn("failed to append job log", "job_id", entry.JobID, "error", err)
	}
}

// pendingBatches returns the plan's dispatch waves without the tasks in
// done. Sequential plans dispatch one task per wave.
func pendingBatches(plan *scheduler.SelectionPlan, parallel bool, done map[string]bool) [][]scheduler.Task {
	var waves [][]scheduler.Task
	if parallel && len(plan.Batches) > 0 {
		waves = plan.Batches
	} else {
		for _, t := range plan.Ordered {
			waves = append(waves, []scheduler.Task{t})
		}
	}

	out := make([][]scheduler.Task, 0, len(waves))
	for _, wave := range waves {
		var keep []scheduler.Task
		for _, t := range wave {
			if !done[t.Key] {
				keep = append(keep, t)
			}
		}
		if len(keep) > 0 {
			out = append(out, keep)
		}
	}
	return out
}

func breakerName(task scheduler.Task) string {
	if task.Type == "" {
		return "task"
	}
	return "task:" + task.Type
}
