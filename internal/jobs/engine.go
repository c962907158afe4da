package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/workgraph/internal/events"
)

// maxSwapAttempts bounds how often a state change is retried when another
// writer changes the job between read and write.
const maxSwapAttempts = 3

// Engine owns job state, checkpoints and run audit records.
type Engine struct {
	store  Store
	bus    events.Publisher
	locks  *LockManager
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides how job and run IDs are minted.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.bus = p
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an Engine over store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		bus:    events.Discard,
		locks:  NewLockManager(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateJobRequest describes a new job.
type CreateJobRequest struct {
	WorkspaceID string
	Type        string
	CommandName string
	TotalUnits  int
	Payload     any // Marshalled to JSON; json.RawMessage passes through
}

// CreateJob persists a new queued job.
func (e *Engine) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	if req.TotalUnits < 0 {
		return nil, fmt.Errorf("total units must not be negative, got %d", req.TotalUnits)
	}
	payload, err := marshalDetails(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}

	now := e.now()
	job := &Job{
		ID:          e.newID(),
		WorkspaceID: req.WorkspaceID,
		Type:        req.Type,
		State:       StateQueued,
		CommandName: req.CommandName,
		TotalUnits:  req.TotalUnits,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	e.logger.Info("job created", "job_id", job.ID, "type", job.Type, "command", job.CommandName)
	return job, nil
}

// GetJob returns the job or a *NotFoundError.
func (e *Engine) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if job == nil {
		return nil, &NotFoundError{JobID: id}
	}
	return job, nil
}

// ListJobs returns jobs matching filter, newest first.
func (e *Engine) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	jobs, err := e.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// StateOptions carries the optional fields of a state change.
type StateOptions struct {
	ErrorSummary string
	Reason       string
}

// UpdateState moves a job along a legal transition.
func (e *Engine) UpdateState(ctx context.Context, id string, to State, opts StateOptions) (*Job, error) {
	if !to.IsValid() {
		return nil, fmt.Errorf("unknown job state %q", to)
	}
	return e.transition(ctx, id, to, opts, CanTransition)
}

// Start moves a queued job to running.
func (e *Engine) Start(ctx context.Context, id string) (*Job, error) {
	return e.transition(ctx, id, StateRunning, StateOptions{}, func(from, _ State) bool {
		return from == StateQueued
	})
}

// Pause moves a running job to paused.
func (e *Engine) Pause(ctx context.Context, id string) (*Job, error) {
	return e.UpdateState(ctx, id, StatePaused, StateOptions{})
}

// Unpause moves a paused job back to running.
func (e *Engine) Unpause(ctx context.Context, id string) (*Job, error) {
	return e.transition(ctx, id, StateRunning, StateOptions{}, func(from, _ State) bool {
		return from == StatePaused
	})
}

// Complete marks a running job completed. Completing a completed job is a
// no-op.
func (e *Engine) Complete(ctx context.Context, id string) (*Job, error) {
	return e.UpdateState(ctx, id, StateCompleted, StateOptions{})
}

// Fail marks a job failed with a summary of cause. Failing a failed job is a
// no-op.
func (e *Engine) Fail(ctx context.Context, id string, cause error) (*Job, error) {
	summary := "unknown error"
	if cause != nil {
		summary = cause.Error()
	}
	return e.UpdateState(ctx, id, StateFailed, StateOptions{ErrorSummary: summary})
}

// MarkPartial records that a running job stopped with resumable progress.
func (e *Engine) MarkPartial(ctx context.Context, id string, reason string) (*Job, error) {
	return e.UpdateState(ctx, id, StatePartial, StateOptions{ErrorSummary: reason})
}

// MarkResumed moves a queued, paused or partial job to running on behalf of
// a resume. A job that is already running yields *AlreadyRunningError.
func (e *Engine) MarkResumed(ctx context.Context, id string) (*Job, error) {
	job, err := e.transition(ctx, id, StateRunning, StateOptions{}, func(from, _ State) bool {
		return CanResume(from)
	})
	if err != nil {
		var ite *InvalidTransitionError
		if errors.As(err, &ite) && ite.From == StateRunning {
			return nil, &AlreadyRunningError{JobID: id}
		}
		return nil, err
	}
	return job, nil
}

// CancelOptions controls Cancel.
type CancelOptions struct {
	Force  bool
	Reason string
}

// Cancel stops a job. Without Force, cancelling a terminal job is an error.
// With Force the job always ends up cancelled and the previous state is
// recorded in the cancel reason.
func (e *Engine) Cancel(ctx context.Context, id string, opts CancelOptions) (*Job, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		job, err := e.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}

		reason := opts.Reason
		if opts.Force {
			reason = fmt.Sprintf("forced from %s", job.State)
			if opts.Reason != "" {
				reason += ": " + opts.Reason
			}
		} else if job.State.IsTerminal() {
			return nil, &InvalidTransitionError{
				JobID: id,
				From:  job.State,
				To:    StateCancelled,
				Hint:  fmt.Sprintf("job is already %s; rerun with --force to override", job.State),
			}
		}
		if reason == "" {
			reason = "cancelled"
		}

		applied, err := e.store.SwapJobState(ctx, id, job.State, StateUpdate{
			To:           StateCancelled,
			At:           e.now(),
			CancelReason: reason,
			MarkFinished: true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to cancel job %s: %w", id, err)
		}
		if applied {
			return e.afterTransition(ctx, id, job.State, StateCancelled, reason)
		}
	}
	return nil, fmt.Errorf("job %s: state changed concurrently, giving up after %d attempts", id, maxSwapAttempts)
}

// UpdateProgress records unit counters. total of 0 means unknown.
func (e *Engine) UpdateProgress(ctx context.Context, id string, completed, total int) error {
	if completed < 0 || total < 0 {
		return fmt.Errorf("progress must not be negative (completed=%d, total=%d)", completed, total)
	}
	if total > 0 && completed > total {
		return fmt.Errorf("completed units %d exceed total units %d", completed, total)
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	now := e.now()
	if err := e.store.UpdateJobProgress(ctx, id, completed, total, now); err != nil {
		return fmt.Errorf("failed to update progress of job %s: %w", id, err)
	}
	e.bus.Publish(events.JobProgressEvent{ID: id, Completed: completed, Total: total, Timestamp: now})
	return nil
}

func (e *Engine) transition(ctx context.Context, id string, to State, opts StateOptions, allowed func(from, to State) bool) (*Job, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		job, err := e.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}

		// Repeating a completion is harmless and must not fail callers
		if job.State == to && (to == StateCompleted || to == StateFailed) {
			return job, nil
		}
		if !allowed(job.State, to) {
			return nil, &InvalidTransitionError{JobID: id, From: job.State, To: to}
		}

		applied, err := e.store.SwapJobState(ctx, id, job.State, StateUpdate{
			To:           to,
			At:           e.now(),
			ErrorSummary: opts.ErrorSummary,
			CancelReason: opts.Reason,
			MarkStarted:  to == StateRunning,
			MarkFinished: to.IsTerminal(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to move job %s to %s: %w", id, to, err)
		}
		if applied {
			reason := opts.Reason
			if reason == "" {
				reason = opts.ErrorSummary
			}
			return e.afterTransition(ctx, id, job.State, to, reason)
		}
	}
	return nil, fmt.Errorf("job %s: state changed concurrently, giving up after %d attempts", id, maxSwapAttempts)
}

func (e *Engine) afterTransition(ctx context.Context, id string, from, to State, reason string) (*Job, error) {
	job, err := e.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	e.bus.Publish(events.JobStateChangedEvent{
		ID:        id,
		From:      string(from),
		To:        string(to),
		Reason:    reason,
		Timestamp: job.UpdatedAt,
	})

	level := slog.LevelInfo
	if to == StateFailed || to == StatePartial {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "job state changed", "job_id", id, "from", from, "to", to, "reason", reason)
	return job, nil
}

func marshalDetails(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	case []byte:
		return json.RawMessage(d), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
