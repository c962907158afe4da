package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/aristath/workgraph/internal/jobs"
	"github.com/aristath/workgraph/internal/scheduler"
)

// Checkpoint stages written by the runner.
const (
	StagePlan = "plan"
	StageTask = "task"
)

// PlanManifest is the checkpoint payload that makes a job resumable: the
// selection it was started with, the fingerprint of the plan as of the
// checkpoint, and the tasks already finished.
type PlanManifest struct {
	Filters       scheduler.Filters `json:"filters"`
	Fingerprint   string            `json:"fingerprint"`
	CompletedKeys []string          `json:"completed_keys,omitempty"`
	TaskKey       string            `json:"task_key,omitempty"` // Task that produced the checkpoint
}

// Selector computes selection plans.
type Selector interface {
	SelectTasks(ctx context.Context, f scheduler.Filters) (*scheduler.SelectionPlan, error)
}

// ResumeResult is a job that was moved back to running, with the plan it
// continues from.
type ResumeResult struct {
	Job        *jobs.Job
	Checkpoint *jobs.Checkpoint
	Manifest   PlanManifest
	Plan       *scheduler.SelectionPlan
	Remaining  []scheduler.Task // Plan.Ordered minus Manifest.CompletedKeys
}

// ResumeService validates a job's latest checkpoint against a fresh
// selection and moves the job back to running.
type ResumeService struct {
	engine   *jobs.Engine
	selector Selector
	logger   *slog.Logger
}

// NewResumeService creates a ResumeService.
func NewResumeService(engine *jobs.Engine, selector Selector, logger *slog.Logger) *ResumeService {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ResumeService{engine: engine, selector: selector, logger: logger}
}

// Resume re-enters a job from its latest checkpoint. Errors are returned
// unwrapped so callers see the exact blocking condition:
// *jobs.NotFoundError, *jobs.AlreadyRunningError, *jobs.InvalidTransitionError,
// *jobs.NoCheckpointError or *jobs.ManifestMismatchError.
func (s *ResumeService) Resume(ctx context.Context, jobID string) (*ResumeResult, error) {
	job, err := s.engine.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State == jobs.StateRunning {
		return nil, &jobs.AlreadyRunningError{JobID: jobID}
	}
	if !jobs.CanResume(job.State) {
		return nil, &jobs.InvalidTransitionError{
			JobID: jobID,
			From:  job.State,
			To:    jobs.StateRunning,
			Hint:  fmt.Sprintf("job is %s and cannot be resumed", job.State),
		}
	}

	cp, err := s.engine.LatestCheckpoint(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, &jobs.NoCheckpointError{JobID: jobID}
	}

	var manifest PlanManifest
	if err := json.Unmarshal(cp.Details, &manifest); err != nil || manifest.Fingerprint == "" {
		return nil, fmt.Errorf("checkpoint %d of job %s does not hold a plan manifest", cp.Sequence, jobID)
	}

	plan, err := s.selector.SelectTasks(ctx, manifest.Filters)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute plan for job %s: %w", jobID, err)
	}
	if plan.Fingerprint != manifest.Fingerprint {
		return nil, &jobs.ManifestMismatchError{
			JobID:    jobID,
			Recorded: manifest.Fingerprint,
			Current:  plan.Fingerprint,
		}
	}

	resumed, err := s.engine.MarkResumed(ctx, jobID)
	if err != nil {
		return nil, err
	}

	done := make(map[string]bool, len(manifest.CompletedKeys))
	for _, k := range manifest.CompletedKeys {
		done[k] = true
	}
	remaining := make([]scheduler.Task, 0, len(plan.Ordered))
	for _, t := range plan.Ordered {
		if !done[t.Key] {
			remaining = append(remaining, t)
		}
	}

	s.logger.Info("job resumed",
		"job_id", jobID,
		"from_state", job.State,
		"checkpoint", cp.Sequence,
		"stage", cp.Stage,
		"remaining", len(remaining))

	return &ResumeResult{
		Job:        resumed,
		Checkpoint: cp,
		Manifest:   manifest,
		Plan:       plan,
		Remaining:  remaining,
	}, nil
}
