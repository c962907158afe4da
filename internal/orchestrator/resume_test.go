package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aristath/workgraph/internal/executor"
	"github.com/aristath/workgraph/internal/jobs"
	"github.com/aristath/workgraph/internal/scheduler"
)

// partialJob runs a plan in which T2 always fails and returns the job ID.
func partialJob(t *testing.T, f *fixture) string {
	t.Helper()
	f.seed(t, "T1", 1)
	f.seed(t, "T2", 2)
	rec := &recorder{fn: func(_ context.Context, req executor.Request) (executor.Result, error) {
		if req.Task.Key == "T2" {
			return executor.Result{Status: executor.StatusFailed}, nil
		}
		return executor.Result{Status: executor.StatusSucceeded}, nil
	}}
	report, err := f.runner(rec, 1).Run(context.Background(), RunRequest{Filters: scheduler.Filters{ProjectKey: "P"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Job.State != jobs.StatePartial {
		t.Fatalf("expected partial job, got %s", report.Job.State)
	}
	return report.Job.ID
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.engine.CreateJob(ctx, jobs.CreateJobRequest{Type: "work"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = NewResumeService(f.engine, f.selector, nil).Resume(ctx, job.ID)
	var noCP *jobs.NoCheckpointError
	if !errors.As(err, &noCP) {
		t.Fatalf("expected NoCheckpointError, got %v", err)
	}
	if !strings.Contains(err.Error(), "No checkpoints") {
		t.Errorf("error should mention No checkpoints, got %q", err.Error())
	}

	got, _ := f.engine.GetJob(ctx, job.ID)
	if got.State != jobs.StateQueued {
		t.Errorf("failed resume must not change state, got %s", got.State)
	}
}

func TestResumeTwiceIsAlreadyRunning(t *testing.T) {
	f := newFixture(t)
	jobID := partialJob(t, f)
	svc := NewResumeService(f.engine, f.selector, nil)
	ctx := context.Background()

	res, err := svc.Resume(ctx, jobID)
	if err != nil {
		t.Fatalf("first resume failed: %v", err)
	}
	if res.Job.State != jobs.StateRunning {
		t.Errorf("expected running, got %s", res.Job.State)
	}
	if len(res.Remaining) != 1 || res.Remaining[0].Key != "T2" {
		t.Errorf("expected T2 remaining, got %+v", res.Remaining)
	}
	if res.Checkpoint.Stage != StageTask || res.Manifest.TaskKey != "T1" {
		t.Errorf("expected resume from T1's checkpoint, got %+v", res.Manifest)
	}

	_, err = svc.Resume(ctx, jobID)
	if !errors.Is(err, jobs.ErrAlreadyRunning) {
		t.Fatalf("expected AlreadyRunningError, got %v", err)
	}
}

func TestResumeManifestMismatch(t *testing.T) {
	f := newFixture(t)
	jobID := partialJob(t, f)

	// A new task changes what would be selected
	f.seed(t, "T9", 0)

	_, err := NewResumeService(f.engine, f.selector, nil).Resume(context.Background(), jobID)
	var mismatch *jobs.ManifestMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ManifestMismatchError, got %v", err)
	}
	if mismatch.Recorded == mismatch.Current {
		t.Error("mismatch must carry differing fingerprints")
	}

	got, _ := f.engine.GetJob(context.Background(), jobID)
	if got.State != jobs.StatePartial {
		t.Errorf("stale resume must leave the job partial, got %s", got.State)
	}
}

func TestResumeRejectsTerminalAndMissingJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := NewResumeService(f.engine, f.selector, nil)

	report, err := f.runner(&recorder{}, 1).Run(ctx, RunRequest{Filters: scheduler.Filters{ProjectKey: "P"}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		jobID string
		want  error
	}{
		{"completed job", report.Job.ID, jobs.ErrInvalidTransition},
		{"unknown job", "missing", jobs.ErrJobNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Resume(ctx, tt.jobID); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestResumeRejectsForeignCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, _ := f.engine.CreateJob(ctx, jobs.CreateJobRequest{Type: "work"})
	if _, err := f.engine.WriteCheckpoint(ctx, job.ID, "import", map[string]int{"rows": 10}); err != nil {
		t.Fatal(err)
	}

	_, err := NewResumeService(f.engine, f.selector, nil).Resume(ctx, job.ID)
	if err == nil || !strings.Contains(err.Error(), "plan manifest") {
		t.Errorf("expected plan manifest error, got %v", err)
	}
}

func TestResumeQueuedJobWithPlanCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "T1", 1)
	filters := scheduler.Filters{ProjectKey: "P"}
	plan, err := f.selector.SelectTasks(ctx, filters)
	if err != nil {
		t.Fatal(err)
	}

	// A run that died between its plan checkpoint and Start
	job, err := f.engine.CreateJob(ctx, jobs.CreateJobRequest{Type: "work", TotalUnits: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.WriteCheckpoint(ctx, job.ID, StagePlan, PlanManifest{Filters: filters, Fingerprint: plan.Fingerprint}); err != nil {
		t.Fatal(err)
	}

	res, err := NewResumeService(f.engine, f.selector, nil).Resume(ctx, job.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if res.Job.State != jobs.StateRunning {
		t.Errorf("expected running, got %s", res.Job.State)
	}
	if len(res.Remaining) != 1 || res.Remaining[0].Key != "T1" {
		t.Errorf("expected T1 remaining, got %+v", res.Remaining)
	}
}
