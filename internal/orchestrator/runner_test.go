package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/aristath/workgraph/internal/executor"
	"github.com/aristath/workgraph/internal/jobs"
	"github.com/aristath/workgraph/internal/persistence"
	"github.com/aristath/workgraph/internal/scheduler"
)

// fixture wires a runner over an in-memory store.
type fixture struct {
	store    *persistence.SQLiteStore
	engine   *jobs.Engine
	selector *scheduler.SelectionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &fixture{
		store:    store,
		engine:   jobs.NewEngine(store),
		selector: scheduler.NewSelectionService(store),
	}
}

func (f *fixture) seed(t *testing.T, key string, priority int, dependsOn ...string) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.SaveTask(ctx, scheduler.Task{
		ID:         "id-" + key,
		Key:        key,
		ProjectKey: "P",
		Title:      "Task " + key,
		Type:       "feature",
		Status:     scheduler.StatusNotStarted,
		Priority:   priority,
		Metadata:   map[string]any{"owner": "team-a"},
	}); err != nil {
		t.Fatalf("SaveTask(%s) failed: %v", key, err)
	}
	for _, dep := range dependsOn {
		if err := f.store.AddDependency(ctx, scheduler.Edge{
			TaskID:       "id-" + key,
			DependsOnID:  "id-" + dep,
			RelationType: scheduler.RelationBlocks,
		}); err != nil {
			t.Fatalf("AddDependency(%s -> %s) failed: %v", key, dep, err)
		}
	}
}

func (f *fixture) runner(exec executor.TaskExecutor, concurrency int) *Runner {
	return NewRunner(f.engine, f.selector, f.store, exec, RunnerConfig{
		Concurrency:  concurrency,
		Retry:        fastRetry(3),
		Breakers:     NewCircuitBreakerRegistry(BreakerConfig{MaxFailures: 100}, nil),
		PollInterval: 5 * time.Millisecond,
	})
}

func (f *fixture) taskStatus(t *testing.T, key string) scheduler.TaskStatus {
	t.Helper()
	tasks, err := f.store.GetTasksInScope(context.Background(), scheduler.TaskScope{ProjectKey: "P", TaskKeys: []string{key}})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("task %s not found: %v", key, err)
	}
	return tasks[0].Status
}

// recorder is an executor that records the order of executed task keys.
type recorder struct {
	mu    sync.Mutex
	order []string
	fn    func(ctx context.Context, req executor.Request) (executor.Result, error)
}

func (r *recorder) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	r.mu.Lock()
	r.order = append(r.order, req.Task.Key)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(ctx, req)
	}
	return executor.Result{Status: executor.StatusSucceeded}, nil
}

func (r *recorder) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func TestRunCompletesPlan(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "T1", 1)
	f.seed(t, "T2", 2)
	f.seed(t, "T3", 3, "T1")

	rec := &recorder{}
	report, err := f.runner(rec, 1).Run(context.Background(), RunRequest{
		WorkspaceID: "ws",
		Filters:     scheduler.Filters{ProjectKey: "P"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Job.State != jobs.StateCompleted {
		t.Errorf("expected completed job, got %s (%s)", report.Job.State, report.Job.ErrorSummary)
	}
	if diff := cmp.Diff([]string{"T1", "T2"}, rec.keys()); diff != "" {
		t.Errorf("execution order mismatch (-want +got):\n%s", diff)
	}
	if report.Job.CompletedUnits != 2 || report.Job.TotalUnits != 2 {
		t.Errorf("expected progress 2/2, got %d/%d", report.Job.CompletedUnits, report.Job.TotalUnits)
	}
	for _, key := range []string{"T1", "T2"} {
		if got := f.taskStatus(t, key); got != scheduler.StatusReadyToReview {
			t.Errorf("%s: expected ready_to_review, got %s", key, got)
		}
	}
	if got := f.taskStatus(t, "T3"); got != scheduler.StatusNotStarted {
		t.Errorf("T3 was not in the plan and must be untouched, got %s", got)
	}

	cps, err := f.engine.ReadCheckpoints(context.Background(), report.Job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 3 || cps[0].Stage != StagePlan || cps[2].Stage != StageTask {
		t.Fatalf("expected plan + 2 task checkpoints, got %+v", cps)
	}
	var last PlanManifest
	if err := json.Unmarshal(cps[2].Details, &last); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"T1", "T2"}, last.CompletedKeys); diff != "" {
		t.Errorf("completed keys mismatch (-want +got):\n%s", diff)
	}

	summary, _ := f.engine.SummarizeTasks(context.Background(), report.Job.ID)
	if summary.Total != 2 || summary.ByStatus[jobs.RunSucceeded] != 2 {
		t.Errorf("unexpected task summary %+v", summary)
	}
}

func TestRunEmptyPlanCompletes(t *testing.T) {
	f := newFixture(t)
	report, err := f.runner(&recorder{}, 1).Run(context.Background(), RunRequest{Filters: scheduler.Filters{ProjectKey: "P"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Job.State != jobs.StateCompleted || report.Job.TotalUnits != 0 {
		t.Errorf("expected completed job with unknown total, got %+v", report.Job)
	}
}

func TestRunTaskFailureThenResume(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "T1", 1)
	f.seed(t, "T2", 2)
	f.seed(t, "T3", 3, "T1")
	ctx := context.Background()

	var broken atomic.Bool
	broken.Store(true)
	rec := &recorder{fn: func(_ context.Context, req executor.Request) (executor.Result, error) {
		if req.Task.Key == "T2" && broken.Load() {
			return executor.Result{}, errors.New("compiler exploded")
		}
		return executor.Result{Status: executor.StatusSucceeded}, nil
	}}
	runner := f.runner(rec, 1)

	report, err := runner.Run(ctx, RunRequest{Filters: scheduler.Filters{ProjectKey: "P"}})
	if err != nil {
		t.Fatalf("task failures must not fail Run, got %v", err)
	}
	if report.Job.State != jobs.StatePartial {
		t.Fatalf("expected partial job, got %s", report.Job.State)
	}
	if !strings.Contains(report.Job.ErrorSummary, "T2") {
		t.Errorf("error summary should name T2, got %q", report.Job.ErrorSummary)
	}
	if diff := cmp.Diff([]string{"T2"}, report.Failed); diff != "" {
		t.Errorf("failed keys mismatch (-want +got):\n%s", diff)
	}

	runs, _ := f.store.ListTaskRuns(ctx, report.Job.ID)
	attempts := 0
	for _, r := range runs {
		if r.TaskKey == "T2" {
			attempts++
		}
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts for T2, got %d", attempts)
	}

	tasks, _ := f.store.GetTasksInScope(ctx, scheduler.TaskScope{ProjectKey: "P", TaskKeys: []string{"T2"}})
	if tasks[0].Metadata["last_error"] != "compiler exploded" || tasks[0].Metadata["owner"] != "team-a" {
		t.Errorf("expected failure recorded next to existing metadata, got %v", tasks[0].Metadata)
	}

	// T1 finishing unblocked T3, so the resumed plan holds T2 and T3
	broken.Store(false)
	resumed, err := runner.Resume(ctx, report.Job.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.Job.State != jobs.StateCompleted {
		t.Errorf("expected completed job after resume, got %s", resumed.Job.State)
	}
	if diff := cmp.Diff([]string{"T2", "T3"}, resumed.Succeeded); diff != "" {
		t.Errorf("resumed keys mismatch (-want +got):\n%s", diff)
	}
	if resumed.Job.CompletedUnits != 3 || resumed.Job.TotalUnits != 3 {
		t.Errorf("expected progress 3/3, got %d/%d", resumed.Job.CompletedUnits, resumed.Job.TotalUnits)
	}
	if n := strings.Count(strings.Join(rec.keys(), ","), "T1"); n != 1 {
		t.Errorf("T1 must not run again on resume, ran %d times", n)
	}
}

func TestRunReportedFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "T1", 1)

	rec := &recorder{fn: func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{Status: executor.StatusFailed}, nil
	}}
	report, err := f.runner(rec, 1).Run(context.Background(), RunRequest{Filters: scheduler.Filters{ProjectKey: "P"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.keys()) != 1 || report.Job.State != jobs.StatePartial {
		t.Errorf("expected a single attempt and a partial job, got %v and %s", rec.keys(), report.Job.State)
	}
}

func TestRunParallelBatches(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "A", 1)
	f.seed(t, "B", 2)
	f.seed(t, "C", 3, "A")

	var inflight, peak atomic.Int32
	var mu sync.Mutex
	finished := map[string]bool{}
	rec := &recorder{fn: func(_ context.Context, req executor.Request) (executor.Result, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if req.Task.Key == "C" {
			mu.Lock()
			doneA := finished["A"]
			mu.Unlock()
			if !doneA {
				t.Error("C started before A finished")
			}
		}
		time.Sleep(50 * time.Millisecond)
		inflight.Add(-1)
		mu.Lock()
		finished[req.Task.Key] = true
		mu.Unlock()
		return executor.Result{Status: executor.StatusSucceeded}, nil
	}}

	report, err := f.runner(rec, 2).Run(context.Background(), RunRequest{Filters: scheduler.Filters{
		ProjectKey:       "P",
		Parallel:         true,
		DependencyPolicy: scheduler.DependencyIgnore,
	}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Job.State != jobs.StateCompleted {
		t.Fatalf("expected completed job, got %s", report.Job.State)
	}
	if peak.Load() != 2 {
		t.Errorf("expected A and B to run together, peak concurrency was %d", peak.Load())
	}
	if diff := cmp.Diff([]string{"A", "B", "C"}, report.Succeeded); diff != "" {
		t.Errorf("succeeded mismatch (-want +got):\n%s", diff)
	}
}

func TestRunContextCancelledLeavesJobPartial(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "T1", 1)
	f.seed(t, "T2", 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{fn: func(ctx context.Context, _ executor.Request) (executor.Result, error) {
		cancel()
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	}}

	report, err := f.runner(rec, 1).Run(ctx, RunRequest{Filters: scheduler.Filters{ProjectKey: "P"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report == nil || report.Job.State != jobs.StatePartial {
		t.Fatalf("expected partial job, got %+v", report)
	}
	if len(rec.keys()) != 1 {
		t.Errorf("expected dispatch to stop after the interrupted task, ran %v", rec.keys())
	}

	runs, _ := f.store.ListTaskRuns(context.Background(), report.Job.ID)
	if len(runs) != 1 || runs[0].Status != jobs.RunCancelled {
		t.Errorf("expected one cancelled task run, got %+v", runs)
	}
	if got := f.taskStatus(t, "T1"); got != scheduler.StatusNotStarted {
		t.Errorf("interrupted task must keep its status, got %s", got)
	}
}

func TestRunStopsWhenJobCancelledElsewhere(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "T1", 1)
	f.seed(t, "T2", 2)

	rec := &recorder{}
	rec.fn = func(ctx context.Context, req executor.Request) (executor.Result, error) {
		// A second engine stands in for another process
		other := jobs.NewEngine(f.store)
		if _, err := other.Cancel(ctx, req.JobID, jobs.CancelOptions{Reason: "operator"}); err != nil {
			t.Errorf("Cancel failed: %v", err)
		}
		return executor.Result{Status: executor.StatusSucceeded}, nil
	}

	report, err := f.runner(rec, 1).Run(context.Background(), RunRequest{Filters: scheduler.Filters{ProjectKey: "P"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Job.State != jobs.StateCancelled || report.Job.CancelReason != "operator" {
		t.Errorf("expected job cancelled by operator, got %s (%q)", report.Job.State, report.Job.CancelReason)
	}
	if diff := cmp.Diff([]string{"T1"}, rec.keys()); diff != "" {
		t.Errorf("dispatch after cancel (-want +got):\n%s", diff)
	}
}

func TestRunHoldsDispatchWhilePaused(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "T1", 1)
	f.seed(t, "T2", 2)

	other := jobs.NewEngine(f.store)
	rec := &recorder{}
	unpaused := make(chan struct{})
	rec.fn = func(ctx context.Context, req executor.Request) (executor.Result, error) {
		if req.Task.Key != "T1" {
			return executor.Result{Status: executor.StatusSucceeded}, nil
		}
		if _, err := other.Pause(ctx, req.JobID); err != nil {
			t.Errorf("Pause failed: %v", err)
		}
		go func() {
			defer close(unpaused)
			time.Sleep(50 * time.Millisecond)
			if diff := cmp.Diff([]string{"T1"}, rec.keys()); diff != "" {
				t.Errorf("dispatch while paused (-want +got):\n%s", diff)
			}
			if _, err := other.Unpause(context.Background(), req.JobID); err != nil {
				t.Errorf("Unpause failed: %v", err)
			}
		}()
		return executor.Result{Status: executor.StatusSucceeded}, nil
	}

	report, err := f.runner(rec, 1).Run(context.Background(), RunRequest{Filters: scheduler.Filters{ProjectKey: "P"}})
	<-unpaused
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Job.State != jobs.StateCompleted {
		t.Errorf("expected completed job after unpause, got %s", report.Job.State)
	}
	if diff := cmp.Diff([]string{"T1", "T2"}, rec.keys()); diff != "" {
		t.Errorf("executed mismatch (-want +got):\n%s", diff)
	}

	page, err := f.engine.ReadLogs(context.Background(), report.Job.ID, jobs.LogQuery{})
	if err != nil {
		t.Fatalf("ReadLogs failed: %v", err)
	}
	var sawPause bool
	for _, e := range page.Entries {
		if strings.Contains(e.Message, "job paused") {
			sawPause = true
		}
	}
	if !sawPause {
		t.Error("expected a log entry for the pause")
	}
}

func TestRunInterruptedWhilePausedStaysResumable(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "T1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	other := jobs.NewEngine(f.store)
	rec := &recorder{fn: func(ctx context.Context, req executor.Request) (executor.Result, error) {
		// Paused during the last task, so completion must wait too
		if _, err := other.Pause(ctx, req.JobID); err != nil {
			t.Errorf("Pause failed: %v", err)
		}
		time.AfterFunc(30*time.Millisecond, cancel)
		return executor.Result{Status: executor.StatusSucceeded}, nil
	}}
	runner := f.runner(rec, 1)

	report, err := runner.Run(ctx, RunRequest{Filters: scheduler.Filters{ProjectKey: "P"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if report == nil || report.Job.State != jobs.StatePaused {
		t.Fatalf("expected the job to stay paused, got %+v", report)
	}

	resumed, err := runner.Resume(context.Background(), report.Job.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if resumed.Job.State != jobs.StateCompleted {
		t.Errorf("expected resumed job to complete, got %s", resumed.Job.State)
	}
	if diff := cmp.Diff([]string{"T1"}, rec.keys()); diff != "" {
		t.Errorf("resume re-ran finished work (-want +got):\n%s", diff)
	}
}

func TestRunLinksCommandRunToJob(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "T1", 1)

	report, err := f.runner(&recorder{}, 1).Run(context.Background(), RunRequest{
		WorkspaceID: "P",
		Filters:     scheduler.Filters{ProjectKey: "P"},
		Args:        []string{"--project", "P"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	runs, err := f.store.ListTaskRuns(context.Background(), report.Job.ID)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected 1 task run, got %d (err=%v)", len(runs), err)
	}
	cmdRun, err := f.store.GetCommandRun(context.Background(), runs[0].CommandRunID)
	if err != nil || cmdRun == nil {
		t.Fatalf("command run %q not found: %v", runs[0].CommandRunID, err)
	}
	if cmdRun.JobID != report.Job.ID {
		t.Errorf("expected command run linked to job %s, got %q", report.Job.ID, cmdRun.JobID)
	}
	if cmdRun.CommandName != "run" || cmdRun.Status != jobs.RunSucceeded {
		t.Errorf("expected succeeded run command, got %s %s", cmdRun.CommandName, cmdRun.Status)
	}
}

func TestRunRecordsTokenUsageAndLogs(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "T1", 1)

	rec := &recorder{fn: func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{
			Status: executor.StatusSucceeded,
			Usage:  &executor.Usage{Model: "m1", PromptTokens: 40, CompletionTokens: 2},
		}, nil
	}}
	report, err := f.runner(rec, 1).Run(context.Background(), RunRequest{Filters: scheduler.Filters{ProjectKey: "P"}})
	if err != nil {
		t.Fatal(err)
	}

	usage, _ := f.engine.SummarizeTokenUsage(context.Background(), report.Job.ID)
	if usage.TotalTokens != 42 || usage.ByModel["m1"].PromptTokens != 40 {
		t.Errorf("unexpected usage %+v", usage)
	}

	page, _ := f.engine.ReadLogs(context.Background(), report.Job.ID, jobs.LogQuery{})
	if len(page.Entries) != 2 {
		t.Fatalf("expected start and completion log lines, got %+v", page.Entries)
	}
	if page.Entries[0].TaskKey != "T1" || page.Entries[0].Phase != "work" {
		t.Errorf("unexpected log entry %+v", page.Entries[0])
	}
}

func TestPendingBatches(t *testing.T) {
	a := scheduler.Task{Key: "A"}
	b := scheduler.Task{Key: "B"}
	c := scheduler.Task{Key: "C"}
	plan := &scheduler.SelectionPlan{
		Ordered: []scheduler.Task{a, b, c},
		Batches: [][]scheduler.Task{{a, b}, {c}},
	}

	keysOf := func(waves [][]scheduler.Task) [][]string {
		var out [][]string
		for _, w := range waves {
			var ks []string
			for _, t := range w {
				ks = append(ks, t.Key)
			}
			out = append(out, ks)
		}
		return out
	}

	tests := []struct {
		name     string
		parallel bool
		done     map[string]bool
		want     [][]string
	}{
		{"sequential", false, nil, [][]string{{"A"}, {"B"}, {"C"}}},
		{"parallel", true, nil, [][]string{{"A", "B"}, {"C"}}},
		{"parallel minus done", true, map[string]bool{"A": true, "B": true}, [][]string{{"C"}}},
		{"sequential minus done", false, map[string]bool{"B": true}, [][]string{{"A"}, {"C"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := keysOf(pendingBatches(plan, tt.parallel, tt.done))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("batches mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
