package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func keys(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Key
	}
	return out
}

func blockedKeys(blocked []BlockedTask) []string {
	out := make([]string, len(blocked))
	for i, b := range blocked {
		out[i] = b.Task.Key
	}
	return out
}

func selectPlan(t *testing.T, repo *fakeRepo, f Filters) *SelectionPlan {
	t.Helper()
	if f.ProjectKey == "" {
		f.ProjectKey = "P"
	}
	plan, err := NewSelectionService(repo).SelectTasks(context.Background(), f)
	if err != nil {
		t.Fatalf("SelectTasks failed: %v", err)
	}
	return plan
}

// assertDependencyOrder checks that every ordered task's blocks dependencies
// either passed the gate or appear earlier in the plan.
func assertDependencyOrder(t *testing.T, repo *fakeRepo, plan *SelectionPlan) {
	t.Helper()
	g := NewGraph(repo.tasks, repo.edges)
	seen := make(map[string]bool)
	for _, task := range plan.Ordered {
		for _, depID := range g.BlockingDeps(task.ID) {
			dep, ok := g.Task(depID)
			if ok && PhaseWork.GateSatisfied(dep.Status) {
				continue
			}
			if !seen[depID] {
				t.Errorf("task %s ordered before its dependency %s", task.Key, g.keyOf(depID))
			}
		}
		seen[task.ID] = true
	}
}

func TestSelectTasksDependencyBlocking(t *testing.T) {
	repo := &fakeRepo{
		tasks: []Task{
			task("T1", StatusNotStarted, 1),
			task("T2", StatusNotStarted, 1),
			task("T3", StatusReadyToReview, 1),
		},
		edges: []Edge{blocks("T2", "T1")},
	}

	plan := selectPlan(t, repo, Filters{})

	if diff := cmp.Diff([]string{"T1"}, keys(plan.Ordered)); diff != "" {
		t.Errorf("ordered mismatch (-want +got):\n%s", diff)
	}
	if len(plan.Blocked) != 1 {
		t.Fatalf("expected 1 blocked task, got %d", len(plan.Blocked))
	}
	b := plan.Blocked[0]
	if b.Task.Key != "T2" || b.Reason != ReasonDependencyNotReady {
		t.Errorf("unexpected blocked entry: %+v", b)
	}
	if diff := cmp.Diff([]string{"T1"}, b.BlockedBy); diff != "" {
		t.Errorf("blocked_by mismatch (-want +got):\n%s", diff)
	}
	assertDependencyOrder(t, repo, plan)
}

func TestSelectTasksCycleExcluded(t *testing.T) {
	repo := &fakeRepo{
		tasks: []Task{
			task("A", StatusNotStarted, 1),
			task("B", StatusNotStarted, 1),
			task("C", StatusNotStarted, 2),
		},
		edges: []Edge{blocks("A", "B"), blocks("B", "A")},
	}

	plan := selectPlan(t, repo, Filters{})

	if diff := cmp.Diff([]string{"C"}, keys(plan.Ordered)); diff != "" {
		t.Errorf("ordered mismatch (-want +got):\n%s", diff)
	}
	if len(plan.Blocked) != 0 {
		t.Errorf("cyclic tasks must not be blocked, got %v", blockedKeys(plan.Blocked))
	}
	var cycleWarnings int
	for _, w := range plan.Warnings {
		if strings.Contains(w, "cycle") {
			cycleWarnings++
		}
	}
	if cycleWarnings != 2 {
		t.Errorf("expected one cycle warning per cyclic task, got %d: %v", cycleWarnings, plan.Warnings)
	}
}

func TestSelectTasksDependentOfCycleIsBlocked(t *testing.T) {
	repo := &fakeRepo{
		tasks: []Task{
			task("A", StatusNotStarted, 1),
			task("B", StatusNotStarted, 1),
			task("C", StatusNotStarted, 1),
		},
		edges: []Edge{blocks("A", "B"), blocks("B", "A"), blocks("C", "A")},
	}

	plan := selectPlan(t, repo, Filters{})

	if len(plan.Ordered) != 0 {
		t.Errorf("expected nothing ordered, got %v", keys(plan.Ordered))
	}
	if diff := cmp.Diff([]string{"C"}, blockedKeys(plan.Blocked)); diff != "" {
		t.Errorf("blocked mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectTasksOrdering(t *testing.T) {
	a := task("A", StatusNotStarted, 2)
	b := task("B", StatusNotStarted, 1)
	b.StoryPoints = 3
	c := task("C", StatusNotStarted, 1)
	c.StoryPoints = 5
	d := task("D", StatusInProgress, 1)
	d.StoryPoints = 5
	e := task("E", StatusChangesRequested, 0)

	repo := &fakeRepo{tasks: []Task{a, b, c, d, e}}
	plan := selectPlan(t, repo, Filters{})

	want := []string{"E", "C", "D", "B", "A"}
	if diff := cmp.Diff(want, keys(plan.Ordered)); diff != "" {
		t.Errorf("ordered mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectTasksGateSatisfiedDependency(t *testing.T) {
	repo := &fakeRepo{
		tasks: []Task{
			task("T1", StatusReadyToQA, 1),
			task("T2", StatusNotStarted, 1),
			task("T3", StatusNotStarted, 1),
			task("T4", StatusNotStarted, 1),
		},
		edges: []Edge{
			blocks("T2", "T1"),
			{TaskID: "id-T3", DependsOnID: "id-T4", RelationType: RelationRelates},
			{TaskID: "id-T4", DependsOnID: "id-GONE", RelationType: RelationBlocks},
		},
	}

	plan := selectPlan(t, repo, Filters{})

	if diff := cmp.Diff([]string{"T2", "T3"}, keys(plan.Ordered)); diff != "" {
		t.Errorf("ordered mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"T4"}, blockedKeys(plan.Blocked)); diff != "" {
		t.Errorf("blocked mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"id-GONE"}, plan.Blocked[0].BlockedBy); diff != "" {
		t.Errorf("blocked_by mismatch (-want +got):\n%s", diff)
	}
}

func TestSelectTasksMissingContextPolicy(t *testing.T) {
	newRepo := func() *fakeRepo {
		return &fakeRepo{
			tasks: []Task{task("A", StatusNotStarted, 1), task("B", StatusNotStarted, 2)},
			comments: map[string][]Comment{
				"id-A": {
					{TaskID: "id-A", Category: CommentMissingContext, Status: "open", Body: "which API?"},
					{TaskID: "id-A", Category: CommentMissingContext, Status: "resolved"},
				},
				"id-B": {{TaskID: "id-B", Category: CommentMissingContext, Status: "resolved"}},
			},
		}
	}

	tests := []struct {
		name         string
		policy       MissingContextPolicy
		wantOrdered  []string
		wantBlocked  []string
		wantWarnings int
	}{
		{name: "allow", policy: MissingContextAllow, wantOrdered: []string{"A", "B"}, wantBlocked: []string{}},
		{name: "warn", policy: MissingContextWarn, wantOrdered: []string{"A", "B"}, wantBlocked: []string{}, wantWarnings: 1},
		{name: "default is warn", policy: "", wantOrdered: []string{"A", "B"}, wantBlocked: []string{}, wantWarnings: 1},
		{name: "block", policy: MissingContextBlock, wantOrdered: []string{"B"}, wantBlocked: []string{"A"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := selectPlan(t, newRepo(), Filters{MissingContextPolicy: tt.policy})
			if diff := cmp.Diff(tt.wantOrdered, keys(plan.Ordered)); diff != "" {
				t.Errorf("ordered mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantBlocked, blockedKeys(plan.Blocked)); diff != "" {
				t.Errorf("blocked mismatch (-want +got):\n%s", diff)
			}
			if len(plan.Warnings) != tt.wantWarnings {
				t.Errorf("expected %d warnings, got %v", tt.wantWarnings, plan.Warnings)
			}
			for _, b := range plan.Blocked {
				if b.Reason != ReasonMissingContext {
					t.Errorf("unexpected reason %q", b.Reason)
				}
			}
		})
	}
}

func TestSelectTasksStatusFilter(t *testing.T) {
	repo := &fakeRepo{
		tasks: []Task{
			task("A", StatusNotStarted, 1),
			task("B", StatusInProgress, 1),
			task("C", StatusReadyToReview, 1),
			task("D", StatusCompleted, 1),
		},
	}

	tests := []struct {
		name         string
		filters      Filters
		wantOrdered  []string
		wantWarnings int
	}{
		{
			name:        "normalizes tokens",
			filters:     Filters{StatusFilter: []string{"In-Progress", " READY TO REVIEW "}},
			wantOrdered: []string{"B", "C"},
		},
		{
			name:         "drops retired and unknown tokens",
			filters:      Filters{StatusFilter: []string{"blocked", "bogus", "not_started"}},
			wantOrdered:  []string{"A"},
			wantWarnings: 2,
		},
		{
			name:         "falls back to defaults when nothing survives",
			filters:      Filters{StatusFilter: []string{"blocked"}},
			wantOrdered:  []string{"A", "B"},
			wantWarnings: 2,
		},
		{
			name:        "ignore status filter skips terminal tasks only",
			filters:     Filters{IgnoreStatusFilter: true, StatusFilter: []string{"completed"}},
			wantOrdered: []string{"A", "B", "C"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := selectPlan(t, repo, tt.filters)
			if diff := cmp.Diff(tt.wantOrdered, keys(plan.Ordered)); diff != "" {
				t.Errorf("ordered mismatch (-want +got):\n%s", diff)
			}
			if len(plan.Warnings) != tt.wantWarnings {
				t.Errorf("expected %d warnings, got %v", tt.wantWarnings, plan.Warnings)
			}
		})
	}
}

func TestSelectTasksIgnoreDependencies(t *testing.T) {
	repo := &fakeRepo{
		tasks: []Task{
			task("T1", StatusNotStarted, 5),
			task("T2", StatusNotStarted, 1),
		},
		edges: []Edge{blocks("T2", "T1")},
	}

	for _, f := range []Filters{{DependencyPolicy: DependencyIgnore}, {IgnoreDependencies: true}} {
		plan := selectPlan(t, repo, f)
		// T2 is more urgent but must still follow the task it depends on
		if diff := cmp.Diff([]string{"T1", "T2"}, keys(plan.Ordered)); diff != "" {
			t.Errorf("ordered mismatch (-want +got):\n%s", diff)
		}
		if len(plan.Blocked) != 0 {
			t.Errorf("expected nothing blocked, got %v", blockedKeys(plan.Blocked))
		}
	}
}

func TestSelectTasksLimitAndBatches(t *testing.T) {
	repo := &fakeRepo{
		tasks: []Task{
			task("A", StatusReadyToReview, 1),
			task("B", StatusReadyToReview, 2),
			task("C", StatusNotStarted, 3),
			task("D", StatusNotStarted, 4),
		},
		edges: []Edge{blocks("B", "A"), blocks("C", "B")},
	}

	plan := selectPlan(t, repo, Filters{
		DependencyPolicy: DependencyIgnore,
		StatusFilter:     []string{"ready_to_review", "not_started"},
		Parallel:         true,
	})

	want := [][]string{{"A", "D"}, {"B"}, {"C"}}
	var got [][]string
	for _, batch := range plan.Batches {
		got = append(got, keys(batch))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("batches mismatch (-want +got):\n%s", diff)
	}

	limited := selectPlan(t, repo, Filters{Limit: 1, StatusFilter: []string{"not_started"}, DependencyPolicy: DependencyIgnore})
	if diff := cmp.Diff([]string{"C"}, keys(limited.Ordered)); diff != "" {
		t.Errorf("limited mismatch (-want +got):\n%s", diff)
	}
	if len(limited.Blocked) != 0 {
		t.Errorf("truncation must not block tasks, got %v", blockedKeys(limited.Blocked))
	}
}

func TestSelectTasksScope(t *testing.T) {
	a := task("A", StatusNotStarted, 1)
	a.EpicKey = "E1"
	b := task("B", StatusNotStarted, 1)
	b.EpicKey = "E2"
	b.Type = "bug"
	repo := &fakeRepo{tasks: []Task{a, b}}
	svc := NewSelectionService(repo)
	ctx := context.Background()

	tests := []struct {
		name        string
		filters     Filters
		wantOrdered []string
		wantErr     error
		wantWarn    string
	}{
		{name: "epic", filters: Filters{EpicKey: "E2"}, wantOrdered: []string{"B"}},
		{name: "exclude type", filters: Filters{ExcludeTypes: []string{"bug"}}, wantOrdered: []string{"A"}},
		{name: "include type", filters: Filters{IncludeTypes: []string{"bug"}}, wantOrdered: []string{"B"}},
		{name: "unknown task keys", filters: Filters{TaskKeys: []string{"X", "Y"}}, wantErr: ErrScopeNotFound},
		{name: "unknown epic", filters: Filters{EpicKey: "E9"}, wantErr: ErrScopeNotFound},
		{name: "partial task keys", filters: Filters{TaskKeys: []string{"A", "X"}}, wantOrdered: []string{"A"}, wantWarn: `"X"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.filters.ProjectKey = "P"
			plan, err := svc.SelectTasks(ctx, tt.filters)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				var scopeErr *ScopeNotFoundError
				if !errors.As(err, &scopeErr) {
					t.Errorf("expected *ScopeNotFoundError, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectTasks failed: %v", err)
			}
			if diff := cmp.Diff(tt.wantOrdered, keys(plan.Ordered)); diff != "" {
				t.Errorf("ordered mismatch (-want +got):\n%s", diff)
			}
			if tt.wantWarn != "" && (len(plan.Warnings) != 1 || !strings.Contains(plan.Warnings[0], tt.wantWarn)) {
				t.Errorf("expected warning containing %s, got %v", tt.wantWarn, plan.Warnings)
			}
		})
	}
}

func TestSelectTasksRejectsBadInput(t *testing.T) {
	svc := NewSelectionService(&fakeRepo{})
	ctx := context.Background()

	tests := []struct {
		name        string
		filters     Filters
		errContains string
	}{
		{name: "missing project", filters: Filters{}, errContains: "project key is required"},
		{name: "bad dependency policy", filters: Filters{ProjectKey: "P", DependencyPolicy: "maybe"}, errContains: "dependency policy"},
		{name: "bad context policy", filters: Filters{ProjectKey: "P", MissingContextPolicy: "loud"}, errContains: "missing context policy"},
		{name: "bad phase", filters: Filters{ProjectKey: "P", Phase: "deploy"}, errContains: "unknown phase"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SelectTasks(ctx, tt.filters)
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("expected error containing %q, got %v", tt.errContains, err)
			}
		})
	}
}

func TestSelectTasksRepositoryError(t *testing.T) {
	repo := &fakeRepo{err: errors.New("disk on fire")}
	_, err := NewSelectionService(repo).SelectTasks(context.Background(), Filters{ProjectKey: "P"})
	if err == nil || !strings.Contains(err.Error(), "disk on fire") {
		t.Errorf("expected repository error to propagate, got %v", err)
	}
}

// TestSelectTasksInvariants runs a batch of graphs and checks that the plan
// never orders a task ahead of an unfinished dependency and that every
// excluded, acyclic candidate is blocked exactly once.
func TestSelectTasksInvariants(t *testing.T) {
	statuses := []TaskStatus{StatusNotStarted, StatusInProgress, StatusReadyToReview, StatusCompleted, StatusChangesRequested}
	for seed := 0; seed < 40; seed++ {
		var tasks []Task
		var edges []Edge
		n := 3 + seed%6
		for i := 0; i < n; i++ {
			key := string(rune('A' + i))
			tasks = append(tasks, task(key, statuses[(seed+i*7)%len(statuses)], (seed*i)%4))
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if i != j && (seed+i*3+j*5)%7 == 0 {
					edges = append(edges, blocks(tasks[i].Key, tasks[j].Key))
				}
			}
		}
		repo := &fakeRepo{tasks: tasks, edges: edges}
		plan := selectPlan(t, repo, Filters{})
		assertDependencyOrder(t, repo, plan)

		cycles := DetectCycles(NewGraph(tasks, edges))
		placed := make(map[string]int)
		for _, tk := range plan.Ordered {
			placed[tk.ID]++
		}
		for _, b := range plan.Blocked {
			placed[b.Task.ID]++
		}
		for _, tk := range tasks {
			candidate := tk.Status == StatusNotStarted || tk.Status == StatusInProgress || tk.Status == StatusChangesRequested
			switch {
			case !candidate || cycles.Contains(tk.ID):
				if placed[tk.ID] != 0 {
					t.Errorf("seed %d: task %s should not be in the plan", seed, tk.Key)
				}
			case placed[tk.ID] != 1:
				t.Errorf("seed %d: candidate %s placed %d times", seed, tk.Key, placed[tk.ID])
			}
		}
	}
}

func TestFingerprint(t *testing.T) {
	repo := &fakeRepo{
		tasks: []Task{task("T1", StatusNotStarted, 1), task("T2", StatusNotStarted, 1)},
		edges: []Edge{blocks("T2", "T1")},
	}

	first := selectPlan(t, repo, Filters{})
	second := selectPlan(t, repo, Filters{})
	if first.Fingerprint != second.Fingerprint {
		t.Errorf("fingerprint not stable: %s vs %s", first.Fingerprint, second.Fingerprint)
	}

	repo.tasks[0].Status = StatusReadyToReview
	changed := selectPlan(t, repo, Filters{})
	if changed.Fingerprint == first.Fingerprint {
		t.Error("fingerprint should change when the plan changes")
	}
}
