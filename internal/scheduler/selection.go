package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
)

// MissingContextPolicy decides what happens to ready tasks that carry open
// missing-context comments.
type MissingContextPolicy string

const (
	MissingContextAllow MissingContextPolicy = "allow"
	MissingContextWarn  MissingContextPolicy = "warn"
	MissingContextBlock MissingContextPolicy = "block"
)

// DependencyPolicy decides whether unfinished dependencies block a task.
type DependencyPolicy string

const (
	DependencyEnforce DependencyPolicy = "enforce"
	DependencyIgnore  DependencyPolicy = "ignore"
)

// Reasons recorded on blocked tasks.
const (
	ReasonDependencyNotReady = "dependency_not_ready"
	ReasonMissingContext     = "missing_context"
)

// Filters describe one selection request. The struct is persisted inside
// job checkpoints, so field names are part of the stored format.
type Filters struct {
	ProjectKey           string               `json:"project_key"`
	EpicKey              string               `json:"epic_key,omitempty"`
	StoryKey             string               `json:"story_key,omitempty"`
	TaskKeys             []string             `json:"task_keys,omitempty"`
	StatusFilter         []string             `json:"status_filter,omitempty"`
	IgnoreStatusFilter   bool                 `json:"ignore_status_filter,omitempty"`
	IncludeTypes         []string             `json:"include_types,omitempty"`
	ExcludeTypes         []string             `json:"exclude_types,omitempty"`
	Limit                int                  `json:"limit,omitempty"`
	Parallel             bool                 `json:"parallel,omitempty"`
	IgnoreDependencies   bool                 `json:"ignore_dependencies,omitempty"`
	MissingContextPolicy MissingContextPolicy `json:"missing_context_policy,omitempty"`
	DependencyPolicy     DependencyPolicy     `json:"dependency_policy,omitempty"`
	Phase                Phase                `json:"phase,omitempty"`
}

// Scope extracts the graph scope part of the filters.
func (f Filters) Scope() TaskScope {
	return TaskScope{
		ProjectKey:   f.ProjectKey,
		EpicKey:      f.EpicKey,
		StoryKey:     f.StoryKey,
		TaskKeys:     f.TaskKeys,
		IncludeTypes: f.IncludeTypes,
		ExcludeTypes: f.ExcludeTypes,
	}
}

// BlockedTask is a candidate that was excluded from the plan.
type BlockedTask struct {
	Task      Task     `json:"task"`
	Reason    string   `json:"reason"`
	BlockedBy []string `json:"blocked_by,omitempty"` // Dependency keys
}

// SelectionPlan is the result of SelectTasks.
type SelectionPlan struct {
	Ordered     []Task        `json:"ordered"`
	Blocked     []BlockedTask `json:"blocked"`
	Warnings    []string      `json:"warnings"`
	Batches     [][]Task      `json:"batches,omitempty"` // Only when Filters.Parallel
	Fingerprint string        `json:"fingerprint"`
}

// SelectionService computes which tasks can be dispatched next.
// It never writes to the repository.
type SelectionService struct {
	index  *GraphIndex
	repo   TaskRepository
	logger *slog.Logger
}

// SelectionOption configures a SelectionService.
type SelectionOption func(*SelectionService)

// WithLogger sets the logger used for selection diagnostics.
func WithLogger(logger *slog.Logger) SelectionOption {
	return func(s *SelectionService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSelectionService creates a SelectionService reading from repo.
func NewSelectionService(repo TaskRepository, opts ...SelectionOption) *SelectionService {
	s := &SelectionService{
		index:  NewGraphIndex(repo),
		repo:   repo,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectTasks loads the project graph and returns the ordered set of tasks
// that may be worked on now, the candidates that may not, and warnings about
// data-quality problems found on the way.
func (s *SelectionService) SelectTasks(ctx context.Context, f Filters) (*SelectionPlan, error) {
	mcPolicy, depPolicy, err := f.policies()
	if err != nil {
		return nil, err
	}
	phase, err := ParsePhase(string(f.Phase))
	if err != nil {
		return nil, err
	}

	g, err := s.index.Load(ctx, f.Scope())
	if err != nil {
		return nil, err
	}

	plan := &SelectionPlan{
		Ordered:  []Task{},
		Blocked:  []BlockedTask{},
		Warnings: g.Warnings(),
	}

	allowed := s.candidateStatuses(f, phase, plan)
	cycles := DetectCycles(g)
	ignoreDeps := f.IgnoreDependencies || depPolicy == DependencyIgnore

	var ready []Task
	for _, task := range g.Scope() {
		if !allowed(task.Status) || !typeAllowed(task.Type, f.IncludeTypes, f.ExcludeTypes) {
			continue
		}

		if cycles.Contains(task.ID) {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf(
				"task %s is part of a dependency cycle (%s) and was skipped", task.Key, cycles.Path(task.ID)))
			continue
		}

		if !ignoreDeps {
			if waiting := unreadyDependencies(g, phase, task.ID); len(waiting) > 0 {
				plan.Blocked = append(plan.Blocked, BlockedTask{
					Task:      task,
					Reason:    ReasonDependencyNotReady,
					BlockedBy: waiting,
				})
				continue
			}
		}

		ready = append(ready, task)
	}

	ready, err = s.applyMissingContext(ctx, mcPolicy, ready, plan)
	if err != nil {
		return nil, err
	}

	sortByPriority(ready)
	ordered := orderRespectingDependencies(g, ready)
	if f.Limit > 0 && len(ordered) > f.Limit {
		ordered = ordered[:f.Limit]
	}
	plan.Ordered = ordered

	if f.Parallel {
		plan.Batches = partitionBatches(g, ordered)
	}

	sort.SliceStable(plan.Blocked, func(i, j int) bool {
		return plan.Blocked[i].Task.Key < plan.Blocked[j].Task.Key
	})
	plan.Fingerprint = Fingerprint(plan)

	s.logger.Debug("tasks selected",
		"project", f.ProjectKey,
		"ordered", len(plan.Ordered),
		"blocked", len(plan.Blocked),
		"warnings", len(plan.Warnings),
		"cycles", cycles.Len())

	return plan, nil
}

func (f Filters) policies() (MissingContextPolicy, DependencyPolicy, error) {
	mc := f.MissingContextPolicy
	switch mc {
	case "":
		mc = MissingContextWarn
	case MissingContextAllow, MissingContextWarn, MissingContextBlock:
	default:
		return "", "", fmt.Errorf("unknown missing context policy %q", mc)
	}

	dp := f.DependencyPolicy
	switch dp {
	case "":
		dp = DependencyEnforce
	case DependencyEnforce, DependencyIgnore:
	default:
		return "", "", fmt.Errorf("unknown dependency policy %q", dp)
	}

	return mc, dp, nil
}

// candidateStatuses resolves the status filter into a predicate, recording
// warnings for tokens it had to drop.
func (s *SelectionService) candidateStatuses(f Filters, phase Phase, plan *SelectionPlan) func(TaskStatus) bool {
	if f.IgnoreStatusFilter {
		return func(st TaskStatus) bool { return !st.IsTerminal() }
	}

	statuses, dropped := NormalizeStatusFilter(f.StatusFilter)
	plan.Warnings = append(plan.Warnings, dropped...)
	if len(statuses) == 0 {
		if len(f.StatusFilter) > 0 {
			plan.Warnings = append(plan.Warnings, fmt.Sprintf(
				"status filter has no supported statuses; using %s phase defaults", phase))
		}
		statuses = phase.DefaultStatuses()
	}

	set := make(map[TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		set[st] = true
	}
	return func(st TaskStatus) bool { return set[st] }
}

func (s *SelectionService) applyMissingContext(ctx context.Context, policy MissingContextPolicy, ready []Task, plan *SelectionPlan) ([]Task, error) {
	if policy == MissingContextAllow {
		return ready, nil
	}

	kept := ready[:0:0]
	for _, task := range ready {
		comments, err := s.repo.GetOpenComments(ctx, task.ID, CommentMissingContext)
		if err != nil {
			return nil, fmt.Errorf("failed to load comments for %s: %w", task.Key, err)
		}
		if len(comments) == 0 {
			kept = append(kept, task)
			continue
		}

		if policy == MissingContextBlock {
			plan.Blocked = append(plan.Blocked, BlockedTask{Task: task, Reason: ReasonMissingContext})
			continue
		}
		plan.Warnings = append(plan.Warnings, fmt.Sprintf(
			"task %s has %d open missing-context comment(s)", task.Key, len(comments)))
		kept = append(kept, task)
	}
	return kept, nil
}

// unreadyDependencies returns the keys of blocks dependencies that have not
// passed the phase gate. Dependencies missing from the project never pass.
func unreadyDependencies(g *Graph, phase Phase, id string) []string {
	var waiting []string
	seen := make(map[string]bool)
	for _, depID := range g.BlockingDeps(id) {
		if seen[depID] {
			continue
		}
		seen[depID] = true
		dep, ok := g.Task(depID)
		if ok && phase.GateSatisfied(dep.Status) {
			continue
		}
		waiting = append(waiting, g.keyOf(depID))
	}
	sort.Strings(waiting)
	return waiting
}

func typeAllowed(taskType string, include, exclude []string) bool {
	for _, t := range exclude {
		if t == taskType {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, t := range include {
		if t == taskType {
			return true
		}
	}
	return false
}

// sortByPriority orders by priority ascending, story points descending,
// then key.
func sortByPriority(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.StoryPoints != b.StoryPoints {
			return a.StoryPoints > b.StoryPoints
		}
		return a.Key < b.Key
	})
}

// orderRespectingDependencies keeps the priority order but moves a task
// behind any of its in-plan dependencies. This only changes anything when
// dependencies are ignored or a dependency is itself a candidate.
func orderRespectingDependencies(g *Graph, tasks []Task) []Task {
	inPlan := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inPlan[t.ID] = true
	}

	pending := make(map[string]int, len(tasks))
	for _, t := range tasks {
		for _, depID := range g.localBlockingDeps(t.ID) {
			if inPlan[depID] {
				pending[t.ID]++
			}
		}
	}

	out := make([]Task, 0, len(tasks))
	placed := make(map[string]bool, len(tasks))
	for len(out) < len(tasks) {
		progressed := false
		for _, t := range tasks {
			if placed[t.ID] || pending[t.ID] > 0 {
				continue
			}
			placed[t.ID] = true
			out = append(out, t)
			for _, child := range g.Dependents(t.ID) {
				if inPlan[child] {
					pending[child]--
				}
			}
			progressed = true
			break
		}
		if !progressed {
			// Only reachable with a cycle inside the plan; keep the rest as-is.
			for _, t := range tasks {
				if !placed[t.ID] {
					out = append(out, t)
				}
			}
			break
		}
	}
	return out
}
