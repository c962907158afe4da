package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Graph is an immutable snapshot of a project's tasks and dependency edges,
// together with the subset of tasks a selection is scoped to.
type Graph struct {
	tasks      map[string]*Task    // All project tasks indexed by ID
	byKey      map[string]string   // Task key -> ID
	deps       map[string][]Edge   // TaskID -> outgoing edges (all relation types)
	dependents map[string][]string // TaskID -> tasks blocked by it
	scope      []string            // In-scope task IDs, sorted by key
	warnings   []string
}

// GraphIndex loads Graph snapshots from a TaskRepository.
type GraphIndex struct {
	repo TaskRepository
}

// NewGraphIndex creates a GraphIndex over repo.
func NewGraphIndex(repo TaskRepository) *GraphIndex {
	return &GraphIndex{repo: repo}
}

// Load reads the full dependency graph of scope.ProjectKey and resolves the
// in-scope subset. The whole project is loaded so that blocking can be
// evaluated against tasks outside the selection.
func (gi *GraphIndex) Load(ctx context.Context, scope TaskScope) (*Graph, error) {
	if scope.ProjectKey == "" {
		return nil, errors.New("project key is required")
	}

	all, err := gi.repo.GetTasksInScope(ctx, TaskScope{ProjectKey: scope.ProjectKey})
	if err != nil {
		return nil, fmt.Errorf("failed to load project tasks: %w", err)
	}

	ids := make([]string, 0, len(all))
	for _, t := range all {
		ids = append(ids, t.ID)
	}

	var edges []Edge
	if len(ids) > 0 {
		edges, err = gi.repo.GetDependencyEdges(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to load dependency edges: %w", err)
		}
	}

	g := newGraph(all, edges)

	scoped, err := gi.repo.GetTasksInScope(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to load scoped tasks: %w", err)
	}

	if err := g.resolveScope(scope, scoped); err != nil {
		return nil, err
	}

	return g, nil
}

// NewGraph builds a snapshot directly from tasks and edges, with every task
// in scope.
func NewGraph(tasks []Task, edges []Edge) *Graph {
	g := newGraph(tasks, edges)
	for _, t := range tasks {
		g.scope = append(g.scope, t.ID)
	}
	g.sortScope()
	return g
}

func newGraph(tasks []Task, edges []Edge) *Graph {
	g := &Graph{
		tasks:      make(map[string]*Task, len(tasks)),
		byKey:      make(map[string]string, len(tasks)),
		deps:       make(map[string][]Edge),
		dependents: make(map[string][]string),
	}

	for i := range tasks {
		t := cloneTask(&tasks[i])
		g.tasks[t.ID] = &t
		g.byKey[t.Key] = t.ID
	}

	seen := make(map[Edge]bool, len(edges))
	for _, e := range edges {
		if _, ok := g.tasks[e.TaskID]; !ok || seen[e] {
			continue
		}
		seen[e] = true
		g.deps[e.TaskID] = append(g.deps[e.TaskID], e)
		if e.Blocks() {
			g.dependents[e.DependsOnID] = append(g.dependents[e.DependsOnID], e.TaskID)
		}
	}

	return g
}

func (g *Graph) resolveScope(scope TaskScope, scoped []Task) error {
	if len(scope.TaskKeys) > 0 {
		var missing []string
		for _, key := range scope.TaskKeys {
			if _, ok := g.byKey[key]; !ok {
				missing = append(missing, key)
			}
		}
		if len(missing) == len(scope.TaskKeys) {
			return &ScopeNotFoundError{Kind: "task", Keys: missing}
		}
		for _, key := range missing {
			g.warnings = append(g.warnings, fmt.Sprintf("task key %q was not found in project %q", key, scope.ProjectKey))
		}
	}

	if len(scoped) == 0 {
		// An epic or story that matches nothing is a caller error, not an
		// empty selection.
		if scope.StoryKey != "" && !g.hasStory(scope.StoryKey) {
			return &ScopeNotFoundError{Kind: "story", Keys: []string{scope.StoryKey}}
		}
		if scope.EpicKey != "" && !g.hasEpic(scope.EpicKey) {
			return &ScopeNotFoundError{Kind: "epic", Keys: []string{scope.EpicKey}}
		}
	}

	for _, t := range scoped {
		if _, ok := g.tasks[t.ID]; ok {
			g.scope = append(g.scope, t.ID)
		}
	}
	g.sortScope()
	return nil
}

func (g *Graph) hasEpic(key string) bool {
	for _, t := range g.tasks {
		if t.EpicKey == key {
			return true
		}
	}
	return false
}

func (g *Graph) hasStory(key string) bool {
	for _, t := range g.tasks {
		if t.StoryKey == key {
			return true
		}
	}
	return false
}

func (g *Graph) sortScope() {
	sort.Slice(g.scope, func(i, j int) bool {
		return g.tasks[g.scope[i]].Key < g.tasks[g.scope[j]].Key
	})
}

// Task returns a copy of the task with the given ID.
func (g *Graph) Task(id string) (Task, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return cloneTask(t), true
}

// TaskByKey returns a copy of the task with the given key.
func (g *Graph) TaskByKey(key string) (Task, bool) {
	id, ok := g.byKey[key]
	if !ok {
		return Task{}, false
	}
	return g.Task(id)
}

// Len returns the number of tasks in the project.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// IDs returns every project task ID in sorted order.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scope returns copies of the in-scope tasks ordered by key.
func (g *Graph) Scope() []Task {
	out := make([]Task, 0, len(g.scope))
	for _, id := range g.scope {
		out = append(out, cloneTask(g.tasks[id]))
	}
	return out
}

// BlockingDeps returns the IDs a task depends on through blocks edges.
// IDs of tasks outside the project are included.
func (g *Graph) BlockingDeps(id string) []string {
	var out []string
	for _, e := range g.deps[id] {
		if e.Blocks() {
			out = append(out, e.DependsOnID)
		}
	}
	return out
}

// Dependents returns the IDs of tasks blocked by the given task.
func (g *Graph) Dependents(id string) []string {
	out := make([]string, len(g.dependents[id]))
	copy(out, g.dependents[id])
	return out
}

// Warnings returns data-quality notes gathered while loading.
func (g *Graph) Warnings() []string {
	out := make([]string, len(g.warnings))
	copy(out, g.warnings)
	return out
}

// keyOf returns the task key for an ID, or the ID itself when the task is
// outside the project.
func (g *Graph) keyOf(id string) string {
	if t, ok := g.tasks[id]; ok {
		return t.Key
	}
	return id
}
