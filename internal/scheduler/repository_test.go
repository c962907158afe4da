package scheduler

import (
	"context"
	"errors"
)

// fakeRepo is an in-memory TaskRepository for selection tests.
type fakeRepo struct {
	tasks    []Task
	edges    []Edge
	comments map[string][]Comment
	err      error
}

func (r *fakeRepo) GetTasksInScope(_ context.Context, scope TaskScope) ([]Task, error) {
	if r.err != nil {
		return nil, r.err
	}
	keys := make(map[string]bool, len(scope.TaskKeys))
	for _, k := range scope.TaskKeys {
		keys[k] = true
	}
	var out []Task
	for _, t := range r.tasks {
		if t.ProjectKey != scope.ProjectKey {
			continue
		}
		if scope.EpicKey != "" && t.EpicKey != scope.EpicKey {
			continue
		}
		if scope.StoryKey != "" && t.StoryKey != scope.StoryKey {
			continue
		}
		if len(keys) > 0 && !keys[t.Key] {
			continue
		}
		if !typeAllowed(t.Type, scope.IncludeTypes, scope.ExcludeTypes) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *fakeRepo) GetDependencyEdges(_ context.Context, taskIDs []string) ([]Edge, error) {
	ids := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		ids[id] = true
	}
	var out []Edge
	for _, e := range r.edges {
		if ids[e.TaskID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeRepo) GetOpenComments(_ context.Context, taskID, category string) ([]Comment, error) {
	var out []Comment
	for _, c := range r.comments[taskID] {
		if c.Category == category && c.Status == "open" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpdateTaskStatus(context.Context, string, TaskStatus) error {
	return errors.New("selection must not write")
}

func (r *fakeRepo) UpdateTaskMetadata(context.Context, string, map[string]any) error {
	return errors.New("selection must not write")
}

func task(key string, status TaskStatus, priority int) Task {
	return Task{ID: "id-" + key, Key: key, ProjectKey: "P", Status: status, Priority: priority, Type: "feature"}
}

func blocks(from, on string) Edge {
	return Edge{TaskID: "id-" + from, DependsOnID: "id-" + on, RelationType: RelationBlocks}
}
