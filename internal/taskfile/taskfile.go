// Package taskfile loads a project's tasks, dependencies and missing-context
// notes from a YAML (or JSON) manifest into a task store.
package taskfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aristath/workgraph/internal/scheduler"
)

// File is a task manifest for one project.
type File struct {
	Project string `yaml:"project" json:"project"`
	Tasks   []Task `yaml:"tasks" json:"tasks"`
}

// Task is one manifest entry. Dependencies are referenced by key.
type Task struct {
	ID             string         `yaml:"id,omitempty" json:"id,omitempty"` // Defaults to "<project>/<key>"
	Key            string         `yaml:"key" json:"key"`
	Epic           string         `yaml:"epic,omitempty" json:"epic,omitempty"`
	Story          string         `yaml:"story,omitempty" json:"story,omitempty"`
	Title          string         `yaml:"title,omitempty" json:"title,omitempty"`
	Type           string         `yaml:"type,omitempty" json:"type,omitempty"`
	Status         string         `yaml:"status,omitempty" json:"status,omitempty"`
	Priority       int            `yaml:"priority,omitempty" json:"priority,omitempty"`
	StoryPoints    int            `yaml:"story_points,omitempty" json:"story_points,omitempty"`
	DependsOn      []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	RelatesTo      []string       `yaml:"relates_to,omitempty" json:"relates_to,omitempty"`
	MissingContext string         `yaml:"missing_context,omitempty" json:"missing_context,omitempty"`
	Metadata       map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Store is the write side of a task repository.
type Store interface {
	SaveTask(ctx context.Context, task scheduler.Task) error
	AddDependency(ctx context.Context, edge scheduler.Edge) error
	AddComment(ctx context.Context, c scheduler.Comment) (int64, error)
	GetOpenComments(ctx context.Context, taskID, category string) ([]scheduler.Comment, error)
}

// Parse decodes a manifest. JSON is accepted as a subset of YAML.
func Parse(data []byte) (*File, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("task file is empty")
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode task file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Read decodes a manifest from r.
func Read(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	return Parse(data)
}

// Load decodes the manifest at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Validate checks keys are present and unique and every reference resolves.
// Unknown statuses are allowed; selection reports them as warnings.
func (f *File) Validate() error {
	var errs []error
	if strings.TrimSpace(f.Project) == "" {
		errs = append(errs, errors.New("project is required"))
	}
	keys := make(map[string]bool, len(f.Tasks))
	for i, t := range f.Tasks {
		if t.Key == "" {
			errs = append(errs, fmt.Errorf("tasks[%d]: key is required", i))
			continue
		}
		if keys[t.Key] {
			errs = append(errs, fmt.Errorf("tasks[%d]: duplicate key %s", i, t.Key))
		}
		keys[t.Key] = true
	}
	for _, t := range f.Tasks {
		for _, ref := range append(append([]string(nil), t.DependsOn...), t.RelatesTo...) {
			if ref == t.Key {
				errs = append(errs, fmt.Errorf("task %s references itself", t.Key))
			} else if !keys[ref] {
				errs = append(errs, fmt.Errorf("task %s references unknown task %s", t.Key, ref))
			}
		}
	}
	return errors.Join(errs...)
}

func (f *File) idOf(t Task) string {
	if t.ID != "" {
		return t.ID
	}
	return f.Project + "/" + t.Key
}

// SchedulerTasks converts the manifest entries into scheduler tasks.
func (f *File) SchedulerTasks() []scheduler.Task {
	out := make([]scheduler.Task, 0, len(f.Tasks))
	for _, t := range f.Tasks {
		status := scheduler.TaskStatus(t.Status)
		if status == "" {
			status = scheduler.StatusNotStarted
		}
		out = append(out, scheduler.Task{
			ID:          f.idOf(t),
			Key:         t.Key,
			ProjectKey:  f.Project,
			EpicKey:     t.Epic,
			StoryKey:    t.Story,
			Title:       t.Title,
			Type:        t.Type,
			Status:      status,
			Priority:    t.Priority,
			StoryPoints: t.StoryPoints,
			Metadata:    t.Metadata,
		})
	}
	return out
}

// Edges returns the manifest's dependency edges.
func (f *File) Edges() []scheduler.Edge {
	ids := make(map[string]string, len(f.Tasks))
	for _, t := range f.Tasks {
		ids[t.Key] = f.idOf(t)
	}
	var out []scheduler.Edge
	for _, t := range f.Tasks {
		for _, dep := range t.DependsOn {
			out = append(out, scheduler.Edge{TaskID: ids[t.Key], DependsOnID: ids[dep], RelationType: scheduler.RelationBlocks})
		}
		for _, rel := range t.RelatesTo {
			out = append(out, scheduler.Edge{TaskID: ids[t.Key], DependsOnID: ids[rel], RelationType: scheduler.RelationRelates})
		}
	}
	return out
}

// Summary counts what Apply wrote.
type Summary struct {
	Tasks    int `json:"tasks"`
	Edges    int `json:"edges"`
	Comments int `json:"comments"`
}

// Apply upserts the manifest into store: tasks first, then edges, then one
// open missing-context comment per task that declares one. Applying the same
// file twice writes nothing new.
func Apply(ctx context.Context, store Store, f *File) (Summary, error) {
	var sum Summary
	for _, t := range f.SchedulerTasks() {
		if err := store.SaveTask(ctx, t); err != nil {
			return sum, err
		}
		sum.Tasks++
	}
	for _, e := range f.Edges() {
		if err := store.AddDependency(ctx, e); err != nil {
			return sum, err
		}
		sum.Edges++
	}
	for _, t := range f.Tasks {
		if t.MissingContext == "" {
			continue
		}
		open, err := store.GetOpenComments(ctx, f.idOf(t), scheduler.CommentMissingContext)
		if err != nil {
			return sum, err
		}
		if hasBody(open, t.MissingContext) {
			continue
		}
		if _, err := store.AddComment(ctx, scheduler.Comment{
			TaskID:   f.idOf(t),
			Category: scheduler.CommentMissingContext,
			Body:     t.MissingContext,
			Status:   "open",
		}); err != nil {
			return sum, err
		}
		sum.Comments++
	}
	return sum, nil
}

func hasBody(comments []scheduler.Comment, body string) bool {
	for _, c := range comments {
		if c.Body == body {
			return true
		}
	}
	return false
}
