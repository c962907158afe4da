package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/workgraph/internal/scheduler"
)

// SaveTask inserts or updates a task.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, task scheduler.Task) error {
	if task.ID == "" || task.Key == "" || task.ProjectKey == "" {
		return fmt.Errorf("task needs id, key and project key")
	}
	metadata, err := encodeMetadata(task.Metadata)
	if err != nil {
		return err
	}

	now := toNanos(time.Now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, key, project_key, epic_key, story_key, title, type, status, priority, story_points, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			key = excluded.key,
			project_key = excluded.project_key,
			epic_key = excluded.epic_key,
			story_key = excluded.story_key,
			title = excluded.title,
			type = excluded.type,
			status = excluded.status,
			priority = excluded.priority,
			story_points = excluded.story_points,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`, task.ID, task.Key, task.ProjectKey, task.EpicKey, task.StoryKey, task.Title, task.Type,
		string(task.Status), task.Priority, task.StoryPoints, metadata, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.Key, err)
	}
	return nil
}

// AddDependency records an edge. Adding an existing edge is a no-op.
func (s *SQLiteStore) AddDependency(ctx context.Context, edge scheduler.Edge) error {
	if edge.TaskID == edge.DependsOnID {
		return fmt.Errorf("task %s cannot depend on itself", edge.TaskID)
	}
	relation := edge.RelationType
	if relation == "" {
		relation = scheduler.RelationBlocks
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_dependencies (task_id, depends_on_id, relation_type)
		VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING
	`, edge.TaskID, edge.DependsOnID, string(relation))
	if err != nil {
		return fmt.Errorf("failed to add dependency %s -> %s: %w", edge.TaskID, edge.DependsOnID, err)
	}
	return nil
}

// AddComment attaches a comment to a task and returns its ID.
func (s *SQLiteStore) AddComment(ctx context.Context, c scheduler.Comment) (int64, error) {
	status := c.Status
	if status == "" {
		status = "open"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO task_comments (task_id, category, body, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.TaskID, c.Category, c.Body, status, toNanos(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to add comment to %s: %w", c.TaskID, err)
	}
	return res.LastInsertId()
}

// ResolveComment marks a comment resolved.
func (s *SQLiteStore) ResolveComment(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE task_comments SET status = 'resolved' WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to resolve comment %d: %w", id, err)
	}
	return nil
}

// GetTasksInScope returns the tasks matching every non-empty scope field,
// ordered by key.
func (s *SQLiteStore) GetTasksInScope(ctx context.Context, scope scheduler.TaskScope) ([]scheduler.Task, error) {
	where := []string{"project_key = ?"}
	args := []any{scope.ProjectKey}

	if scope.EpicKey != "" {
		where = append(where, "epic_key = ?")
		args = append(args, scope.EpicKey)
	}
	if scope.StoryKey != "" {
		where = append(where, "story_key = ?")
		args = append(args, scope.StoryKey)
	}
	if len(scope.TaskKeys) > 0 {
		where = append(where, "key IN ("+placeholders(len(scope.TaskKeys))+")")
		args = appendStrings(args, scope.TaskKeys)
	}
	if len(scope.IncludeTypes) > 0 {
		where = append(where, "type IN ("+placeholders(len(scope.IncludeTypes))+")")
		args = appendStrings(args, scope.IncludeTypes)
	}
	if len(scope.ExcludeTypes) > 0 {
		where = append(where, "type NOT IN ("+placeholders(len(scope.ExcludeTypes))+")")
		args = appendStrings(args, scope.ExcludeTypes)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, project_key, epic_key, story_key, title, type, status, priority, story_points, metadata
		FROM tasks
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY key ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []scheduler.Task
	for rows.Next() {
		var t scheduler.Task
		var status string
		var metadata sql.NullString
		if err := rows.Scan(&t.ID, &t.Key, &t.ProjectKey, &t.EpicKey, &t.StoryKey, &t.Title, &t.Type,
			&status, &t.Priority, &t.StoryPoints, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		// Unknown statuses pass through; selection reports them as data quality issues
		t.Status = scheduler.TaskStatus(status)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
				return nil, fmt.Errorf("task %s has malformed metadata: %w", t.Key, err)
			}
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// GetDependencyEdges returns the outgoing edges of the given tasks.
func (s *SQLiteStore) GetDependencyEdges(ctx context.Context, taskIDs []string) ([]scheduler.Edge, error) {
	if len(taskIDs) == 0 {
		return nil, nil
	}
	var edges []scheduler.Edge

	// Chunk to stay under SQLite's bound-parameter limit
	const chunk = 500
	for start := 0; start < len(taskIDs); start += chunk {
		end := min(start+chunk, len(taskIDs))
		ids := taskIDs[start:end]

		rows, err := s.db.QueryContext(ctx, `
			SELECT task_id, depends_on_id, relation_type
			FROM task_dependencies
			WHERE task_id IN (`+placeholders(len(ids))+`)
			ORDER BY task_id, depends_on_id
		`, appendStrings(nil, ids)...)
		if err != nil {
			return nil, fmt.Errorf("failed to query dependencies: %w", err)
		}
		for rows.Next() {
			var e scheduler.Edge
			var relation string
			if err := rows.Scan(&e.TaskID, &e.DependsOnID, &relation); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan dependency: %w", err)
			}
			e.RelationType = scheduler.RelationType(relation)
			edges = append(edges, e)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating dependencies: %w", err)
		}
	}
	return edges, nil
}

// GetOpenComments returns unresolved comments of a category, oldest first.
func (s *SQLiteStore) GetOpenComments(ctx context.Context, taskID, category string) ([]scheduler.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, category, body, status
		FROM task_comments
		WHERE task_id = ? AND category = ? AND status = 'open'
		ORDER BY id ASC
	`, taskID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to query comments: %w", err)
	}
	defer rows.Close()

	var comments []scheduler.Comment
	for rows.Next() {
		var c scheduler.Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Category, &c.Body, &c.Status); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// UpdateTaskStatus sets a task's status.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus) error {
	if !status.IsKnown() {
		return fmt.Errorf("unsupported task status %q", status)
	}
	return s.updateTask(ctx, taskID, "status = ?", string(status))
}

// UpdateTaskMetadata replaces a task's metadata bag.
func (s *SQLiteStore) UpdateTaskMetadata(ctx context.Context, taskID string, metadata map[string]any) error {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	return s.updateTask(ctx, taskID, "metadata = ?", encoded)
}

func (s *SQLiteStore) updateTask(ctx context.Context, taskID, set string, value any) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+set+`, updated_at = ? WHERE id = ?`,
		value, toNanos(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return nil
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode task metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func appendStrings(args []any, values []string) []any {
	for _, v := range values {
		args = append(args, v)
	}
	return args
}
