package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/workgraph/internal/jobs"
)

// CreateCommandRun inserts a running command run.
func (s *SQLiteStore) CreateCommandRun(ctx context.Context, run *jobs.CommandRun) error {
	var args sql.NullString
	if len(run.Args) > 0 {
		b, err := json.Marshal(run.Args)
		if err != nil {
			return fmt.Errorf("failed to encode command args: %w", err)
		}
		args = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO command_runs (id, job_id, workspace_id, command_name, args, status, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.JobID, run.WorkspaceID, run.CommandName, args, string(run.Status), run.Error, toNanos(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to insert command run: %w", err)
	}
	return nil
}

// AttachCommandRun sets the job of a command run.
func (s *SQLiteStore) AttachCommandRun(ctx context.Context, id, jobID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE command_runs SET job_id = ? WHERE id = ?`, jobID, id)
	if err != nil {
		return fmt.Errorf("failed to attach command run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to attach command run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("command run %s: %w", id, jobs.ErrRunNotFound)
	}
	return nil
}

// FinishCommandRun closes a run that is still running.
func (s *SQLiteStore) FinishCommandRun(ctx context.Context, id string, status jobs.RunStatus, errMsg string, at time.Time) (bool, error) {
	return s.finishRun(ctx, "command_runs", id, status, errMsg, at)
}

const commandRunColumns = `id, job_id, workspace_id, command_name, args, status, error, started_at, finished_at`

// GetCommandRun returns nil, nil when the run does not exist.
func (s *SQLiteStore) GetCommandRun(ctx context.Context, id string) (*jobs.CommandRun, error) {
	run, err := scanCommandRun(s.db.QueryRowContext(ctx,
		`SELECT `+commandRunColumns+` FROM command_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListCommandRuns returns the command runs linked to a job, oldest first.
func (s *SQLiteStore) ListCommandRuns(ctx context.Context, jobID string) ([]jobs.CommandRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commandRunColumns+` FROM command_runs WHERE job_id = ? ORDER BY started_at ASC, rowid ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query command runs: %w", err)
	}
	defer rows.Close()

	var out []jobs.CommandRun
	for rows.Next() {
		run, err := scanCommandRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

func scanCommandRun(row scanner) (*jobs.CommandRun, error) {
	var run jobs.CommandRun
	var status string
	var args sql.NullString
	var startedAt int64
	var finishedAt sql.NullInt64

	err := row.Scan(&run.ID, &run.JobID, &run.WorkspaceID, &run.CommandName, &args, &status, &run.Error, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan command run: %w", err)
	}

	run.Status, err = parseRunStatus(status)
	if err != nil {
		return nil, fmt.Errorf("command run %s: %w", run.ID, err)
	}
	if args.Valid {
		if err := json.Unmarshal([]byte(args.String), &run.Args); err != nil {
			return nil, fmt.Errorf("command run %s has malformed args: %w", run.ID, err)
		}
	}
	run.StartedAt = fromNanos(startedAt)
	run.FinishedAt = timePtr(finishedAt)
	return &run, nil
}

// CreateTaskRun inserts a running task run.
func (s *SQLiteStore) CreateTaskRun(ctx context.Context, run *jobs.TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (id, job_id, command_run_id, task_id, task_key, attempt, status, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.JobID, run.CommandRunID, run.TaskID, run.TaskKey, run.Attempt, string(run.Status), run.Error, toNanos(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task run: %w", err)
	}
	return nil
}

// FinishTaskRun closes a task run that is still running.
func (s *SQLiteStore) FinishTaskRun(ctx context.Context, id string, status jobs.RunStatus, errMsg string, at time.Time) (bool, error) {
	return s.finishRun(ctx, "task_runs", id, status, errMsg, at)
}

// ListTaskRuns returns a job's task runs in start order.
func (s *SQLiteStore) ListTaskRuns(ctx context.Context, jobID string) ([]jobs.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, command_run_id, task_id, task_key, attempt, status, error, started_at, finished_at
		FROM task_runs WHERE job_id = ?
		ORDER BY started_at ASC, id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task runs: %w", err)
	}
	defer rows.Close()

	var out []jobs.TaskRun
	for rows.Next() {
		var run jobs.TaskRun
		var status string
		var startedAt int64
		var finishedAt sql.NullInt64
		if err := rows.Scan(&run.ID, &run.JobID, &run.CommandRunID, &run.TaskID, &run.TaskKey, &run.Attempt,
			&status, &run.Error, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		if run.Status, err = parseRunStatus(status); err != nil {
			return nil, fmt.Errorf("task run %s: %w", run.ID, err)
		}
		run.StartedAt = fromNanos(startedAt)
		run.FinishedAt = timePtr(finishedAt)
		out = append(out, run)
	}
	return out, rows.Err()
}

// finishRun only touches rows still marked running, which makes a second
// finish a no-op.
func (s *SQLiteStore) finishRun(ctx context.Context, table, id string, status jobs.RunStatus, errMsg string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE `+table+` SET status = ?, error = ?, finished_at = ?
		WHERE id = ? AND status = ?
	`, string(status), errMsg, toNanos(at), id, string(jobs.RunRunning))
	if err != nil {
		return false, fmt.Errorf("failed to finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

func parseRunStatus(s string) (jobs.RunStatus, error) {
	status := jobs.RunStatus(s)
	if status != jobs.RunRunning && !status.IsFinal() {
		return "", fmt.Errorf("unknown run status %q", s)
	}
	return status, nil
}
