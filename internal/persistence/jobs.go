package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/workgraph/internal/jobs"
)

const jobColumns = `id, workspace_id, type, state, command_name, total_units, completed_units,
	last_checkpoint_seq, payload, error_summary, cancel_reason, created_at, updated_at, started_at, finished_at`

// CreateJob inserts a new job row.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.WorkspaceID, job.Type, string(job.State), job.CommandName, job.TotalUnits, job.CompletedUnits,
		job.LastCheckpointSeq, nullableText(job.Payload), job.ErrorSummary, job.CancelReason,
		toNanos(job.CreatedAt), toNanos(job.UpdatedAt), nullableNanos(job.StartedAt), nullableNanos(job.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob returns nil, nil when the job does not exist.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *SQLiteStore) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]jobs.Job, error) {
	where := []string{"1 = 1"}
	var args []any
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if len(filter.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return out, nil
}

// SwapJobState applies update only while the stored state equals expected.
func (s *SQLiteStore) SwapJobState(ctx context.Context, id string, expected jobs.State, u jobs.StateUpdate) (bool, error) {
	at := toNanos(u.At)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			state = ?,
			updated_at = ?,
			error_summary = CASE WHEN ? <> '' THEN ? ELSE error_summary END,
			cancel_reason = CASE WHEN ? <> '' THEN ? ELSE cancel_reason END,
			started_at = CASE WHEN ? THEN COALESCE(started_at, ?) ELSE started_at END,
			finished_at = CASE WHEN ? THEN ? ELSE finished_at END
		WHERE id = ? AND state = ?
	`, string(u.To), at,
		u.ErrorSummary, u.ErrorSummary,
		u.CancelReason, u.CancelReason,
		u.MarkStarted, at,
		u.MarkFinished, at,
		id, string(expected))
	if err != nil {
		return false, fmt.Errorf("failed to update job state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

// UpdateJobProgress stores unit counters.
func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, completed, total int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET completed_units = ?, total_units = ?, updated_at = ? WHERE id = ?
	`, completed, total, toNanos(at), id)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, jobs.ErrJobNotFound)
	}
	return nil
}

// AppendCheckpoint stores cp with the next sequence for its job and points
// the job at it, in one transaction.
func (s *SQLiteStore) AppendCheckpoint(ctx context.Context, cp jobs.Checkpoint) (jobs.Checkpoint, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM job_checkpoints WHERE job_id = ?`, cp.JobID,
		).Scan(&cp.Sequence); err != nil {
			return fmt.Errorf("failed to allocate checkpoint sequence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_checkpoints (job_id, sequence, stage, details, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, cp.JobID, cp.Sequence, cp.Stage, nullableText(cp.Details), toNanos(cp.Timestamp)); err != nil {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET last_checkpoint_seq = ?, updated_at = ? WHERE id = ?
		`, cp.Sequence, toNanos(cp.Timestamp), cp.JobID); err != nil {
			return fmt.Errorf("failed to update job checkpoint pointer: %w", err)
		}
		return nil
	})
	return cp, err
}

// LatestCheckpoint returns the highest-sequence checkpoint or nil.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, jobID string) (*jobs.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, sequence, stage, details, created_at
		FROM job_checkpoints WHERE job_id = ?
		ORDER BY sequence DESC LIMIT 1
	`, jobID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

// ListCheckpoints returns a job's checkpoints in sequence order.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, jobID string) ([]jobs.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, sequence, stage, details, created_at
		FROM job_checkpoints WHERE job_id = ?
		ORDER BY sequence ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []jobs.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanJob maps a jobs row and rejects rows the engine could not act on.
func scanJob(row scanner) (*jobs.Job, error) {
	var job jobs.Job
	var state string
	var payload sql.NullString
	var createdAt, updatedAt int64
	var startedAt, finishedAt sql.NullInt64

	err := row.Scan(&job.ID, &job.WorkspaceID, &job.Type, &state, &job.CommandName, &job.TotalUnits,
		&job.CompletedUnits, &job.LastCheckpointSeq, &payload, &job.ErrorSummary, &job.CancelReason,
		&createdAt, &updatedAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.State = jobs.State(state)
	if !job.State.IsValid() {
		return nil, fmt.Errorf("job %s has unknown state %q", job.ID, state)
	}
	if payload.Valid {
		job.Payload = []byte(payload.String)
	}
	job.CreatedAt = fromNanos(createdAt)
	job.UpdatedAt = fromNanos(updatedAt)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return &job, nil
}

func scanCheckpoint(row scanner) (*jobs.Checkpoint, error) {
	var cp jobs.Checkpoint
	var details sql.NullString
	var createdAt int64
	err := row.Scan(&cp.JobID, &cp.Sequence, &cp.Stage, &details, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	if details.Valid {
		cp.Details = []byte(details.String)
	}
	cp.Timestamp = fromNanos(createdAt)
	return &cp, nil
}
