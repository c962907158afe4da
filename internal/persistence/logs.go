package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/aristath/workgraph/internal/jobs"
)

// AppendLog stores entry with the next sequence number of its job.
func (s *SQLiteStore) AppendLog(ctx context.Context, entry jobs.LogEntry) (jobs.LogEntry, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM job_logs WHERE job_id = ?`, entry.JobID,
		).Scan(&entry.Sequence); err != nil {
			return fmt.Errorf("failed to allocate log sequence: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_logs (job_id, sequence, timestamp, level, source, message, task_id, task_key, phase, details)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.JobID, entry.Sequence, toNanos(entry.Timestamp), entry.Level, entry.Source, entry.Message,
			entry.TaskID, entry.TaskKey, entry.Phase, nullableText(entry.Details))
		if err != nil {
			return fmt.Errorf("failed to insert log entry: %w", err)
		}
		return nil
	})
	return entry, err
}

// ListLogs returns entries in sequence order, strictly after q.After and at
// or after q.Since. Sequences are allocated at commit, so paging on them
// never skips an entry whose timestamp predates the cursor.
func (s *SQLiteStore) ListLogs(ctx context.Context, jobID string, q jobs.LogQuery) ([]jobs.LogEntry, error) {
	query := `
		SELECT job_id, sequence, timestamp, level, source, message, task_id, task_key, phase, details
		FROM job_logs WHERE job_id = ?`
	args := []any{jobID}

	if !q.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, toNanos(q.Since))
	}
	if q.After != nil {
		query += ` AND sequence > ?`
		args = append(args, q.After.Sequence)
	}
	query += ` ORDER BY sequence ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var out []jobs.LogEntry
	for rows.Next() {
		var e jobs.LogEntry
		var ts int64
		var details sql.NullString
		if err := rows.Scan(&e.JobID, &e.Sequence, &ts, &e.Level, &e.Source, &e.Message,
			&e.TaskID, &e.TaskKey, &e.Phase, &details); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		e.Timestamp = fromNanos(ts)
		if details.Valid {
			e.Details = []byte(details.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordTokenUsage inserts a usage row.
func (s *SQLiteStore) RecordTokenUsage(ctx context.Context, u jobs.TokenUsage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage (job_id, task_id, model, prompt_tokens, completion_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.JobID, u.TaskID, u.Model, u.PromptTokens, u.CompletionTokens, toNanos(u.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert token usage: %w", err)
	}
	return nil
}

// ListTokenUsage returns a job's usage rows oldest first.
func (s *SQLiteStore) ListTokenUsage(ctx context.Context, jobID string) ([]jobs.TokenUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, task_id, model, prompt_tokens, completion_tokens, created_at
		FROM token_usage WHERE job_id = ?
		ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query token usage: %w", err)
	}
	defer rows.Close()

	var out []jobs.TokenUsage
	for rows.Next() {
		var u jobs.TokenUsage
		var ts int64
		if err := rows.Scan(&u.JobID, &u.TaskID, &u.Model, &u.PromptTokens, &u.CompletionTokens, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan token usage: %w", err)
		}
		u.Timestamp = fromNanos(ts)
		out = append(out, u)
	}
	return out, rows.Err()
}
