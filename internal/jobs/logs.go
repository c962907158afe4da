package jobs

import (
	"context"
	"fmt"

	"github.com/aristath/workgraph/internal/events"
)

// AppendLog persists a job log entry and returns it with its sequence set.
func (e *Engine) AppendLog(ctx context.Context, entry LogEntry) (LogEntry, error) {
	if entry.JobID == "" {
		return LogEntry{}, fmt.Errorf("log entry needs a job ID")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.now()
	}
	stored, err := e.store.AppendLog(ctx, entry)
	if err != nil {
		return LogEntry{}, fmt.Errorf("failed to append log for job %s: %w", entry.JobID, err)
	}

	e.bus.Publish(events.JobLogEvent{
		ID:        stored.JobID,
		Sequence:  stored.Sequence,
		Level:     stored.Level,
		Message:   stored.Message,
		TaskKey:   stored.TaskKey,
		Timestamp: stored.Timestamp,
	})
	return stored, nil
}

// ReadLogs returns entries after q's cursor. The returned cursor points at
// the last entry, or echoes q.After when nothing new was found.
func (e *Engine) ReadLogs(ctx context.Context, jobID string, q LogQuery) (*LogPage, error) {
	entries, err := e.store.ListLogs(ctx, jobID, q)
	if err != nil {
		return nil, fmt.Errorf("failed to read logs for job %s: %w", jobID, err)
	}
	page := &LogPage{Entries: entries, Cursor: q.After}
	if n := len(entries); n > 0 {
		last := entries[n-1]
		page.Cursor = &LogCursor{Timestamp: last.Timestamp, Sequence: last.Sequence}
	}
	if page.Entries == nil {
		page.Entries = []LogEntry{}
	}
	return page, nil
}

// RecordTokenUsage stores token consumption for a job.
func (e *Engine) RecordTokenUsage(ctx context.Context, usage TokenUsage) error {
	if usage.PromptTokens < 0 || usage.CompletionTokens < 0 {
		return fmt.Errorf("token counts must not be negative")
	}
	if usage.Timestamp.IsZero() {
		usage.Timestamp = e.now()
	}
	if err := e.store.RecordTokenUsage(ctx, usage); err != nil {
		return fmt.Errorf("failed to record token usage for job %s: %w", usage.JobID, err)
	}
	return nil
}

// SummarizeTokenUsage totals a job's token usage per model.
func (e *Engine) SummarizeTokenUsage(ctx context.Context, jobID string) (*TokenUsageSummary, error) {
	usage, err := e.store.ListTokenUsage(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list token usage for job %s: %w", jobID, err)
	}

	summary := &TokenUsageSummary{JobID: jobID, ByModel: make(map[string]TokenCount)}
	for _, u := range usage {
		summary.PromptTokens += u.PromptTokens
		summary.CompletionTokens += u.CompletionTokens
		c := summary.ByModel[u.Model]
		c.PromptTokens += u.PromptTokens
		c.CompletionTokens += u.CompletionTokens
		summary.ByModel[u.Model] = c
	}
	summary.TotalTokens = summary.PromptTokens + summary.CompletionTokens
	return summary, nil
}
