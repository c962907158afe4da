package jobs

import (
	"context"
	"fmt"

	"github.com/aristath/workgraph/internal/events"
)

// WriteCheckpoint appends a checkpoint for stage. details is marshalled to
// JSON and stored opaquely.
func (e *Engine) WriteCheckpoint(ctx context.Context, jobID, stage string, details any) (*Checkpoint, error) {
	if stage == "" {
		return nil, fmt.Errorf("checkpoint stage is required")
	}
	raw, err := marshalDetails(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint details: %w", err)
	}

	unlock := e.locks.Lock(jobID)
	defer unlock()

	if _, err := e.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	cp, err := e.store.AppendCheckpoint(ctx, Checkpoint{
		JobID:     jobID,
		Stage:     stage,
		Details:   raw,
		Timestamp: e.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write checkpoint for job %s: %w", jobID, err)
	}

	e.bus.Publish(events.CheckpointWrittenEvent{
		ID:        jobID,
		Sequence:  cp.Sequence,
		Stage:     cp.Stage,
		Timestamp: cp.Timestamp,
	})
	e.logger.Debug("checkpoint written", "job_id", jobID, "sequence", cp.Sequence, "stage", stage)
	return &cp, nil
}

// LatestCheckpoint returns the highest-sequence checkpoint, or nil when the
// job has none.
func (e *Engine) LatestCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	cp, err := e.store.LatestCheckpoint(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint for job %s: %w", jobID, err)
	}
	return cp, nil
}

// ReadCheckpoints returns all checkpoints of a job in sequence order.
func (e *Engine) ReadCheckpoints(ctx context.Context, jobID string) ([]Checkpoint, error) {
	cps, err := e.store.ListCheckpoints(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints for job %s: %w", jobID, err)
	}
	return cps, nil
}
