package insights

import (
	"context"
	"errors"

	"github.com/aristath/workgraph/internal/jobs"
)

// JobsBackend is the source of job data behind a Service. Lookups of a
// missing job return nil with no error.
type JobsBackend interface {
	ListJobs(ctx context.Context, filter jobs.JobFilter) ([]jobs.Job, error)
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	LatestCheckpoint(ctx context.Context, id string) (*jobs.Checkpoint, error)
	GetJobLogs(ctx context.Context, id string, q jobs.LogQuery) (*jobs.LogPage, error)
	SummarizeTasks(ctx context.Context, id string) (*jobs.TaskSummary, error)
	SummarizeTokenUsage(ctx context.Context, id string) (*jobs.TokenUsageSummary, error)
	CancelJob(ctx context.Context, id string, opts jobs.CancelOptions) (*jobs.Job, error)
}

// LocalBackend serves job data straight from a lifecycle engine.
type LocalBackend struct {
	engine *jobs.Engine
}

var _ JobsBackend = (*LocalBackend)(nil)

// NewLocalBackend creates a backend over engine.
func NewLocalBackend(engine *jobs.Engine) *LocalBackend {
	return &LocalBackend{engine: engine}
}

func (b *LocalBackend) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]jobs.Job, error) {
	return b.engine.ListJobs(ctx, filter)
}

func (b *LocalBackend) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := b.engine.GetJob(ctx, id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}

func (b *LocalBackend) LatestCheckpoint(ctx context.Context, id string) (*jobs.Checkpoint, error) {
	return b.engine.LatestCheckpoint(ctx, id)
}

func (b *LocalBackend) GetJobLogs(ctx context.Context, id string, q jobs.LogQuery) (*jobs.LogPage, error) {
	return b.engine.ReadLogs(ctx, id, q)
}

func (b *LocalBackend) SummarizeTasks(ctx context.Context, id string) (*jobs.TaskSummary, error) {
	return b.engine.SummarizeTasks(ctx, id)
}

func (b *LocalBackend) SummarizeTokenUsage(ctx context.Context, id string) (*jobs.TokenUsageSummary, error) {
	return b.engine.SummarizeTokenUsage(ctx, id)
}

func (b *LocalBackend) CancelJob(ctx context.Context, id string, opts jobs.CancelOptions) (*jobs.Job, error) {
	job, err := b.engine.Cancel(ctx, id, opts)
	if errors.Is(err, jobs.ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}
