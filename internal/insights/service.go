// Package insights is the read facade over job state: listing, logs,
// summaries, progress and cancellation, backed by a local store or a remote
// jobs API.
package insights

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/workgraph/internal/jobs"
)

// Service answers questions about jobs. A Service built without a backend
// fails every call with *NotConfiguredError.
type Service struct {
	backend JobsBackend
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a Service. backend may be nil.
func New(backend JobsBackend, opts ...Option) *Service {
	s := &Service{
		backend: backend,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) ready(op string) error {
	if s.backend == nil {
		return &NotConfiguredError{Operation: op}
	}
	return nil
}

// ListJobs returns jobs matching filter.
func (s *Service) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]jobs.Job, error) {
	if err := s.ready("list jobs"); err != nil {
		return nil, err
	}
	return s.backend.ListJobs(ctx, filter)
}

// GetJob returns the job, or nil when it does not exist.
func (s *Service) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if err := s.ready("get job"); err != nil {
		return nil, err
	}
	return s.backend.GetJob(ctx, id)
}

// LatestCheckpoint returns the job's newest checkpoint, or nil.
func (s *Service) LatestCheckpoint(ctx context.Context, id string) (*jobs.Checkpoint, error) {
	if err := s.ready("latest checkpoint"); err != nil {
		return nil, err
	}
	return s.backend.LatestCheckpoint(ctx, id)
}

// GetJobLogs returns log entries after q.After. Pass the returned cursor
// back unchanged to continue.
func (s *Service) GetJobLogs(ctx context.Context, id string, q jobs.LogQuery) (*jobs.LogPage, error) {
	if err := s.ready("get job logs"); err != nil {
		return nil, err
	}
	page, err := s.backend.GetJobLogs(ctx, id, q)
	if err != nil {
		return nil, err
	}
	if page == nil {
		page = &jobs.LogPage{Entries: []jobs.LogEntry{}}
	}
	if len(page.Entries) == 0 {
		page.Cursor = q.After
	}
	return page, nil
}

// SummarizeTasks counts the job's task runs by status.
func (s *Service) SummarizeTasks(ctx context.Context, id string) (*jobs.TaskSummary, error) {
	if err := s.ready("summarize tasks"); err != nil {
		return nil, err
	}
	return s.backend.SummarizeTasks(ctx, id)
}

// SummarizeTokenUsage totals the job's token usage.
func (s *Service) SummarizeTokenUsage(ctx context.Context, id string) (*jobs.TokenUsageSummary, error) {
	if err := s.ready("summarize token usage"); err != nil {
		return nil, err
	}
	return s.backend.SummarizeTokenUsage(ctx, id)
}

// CancelJob cancels a job through the backend. A missing job yields
// *jobs.NotFoundError.
func (s *Service) CancelJob(ctx context.Context, id string, opts jobs.CancelOptions) (*jobs.Job, error) {
	if err := s.ready("cancel job"); err != nil {
		return nil, err
	}
	job, err := s.backend.CancelJob(ctx, id, opts)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &jobs.NotFoundError{JobID: id}
	}
	s.logger.Info("job cancelled", "job_id", id, "force", opts.Force, "reason", job.CancelReason)
	return job, nil
}

// ProgressPct returns completed/total as a rounded percentage in [0,100], or
// nil when the total is unknown.
func ProgressPct(job *jobs.Job) *int {
	if job == nil || job.TotalUnits <= 0 {
		return nil
	}
	pct := int(math.Round(float64(job.CompletedUnits) / float64(job.TotalUnits) * 100))
	pct = max(0, min(100, pct))
	return &pct
}

// Progress is a job's unit counters with the derived percentage.
type Progress struct {
	JobID     string     `json:"job_id"`
	State     jobs.State `json:"state"`
	Completed int        `json:"completed_units"`
	Total     int        `json:"total_units"`
	Pct       *int       `json:"progress_pct"`
}

// Progress returns the job's progress.
func (s *Service) Progress(ctx context.Context, id string) (*Progress, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &jobs.NotFoundError{JobID: id}
	}
	return &Progress{
		JobID:     job.ID,
		State:     job.State,
		Completed: job.CompletedUnits,
		Total:     job.TotalUnits,
		Pct:       ProgressPct(job),
	}, nil
}

// JobReport bundles everything known about one job.
type JobReport struct {
	Job        *jobs.Job               `json:"job"`
	Progress   *int                    `json:"progress_pct"`
	Checkpoint *jobs.Checkpoint        `json:"checkpoint,omitempty"`
	Tasks      *jobs.TaskSummary       `json:"tasks"`
	Tokens     *jobs.TokenUsageSummary `json:"tokens"`
}

// Report fetches the job with its latest checkpoint and summaries in
// parallel.
func (s *Service) Report(ctx context.Context, id string) (*JobReport, error) {
	if err := s.ready("job report"); err != nil {
		return nil, err
	}

	var report JobReport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		report.Job, err = s.backend.GetJob(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		report.Checkpoint, err = s.backend.LatestCheckpoint(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		report.Tasks, err = s.backend.SummarizeTasks(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		report.Tokens, err = s.backend.SummarizeTokenUsage(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if report.Job == nil {
		return nil, &jobs.NotFoundError{JobID: id}
	}
	report.Progress = ProgressPct(report.Job)
	return &report, nil
}

// FollowOptions configures Follow.
type FollowOptions struct {
	Interval time.Duration   // Poll interval (default 1s)
	Since    time.Time       // Only entries at or after Since
	After    *jobs.LogCursor // Resume from a previous cursor
}

// Follow polls the job's logs and hands each new entry to fn until the job
// settles: reaches a terminal state or stops as partial. It returns the
// settled job. Cancel ctx to stop early.
func (s *Service) Follow(ctx context.Context, id string, opts FollowOptions, fn func(jobs.LogEntry) error) (*jobs.Job, error) {
	if err := s.ready("follow job"); err != nil {
		return nil, err
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}

	cursor := opts.After
	for {
		// Read the state before the logs so no entry written before a
		// settled state is missed
		job, err := s.backend.GetJob(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if job == nil {
			return nil, &jobs.NotFoundError{JobID: id}
		}

		page, err := s.GetJobLogs(ctx, id, jobs.LogQuery{Since: opts.Since, After: cursor})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		for _, entry := range page.Entries {
			if err := fn(entry); err != nil {
				return nil, err
			}
		}
		cursor = page.Cursor

		if Settled(job.State) {
			return job, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Settled reports whether a job in state will make no further progress on its
// own: it is terminal or stopped as partial.
func Settled(state jobs.State) bool {
	return state.IsTerminal() || state == jobs.StatePartial
}

// String renders progress for terminals.
func (p *Progress) String() string {
	if p.Pct == nil {
		return fmt.Sprintf("%s: %d units done (total unknown)", p.State, p.Completed)
	}
	return fmt.Sprintf("%s: %d/%d (%d%%)", p.State, p.Completed, p.Total, *p.Pct)
}
