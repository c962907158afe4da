package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/workgraph/internal/insights"
	"github.com/aristath/workgraph/internal/jobs"
	"github.com/aristath/workgraph/internal/tui"
)

func newJobsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and control jobs",
		Long: `Jobs reads from the configured jobs backend: the local store when
jobs_backend.local is set, or a remote jobs API when jobs_backend.base_url
is set.`,
	}
	cmd.AddCommand(
		newJobsListCmd(a),
		newJobsGetCmd(a),
		newJobsProgressCmd(a),
		newJobsLogsCmd(a),
		newJobsWatchCmd(a),
		newJobsCancelCmd(a),
		newJobsPauseCmd(a, "pause", (*jobs.Engine).Pause),
		newJobsPauseCmd(a, "unpause", (*jobs.Engine).Unpause),
	)
	return cmd
}

func newJobsListCmd(a *app) *cobra.Command {
	var (
		workspace string
		states    []string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filter := jobs.JobFilter{WorkspaceID: workspace, Limit: limit}
			for _, s := range states {
				state := jobs.State(s)
				if !state.IsValid() {
					return fmt.Errorf("unknown job state %q", s)
				}
				filter.States = append(filter.States, state)
			}
			svc, err := a.insights(ctx)
			if err != nil {
				return err
			}
			list, err := svc.ListJobs(ctx, filter)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(list)
			}
			printJobs(a.stdout, list)
			return nil
		},
	}
	cmd.Flags().StringVar(&workspace, "workspace", "", "only jobs of this workspace")
	cmd.Flags().StringSliceVar(&states, "state", nil, "only jobs in these states (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs (0 for all)")
	return cmd
}

func newJobsGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get JOB_ID",
		Short: "Show a job with its latest checkpoint and run summaries",
		Long:  "Get exits non-zero when the job failed or was cancelled.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.insights(ctx)
			if err != nil {
				return err
			}
			report, err := svc.Report(ctx, args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				err = a.printJSON(report)
			} else {
				printReport(a.stdout, report)
			}
			if err != nil {
				return err
			}
			return statusOutcome(report.Job)
		},
	}
}

func newJobsProgressCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "progress JOB_ID",
		Short: "Show a job's progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.insights(ctx)
			if err != nil {
				return err
			}
			p, err := svc.Progress(ctx, args[0])
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(p)
			}
			fmt.Fprintln(a.stdout, p.String())
			return nil
		},
	}
}

func newJobsLogsCmd(a *app) *cobra.Command {
	var (
		follow bool
		since  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "logs JOB_ID",
		Short: "Print a job's log",
		Long: `Logs prints the job's log entries in order. With --follow it keeps
polling until the job settles and exits non-zero unless it completed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sinceTime, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			svc, err := a.insights(ctx)
			if err != nil {
				return err
			}

			emit := func(e jobs.LogEntry) error {
				if a.jsonOut {
					return a.printJSON(e)
				}
				printLogEntry(a.stdout, e)
				return nil
			}

			if !follow {
				page, err := svc.GetJobLogs(ctx, args[0], jobs.LogQuery{Since: sinceTime, Limit: limit})
				if err != nil {
					return err
				}
				for _, e := range page.Entries {
					if err := emit(e); err != nil {
						return err
					}
				}
				return nil
			}

			job, err := svc.Follow(ctx, args[0], insights.FollowOptions{
				Interval: a.cfg.Follow.Interval.Std(),
				Since:    sinceTime,
			}, emit)
			if err != nil {
				return err
			}
			return runOutcome(job)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new entries until the job settles")
	cmd.Flags().StringVar(&since, "since", "", "only entries newer than a duration (10m) or an RFC 3339 time")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries without --follow (0 for all)")
	return cmd
}

func newJobsWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch JOB_ID",
		Short: "Watch a job in an interactive view until it settles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.insights(ctx)
			if err != nil {
				return err
			}
			model := tui.New(ctx, svc, args[0], tui.WithInterval(a.cfg.Follow.Interval.Std()), a.watchCancel(svc))
			final, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithOutput(a.stdout)).Run()
			if err != nil {
				return err
			}
			m, ok := final.(tui.Model)
			if !ok {
				return nil
			}
			if err := m.Err(); err != nil {
				return err
			}
			job := m.Job()
			if job == nil || !insights.Settled(job.State) {
				// Quit before the job settled
				return nil
			}
			return runOutcome(job)
		},
	}
}

func newJobsCancelCmd(a *app) *cobra.Command {
	var opts jobs.CancelOptions
	cmd := &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Cancel a job",
		Long: `Cancel stops a queued, running, paused or partial job. Cancelling a job
that already finished is refused unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.insights(ctx)
			if err != nil {
				return err
			}
			job, err := a.cancelJob(ctx, svc, args[0], opts)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(job)
			}
			fmt.Fprintf(a.stdout, "Job %s: %s\n", job.ID, job.State)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "cancel even if the job already finished")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded on the job")
	return cmd
}

// newJobsPauseCmd builds pause and unpause. Both act on the local store
// only; the jobs API does not expose them.
func newJobsPauseCmd(a *app, name string, op func(*jobs.Engine, context.Context, string) (*jobs.Job, error)) *cobra.Command {
	short := "Hold a running job before its next task"
	if name == "unpause" {
		short = "Let a paused job dispatch tasks again"
	}
	return &cobra.Command{
		Use:   name + " JOB_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if a.cfg.JobsBackend.BaseURL != "" {
				return fmt.Errorf("jobs %s needs the local store; unset jobs_backend.base_url", name)
			}
			if err := a.openStore(ctx); err != nil {
				return err
			}
			job, err := a.jobCommand(ctx, name, args[0], func(ctx context.Context) (*jobs.Job, error) {
				return op(a.engine, ctx, args[0])
			})
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(job)
			}
			fmt.Fprintf(a.stdout, "Job %s: %s\n", job.ID, job.State)
			return nil
		},
	}
}

// statusOutcome fails the command for jobs that failed or were cancelled.
func statusOutcome(job *jobs.Job) error {
	if job.State == jobs.StateFailed || job.State == jobs.StateCancelled {
		return &exitError{code: 1}
	}
	return nil
}

// parseSince accepts a duration relative to now or an absolute RFC 3339
// timestamp. Empty means no lower bound.
func parseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("--since must not be negative: %s", s)
		}
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since: expected a duration like 10m or an RFC 3339 time, got %q", s)
	}
	return t, nil
}
