package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/workgraph/internal/insights"
	"github.com/aristath/workgraph/internal/jobs"
	"github.com/aristath/workgraph/internal/orchestrator"
	"github.com/aristath/workgraph/internal/tui"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		ff    *filterFlags
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the ready tasks of a project as a job",
		Long: `Run selects tasks like select does, then executes runner.command once per
task in plan order. Progress is checkpointed after every task, so a job
that stops early can be continued with resume.

The command exits non-zero unless every selected task succeeded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			filters, err := ff.filters(a)
			if err != nil {
				return err
			}
			runner, err := a.newRunner(ctx)
			if err != nil {
				return err
			}
			start := func(ctx context.Context) (*orchestrator.RunReport, error) {
				return runner.Run(ctx, orchestrator.RunRequest{
					WorkspaceID: filters.ProjectKey,
					Filters:     filters,
					Args:        a.args,
				})
			}
			return a.finishRun(ctx, start, watch)
		},
	}
	ff = addFilterFlags(cmd)
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "show the job in the interactive view while it runs")
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "resume JOB_ID",
		Short: "Continue a paused, partial or interrupted job from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			runner, err := a.newRunner(ctx)
			if err != nil {
				return err
			}
			start := func(ctx context.Context) (*orchestrator.RunReport, error) {
				return runner.Resume(ctx, args[0])
			}
			return a.finishRun(ctx, start, watch)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "show the job in the interactive view while it runs")
	return cmd
}

// finishRun runs start, optionally under the watch view, then prints the
// report and turns an unfinished job into a non-zero exit.
func (a *app) finishRun(ctx context.Context, start func(context.Context) (*orchestrator.RunReport, error), watch bool) error {
	var (
		report *orchestrator.RunReport
		err    error
	)
	if watch {
		report, err = a.runWatched(ctx, start)
	} else {
		report, err = start(ctx)
	}
	if report == nil {
		return err
	}

	// An interrupted run still reports how far it got
	if a.jsonOut {
		if perr := a.printJSON(report); perr != nil {
			return errors.Join(err, perr)
		}
	} else {
		printRunReport(a.stdout, report)
	}
	if err != nil {
		return err
	}
	return runOutcome(report.Job)
}

// runWatched starts the run in the background and shows the watch view for
// the job it creates. Quitting the view interrupts the run, which leaves
// the job resumable.
func (a *app) runWatched(ctx context.Context, start func(context.Context) (*orchestrator.RunReport, error)) (*orchestrator.RunReport, error) {
	sub := a.bus.SubscribeAll(256)

	type result struct {
		report *orchestrator.RunReport
		err    error
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan result, 1)
	go func() {
		report, err := start(runCtx)
		done <- result{report, err}
	}()

	var jobID string
	for jobID == "" {
		select {
		case ev, ok := <-sub:
			if !ok {
				res := <-done
				return res.report, res.err
			}
			jobID = ev.JobID()
		case res := <-done:
			return res.report, res.err
		}
	}

	svc := insights.New(insights.NewLocalBackend(a.engine), insights.WithLogger(a.logger))
	model := tui.New(ctx, svc, jobID,
		tui.WithInterval(a.cfg.Follow.Interval.Std()),
		tui.WithEvents(sub),
		a.watchCancel(svc),
	)
	if _, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithOutput(a.stdout)).Run(); err != nil {
		a.logger.Warn("watch view failed", "job_id", jobID, "error", err)
	}

	cancel()
	res := <-done
	return res.report, res.err
}

// runOutcome maps a settled job onto the exit status: anything short of
// completed is a failure.
func runOutcome(job *jobs.Job) error {
	if job == nil || job.State == jobs.StateCompleted {
		return nil
	}
	return &exitError{code: 1, err: fmt.Errorf("job %s ended %s", job.ID, describeEnd(job))}
}

func describeEnd(job *jobs.Job) string {
	switch {
	case job.ErrorSummary != "":
		return fmt.Sprintf("%s: %s", job.State, job.ErrorSummary)
	case job.CancelReason != "":
		return fmt.Sprintf("%s: %s", job.State, job.CancelReason)
	default:
		return string(job.State)
	}
}

func printRunReport(w io.Writer, r *orchestrator.RunReport) {
	if r.Plan != nil && len(r.Plan.Ordered) == 0 {
		fmt.Fprintln(w, "No tasks were ready.")
	}
	fmt.Fprintf(w, "Job %s: %s\n", r.Job.ID, r.Job.State)
	if len(r.Succeeded) > 0 {
		fmt.Fprintf(w, "  succeeded: %s\n", strings.Join(r.Succeeded, ", "))
	}
	if len(r.Failed) > 0 {
		fmt.Fprintf(w, "  failed:    %s\n", strings.Join(r.Failed, ", "))
	}
	if r.Plan != nil {
		for _, b := range r.Plan.Blocked {
			fmt.Fprintf(w, "  blocked:   %s (%s)\n", b.Task.Key, b.Reason)
		}
	}
	if jobs.CanResume(r.Job.State) {
		fmt.Fprintf(w, "Resume with: workgraph resume %s\n", r.Job.ID)
	}
}
