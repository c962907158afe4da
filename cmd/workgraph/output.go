package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/workgraph/internal/insights"
	"github.com/aristath/workgraph/internal/jobs"
	"github.com/aristath/workgraph/internal/scheduler"
)

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		String()
}

func printPlan(w io.Writer, plan *scheduler.SelectionPlan) {
	if len(plan.Ordered) == 0 {
		fmt.Fprintln(w, "No tasks are ready.")
	} else {
		rows := make([][]string, 0, len(plan.Ordered))
		for i, t := range plan.Ordered {
			rows = append(rows, []string{fmt.Sprint(i + 1), t.Key, string(t.Status), t.Type, fmt.Sprint(t.Priority), t.Title})
		}
		fmt.Fprintln(w, renderTable([]string{"#", "KEY", "STATUS", "TYPE", "PRIORITY", "TITLE"}, rows))
	}

	if len(plan.Batches) > 0 {
		fmt.Fprintln(w, "\nBatches:")
		for i, batch := range plan.Batches {
			keys := make([]string, len(batch))
			for j, t := range batch {
				keys[j] = t.Key
			}
			fmt.Fprintf(w, "  %d: %s\n", i+1, strings.Join(keys, ", "))
		}
	}

	if len(plan.Blocked) > 0 {
		fmt.Fprintln(w, "\nBlocked:")
		for _, b := range plan.Blocked {
			line := fmt.Sprintf("  %s: %s", b.Task.Key, b.Reason)
			if len(b.BlockedBy) > 0 {
				line += " (blocked by " + strings.Join(b.BlockedBy, ", ") + ")"
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(plan.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, warning := range plan.Warnings {
			fmt.Fprintf(w, "  %s\n", warning)
		}
	}
	fmt.Fprintf(w, "\nFingerprint: %s\n", plan.Fingerprint)
}

func printJobs(w io.Writer, list []jobs.Job) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	rows := make([][]string, 0, len(list))
	for _, j := range list {
		progress := fmt.Sprintf("%d", j.CompletedUnits)
		if pct := insights.ProgressPct(&j); pct != nil {
			progress = fmt.Sprintf("%d/%d (%d%%)", j.CompletedUnits, j.TotalUnits, *pct)
		}
		created := j.CreatedAt
		rows = append(rows, []string{j.ID, j.Type, string(j.State), progress, formatTime(&created)})
	}
	fmt.Fprintln(w, renderTable([]string{"ID", "TYPE", "STATE", "PROGRESS", "CREATED"}, rows))
}

func printReport(w io.Writer, r *insights.JobReport) {
	j := r.Job
	fmt.Fprintf(w, "Job:        %s\n", j.ID)
	fmt.Fprintf(w, "Type:       %s\n", j.Type)
	fmt.Fprintf(w, "State:      %s\n", j.State)
	if r.Progress != nil {
		fmt.Fprintf(w, "Progress:   %d/%d (%d%%)\n", j.CompletedUnits, j.TotalUnits, *r.Progress)
	} else {
		fmt.Fprintf(w, "Progress:   %d units\n", j.CompletedUnits)
	}
	fmt.Fprintf(w, "Started:    %s\n", formatTime(j.StartedAt))
	fmt.Fprintf(w, "Finished:   %s\n", formatTime(j.FinishedAt))
	if j.ErrorSummary != "" {
		fmt.Fprintf(w, "Error:      %s\n", j.ErrorSummary)
	}
	if j.CancelReason != "" {
		fmt.Fprintf(w, "Cancelled:  %s\n", j.CancelReason)
	}
	if r.Checkpoint != nil {
		fmt.Fprintf(w, "Checkpoint: #%d %s at %s\n", r.Checkpoint.Sequence, r.Checkpoint.Stage, formatTime(&r.Checkpoint.Timestamp))
	}
	if r.Tasks != nil && r.Tasks.Total > 0 {
		fmt.Fprintf(w, "Tasks:      %d run, %d succeeded, %d failed\n",
			r.Tasks.Total, r.Tasks.ByStatus[jobs.RunSucceeded], r.Tasks.ByStatus[jobs.RunFailed])
		if len(r.Tasks.Failed) > 0 {
			fmt.Fprintf(w, "Failed:     %s\n", strings.Join(r.Tasks.Failed, ", "))
		}
	}
	if r.Tokens != nil && r.Tokens.TotalTokens > 0 {
		fmt.Fprintf(w, "Tokens:     %d (%d prompt, %d completion)\n",
			r.Tokens.TotalTokens, r.Tokens.PromptTokens, r.Tokens.CompletionTokens)
	}
}

func printLogEntry(w io.Writer, e jobs.LogEntry) {
	var b strings.Builder
	b.WriteString(e.Timestamp.Local().Format(time.TimeOnly))
	if e.Level != "" {
		fmt.Fprintf(&b, " %-5s", strings.ToUpper(e.Level))
	}
	if e.TaskKey != "" {
		fmt.Fprintf(&b, " [%s]", e.TaskKey)
	}
	b.WriteString(" ")
	b.WriteString(e.Message)
	fmt.Fprintln(w, b.String())
}
