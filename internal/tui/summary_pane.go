package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/workgraph/internal/insights"
	"github.com/aristath/workgraph/internal/jobs"
)

// SummaryPaneModel shows the job's state, progress and run totals.
type SummaryPaneModel struct {
	job     *jobs.Job
	tasks   *jobs.TaskSummary
	tokens  *jobs.TokenUsageSummary
	spinner spinner.Model
	width   int
	height  int
	focused bool
}

// NewSummaryPaneModel creates an empty summary pane.
func NewSummaryPaneModel() SummaryPaneModel {
	return SummaryPaneModel{
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(StyleStatusRunning)),
	}
}

// Update advances the spinner.
func (m SummaryPaneModel) Update(msg tea.Msg) (SummaryPaneModel, tea.Cmd) {
	var cmd tea.Cmd
	if _, ok := msg.(spinner.TickMsg); ok {
		m.spinner, cmd = m.spinner.Update(msg)
	}
	return m, cmd
}

// SetSnapshot replaces what the pane shows. Nil summaries keep the previous
// values.
func (m *SummaryPaneModel) SetSnapshot(job *jobs.Job, tasks *jobs.TaskSummary, tokens *jobs.TokenUsageSummary) {
	if job != nil {
		m.job = job
	}
	if tasks != nil {
		m.tasks = tasks
	}
	if tokens != nil {
		m.tokens = tokens
	}
}

// View renders the pane.
func (m SummaryPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Job")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if m.job == nil {
		b.WriteString(StyleStatusPending.Render("Loading..."))
	} else {
		m.renderJob(&b)
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m SummaryPaneModel) renderJob(b *strings.Builder) {
	job := m.job
	state := StateStyle(job.State).Render(string(job.State))
	if job.State == jobs.StateRunning {
		state = m.spinner.View() + " " + state
	}
	fmt.Fprintf(b, "ID:      %s\n", job.ID)
	fmt.Fprintf(b, "Type:    %s\n", job.Type)
	fmt.Fprintf(b, "State:   %s\n", state)
	if job.ErrorSummary != "" {
		fmt.Fprintf(b, "Error:   %s\n", StyleError.Render(job.ErrorSummary))
	}
	if job.CancelReason != "" {
		fmt.Fprintf(b, "Reason:  %s\n", job.CancelReason)
	}
	b.WriteString("\n")

	if pct := insights.ProgressPct(job); pct != nil {
		barWidth := max(0, min(m.width-16, 40))
		done := *pct * barWidth / 100
		bar := StyleStatusComplete.Render(strings.Repeat("=", done)) +
			StyleStatusPending.Render(strings.Repeat(".", barWidth-done))
		fmt.Fprintf(b, "[%s] %3d%%  %d/%d\n\n", bar, *pct, job.CompletedUnits, job.TotalUnits)
	} else {
		fmt.Fprintf(b, "%d units done\n\n", job.CompletedUnits)
	}

	if m.tasks != nil {
		fmt.Fprintf(b, "Succeeded: %s\n", StyleStatusComplete.Render(fmt.Sprint(m.tasks.ByStatus[jobs.RunSucceeded])))
		fmt.Fprintf(b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprint(m.tasks.ByStatus[jobs.RunRunning])))
		fmt.Fprintf(b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(m.tasks.ByStatus[jobs.RunFailed])))
		if len(m.tasks.Failed) > 0 {
			fmt.Fprintf(b, "           %s\n", strings.Join(m.tasks.Failed, ", "))
		}
	}
	if m.tokens != nil && m.tokens.TotalTokens > 0 {
		fmt.Fprintf(b, "\nTokens:    %d (%d in / %d out)\n", m.tokens.TotalTokens, m.tokens.PromptTokens, m.tokens.CompletionTokens)
		models := make([]string, 0, len(m.tokens.ByModel))
		for name := range m.tokens.ByModel {
			models = append(models, name)
		}
		sort.Strings(models)
		for _, name := range models {
			c := m.tokens.ByModel[name]
			fmt.Fprintf(b, "  %s: %d\n", name, c.PromptTokens+c.CompletionTokens)
		}
	}
}

// SetSize updates the pane dimensions.
func (m *SummaryPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *SummaryPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
