// Package tui renders a live view of one job: its state and progress, its
// tasks, and the job log.
package tui

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/workgraph/internal/events"
	"github.com/aristath/workgraph/internal/insights"
	"github.com/aristath/workgraph/internal/jobs"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneSummary
)

const paneCount = 2

// Model is the root Bubble Tea model for the job watch view. It polls the
// insights service and, when given a local event subscription, polls
// immediately whenever the job changes.
type Model struct {
	ctx         context.Context
	svc         *insights.Service
	jobID       string
	interval    time.Duration
	eventSub    <-chan events.Event
	cancel      CancelFunc
	tasksPane   TasksPaneModel
	summaryPane SummaryPaneModel
	focusedPane PaneID
	cursor      *jobs.LogCursor
	job         *jobs.Job
	err         error
	inFlight    bool
	tickGen     int
	width       int
	height      int
	quitting    bool
}

// Option configures a Model.
type Option func(*Model)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.interval = d
		}
	}
}

// CancelFunc cancels a job on behalf of the view.
type CancelFunc func(ctx context.Context, jobID string) (*jobs.Job, error)

// WithCancel replaces how the cancel key cancels the job.
func WithCancel(fn CancelFunc) Option {
	return func(m *Model) {
		if fn != nil {
			m.cancel = fn
		}
	}
}

// WithEvents nudges the view with events from a local bus subscription.
func WithEvents(sub <-chan events.Event) Option {
	return func(m *Model) { m.eventSub = sub }
}

// New creates a watch view for jobID.
func New(ctx context.Context, svc *insights.Service, jobID string, opts ...Option) Model {
	m := Model{
		ctx:         ctx,
		svc:         svc,
		jobID:       jobID,
		interval:    time.Second,
		tasksPane:   NewTasksPaneModel(),
		summaryPane: NewSummaryPaneModel(),
		focusedPane: PaneTasks,
		inFlight:    true, // Init fetches
	}
	m.cancel = func(ctx context.Context, id string) (*jobs.Job, error) {
		return svc.CancelJob(ctx, id, jobs.CancelOptions{Reason: "cancelled from watch view"})
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.updateFocusStates()
	return m
}

// Job returns the last job snapshot, or nil before the first poll.
func (m Model) Job() *jobs.Job { return m.job }

// Err returns the error that ended the view, if any.
func (m Model) Err() error { return m.err }

// snapshotMsg carries one poll result.
type snapshotMsg struct {
	job     *jobs.Job
	entries []jobs.LogEntry
	cursor  *jobs.LogCursor
	tasks   *jobs.TaskSummary
	tokens  *jobs.TokenUsageSummary
	err     error
}

// cancelMsg carries the result of the cancel key.
type cancelMsg struct {
	job *jobs.Job
	err error
}

// pollTickMsg schedules the next poll. Stale generations are ignored.
type pollTickMsg struct {
	gen int
}

// Init starts polling.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.fetch(), m.summaryPane.spinner.Tick}
	if m.eventSub != nil {
		cmds = append(cmds, waitForEvent(m.eventSub))
	}
	return tea.Batch(cmds...)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// fetch reads the job before its logs, so entries written before a settled
// state are always included in the same snapshot.
func (m Model) fetch() tea.Cmd {
	ctx, svc, id, cursor := m.ctx, m.svc, m.jobID, m.cursor
	return func() tea.Msg {
		job, err := svc.GetJob(ctx, id)
		if err != nil {
			return snapshotMsg{err: err}
		}
		if job == nil {
			return snapshotMsg{err: &jobs.NotFoundError{JobID: id}}
		}
		page, err := svc.GetJobLogs(ctx, id, jobs.LogQuery{After: cursor})
		if err != nil {
			return snapshotMsg{err: err}
		}
		tasks, err := svc.SummarizeTasks(ctx, id)
		if err != nil {
			return snapshotMsg{err: err}
		}
		tokens, err := svc.SummarizeTokenUsage(ctx, id)
		if err != nil {
			return snapshotMsg{err: err}
		}
		return snapshotMsg{job: job, entries: page.Entries, cursor: page.Cursor, tasks: tasks, tokens: tokens}
	}
}

func (m *Model) startFetch() tea.Cmd {
	if m.inFlight {
		return nil
	}
	m.inFlight = true
	return m.fetch()
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyCancel:
			if m.job != nil && !insights.Settled(m.job.State) {
				ctx, cancel, id := m.ctx, m.cancel, m.jobID
				cmds = append(cmds, func() tea.Msg {
					job, err := cancel(ctx, id)
					return cancelMsg{job: job, err: err}
				})
			}

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneSummary
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.tasksPane, cmd = m.tasksPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case snapshotMsg:
		m.inFlight = false
		if msg.err != nil {
			m.err = msg.err
			var nf *jobs.NotFoundError
			if errors.As(msg.err, &nf) || errors.Is(msg.err, insights.ErrNotConfigured) || m.ctx.Err() != nil {
				m.quitting = true
				return m, tea.Quit
			}
		} else {
			m.err = nil
			m.job = msg.job
			m.cursor = msg.cursor
			m.tasksPane.AddEntries(msg.entries)
			m.summaryPane.SetSnapshot(msg.job, msg.tasks, msg.tokens)
			if insights.Settled(msg.job.State) {
				m.quitting = true
				return m, tea.Quit
			}
		}
		m.tickGen++
		gen := m.tickGen
		cmds = append(cmds, tea.Tick(m.interval, func(time.Time) tea.Msg { return pollTickMsg{gen: gen} }))

	case cancelMsg:
		m.err = msg.err
		if msg.err == nil {
			cmds = append(cmds, m.startFetch())
		}

	case pollTickMsg:
		if msg.gen == m.tickGen {
			cmds = append(cmds, m.startFetch())
		}

	case events.Event:
		if msg.JobID() == m.jobID {
			cmds = append(cmds, m.startFetch())
		}
		cmds = append(cmds, waitForEvent(m.eventSub))

	default:
		var cmd tea.Cmd
		m.summaryPane, cmd = m.summaryPane.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.tasksPane.View(), m.summaryPane.View())
	help := HelpView()
	if m.err != nil {
		help = StyleError.Render("error: "+m.err.Error()) + "  " + help
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, help)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1

	m.tasksPane.SetSize(leftWidth, availableHeight)
	m.summaryPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.tasksPane.SetFocused(m.focusedPane == PaneTasks)
	m.summaryPane.SetFocused(m.focusedPane == PaneSummary)
}
