package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/workgraph/internal/jobs"
)

const taskListWidth = 25

// TaskState is what the watch view knows about one task of the job.
type TaskState struct {
	Key      string
	Status   string // "running", "succeeded", "failed", "" before the first event
	Attempts int
	Lines    []string
	Started  time.Time
	Duration time.Duration
}

// TasksPaneModel lists the job's tasks next to a scrollable log viewport.
// With no task selected (or in follow mode) the viewport shows every entry.
type TasksPaneModel struct {
	tasks       map[string]*TaskState
	order       []string
	all         []string
	selectedIdx int
	followAll   bool
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTasksPaneModel creates an empty tasks pane.
func NewTasksPaneModel() TasksPaneModel {
	return TasksPaneModel{
		tasks:     make(map[string]*TaskState),
		followAll: true,
		viewport:  viewport.New(0, 0),
	}
}

// Update handles key input for the pane.
func (m TasksPaneModel) Update(msg tea.Msg) (TasksPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	keyMsg, ok := msg.(tea.KeyMsg)
	if !ok || !m.focused {
		return m, nil
	}
	switch keyMsg.String() {
	case KeyJ, KeyDown:
		if m.followAll && len(m.order) > 0 {
			m.followAll = false
			m.selectedIdx = 0
		} else if m.selectedIdx < len(m.order)-1 {
			m.selectedIdx++
		}
		m.refresh()
	case KeyK, KeyUp:
		if m.selectedIdx > 0 {
			m.selectedIdx--
		}
		m.followAll = false
		m.refresh()
	case KeyFollow:
		m.followAll = !m.followAll
		m.refresh()
	default:
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

// AddEntries folds new log entries into the task list and log views.
func (m *TasksPaneModel) AddEntries(entries []jobs.LogEntry) {
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		line := formatEntry(e)
		m.all = append(m.all, line)
		if e.TaskKey == "" {
			continue
		}
		t := m.task(e.TaskKey)
		t.Lines = append(t.Lines, line)
		switch e.TaskEvent() {
		case jobs.TaskEventStarted:
			t.Status = "running"
			t.Attempts++
			t.Started = e.Timestamp
		case jobs.TaskEventSucceeded:
			t.Status = "succeeded"
			t.Duration = e.Timestamp.Sub(t.Started)
		case jobs.TaskEventFailed:
			t.Status = "failed"
			t.Duration = e.Timestamp.Sub(t.Started)
		}
	}
	m.refresh()
}

func (m *TasksPaneModel) task(key string) *TaskState {
	t, ok := m.tasks[key]
	if !ok {
		t = &TaskState{Key: key}
		m.tasks[key] = t
		m.order = append(m.order, key)
	}
	return t
}

// Task returns the state of one task, or nil.
func (m TasksPaneModel) Task(key string) *TaskState {
	return m.tasks[key]
}

func formatEntry(e jobs.LogEntry) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.Local().Format("15:04:05"))
	if e.Level != "" {
		fmt.Fprintf(&b, " %-5s", strings.ToUpper(e.Level))
	}
	if e.TaskKey != "" {
		fmt.Fprintf(&b, " [%s]", e.TaskKey)
	}
	b.WriteString(" ")
	b.WriteString(e.Message)
	line := b.String()
	if e.Level == "error" {
		return StyleError.Render(line)
	}
	return line
}

// View renders the pane.
func (m TasksPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - taskListWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TasksPaneModel) renderTaskList() string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(taskListWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, key := range m.order {
		t := m.tasks[key]
		name := key
		if len(name) > taskListWidth-6 {
			name = name[:taskListWidth-9] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if t.Attempts > 1 {
			line += fmt.Sprintf(" x%d", t.Attempts)
		}
		if !m.followAll && i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(taskListWidth).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled task status indicator.
func StatusIcon(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "succeeded":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TasksPaneModel) selectedKey() string {
	if m.followAll || m.selectedIdx < 0 || m.selectedIdx >= len(m.order) {
		return ""
	}
	return m.order[m.selectedIdx]
}

// refresh rewrites the viewport for the current selection and keeps it
// scrolled to the newest line.
func (m *TasksPaneModel) refresh() {
	lines := m.all
	if key := m.selectedKey(); key != "" {
		lines = m.tasks[key].Lines
	}
	if len(lines) == 0 {
		m.viewport.SetContent("Waiting for logs...")
		return
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

// SetSize updates the pane dimensions.
func (m *TasksPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(10, w-taskListWidth-4)
	m.viewport.Height = max(5, h-4)
}

// SetFocused updates the focus state.
func (m *TasksPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
