package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/pipeline/internal/events"
)

// Task display states.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// listWidth is the width of the task list column.
const listWidth = 32

// TaskState is what the dashboard knows about one task.
type TaskState struct {
	ID           string
	Target       string
	Kind         string
	Priority     string
	Dependencies []string
	Status       string
	Attempt      int
	WorkerID     int
	ErrorKind    string
	Err          string
	QueuedAt     time.Time
	StartedAt    time.Time
	Duration     time.Duration
	Log          []string
}

// TaskPaneModel is the task list plus a detail viewport for the selected task.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	order       []string              // insertion order for display
	selectedIdx int
	failedOnly  bool
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// Update handles key presses and task lifecycle events.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.visible())-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		case KeyFilter:
			m.failedOnly = !m.failedOnly
			m.selectedIdx = 0
			m.updateViewportContent()
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskQueuedEvent:
		t := m.ensure(msg.ID)
		t.Target = msg.Target
		t.Kind = msg.Kind
		t.Priority = msg.Priority
		t.Dependencies = msg.Dependencies
		t.Status = StatusQueued
		t.QueuedAt = msg.Timestamp
		t.logf(msg.Timestamp, "queued (%s, %s)", msg.Kind, msg.Priority)
		m.refresh(msg.ID)

	case events.TaskStartedEvent:
		t := m.ensure(msg.ID)
		if t.Target == "" {
			t.Target, t.Kind = msg.Target, msg.Kind
		}
		t.Status = StatusRunning
		t.Attempt = msg.Attempt
		t.WorkerID = msg.WorkerID
		t.StartedAt = msg.Timestamp
		t.logf(msg.Timestamp, "attempt %d started on worker %d", msg.Attempt, msg.WorkerID)
		m.refresh(msg.ID)

	case events.TaskRetryingEvent:
		t := m.ensure(msg.ID)
		t.Status = StatusRetrying
		t.Err = errString(msg.Err)
		t.logf(msg.Timestamp, "attempt %d failed: %s; retrying in %v", msg.NextAttempt-1, t.Err, msg.Delay)
		m.refresh(msg.ID)

	case events.TaskCompletedEvent:
		t := m.ensure(msg.ID)
		t.Status = StatusCompleted
		t.Attempt = msg.Attempts
		t.Duration = msg.Duration
		t.Err = ""
		t.logf(msg.Timestamp, "completed in %v after %d attempt(s)", msg.Duration, msg.Attempts)
		m.refresh(msg.ID)

	case events.TaskFailedEvent:
		t := m.ensure(msg.ID)
		t.Status = StatusFailed
		t.Attempt = msg.Attempts
		t.Duration = msg.Duration
		t.ErrorKind = msg.ErrorKind
		t.Err = errString(msg.Err)
		t.logf(msg.Timestamp, "failed (%s): %s", msg.ErrorKind, t.Err)
		m.refresh(msg.ID)
	}

	return m, cmd
}

func (m *TaskPaneModel) ensure(id string) *TaskState {
	t, ok := m.tasks[id]
	if !ok {
		t = &TaskState{ID: id, Status: StatusQueued, WorkerID: -1}
		m.tasks[id] = t
		m.order = append(m.order, id)
	}
	return t
}

// refresh redraws the detail view when id is the selected task or the
// first task to arrive.
func (m *TaskPaneModel) refresh(id string) {
	if sel := m.SelectedID(); sel == id || sel == "" || len(m.order) == 1 {
		m.updateViewportContent()
	}
}

func (t *TaskState) logf(ts time.Time, format string, args ...any) {
	t.Log = append(t.Log, ts.Format("15:04:05.000")+" "+fmt.Sprintf(format, args...))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// visible returns the task IDs shown with the current filter.
func (m TaskPaneModel) visible() []string {
	if !m.failedOnly {
		return m.order
	}
	var ids []string
	for _, id := range m.order {
		if m.tasks[id].Status == StatusFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

// SelectedID returns the ID of the selected task, or "" when the list is empty.
func (m TaskPaneModel) SelectedID() string {
	ids := m.visible()
	if m.selectedIdx >= 0 && m.selectedIdx < len(ids) {
		return ids[m.selectedIdx]
	}
	return ""
}

// Task returns the state of one task.
func (m TaskPaneModel) Task(id string) (TaskState, bool) {
	t, ok := m.tasks[id]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	detailWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderList(),
		lipgloss.NewStyle().
			Width(detailWidth).
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

func (m TaskPaneModel) renderList() string {
	var b strings.Builder

	heading := "Tasks"
	if m.failedOnly {
		heading = "Tasks (failed)"
	}
	title := StyleTitle.Render(heading)
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(listWidth, lipgloss.Width(title))))
	b.WriteString("\n\n")

	ids := m.visible()
	if len(ids) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range ids {
		t := m.tasks[id]
		name := t.ID
		if len(name) > listWidth-8 {
			name = name[:listWidth-11] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(t.Status), name)
		if t.Attempt > 1 {
			line += fmt.Sprintf(" #%d", t.Attempt)
		}
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(listWidth).
		Height(m.height - 2).
		Render(b.String())
}

// detail renders the header and log of one task.
func (t *TaskState) detail() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", StyleTitle.Render(t.ID), StatusIcon(t.Status))
	fmt.Fprintf(&b, "target:   %s\n", t.Target)
	fmt.Fprintf(&b, "kind:     %s  priority: %s\n", t.Kind, t.Priority)
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(&b, "depends:  %s\n", strings.Join(t.Dependencies, ", "))
	}
	if t.Attempt > 0 {
		fmt.Fprintf(&b, "attempt:  %d  worker: %d\n", t.Attempt, t.WorkerID)
	}
	if t.Duration > 0 {
		fmt.Fprintf(&b, "duration: %v\n", t.Duration.Round(time.Millisecond))
	}
	if t.Err != "" {
		fmt.Fprintf(&b, "error:    %s\n", StyleStatusFailed.Render(t.Err))
	}
	b.WriteString("\n")
	b.WriteString(strings.Join(t.Log, "\n"))
	return b.String()
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return StyleStatusRunning.Render("●")
	case StatusRetrying:
		return StyleStatusRetrying.Render("↻")
	case StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case StatusFailed:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m *TaskPaneModel) updateViewportContent() {
	t, ok := m.tasks[m.SelectedID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(t.detail())
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
