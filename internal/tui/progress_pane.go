package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/pipeline/internal/events"
)

// ProgressPaneModel shows pipeline-wide counts and a progress bar.
type ProgressPaneModel struct {
	last    events.ProgressEvent
	started time.Time
	retries int
	width   int
	height  int
	focused bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles progress and retry events.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.ProgressEvent:
		if m.started.IsZero() {
			m.started = msg.Timestamp
		}
		m.last = msg
	case events.TaskRetryingEvent:
		m.retries++
	}
	return m, nil
}

// Progress returns the latest progress event.
func (m ProgressPaneModel) Progress() events.ProgressEvent {
	return m.last
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	p := m.last

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total:     %d\n", p.Total)
	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", p.Completed)))
	fmt.Fprintf(&b, "Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", p.Running)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", p.Failed)))
	fmt.Fprintf(&b, "Queued:    %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", p.Queued)))
	fmt.Fprintf(&b, "Retries:   %s\n", StyleStatusRetrying.Render(fmt.Sprintf("%d", m.retries)))
	b.WriteString("\n")

	if p.Total > 0 {
		b.WriteString(m.bar(min(m.width-16, 40)))
		b.WriteString("\n")
		if !m.started.IsZero() {
			elapsed := p.Timestamp.Sub(m.started).Round(time.Millisecond)
			status := "running"
			if p.Done() {
				status = "done"
			}
			fmt.Fprintf(&b, "%s, %v elapsed\n", status, elapsed)
		}
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

// bar renders a width-character bar split by terminal and running counts.
func (m ProgressPaneModel) bar(width int) string {
	p := m.last
	if width <= 0 || p.Total == 0 {
		return ""
	}
	completedWidth := (p.Completed * width) / p.Total
	failedWidth := (p.Failed * width) / p.Total
	runningWidth := (p.Running * width) / p.Total
	pendingWidth := width - completedWidth - failedWidth - runningWidth

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

	return fmt.Sprintf("[%s]  %d/%d", bar, p.Completed+p.Failed, p.Total)
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
