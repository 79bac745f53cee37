package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/aristath/taskrt/internal/events"
)

// maxLogLines bounds the activity log.
const maxLogLines = 500

const listWidth = 34

// BufferPaneModel lists live command buffers and a scrollable activity log.
type BufferPaneModel struct {
	rows      map[uuid.UUID][]events.BufferProgress // Latest live buffers per group
	groups    []uuid.UUID
	log       []string
	viewport  viewport.Model
	paused    bool
	width     int
	height    int
	focused   bool
	updateTag int // for debouncing
}

// NewBufferPaneModel creates a new buffer pane model.
func NewBufferPaneModel() BufferPaneModel {
	vp := viewport.New(0, 0)
	vp.SetContent("Waiting for activity...")
	return BufferPaneModel{
		rows:     make(map[uuid.UUID][]events.BufferProgress),
		viewport: vp,
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the buffer pane.
func (m BufferPaneModel) Update(msg tea.Msg) (BufferPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyPause:
			m.paused = !m.paused
			if !m.paused {
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.GroupStatsEvent:
		if _, ok := m.rows[msg.Group]; !ok {
			m.groups = append(m.groups, msg.Group)
		}
		m.rows[msg.Group] = msg.BufferRows

	case events.GroupStoppedEvent:
		m.rows[msg.Group] = nil
		return m.appendLine(fmt.Sprintf("%s group %s stopped (%d finished, %d aborted)",
			stamp(msg.Timestamp), msg.Name, msg.Finished, msg.Aborted))

	case events.BufferSubmittedEvent:
		return m.appendLine(fmt.Sprintf("%s %s submitted, %d commands",
			stamp(msg.Timestamp), bufferName(msg.Buffer, msg.Label), msg.Commands))

	case events.BufferCompletedEvent:
		status := StyleStatusComplete.Render("completed")
		if msg.Aborted {
			status = StyleStatusFailed.Render("aborted")
		}
		return m.appendLine(fmt.Sprintf("%s %s %s after %s, %d tasks",
			stamp(msg.Timestamp), bufferName(msg.Buffer, msg.Label), status, msg.Duration.Round(time.Microsecond), msg.Spawned))

	case events.TaskFinishedEvent:
		// Successful tasks are too frequent to log one by one.
		if !msg.Aborted {
			break
		}
		reason := "aborted"
		if msg.Panic != "" {
			reason = "panicked: " + msg.Panic
		}
		return m.appendLine(fmt.Sprintf("%s task %s (%s) %s",
			stamp(msg.Timestamp), msg.Label, msg.Task, StyleStatusFailed.Render(reason)))

	case events.StackExhaustedEvent:
		return m.appendLine(fmt.Sprintf("%s %s stack class exhausted %d times",
			stamp(msg.Timestamp), StyleStatusBlocked.Render(fmt.Sprintf("%d", msg.Size)), msg.Count))

	case tickMsg:
		if msg.tag == m.updateTag && !m.paused {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// appendLine adds a log line and schedules a debounced viewport refresh.
func (m BufferPaneModel) appendLine(line string) (BufferPaneModel, tea.Cmd) {
	m.log = append(m.log, line)
	if over := len(m.log) - maxLogLines; over > 0 {
		m.log = m.log[over:]
	}
	m.updateTag++
	tag := m.updateTag
	return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

func stamp(t time.Time) string {
	return StyleStatusPending.Render(t.Format("15:04:05.000"))
}

func bufferName(id uuid.UUID, label string) string {
	if label == "" {
		return id.String()[:8]
	}
	return label
}

// View renders the buffer pane.
func (m BufferPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderBufferList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	return paneStyle(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// renderBufferList renders the live buffer column.
func (m BufferPaneModel) renderBufferList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Live Buffers")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	live := 0
	for _, g := range m.groups {
		for _, row := range m.rows[g] {
			live++
			name := bufferName(row.ID, row.Label)
			if len(name) > width-14 {
				name = name[:width-17] + "..."
			}
			b.WriteString(fmt.Sprintf("%s %s %d/%d", m.statusIcon(row), name, row.Next, row.Total))
			b.WriteString("\n")
		}
	}
	if live == 0 {
		b.WriteString(StyleStatusPending.Render("No live buffers"))
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// statusIcon reports what a buffer is currently waiting for.
func (m BufferPaneModel) statusIcon(row events.BufferProgress) string {
	switch {
	case row.Waiting != "":
		return StyleStatusBlocked.Render("◐")
	case row.Next >= row.Total:
		return StyleStatusComplete.Render("✓")
	default:
		return StyleStatusRunning.Render("●")
	}
}

// updateViewportContent shows the log, scrolled to the newest line.
func (m *BufferPaneModel) updateViewportContent() {
	if len(m.log) == 0 {
		m.viewport.SetContent("Waiting for activity...")
		return
	}
	m.viewport.SetContent(strings.Join(m.log, "\n"))
	m.viewport.GotoBottom()
}

// resizeViewport resizes the viewport based on pane dimensions.
func (m *BufferPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-listWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *BufferPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *BufferPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// Paused reports whether the log view is frozen.
func (m BufferPaneModel) Paused() bool {
	return m.paused
}

// LogLines returns the number of retained log lines.
func (m BufferPaneModel) LogLines() int {
	return len(m.log)
}
