package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/aristath/taskrt/internal/events"
)

// groupState is the latest known view of one worker group.
type groupState struct {
	id      uuid.UUID
	name    string
	workers int
	stopped bool
	stats   events.GroupStatsEvent
	sampled bool
}

// StatsPaneModel shows scheduler counters and stack classes per group.
type StatsPaneModel struct {
	groups      map[uuid.UUID]*groupState
	order       []uuid.UUID
	selectedIdx int
	width       int
	height      int
	focused     bool
}

// NewStatsPaneModel creates an empty stats pane.
func NewStatsPaneModel() StatsPaneModel {
	return StatsPaneModel{groups: make(map[uuid.UUID]*groupState)}
}

func (m *StatsPaneModel) group(id uuid.UUID, name string) *groupState {
	g, ok := m.groups[id]
	if !ok {
		g = &groupState{id: id, name: name}
		m.groups[id] = g
		m.order = append(m.order, id)
	}
	if g.name == "" {
		g.name = name
	}
	return g
}

// Update handles messages for the stats pane.
func (m StatsPaneModel) Update(msg tea.Msg) (StatsPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		}

	case events.GroupStartedEvent:
		g := m.group(msg.Group, msg.Name)
		g.workers = msg.Workers
		g.stopped = false

	case events.GroupStatsEvent:
		g := m.group(msg.Group, msg.Name)
		g.workers = msg.Workers
		g.stats = msg
		g.sampled = true

	case events.GroupStoppedEvent:
		g := m.group(msg.Group, msg.Name)
		g.stopped = true
		g.stats.Finished = msg.Finished
		g.stats.Aborted = msg.Aborted
		g.stats.Runnable, g.stats.Waiting, g.stats.Blocked, g.stats.Running, g.stats.Buffers = 0, 0, 0, 0, 0
	}

	return m, nil
}

func (m StatsPaneModel) selected() *groupState {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.groups[m.order[m.selectedIdx]]
	}
	return nil
}

// View renders the stats pane.
func (m StatsPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Worker Groups")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting for a group..."))
		return paneStyle(m.focused).Width(m.width - 2).Height(m.height - 2).Render(b.String())
	}

	for i, id := range m.order {
		g := m.groups[id]
		icon := StyleStatusRunning.Render("●")
		if g.stopped {
			icon = StyleStatusPending.Render("○")
		}
		line := fmt.Sprintf("%s %s (%d workers)", icon, g.name, g.workers)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if g := m.selected(); g != nil {
		b.WriteString(m.renderGroup(g))
	}

	return paneStyle(m.focused).
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m StatsPaneModel) renderGroup(g *groupState) string {
	var b strings.Builder
	s := g.stats

	row := func(label string, value string) {
		b.WriteString(StyleLabel.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}
	count := func(style lipgloss.Style, n int) string {
		return style.Render(humanize.Comma(int64(n)))
	}

	row("Running", count(StyleStatusRunning, s.Running))
	row("Runnable", count(StyleStatusPending, s.Runnable))
	row("Waiting", count(StyleStatusPending, s.Waiting))
	row("Blocked", count(StyleStatusBlocked, s.Blocked))
	row("Finished", StyleStatusComplete.Render(humanize.Comma(int64(s.Finished))))
	row("Aborted", StyleStatusFailed.Render(humanize.Comma(int64(s.Aborted))))
	row("Buffers", humanize.Comma(int64(s.Buffers)))
	if s.Dropped > 0 {
		row("Bus drops", StyleStatusFailed.Render(humanize.Comma(int64(s.Dropped))))
	}
	b.WriteString("\n")

	barWidth := max(min(m.width-30, 30), 5)
	if total := s.Finished + s.Aborted + uint64(s.Running+s.Runnable+s.Waiting+s.Blocked); total > 0 {
		b.WriteString(progressBar(barWidth, total, s.Finished, s.Aborted, uint64(s.Running)))
		b.WriteString(fmt.Sprintf("  %s/%s\n\n", humanize.Comma(int64(s.Finished+s.Aborted)), humanize.Comma(int64(total))))
	}

	if !g.sampled {
		b.WriteString(StyleStatusPending.Render("No stats sample yet"))
		return b.String()
	}

	b.WriteString(StyleTitle.Render("Stacks"))
	b.WriteString("\n")
	for _, st := range s.Stacks {
		limit := "∞"
		var used uint64
		if st.Max > 0 {
			limit = humanize.Comma(int64(st.Max))
			used = uint64(st.InUse)
		}
		line := fmt.Sprintf("%-8s %s/%s in use, %d free",
			humanize.IBytes(st.Size), humanize.Comma(int64(st.InUse)), limit, st.Free)
		if st.Max > 0 {
			line += " " + progressBar(barWidth/2, uint64(st.Max), 0, 0, used)
		}
		if st.Exhausted > 0 {
			line += " " + StyleStatusFailed.Render(fmt.Sprintf("exhausted ×%s", humanize.Comma(int64(st.Exhausted))))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// progressBar renders done, failed and active shares of total.
func progressBar(width int, total, done, failed, active uint64) string {
	if total == 0 {
		return ""
	}
	doneWidth := int(done * uint64(width) / total)
	failedWidth := int(failed * uint64(width) / total)
	activeWidth := int(active * uint64(width) / total)
	restWidth := max(0, width-doneWidth-failedWidth-activeWidth)

	bar := StyleStatusComplete.Render(strings.Repeat("=", doneWidth))
	bar += StyleStatusFailed.Render(strings.Repeat("!", failedWidth))
	bar += StyleStatusRunning.Render(strings.Repeat("-", activeWidth))
	bar += StyleStatusPending.Render(strings.Repeat(".", restWidth))
	return "[" + bar + "]"
}

// SetSize updates the pane dimensions.
func (m *StatsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *StatsPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

// Selected returns the id of the selected group, if any.
func (m StatsPaneModel) Selected() (uuid.UUID, bool) {
	if g := m.selected(); g != nil {
		return g.id, true
	}
	return uuid.Nil, false
}
