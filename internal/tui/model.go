// Package tui is a live terminal monitor for worker groups. It renders the
// lifecycle and stats events published on the event bus.
package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/aristath/taskrt/internal/config"
	"github.com/aristath/taskrt/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneGroups PaneID = iota
	PaneBuffers
	paneCount
)

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	statsPane         StatsPaneModel
	bufferPane        BufferPaneModel
	settingsPane      SettingsPaneModel
	focusedPane       PaneID
	eventSub          *events.Subscription
	width             int
	height            int
	quitting          bool
	busClosed         bool
	showSettings      bool
	config            *config.Config
	globalConfigPath  string
	projectConfigPath string
}

// New creates a new TUI model subscribed to every topic of eventBus.
func New(eventBus *events.EventBus, cfg *config.Config, globalPath, projectPath string) Model {
	return Model{
		statsPane:         NewStatsPaneModel(),
		bufferPane:        NewBufferPaneModel(),
		settingsPane:      NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:       PaneGroups,
		eventSub:          eventBus.Subscribe(events.AllTopics, 1024),
		config:            cfg,
		globalConfigPath:  globalPath,
		projectConfigPath: projectPath,
	}
}

// busClosedMsg reports that the event bus shut down.
type busClosedMsg struct{}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub.Events())
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Settings overlay is modal
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
			if !m.settingsPane.IsVisible() {
				m.showSettings = false
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneGroups
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneBuffers
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneGroups:
				m.statsPane, cmd = m.statsPane.Update(msg)
			case PaneBuffers:
				m.bufferPane, cmd = m.bufferPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case events.GroupStartedEvent:
		m.statsPane, _ = m.statsPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub.Events()))

	case events.GroupStatsEvent, events.GroupStoppedEvent:
		// Both panes track group samples
		var cmd tea.Cmd
		m.statsPane, _ = m.statsPane.Update(msg)
		m.bufferPane, cmd = m.bufferPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub.Events()))

	case events.BufferSubmittedEvent, events.BufferCompletedEvent, events.TaskFinishedEvent, events.StackExhaustedEvent:
		var cmd tea.Cmd
		m.bufferPane, cmd = m.bufferPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub.Events()))

	case events.TaskSpawnedEvent:
		// Counted through stats samples
		cmds = append(cmds, waitForEvent(m.eventSub.Events()))

	case tickMsg:
		var cmd tea.Cmd
		m.bufferPane, cmd = m.bufferPane.Update(msg)
		cmds = append(cmds, cmd)

	case busClosedMsg:
		m.busClosed = true

	default:
		// Forward anything else (form internals) to an open settings overlay
		if m.showSettings {
			var cmd tea.Cmd
			m.settingsPane, cmd = m.settingsPane.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	if m.showSettings {
		return m.settingsPane.View()
	}

	mainContent := lipgloss.JoinVertical(lipgloss.Left, m.statsPane.View(), m.bufferPane.View())

	help := HelpView(m.bufferPane.Paused())
	if n := m.eventSub.Dropped(); n > 0 {
		help += StyleStatusFailed.Render(fmt.Sprintf(" | %s events missed", humanize.Comma(int64(n))))
	}
	if m.busClosed {
		help += StyleHelp.Render(" | runtime stopped")
	}

	return lipgloss.JoinVertical(lipgloss.Left, mainContent, help)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	availableHeight := m.height - 1 // reserve 1 line for help bar
	topHeight := (availableHeight * 45) / 100

	m.statsPane.SetSize(m.width, topHeight)
	m.bufferPane.SetSize(m.width, availableHeight-topHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.statsPane.SetFocused(m.focusedPane == PaneGroups)
	m.bufferPane.SetFocused(m.focusedPane == PaneBuffers)
}

