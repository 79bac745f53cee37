package tui

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskrt/internal/config"
	"github.com/aristath/taskrt/internal/events"
)

func newModel(t *testing.T) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	dir := t.TempDir()
	m := New(bus, config.DefaultConfig(), filepath.Join(dir, "global.json"), filepath.Join(dir, "project.json"))
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return next.(Model)
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func key(s string) tea.KeyMsg {
	switch s {
	case KeyTab:
		return tea.KeyMsg{Type: tea.KeyTab}
	case KeyShiftTab:
		return tea.KeyMsg{Type: tea.KeyShiftTab}
	case KeyEsc:
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModelRendersGroupStats(t *testing.T) {
	m := newModel(t)
	group := uuid.New()

	m = update(t, m, events.GroupStartedEvent{Group: group, Name: "render", Workers: 3})
	m = update(t, m, events.GroupStatsEvent{
		Group:    group,
		Name:     "render",
		Workers:  3,
		Running:  2,
		Finished: 1500,
		Aborted:  1,
		Buffers:  1,
		Dropped:  2048,
		Stacks:   []events.StackStats{{Size: 64 << 10, InUse: 2, Free: 6, Max: 16, Exhausted: 4}},
		BufferRows: []events.BufferProgress{
			{ID: uuid.New(), Label: "frame-7", Next: 3, Total: 5},
		},
	})

	view := m.View()
	assert.Contains(t, view, "render (3 workers)")
	assert.Contains(t, view, "1,500")
	assert.Contains(t, view, "64 KiB")
	assert.Contains(t, view, "exhausted")
	assert.Contains(t, view, "frame-7 3/5")
	assert.Contains(t, view, "Bus drops")
	assert.Contains(t, view, "2,048")
}

func TestModelShowsMissedEvents(t *testing.T) {
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	m := New(bus, config.DefaultConfig(), "", "")
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	assert.NotContains(t, m.View(), "events missed")

	// Nothing reads the subscription, so everything past its buffer is lost.
	for i := 0; i < 1024+3; i++ {
		bus.Publish(events.TaskSpawnedEvent{Label: "flood"})
	}
	assert.Contains(t, m.View(), "3 events missed")
}

func TestModelStoppedGroup(t *testing.T) {
	m := newModel(t)
	group := uuid.New()

	m = update(t, m, events.GroupStartedEvent{Group: group, Name: "short", Workers: 1})
	m = update(t, m, events.GroupStatsEvent{Group: group, Name: "short", Running: 4, BufferRows: []events.BufferProgress{{Label: "live", Total: 1}}})
	m = update(t, m, events.GroupStoppedEvent{Group: group, Name: "short", Finished: 9})

	g := m.statsPane.groups[group]
	require.NotNil(t, g)
	assert.True(t, g.stopped)
	assert.Zero(t, g.stats.Running)
	assert.Equal(t, uint64(9), g.stats.Finished)
	assert.Empty(t, m.bufferPane.rows[group])
	assert.Equal(t, 1, m.bufferPane.LogLines())
}

func TestModelFocusCycle(t *testing.T) {
	tests := []struct {
		name string
		keys []string
		want PaneID
	}{
		{name: "initial", want: PaneGroups},
		{name: "tab", keys: []string{KeyTab}, want: PaneBuffers},
		{name: "tab wraps", keys: []string{KeyTab, KeyTab}, want: PaneGroups},
		{name: "shift tab wraps", keys: []string{KeyShiftTab}, want: PaneBuffers},
		{name: "jump", keys: []string{KeyPane2, KeyPane1}, want: PaneGroups},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModel(t)
			for _, k := range tt.keys {
				m = update(t, m, key(k))
			}
			assert.Equal(t, tt.want, m.focusedPane)
			assert.Equal(t, tt.want == PaneGroups, m.statsPane.focused)
			assert.Equal(t, tt.want == PaneBuffers, m.bufferPane.focused)
		})
	}
}

func TestModelQuit(t *testing.T) {
	m := newModel(t)
	next, cmd := m.Update(key(KeyQuit))
	require.NotNil(t, cmd)
	assert.True(t, next.(Model).quitting)
	assert.Equal(t, "Goodbye!\n", next.(Model).View())
}

func TestBufferPaneLogIsBounded(t *testing.T) {
	p := NewBufferPaneModel()
	p.SetSize(100, 20)
	for i := range maxLogLines + 25 {
		p, _ = p.Update(events.BufferSubmittedEvent{Label: fmt.Sprintf("b%d", i), Timestamp: time.Now()})
	}
	assert.Equal(t, maxLogLines, p.LogLines())
	assert.Contains(t, p.log[0], "b25 submitted")
}

func TestBufferPaneLogsOnlyAbortedTasks(t *testing.T) {
	p := NewBufferPaneModel()
	p, _ = p.Update(events.TaskFinishedEvent{Label: "ok", Task: "1:0"})
	assert.Zero(t, p.LogLines())

	p, cmd := p.Update(events.TaskFinishedEvent{Label: "bad", Task: "2:0", Aborted: true, Panic: "boom"})
	assert.NotNil(t, cmd)
	require.Equal(t, 1, p.LogLines())
	assert.Contains(t, p.log[0], "panicked: boom")
}

func TestBufferPanePause(t *testing.T) {
	p := NewBufferPaneModel()
	p.SetFocused(true)
	p, _ = p.Update(key(KeyPause))
	assert.True(t, p.Paused())
	p, _ = p.Update(key(KeyPause))
	assert.False(t, p.Paused())
}

func TestSettingsApplyForm(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(m *SettingsPaneModel)
		check   func(t *testing.T, cfg *config.Config)
		wantErr bool
	}{
		{
			name: "scheduler fields",
			edit: func(m *SettingsPaneModel) {
				m.tick = "2ms"
				m.spinLimit = "3"
				m.fairUnlockSpan = "0s"
			},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, 2*time.Millisecond, cfg.Scheduler.Tick)
				assert.Equal(t, 3, cfg.Scheduler.SpinLimit)
				assert.Zero(t, cfg.Scheduler.FairUnlockSpan)
			},
		},
		{
			name: "journal",
			edit: func(m *SettingsPaneModel) {
				m.journalEnabled = true
				m.journalPath = "/tmp/runs.db"
				m.logLevel = "debug"
			},
			check: func(t *testing.T, cfg *config.Config) {
				assert.True(t, cfg.Journal.Enabled)
				assert.Equal(t, "/tmp/runs.db", cfg.Journal.Path)
				assert.Equal(t, "debug", cfg.Log.Level)
			},
		},
		{
			name:    "bad tick",
			edit:    func(m *SettingsPaneModel) { m.tick = "soon" },
			wantErr: true,
		},
		{
			name:    "bad spin limit",
			edit:    func(m *SettingsPaneModel) { m.spinLimit = "many" },
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			m := NewSettingsPaneModel(cfg, "", "")
			tt.edit(&m)
			err := m.applyFormToConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestSettingsSaveWritesProjectFile(t *testing.T) {
	dir := t.TempDir()
	project := filepath.Join(dir, "project.json")
	cfg := config.DefaultConfig()

	m := NewSettingsPaneModel(cfg, filepath.Join(dir, "global.json"), project)
	m.spinLimit = "7"
	require.NoError(t, m.save())

	loaded, err := config.Load("", project)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Scheduler.SpinLimit)
}

func TestSettingsValidators(t *testing.T) {
	assert.NoError(t, validateDuration(true)("0s"))
	assert.Error(t, validateDuration(false)("0s"))
	assert.Error(t, validateDuration(true)("-1ms"))
	assert.NoError(t, validateSpinLimit("0"))
	assert.Error(t, validateSpinLimit("-1"))
}
