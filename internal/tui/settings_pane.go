package tui

import (
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskrt/internal/config"
	"github.com/aristath/taskrt/internal/errs"
)

// SettingsPaneModel manages the settings form overlay. Saved settings take
// effect for the next group started from the config.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings
	saveTarget     string
	logLevel       string
	tick           string
	spinLimit      string
	fairUnlockSpan string
	journalEnabled bool
	journalPath    string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFields()
	m.buildForm()
	return m
}

// loadFields copies the current config into the form bindings.
func (m *SettingsPaneModel) loadFields() {
	m.saveTarget = "project"
	m.logLevel = m.config.Log.Level
	m.tick = m.config.Scheduler.Tick.String()
	m.spinLimit = strconv.Itoa(m.config.Scheduler.SpinLimit)
	m.fairUnlockSpan = m.config.Scheduler.FairUnlockSpan.String()
	m.journalEnabled = m.config.Journal.Enabled
	m.journalPath = m.config.Journal.Path
}

func validateDuration(allowZero bool) func(string) error {
	return func(s string) error {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("not a duration: %w", errs.ErrInvalidArgument)
		}
		if d < 0 || (d == 0 && !allowZero) {
			return fmt.Errorf("duration out of range: %w", errs.ErrInvalidArgument)
		}
		return nil
	}
}

func validateSpinLimit(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("spin limit must be a non-negative integer: %w", errs.ErrInvalidArgument)
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.taskrt/config.json)", "global"),
					huh.NewOption("Project (.taskrt/config.json)", "project"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("tick").
				Title("Event Loop Tick").
				Value(&m.tick).
				Placeholder("5ms").
				Validate(validateDuration(false)),

			huh.NewInput().
				Key("spinLimit").
				Title("Spin Limit").
				Description("Yields before a contended mutex parks").
				Value(&m.spinLimit).
				Placeholder("10").
				Validate(validateSpinLimit),

			huh.NewInput().
				Key("fairUnlockSpan").
				Title("Fair Unlock Span").
				Description("0 disables timed fair handoff").
				Value(&m.fairUnlockSpan).
				Placeholder("1ms").
				Validate(validateDuration(true)),
		).Title("Scheduler"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("trace", "debug", "info", "warn", "error")...).
				Value(&m.logLevel),

			huh.NewConfirm().
				Key("journalEnabled").
				Title("Journal Runs").
				Value(&m.journalEnabled),

			huh.NewInput().
				Key("journalPath").
				Title("Journal Path").
				Value(&m.journalPath).
				Placeholder(".taskrt/journal.db"),
		).Title("Logging & Journal"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// save applies the form to the config and writes it to the chosen file.
func (m *SettingsPaneModel) save() error {
	if err := m.applyFormToConfig(m.config); err != nil {
		return err
	}
	target := m.projectPath
	if m.saveTarget == "global" {
		target = m.globalPath
	}
	return config.Save(m.config, target)
}

// applyFormToConfig copies form field values back to cfg.
func (m *SettingsPaneModel) applyFormToConfig(cfg *config.Config) error {
	tick, err := time.ParseDuration(m.tick)
	if err != nil {
		return fmt.Errorf("tick %q: %w", m.tick, errs.ErrInvalidArgument)
	}
	span, err := time.ParseDuration(m.fairUnlockSpan)
	if err != nil {
		return fmt.Errorf("fair unlock span %q: %w", m.fairUnlockSpan, errs.ErrInvalidArgument)
	}
	spin, err := strconv.Atoi(m.spinLimit)
	if err != nil {
		return fmt.Errorf("spin limit %q: %w", m.spinLimit, errs.ErrInvalidArgument)
	}

	cfg.Scheduler.Tick = tick
	cfg.Scheduler.FairUnlockSpan = span
	cfg.Scheduler.SpinLimit = spin
	cfg.Log.Level = m.logLevel
	cfg.Journal.Enabled = m.journalEnabled
	if m.journalPath != "" {
		cfg.Journal.Path = m.journalPath
	}
	return nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane. Showing it rebuilds the
// form from the current config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFields()
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
