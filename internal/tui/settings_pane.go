package tui

import (
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/pipeline/internal/config"
)

// ApplyFunc installs a new configuration on the running scheduler.
type ApplyFunc func(cfg *config.Config) error

// SettingsPaneModel manages the settings form overlay. Submitting the form
// applies the edited limits and retry policy and optionally saves them.
type SettingsPaneModel struct {
	form     *huh.Form
	config   *config.Config
	apply    ApplyFunc
	savePath string
	width    int
	height   int
	visible  bool
	applied  bool
	err      error
	fields   *settingsFields
}

// settingsFields holds the form bindings. It lives behind a pointer so the
// form keeps writing to the same values as the model is copied.
type settingsFields struct {
	maxConcurrent  string
	memoryMB       string
	cpuPercent     string
	retryStrategy  string
	maxRetries     string
	baseDelay      string
	defaultTimeout string
	save           bool
}

// NewSettingsPaneModel creates a settings pane editing cfg. apply may be nil,
// in which case edits only update the pane's copy. An empty savePath hides
// the save option.
func NewSettingsPaneModel(cfg *config.Config, apply ApplyFunc, savePath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:   cfg.Clone(),
		apply:    apply,
		savePath: savePath,
		fields:   &settingsFields{},
	}
	m.loadFields()
	m.buildForm()
	return m
}

// loadFields copies config values into the form bindings.
func (m *SettingsPaneModel) loadFields() {
	c, f := m.config, m.fields
	f.maxConcurrent = strconv.Itoa(c.Limits.MaxConcurrentTasks)
	f.memoryMB = strconv.FormatUint(c.Limits.MemoryMB, 10)
	f.cpuPercent = strconv.FormatFloat(c.Limits.CPUPercent, 'f', -1, 64)
	f.retryStrategy = c.Retry.Strategy
	f.maxRetries = strconv.Itoa(c.Retry.MaxRetries)
	f.baseDelay = c.Retry.BaseDelay.String()
	f.defaultTimeout = c.DefaultTimeout.String()
	f.save = false
}

func validateInt(s string) error {
	if _, err := strconv.Atoi(s); err != nil {
		return fmt.Errorf("must be a whole number")
	}
	return nil
}

func validateFloat(s string) error {
	if v, err := strconv.ParseFloat(s, 64); err != nil || v < 0 {
		return fmt.Errorf("must be a non-negative number")
	}
	return nil
}

func validateDuration(s string) error {
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("must be a duration like 250ms")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	f := m.fields
	groups := []*huh.Group{
		huh.NewGroup(
			huh.NewInput().
				Key("maxConcurrent").
				Title("Max Concurrent Tasks").
				Value(&f.maxConcurrent).
				Validate(validateInt),

			huh.NewInput().
				Key("memoryMB").
				Title("Memory Limit (MB)").
				Value(&f.memoryMB).
				Validate(validateInt),

			huh.NewInput().
				Key("cpuPercent").
				Title("CPU Limit (%)").
				Value(&f.cpuPercent).
				Validate(validateFloat),
		).Title("Resource Limits"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("retryStrategy").
				Title("Retry Strategy").
				Options(
					huh.NewOption("Exponential", config.RetryExponential),
					huh.NewOption("Linear", config.RetryLinear),
					huh.NewOption("Fixed", config.RetryFixed),
					huh.NewOption("None", config.RetryNone),
				).
				Value(&f.retryStrategy),

			huh.NewInput().
				Key("maxRetries").
				Title("Max Attempts").
				Value(&f.maxRetries).
				Validate(validateInt),

			huh.NewInput().
				Key("baseDelay").
				Title("Base Delay").
				Value(&f.baseDelay).
				Placeholder("100ms").
				Validate(validateDuration),

			huh.NewInput().
				Key("defaultTimeout").
				Title("Default Task Timeout").
				Value(&f.defaultTimeout).
				Placeholder("30s").
				Validate(validateDuration),
		).Title("Retry Policy"),
	}

	if m.savePath != "" {
		groups = append(groups, huh.NewGroup(
			huh.NewConfirm().
				Key("save").
				Title(fmt.Sprintf("Also save to %s?", m.savePath)).
				Value(&f.save),
		).Title("Persist"))
	}

	m.form = huh.NewForm(groups...)
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
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.submit()
		m.applied = m.err == nil
		if m.applied {
			m.visible = false
		}
	}

	return m, cmd
}

// submit applies the form fields to a copy of the config, hands it to the
// apply callback and saves it when requested. The pane's config only changes
// when every step succeeds.
func (m *SettingsPaneModel) submit() error {
	next, err := m.formConfig()
	if err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}
	if m.apply != nil {
		if err := m.apply(next); err != nil {
			return fmt.Errorf("applying settings: %w", err)
		}
	}
	m.config = next
	if m.fields.save && m.savePath != "" {
		if err := config.Save(next, m.savePath); err != nil {
			return fmt.Errorf("settings applied but not saved: %w", err)
		}
	}
	return nil
}

// formConfig builds a config from the current field values.
func (m *SettingsPaneModel) formConfig() (*config.Config, error) {
	f := m.fields
	next := m.config.Clone()

	var err error
	if next.Limits.MaxConcurrentTasks, err = strconv.Atoi(f.maxConcurrent); err != nil {
		return nil, fmt.Errorf("max concurrent tasks: %w", err)
	}
	if next.Limits.MemoryMB, err = strconv.ParseUint(f.memoryMB, 10, 64); err != nil {
		return nil, fmt.Errorf("memory limit: %w", err)
	}
	if next.Limits.CPUPercent, err = strconv.ParseFloat(f.cpuPercent, 64); err != nil {
		return nil, fmt.Errorf("cpu limit: %w", err)
	}
	next.Retry.Strategy = f.retryStrategy
	if next.Retry.MaxRetries, err = strconv.Atoi(f.maxRetries); err != nil {
		return nil, fmt.Errorf("max attempts: %w", err)
	}
	delay, err := time.ParseDuration(f.baseDelay)
	if err != nil {
		return nil, fmt.Errorf("base delay: %w", err)
	}
	next.Retry.BaseDelay = config.Duration(delay)
	timeout, err := time.ParseDuration(f.defaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("default timeout: %w", err)
	}
	next.DefaultTimeout = config.Duration(timeout)
	return next, nil
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	content := m.form.View()
	if m.err != nil {
		content = StyleError.Render(fmt.Sprintf("✗ %v", m.err)) + "\n\n" + StyleHelp.Render("esc: close")
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(max(m.width-4, 0)).
		Height(max(m.height-4, 0))

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
// form from the last applied config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.applied = false
	m.err = nil
	if v {
		m.loadFields()
		m.buildForm()
		if m.width > 0 {
			m.form.WithWidth(m.width - 8).WithHeight(m.height - 8)
		}
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Applied reports whether the last submission was applied.
func (m SettingsPaneModel) Applied() bool {
	return m.applied
}

// Config returns the last applied configuration.
func (m SettingsPaneModel) Config() *config.Config {
	return m.config.Clone()
}
