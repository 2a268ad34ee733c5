package tui

import (
	"errors"
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/nexus/internal/config"
)

const (
	writerAgent   = "code-writer"
	reviewerAgent = "code-reviewer"
)

// SettingsPaneModel manages the settings form overlay. Changes apply to the
// next mission; the running one keeps the configuration it started with.
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

	// Form field bindings (strings for Huh)
	saveTarget       string
	writerProvider   string
	writerModel      string
	reviewerProvider string
	reviewerModel    string
	claudeCommand    string
	maxIterations    string
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

func (m *SettingsPaneModel) loadFields() {
	m.saveTarget = "project"
	m.writerProvider = m.config.Agents[writerAgent].Provider
	m.writerModel = m.config.Agents[writerAgent].Model
	m.reviewerProvider = m.config.Agents[reviewerAgent].Provider
	m.reviewerModel = m.config.Agents[reviewerAgent].Model
	m.claudeCommand = m.config.Providers["claude"].Command
	m.maxIterations = strconv.Itoa(m.config.Revision.MaxIterations)
}

func (m *SettingsPaneModel) providerExists(s string) error {
	if _, ok := m.config.Providers[s]; !ok {
		return fmt.Errorf("unknown provider %q", s)
	}
	return nil
}

func validateIterations(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return errors.New("must be a positive integer")
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
					huh.NewOption("Project (.nexus/config.yaml)", "project"),
					huh.NewOption("Global (~/.nexus/config.yaml)", "global"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("writerProvider").
				Title("Writer Provider").
				Value(&m.writerProvider).
				Validate(m.providerExists).
				Placeholder("claude"),

			huh.NewInput().
				Key("writerModel").
				Title("Writer Model").
				Value(&m.writerModel),

			huh.NewInput().
				Key("reviewerProvider").
				Title("Reviewer Provider").
				Value(&m.reviewerProvider).
				Validate(m.providerExists).
				Placeholder("claude"),

			huh.NewInput().
				Key("reviewerModel").
				Title("Reviewer Model").
				Value(&m.reviewerModel),
		).Title("Agents"),

		huh.NewGroup(
			huh.NewInput().
				Key("claudeCommand").
				Title("Claude Command").
				Value(&m.claudeCommand).
				Placeholder("claude"),

			huh.NewInput().
				Key("maxIterations").
				Title("Max Revision Iterations").
				Value(&m.maxIterations).
				Validate(validateIterations),
		).Title("Execution"),
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
		m.saved, m.err = false, m.save()
		if m.err == nil {
			m.saved = true
			m.visible = false
		}
	}

	return m, cmd
}

func (m *SettingsPaneModel) save() error {
	if err := m.applyFormToConfig(); err != nil {
		return err
	}
	target := m.projectPath
	if m.saveTarget == "global" {
		target = m.globalPath
	}
	return config.Save(m.config, target)
}

// applyFormToConfig copies form field values back to the config struct.
func (m *SettingsPaneModel) applyFormToConfig() error {
	if err := validateIterations(m.maxIterations); err != nil {
		return fmt.Errorf("max revision iterations: %w", err)
	}
	n, _ := strconv.Atoi(m.maxIterations)
	m.config.Revision.MaxIterations = n

	if writer, ok := m.config.Agents[writerAgent]; ok {
		writer.Provider = m.writerProvider
		writer.Model = m.writerModel
		m.config.Agents[writerAgent] = writer
	}
	if reviewer, ok := m.config.Agents[reviewerAgent]; ok {
		reviewer.Provider = m.reviewerProvider
		reviewer.Model = m.reviewerModel
		m.config.Agents[reviewerAgent] = reviewer
	}
	if claude, ok := m.config.Providers["claude"]; ok {
		claude.Command = m.claudeCommand
		m.config.Providers["claude"] = claude
	}
	return m.config.Validate()
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.saved && m.form.State == huh.StateCompleted:
		content = StyleStatusComplete.Render("✓ Settings saved")
	case m.err != nil:
		content = StyleStatusFailed.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
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

// SetVisible shows or hides the settings pane. Showing it reloads the fields
// from the config.
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
