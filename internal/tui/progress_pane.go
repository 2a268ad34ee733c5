package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/nexus/internal/events"
	"github.com/aristath/nexus/internal/scheduler"
)

const maxActivity = 8

// ProgressPaneModel shows mission-level progress and recent activity.
type ProgressPaneModel struct {
	objective string
	branch    string
	total     int
	counts    map[string]int
	usage     scheduler.Usage
	outcome   scheduler.Outcome
	activity  []string
	width     int
	height    int
	focused   bool
}

// NewProgressPaneModel creates an empty progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{counts: make(map[string]int)}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.MissionStartedEvent:
		m.objective = msg.Objective
		m.branch = msg.Branch
		m.total = len(msg.Tasks)
		m.counts = map[string]int{scheduler.StatusPending.String(): len(msg.Tasks)}
		m.outcome = ""
		m.activity = nil

	case events.MissionProgressEvent:
		m.total = msg.Total
		m.counts = msg.Counts
		m.usage = msg.Usage

	case events.TaskRevisionEvent:
		m.log(fmt.Sprintf("%s reviewed %s: %s (iteration %d)", msg.ReviewerID, msg.WriterID, msg.Result, msg.Iteration))

	case events.VCSEvent:
		if msg.Kind == events.EventTypeBranchCreated && !msg.Failed() {
			m.branch = msg.Branch
		}
		line := msg.Kind
		if msg.Task != "" {
			line += " " + msg.Task
		}
		if msg.Ref != "" {
			line += " " + shortRef(msg.Ref)
		}
		if msg.Failed() {
			line += " failed: " + msg.Error
		}
		m.log(line)

	case events.MissionFinishedEvent:
		m.outcome = msg.Outcome
		m.usage = msg.Usage
		line := fmt.Sprintf("mission %s in %s", msg.Outcome, msg.Duration.Round(time.Millisecond))
		if msg.Error != "" {
			line += ": " + msg.Error
		}
		m.log(line)
	}
	return m, nil
}

func (m *ProgressPaneModel) log(line string) {
	m.activity = append(m.activity, line)
	if len(m.activity) > maxActivity {
		m.activity = m.activity[len(m.activity)-maxActivity:]
	}
}

func shortRef(ref string) string {
	if len(ref) > 8 {
		return ref[:8]
	}
	return ref
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Mission")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if m.objective != "" {
		fmt.Fprintf(&b, "Objective: %s\n", m.objective)
	}
	if m.branch != "" {
		fmt.Fprintf(&b, "Branch:    %s\n", m.branch)
	}
	if m.outcome != "" {
		fmt.Fprintf(&b, "Outcome:   %s\n", outcomeStyle(m.outcome).Render(string(m.outcome)))
	}
	b.WriteString("\n")

	completed := m.counts[scheduler.StatusCompleted.String()]
	working := m.counts[scheduler.StatusWorking.String()]
	failed := m.counts[scheduler.StatusError.String()] + m.counts[scheduler.StatusBlocked.String()]
	pending := m.counts[scheduler.StatusPending.String()]
	cancelled := m.counts[scheduler.StatusCancelled.String()]

	fmt.Fprintf(&b, "Completed: %s\n", StyleStatusComplete.Render(fmt.Sprint(completed)))
	fmt.Fprintf(&b, "Working:   %s\n", StyleStatusRunning.Render(fmt.Sprint(working)))
	fmt.Fprintf(&b, "Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprint(failed)))
	fmt.Fprintf(&b, "Pending:   %s\n", StyleStatusPending.Render(fmt.Sprint(pending)))
	if cancelled > 0 {
		fmt.Fprintf(&b, "Cancelled: %s\n", StyleStatusPending.Render(fmt.Sprint(cancelled)))
	}
	fmt.Fprintf(&b, "Tokens:    %d\n\n", m.usage.TotalTokens)

	if m.total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (completed * barWidth) / m.total
		failedWidth := (failed * barWidth) / m.total
		runningWidth := (working * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		fmt.Fprintf(&b, "[%s]  %d/%d\n", bar, completed, m.total)
	}

	if len(m.activity) > 0 {
		b.WriteString("\n")
		for _, line := range m.activity {
			b.WriteString(StyleHelp.Render(line))
			b.WriteString("\n")
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

func outcomeStyle(o scheduler.Outcome) lipgloss.Style {
	switch o {
	case scheduler.OutcomeSuccess:
		return StyleStatusComplete
	case scheduler.OutcomeFailure:
		return StyleStatusFailed
	default:
		return StyleStatusBlocked
	}
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
