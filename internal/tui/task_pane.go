package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/nexus/internal/events"
	"github.com/aristath/nexus/internal/scheduler"
)

const listWidth = 28

// TaskState is what the monitor knows about one task.
type TaskState struct {
	TaskID    string
	AgentID   string
	Status    scheduler.TaskStatus
	Iteration int
	Attempt   int
	Output    string
	Error     string
	Duration  time.Duration
}

// TaskPaneModel shows the task list and the selected task's output.
type TaskPaneModel struct {
	tasks       map[string]*TaskState
	order       []string // plan order
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.MissionStartedEvent:
		m.tasks = make(map[string]*TaskState, len(msg.Tasks))
		m.order = m.order[:0]
		for _, t := range msg.Tasks {
			m.tasks[t.ID] = &TaskState{TaskID: t.ID, AgentID: t.AgentID, Status: scheduler.StatusPending}
			m.order = append(m.order, t.ID)
		}
		m.selectedIdx = 0
		m.updateViewportContent()

	case events.TaskStatusEvent:
		rec := msg.Record
		task := m.task(rec.TaskID, rec.AgentID)
		task.Status = rec.Status
		task.Iteration = rec.Iteration
		task.Error = rec.Error
		if !rec.StartedAt.IsZero() && !rec.FinishedAt.IsZero() {
			task.Duration = rec.FinishedAt.Sub(rec.StartedAt)
		}
		if rec.Status == scheduler.StatusWorking && rec.Attempt != task.Attempt {
			task.Attempt = rec.Attempt
			if task.Output != "" {
				task.Output += "\n"
			}
			task.Output += fmt.Sprintf("--- attempt %d (iteration %d) ---\n", rec.Attempt, rec.Iteration)
		}
		if rec.Status.Terminal() && rec.Status != scheduler.StatusCompleted && rec.Error != "" {
			task.Output += fmt.Sprintf("\n[%s: %s]", rec.Status, rec.Error)
		}
		if m.selectedTaskID() == rec.TaskID {
			m.updateViewportContent()
		}

	case events.TaskOutputEvent:
		task, ok := m.tasks[msg.ID]
		if !ok || msg.Attempt != task.Attempt {
			break
		}
		task.Output += msg.Chunk
		if m.selectedTaskID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskRevisionEvent:
		if task, ok := m.tasks[msg.WriterID]; ok && msg.Feedback != "" {
			task.Output += fmt.Sprintf("\n[review %s: %s]", msg.Result, msg.Feedback)
			if m.selectedTaskID() == msg.WriterID {
				m.updateViewportContent()
			}
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// task returns the state for id, adding it when a status arrives for a task
// the pane has not seen in a mission announcement.
func (m *TaskPaneModel) task(id, agentID string) *TaskState {
	if t, ok := m.tasks[id]; ok {
		return t
	}
	t := &TaskState{TaskID: id, AgentID: agentID}
	m.tasks[id] = t
	m.order = append(m.order, id)
	return t
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - listWidth - 4
	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(listWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
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

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, id := range m.order {
		task := m.tasks[id]
		label := task.TaskID
		if task.Iteration > 0 {
			label = fmt.Sprintf("%s r%d", label, task.Iteration)
		}
		if len(label) > width-4 {
			label = label[:width-7] + "..."
		}
		line := fmt.Sprintf("%s %s", StatusIcon(task.Status), label)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(s scheduler.TaskStatus) string {
	switch s {
	case scheduler.StatusWorking:
		return StyleStatusRunning.Render("●")
	case scheduler.StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case scheduler.StatusError:
		return StyleStatusFailed.Render("✗")
	case scheduler.StatusBlocked:
		return StyleStatusBlocked.Render("⊘")
	case scheduler.StatusCancelled:
		return StyleStatusPending.Render("-")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Selected returns the state of the selected task.
func (m TaskPaneModel) Selected() (TaskState, bool) {
	t, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		return TaskState{}, false
	}
	return *t, true
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.selectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	header := fmt.Sprintf("%s (%s) %s\n\n", task.TaskID, task.AgentID, task.Status)
	m.viewport.SetContent(header + task.Output)
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
