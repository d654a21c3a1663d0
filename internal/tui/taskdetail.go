package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/baton/internal/models"
	"github.com/fentz26/baton/internal/taskqueue"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)
)

// TaskDetailModel shows one task and its bundle in a scrollable viewport.
type TaskDetailModel struct {
	client   *Client
	taskID   string
	task     *models.Task
	viewport viewport.Model
	width    int
	height   int
	loading  bool
}

// NewTaskDetailModel creates a new task detail model
func NewTaskDetailModel(client *Client) *TaskDetailModel {
	return &TaskDetailModel{
		client:   client,
		viewport: viewport.New(80, 20),
	}
}

// Init initializes the task detail model
func (m *TaskDetailModel) Init() tea.Cmd {
	return nil
}

// SetTask sets the task ID to display
func (m *TaskDetailModel) SetTask(id string) {
	m.taskID = id
	m.task = nil
	m.viewport.SetContent("")
	m.viewport.GotoTop()
}

// TaskID returns the task on screen.
func (m *TaskDetailModel) TaskID() string {
	return m.taskID
}

// SetSize sets the dimensions
func (m *TaskDetailModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = w
	m.viewport.Height = h
	if m.task != nil {
		m.viewport.SetContent(m.render())
	}
}

// Refresh fetches task details
func (m *TaskDetailModel) Refresh() tea.Cmd {
	m.loading = true
	id := m.taskID
	return func() tea.Msg {
		task, err := m.client.GetTask(id)
		if err != nil {
			return errMsg{err}
		}
		return taskDetailLoadedMsg{task}
	}
}

// Update handles messages
func (m *TaskDetailModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case taskDetailLoadedMsg:
		if msg.task.ID != m.taskID {
			return m, nil
		}
		m.loading = false
		m.task = msg.task
		m.viewport.SetContent(m.render())
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "r" {
			return m, m.Refresh()
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the task detail
func (m *TaskDetailModel) View() string {
	if m.task == nil {
		return "Loading task details..."
	}
	return m.viewport.View()
}

func (m *TaskDetailModel) render() string {
	t := m.task
	var b strings.Builder

	b.WriteString(headerStyle.Render(t.Class))
	b.WriteString("\n\n")

	b.WriteString(m.renderField("ID", t.ID))
	b.WriteString(m.renderField("Status", formatStatus(t.Status)))
	if t.OwnerRunID != "" {
		b.WriteString(m.renderField("Run", t.OwnerRunID))
	}
	if t.Supersedes != "" {
		b.WriteString(m.renderField("Supersedes", t.Supersedes))
	}
	b.WriteString(m.renderField("Created", t.CreatedAt.Format(time.RFC3339)))
	if t.BundledAt != nil {
		b.WriteString(m.renderField("Bundled", t.BundledAt.Format(time.RFC3339)))
	}
	if t.CompletedAt != nil {
		b.WriteString(m.renderField("Finished", t.CompletedAt.Format(time.RFC3339)))
	}
	if t.Error != "" {
		b.WriteString(m.renderField("Error", statusFailed.Render(t.Error)))
	}

	b.WriteString(sectionStyle.Render("Bundle"))
	b.WriteString("\n")
	b.WriteString(wrap(taskqueue.RenderBundle(t), m.width))
	b.WriteString("\n")

	if t.Result != "" {
		b.WriteString(sectionStyle.Render("Result"))
		b.WriteString("\n")
		b.WriteString(wrap(t.Result, m.width))
		b.WriteString("\n")
	}

	switch t.Status {
	case models.TaskStatusPending:
		b.WriteString("\n" + labelStyle.Render("bundle to take this task") + "\n")
	case models.TaskStatusBundled:
		b.WriteString("\n" + labelStyle.Render(fmt.Sprintf("complete <result> to submit a %s result", t.Payload.ResponseFormat.Kind)) + "\n")
	}

	return b.String()
}

func (m *TaskDetailModel) renderField(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
}

func wrap(s string, width int) string {
	if width <= 4 {
		return s
	}
	return lipgloss.NewStyle().Width(width - 2).Render(s)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

type taskDetailLoadedMsg struct {
	task *models.Task
}
