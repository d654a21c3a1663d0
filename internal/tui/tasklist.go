package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/baton/internal/models"
)

var (
	listTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusBundled   = lipgloss.NewStyle().Foreground(lipgloss.Color("4")) // Blue
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	statusExpired   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")) // Grey
)

func formatStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPending:
		return statusPending.Render("○ pending")
	case models.TaskStatusBundled:
		return statusBundled.Render("◐ bundled")
	case models.TaskStatusCompleted:
		return statusCompleted.Render("● completed")
	case models.TaskStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.TaskStatusExpired:
		return statusExpired.Render("⌛ expired")
	default:
		return string(status)
	}
}

// TaskListModel manages the task list screen
type TaskListModel struct {
	client      *Client
	list        list.Model
	tasks       []TaskItem
	filterIndex int
	width       int
	height      int
	loading     bool
}

// Pending is first so the dashboard opens on the work waiting for an operator.
var filters = []models.TaskStatus{
	models.TaskStatusPending,
	models.TaskStatusBundled,
	models.TaskStatusFailed,
	models.TaskStatusExpired,
	models.TaskStatusCompleted,
	"",
}

// NewTaskListModel creates a new task list model
func NewTaskListModel(client *Client) *TaskListModel {
	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 80, 20)
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)
	l.Styles.Title = listTitleStyle

	m := &TaskListModel{
		client: client,
		list:   l,
	}
	m.updateTitle()
	return m
}

// Init initializes the task list
func (m *TaskListModel) Init() tea.Cmd {
	return m.Refresh()
}

// SetSize sets the list dimensions
func (m *TaskListModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.list.SetSize(w, h)
}

// Filter returns the status currently shown. Empty means all.
func (m *TaskListModel) Filter() models.TaskStatus {
	return filters[m.filterIndex]
}

// Filtering reports whether the user is typing into the list filter.
func (m *TaskListModel) Filtering() bool {
	return m.list.FilterState() == list.Filtering
}

// Tasks returns the loaded tasks.
func (m *TaskListModel) Tasks() []TaskItem {
	return m.tasks
}

// SelectedTask returns the currently selected task
func (m *TaskListModel) SelectedTask() *TaskItem {
	if item := m.list.SelectedItem(); item != nil {
		task := item.(TaskItem)
		return &task
	}
	return nil
}

// CycleFilter cycles through status filters
func (m *TaskListModel) CycleFilter() tea.Cmd {
	m.filterIndex = (m.filterIndex + 1) % len(filters)
	m.updateTitle()
	return m.Refresh()
}

func (m *TaskListModel) updateTitle() {
	label := string(filters[m.filterIndex])
	if label == "" {
		label = "all"
	}
	m.list.Title = fmt.Sprintf("Tasks [%s]", label)
}

// Refresh fetches tasks from the API
func (m *TaskListModel) Refresh() tea.Cmd {
	m.loading = true
	status := string(m.Filter())
	return func() tea.Msg {
		tasks, err := m.client.ListTasks(status)
		if err != nil {
			return errMsg{err}
		}
		items := make([]TaskItem, len(tasks))
		for i, t := range tasks {
			items[i] = TaskItem{t}
		}
		return tasksLoadedMsg{items}
	}
}

// Update handles messages
func (m *TaskListModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tasksLoadedMsg:
		m.loading = false
		m.tasks = msg.tasks
		items := make([]list.Item, len(m.tasks))
		for i, t := range m.tasks {
			items[i] = t
		}
		return m, m.list.SetItems(items)

	case errMsg:
		m.loading = false
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View renders the task list
func (m *TaskListModel) View() string {
	if m.loading && len(m.tasks) == 0 {
		return "Loading tasks..."
	}
	return m.list.View()
}

type tasksLoadedMsg struct {
	tasks []TaskItem
}
