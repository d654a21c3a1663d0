package tui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

// CmdBarModel manages the command input bar
type CmdBarModel struct {
	input   textinput.Model
	focused bool
	message string
}

// NewCmdBarModel creates a new command bar
func NewCmdBarModel() *CmdBarModel {
	ti := textinput.New()
	ti.Placeholder = "bundle | complete <result> | requeue | probe <slot|all> | quarantine <slot> <reason>"
	ti.CharLimit = 4096
	return &CmdBarModel{
		input: ti,
	}
}

// Init initializes the command bar
func (m *CmdBarModel) Init() tea.Cmd {
	return nil
}

// Focused reports whether the bar is taking input.
func (m *CmdBarModel) Focused() bool {
	return m.focused
}

// Value returns the text typed so far.
func (m *CmdBarModel) Value() string {
	return m.input.Value()
}

// SetValue replaces the typed text.
func (m *CmdBarModel) SetValue(s string) {
	m.input.SetValue(s)
	m.input.CursorEnd()
}

// SetWidth sets the input width.
func (m *CmdBarModel) SetWidth(w int) {
	m.input.Width = w
}

// Focus focuses the command bar
func (m *CmdBarModel) Focus() tea.Cmd {
	m.focused = true
	m.message = ""
	return m.input.Focus()
}

// Blur unfocuses the command bar
func (m *CmdBarModel) Blur() {
	m.focused = false
	m.input.Blur()
	m.input.SetValue("")
}

// Submit returns the current input and blurs
func (m *CmdBarModel) Submit() string {
	val := strings.TrimSpace(m.input.Value())
	m.Blur()
	return val
}

// Update handles messages
func (m *CmdBarModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			m.Blur()
			return m, nil
		}
	case cmdResultMsg:
		m.message = msg.message
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the command bar
func (m *CmdBarModel) View() string {
	if m.focused {
		prompt := promptStyle.Render(": ")
		return cmdBarStyle.Render(prompt + m.input.View())
	}
	if m.message != "" {
		return cmdBarStyle.Render(m.message)
	}
	return cmdBarStyle.Render("Press : to enter a command (/ lists them)")
}

// Execute processes a command. getTaskID returns the task under the cursor
// or on the detail screen.
func (m *CmdBarModel) Execute(client *Client, input string, getTaskID func() string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(parts) == 0 {
		return nil
	}

	cmd := parts[0]
	args := parts[1:]

	taskArg := func() string {
		if len(args) > 0 {
			return strings.TrimPrefix(args[0], "@")
		}
		return getTaskID()
	}

	return func() tea.Msg {
		switch cmd {
		case "bundle":
			id := taskArg()
			if id == "" {
				return cmdResultMsg{message: "No task selected"}
			}
			task, err := client.BundleTask(id)
			if err != nil {
				return cmdResultMsg{message: fmt.Sprintf("Error: %v", err)}
			}
			return cmdResultMsg{message: "Bundled " + shortID(task.ID), showTask: task.ID}

		case "complete":
			id := getTaskID()
			if id == "" {
				return cmdResultMsg{message: "No task selected"}
			}
			// Keep the operator's spacing; only the command word is dropped.
			result := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(strings.TrimPrefix(input, "/")), cmd))
			if result == "" {
				return cmdResultMsg{message: "Usage: complete <result>"}
			}
			task, err := client.CompleteTask(id, result)
			if err != nil {
				return cmdResultMsg{message: fmt.Sprintf("Error: %v", err)}
			}
			return cmdResultMsg{message: fmt.Sprintf("Task %s %s", shortID(task.ID), task.Status), showTask: task.ID}

		case "requeue":
			id := taskArg()
			if id == "" {
				return cmdResultMsg{message: "No task selected"}
			}
			task, err := client.RequeueTask(id)
			if err != nil {
				return cmdResultMsg{message: fmt.Sprintf("Error: %v", err)}
			}
			return cmdResultMsg{message: "Requeued as " + shortID(task.ID)}

		case "probe":
			if len(args) < 1 {
				return cmdResultMsg{message: "Usage: probe <slot|all|quarantined>"}
			}
			if args[0] == "all" || args[0] == "quarantined" {
				results, err := client.ProbeAll(args[0] == "quarantined")
				if err != nil {
					return cmdResultMsg{message: fmt.Sprintf("Error: %v", err)}
				}
				healthy := 0
				for _, r := range results {
					if r.Healthy() {
						healthy++
					}
				}
				return cmdResultMsg{message: fmt.Sprintf("Probed %d slots, %d healthy", len(results), healthy), routes: true}
			}
			slot, err := strconv.Atoi(args[0])
			if err != nil {
				return cmdResultMsg{message: "Usage: probe <slot|all|quarantined>"}
			}
			res, err := client.ProbeRoute(slot)
			if err != nil {
				return cmdResultMsg{message: fmt.Sprintf("Error: %v", err)}
			}
			msg := fmt.Sprintf("Slot %d: %s, %s", res.SlotID, outcomeLabel(res.Outcome), res.Health)
			if res.Err != "" {
				msg = fmt.Sprintf("Slot %d: %s", res.SlotID, res.Err)
			}
			return cmdResultMsg{message: msg, routes: true}

		case "quarantine", "reactivate":
			if len(args) < 2 {
				return cmdResultMsg{message: fmt.Sprintf("Usage: %s <slot> <reason>", cmd)}
			}
			slot, err := strconv.Atoi(args[0])
			if err != nil {
				return cmdResultMsg{message: fmt.Sprintf("Usage: %s <slot> <reason>", cmd)}
			}
			reason := strings.Join(args[1:], " ")
			change := client.QuarantineRoute
			if cmd == "reactivate" {
				change = client.ReactivateRoute
			}
			route, err := change(slot, reason)
			if err != nil {
				return cmdResultMsg{message: fmt.Sprintf("Error: %v", err)}
			}
			return cmdResultMsg{message: fmt.Sprintf("Slot %d is %s", route.SlotID, route.Health), routes: true}

		case "override":
			if len(args) < 3 {
				return cmdResultMsg{message: "Usage: override <slot> <credential> <reason>"}
			}
			slot, err := strconv.Atoi(args[0])
			if err != nil {
				return cmdResultMsg{message: "Usage: override <slot> <credential> <reason>"}
			}
			route, err := client.OverrideRoute(slot, args[1], strings.Join(args[2:], " "))
			if err != nil {
				return cmdResultMsg{message: fmt.Sprintf("Error: %v", err)}
			}
			return cmdResultMsg{message: fmt.Sprintf("Slot %d bound to %s", route.SlotID, route.BoundCredential), routes: true}

		case "reclaim":
			n, err := client.ReclaimLocks()
			if err != nil {
				return cmdResultMsg{message: fmt.Sprintf("Error: %v", err)}
			}
			return cmdResultMsg{message: fmt.Sprintf("Reclaimed %d expired locks", n)}

		case "q", "quit", "exit":
			return tea.Quit()

		default:
			return cmdResultMsg{message: fmt.Sprintf("Unknown command: %s", cmd)}
		}
	}
}

type cmdResultMsg struct {
	message string
	// showTask opens the detail screen on this task.
	showTask string
	// routes asks for a routes reload.
	routes bool
}
