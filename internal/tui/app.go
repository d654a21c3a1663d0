// Package tui provides the operator dashboard for a running Baton daemon.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/baton/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	columnStyle = lipgloss.NewStyle().Bold(true).Foreground(cyanColor)
)

type viewMode int

const (
	modeTasks viewMode = iota
	modeDetail
	modeRoutes
	modeLocks
)

// refreshInterval paces background reloads of routes, locks and counters.
const refreshInterval = 5 * time.Second

// App is the main TUI application model.
type App struct {
	client      *Client
	tasks       *TaskListModel
	detail      *TaskDetailModel
	cmdbar      *CmdBarModel
	suggestions *Suggestions

	mode   viewMode
	width  int
	height int

	routes   []models.CredentialRoute
	routeIdx int
	locks    []models.LockRecord
	stats    *models.QueueStats

	daemonOnline bool
	message      string
	now          func() time.Time
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	client := NewClient(apiAddr)
	return &App{
		client:      client,
		tasks:       NewTaskListModel(client),
		detail:      NewTaskDetailModel(client),
		cmdbar:      NewCmdBarModel(),
		suggestions: NewSuggestions(),
		mode:        modeTasks,
		now:         time.Now,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.tasks.Init(),
		a.fetchOverview(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.cmdbar.Focused() {
			return a, a.updateCmdBar(msg)
		}
		if a.mode == modeTasks && a.tasks.Filtering() {
			_, cmd := a.tasks.Update(msg)
			return a, cmd
		}
		return a, a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.cmdbar.SetWidth(msg.Width - 6)
		a.tasks.SetSize(msg.Width, a.contentHeight())
		a.detail.SetSize(msg.Width, a.contentHeight())
		return a, nil

	case tasksLoadedMsg:
		_, cmd := a.tasks.Update(msg)
		return a, cmd

	case taskDetailLoadedMsg:
		_, cmd := a.detail.Update(msg)
		return a, cmd

	case overviewMsg:
		a.daemonOnline = msg.online
		if msg.online {
			a.routes = msg.routes
			a.locks = msg.locks
			a.stats = msg.stats
			if a.routeIdx >= len(a.routes) {
				a.routeIdx = max(0, len(a.routes)-1)
			}
		}
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.fetchOverview(), a.tickCmd())

	case cmdResultMsg:
		a.message = msg.message
		a.cmdbar.Update(msg)
		cmds := []tea.Cmd{a.tasks.Refresh(), a.fetchOverview()}
		if msg.showTask != "" {
			a.mode = modeDetail
			a.detail.SetTask(msg.showTask)
			cmds = append(cmds, a.detail.Refresh())
		} else if msg.routes {
			a.mode = modeRoutes
		}
		return a, tea.Batch(cmds...)

	case errMsg:
		a.message = "Error: " + msg.err.Error()
		a.tasks.Update(msg)
		return a, nil
	}

	switch a.mode {
	case modeTasks:
		_, cmd := a.tasks.Update(msg)
		return a, cmd
	case modeDetail:
		_, cmd := a.detail.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c", "q":
		return tea.Quit

	case ":":
		return a.cmdbar.Focus()

	case "/":
		if a.mode == modeTasks {
			// "/" filters the list there; commands stay on ":".
			break
		}
		cmd := a.cmdbar.Focus()
		a.cmdbar.SetValue("/")
		a.suggestions.Update("/")
		return cmd

	case "esc":
		if a.mode != modeTasks {
			a.mode = modeTasks
			return a.tasks.Refresh()
		}

	case "tab":
		switch a.mode {
		case modeTasks, modeDetail:
			a.mode = modeRoutes
		case modeRoutes:
			a.mode = modeLocks
		default:
			a.mode = modeTasks
		}
		return a.fetchOverview()

	case "f":
		if a.mode == modeTasks {
			return a.tasks.CycleFilter()
		}

	case "enter":
		if a.mode == modeTasks {
			if t := a.tasks.SelectedTask(); t != nil {
				a.mode = modeDetail
				a.detail.SetTask(t.ID)
				return a.detail.Refresh()
			}
			return nil
		}

	case "b":
		if id := a.currentTaskID(); id != "" && a.mode != modeRoutes && a.mode != modeLocks {
			return a.cmdbar.Execute(a.client, "bundle", a.currentTaskID)
		}

	case "r":
		switch a.mode {
		case modeTasks:
			return tea.Batch(a.tasks.Refresh(), a.fetchOverview())
		case modeDetail:
			return a.detail.Refresh()
		default:
			return a.fetchOverview()
		}

	case "p":
		if a.mode == modeRoutes && len(a.routes) > 0 {
			return a.cmdbar.Execute(a.client, fmt.Sprintf("probe %d", a.routes[a.routeIdx].SlotID), a.currentTaskID)
		}

	case "up", "k":
		if a.mode == modeRoutes && a.routeIdx > 0 {
			a.routeIdx--
			return nil
		}

	case "down", "j":
		if a.mode == modeRoutes && a.routeIdx < len(a.routes)-1 {
			a.routeIdx++
			return nil
		}
	}

	switch a.mode {
	case modeTasks:
		_, cmd := a.tasks.Update(msg)
		return cmd
	case modeDetail:
		_, cmd := a.detail.Update(msg)
		return cmd
	}
	return nil
}

func (a *App) updateCmdBar(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit

	case "up":
		if a.suggestions.IsVisible() {
			a.suggestions.Prev()
			return nil
		}

	case "down":
		if a.suggestions.IsVisible() {
			a.suggestions.Next()
			return nil
		}

	case "tab":
		if a.suggestions.IsVisible() {
			a.cmdbar.SetValue(a.suggestions.Accept(a.cmdbar.Value()))
		}
		return nil

	case "enter":
		if a.suggestions.IsVisible() {
			a.cmdbar.SetValue(a.suggestions.Accept(a.cmdbar.Value()))
			return nil
		}
		input := a.cmdbar.Submit()
		a.suggestions.Update("")
		if input == "" {
			return nil
		}
		return a.cmdbar.Execute(a.client, input, a.currentTaskID)

	case "esc":
		a.suggestions.Update("")
	}

	_, cmd := a.cmdbar.Update(msg)
	a.suggestions.Update(a.cmdbar.Value())
	a.suggestions.SetTasks(a.tasks.Tasks())
	return cmd
}

// currentTaskID is the task on the detail screen, else the one under the
// cursor.
func (a *App) currentTaskID() string {
	if a.mode == modeDetail && a.detail.TaskID() != "" {
		return a.detail.TaskID()
	}
	if t := a.tasks.SelectedTask(); t != nil {
		return t.ID
	}
	return ""
}

func (a *App) contentHeight() int {
	h := a.height - 6
	if h < 5 {
		h = 5
	}
	return h
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("BATON") + "  " + daemonStatus
	if a.stats != nil {
		header += "  " + lipgloss.NewStyle().Foreground(warningColor).Render(fmt.Sprintf("[%d pending]", a.stats.Pending))
		header += " " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d bundled]", a.stats.Bundled))
	}
	if q := a.quarantinedCount(); q > 0 {
		header += " " + lipgloss.NewStyle().Foreground(errorColor).Render(fmt.Sprintf("[%d quarantined]", q))
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	height := a.contentHeight()
	var body string
	switch a.mode {
	case modeTasks:
		body = a.tasks.View()
	case modeDetail:
		body = a.detail.View()
	case modeRoutes:
		body = a.renderRoutesPanel(height)
	case modeLocks:
		body = a.renderLocksPanel(height)
	}
	b.WriteString(lipgloss.NewStyle().Height(height).MaxHeight(height).Render(body))
	b.WriteString("\n")

	if a.message != "" && !a.cmdbar.Focused() {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(msgStyle.Render(a.message) + "\n")
	}

	b.WriteString(a.cmdbar.View())
	if a.cmdbar.Focused() && a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeTasks:
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:open | b:bundle | f:filter | Tab:routes | /:search | ::command | q:quit", len(a.tasks.Tasks()))
	case modeDetail:
		status = " ↑↓:scroll | b:bundle | :complete <result> | r:refresh | Esc:back"
	case modeRoutes:
		status = fmt.Sprintf(" Slots: %d | ↑↓:nav | p:probe | Tab:locks | ::command | Esc:back", len(a.routes))
	case modeLocks:
		status = fmt.Sprintf(" Locks: %d | ::reclaim | Tab:tasks | Esc:back", len(a.locks))
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(status))

	return b.String()
}

func (a *App) quarantinedCount() int {
	n := 0
	for _, r := range a.routes {
		if r.Health == models.RouteQuarantined {
			n++
		}
	}
	return n
}

func (a *App) renderRoutesPanel(height int) string {
	var b strings.Builder

	b.WriteString("\n  Credential Routes\n")
	b.WriteString("  " + strings.Repeat("─", 72) + "\n")

	if len(a.routes) == 0 {
		b.WriteString("  No slots declared. Add routing.routes to the config file.\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("  %s  %s  %s  %s  %s  %s\n",
		columnStyle.Render(fmt.Sprintf("%-4s", "SLOT")),
		columnStyle.Render(fmt.Sprintf("%-3s", "PRI")),
		columnStyle.Render(fmt.Sprintf("%-12s", "BACKEND")),
		columnStyle.Render(fmt.Sprintf("%-20s", "CREDENTIAL")),
		columnStyle.Render(fmt.Sprintf("%-12s", "HEALTH")),
		columnStyle.Render(fmt.Sprintf("%-10s", "PROBE")),
	))

	for i, r := range a.routes {
		cred := truncate(r.BoundCredential, 20)
		if r.Overridden {
			cred = truncate(r.BoundCredential+"*", 20)
		}
		line := fmt.Sprintf("%-4d  %-3d  %-12s  %-20s  %-12s  %-10s",
			r.SlotID, r.Priority, truncate(r.Backend, 12), cred, r.Health, outcomeLabel(r.LastProbe))
		if i == a.routeIdx {
			b.WriteString("▶ " + selectedStyle.Render(line) + "\n")
		} else {
			style := lipgloss.NewStyle()
			if r.Health == models.RouteQuarantined {
				style = offlineStyle
			}
			b.WriteString("  " + style.Render(line) + "\n")
		}
	}

	if a.routeIdx < len(a.routes) {
		r := a.routes[a.routeIdx]
		b.WriteString("\n")
		if len(r.ClassAllowlist) > 0 {
			b.WriteString(helpStyle.Render("  allow: "+strings.Join(r.ClassAllowlist, ", ")) + "\n")
		}
		if len(r.ClassBlocklist) > 0 {
			b.WriteString(helpStyle.Render("  block: "+strings.Join(r.ClassBlocklist, ", ")) + "\n")
		}
		if r.QuarantineReason != "" {
			b.WriteString(offlineStyle.Render("  quarantined: "+r.QuarantineReason) + "\n")
		}
		if r.LastProbeDetail != "" {
			b.WriteString(helpStyle.Render("  last probe: "+truncate(r.LastProbeDetail, max(a.width-16, 20))) + "\n")
		}
	}

	return b.String()
}

func (a *App) renderLocksPanel(height int) string {
	var b strings.Builder

	b.WriteString("\n  Lock Holders\n")
	b.WriteString("  " + strings.Repeat("─", 72) + "\n")

	if len(a.locks) == 0 {
		b.WriteString("  " + lipgloss.NewStyle().Foreground(mutedColor).Render("No locks held") + "\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("  %s  %s  %s  %s\n",
		columnStyle.Render(fmt.Sprintf("%-28s", "SCOPE")),
		columnStyle.Render(fmt.Sprintf("%-20s", "HOLDER")),
		columnStyle.Render(fmt.Sprintf("%-9s", "MODE")),
		columnStyle.Render(fmt.Sprintf("%-10s", "TTL")),
	))

	now := a.now()
	shown := 0
	for _, l := range a.locks {
		if shown >= height-4 {
			b.WriteString(helpStyle.Render(fmt.Sprintf("  ... and %d more", len(a.locks)-shown)) + "\n")
			break
		}
		ttl := formatTTL(l.ExpiresAt, now)
		ttlStyle := lipgloss.NewStyle().Foreground(successColor)
		if l.ExpiresAt != nil {
			left := l.ExpiresAt.Sub(now)
			if left < 60*time.Second {
				ttlStyle = lipgloss.NewStyle().Foreground(warningColor)
			}
			if left < 0 {
				ttlStyle = lipgloss.NewStyle().Foreground(errorColor)
			}
		}
		b.WriteString(fmt.Sprintf("  %-28s  %-20s  %-9s  %s\n",
			truncate(l.Scope, 28), truncate(l.Holder, 20), l.Mode, ttlStyle.Render(ttl)))
		shown++
	}

	return b.String()
}

func outcomeLabel(o models.ProbeOutcome) string {
	if o == models.ProbeNone {
		return "unprobed"
	}
	return string(o)
}

type overviewMsg struct {
	online bool
	routes []models.CredentialRoute
	locks  []models.LockRecord
	stats  *models.QueueStats
}

// fetchOverview loads everything outside the task list. Any failure marks
// the daemon offline.
func (a *App) fetchOverview() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		if err != nil || !ok {
			return overviewMsg{online: false}
		}
		routes, err := a.client.ListRoutes()
		if err != nil {
			return errMsg{err}
		}
		locks, err := a.client.ListLocks()
		if err != nil {
			return errMsg{err}
		}
		stats, err := a.client.Stats()
		if err != nil {
			return errMsg{err}
		}
		return overviewMsg{online: true, routes: routes, locks: locks, stats: stats}
	}
}

type errMsg struct {
	err error
}

type tickMsg time.Time

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
