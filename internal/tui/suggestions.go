package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for commands
type Suggestions struct {
	items        []SuggestionItem
	filtered     []SuggestionItem
	selectedIdx  int
	visible      bool
	prefix       string // "/" or "@"
	currentInput string
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command" or "task"
}

var commandSuggestions = []SuggestionItem{
	{Text: "bundle", Description: "Take the selected task and show its bundle", Type: "command"},
	{Text: "complete", Description: "Submit the result for the task on screen", Type: "command"},
	{Text: "requeue", Description: "Re-enqueue a failed or expired task", Type: "command"},
	{Text: "probe", Description: "Probe a slot, all slots or quarantined slots", Type: "command"},
	{Text: "quarantine", Description: "Take a slot out of rotation", Type: "command"},
	{Text: "reactivate", Description: "Return a slot to rotation", Type: "command"},
	{Text: "override", Description: "Bind a slot to another credential", Type: "command"},
	{Text: "reclaim", Description: "Delete expired locks", Type: "command"},
	{Text: "quit", Description: "Leave the dashboard", Type: "command"},
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{
		items:   commandSuggestions,
		visible: false,
	}
}

// Update updates suggestions based on current input. A leading "/" lists
// commands; a word starting with "@" at the end of the input lists tasks.
func (s *Suggestions) Update(input string) {
	s.currentInput = input
	if input == "" {
		s.visible = false
		s.filtered = nil
		s.prefix = ""
		return
	}

	last := lastWord(input)
	switch {
	case strings.HasPrefix(last, "@"):
		s.prefix = "@"
		// Filled in by SetTasks; never show commands here.
		if len(s.items) > 0 && s.items[0].Type == "command" {
			s.items = []SuggestionItem{}
		}
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(last, "@")))
	case input[0] == '/' && !strings.ContainsAny(input, " \t"):
		s.prefix = "/"
		s.items = commandSuggestions
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(input, "/")))
	default:
		s.visible = false
		s.filtered = nil
		s.prefix = ""
	}
}

// Accept returns input with the word being completed replaced by the
// selected suggestion.
func (s *Suggestions) Accept(input string) string {
	sel := s.Selected()
	if sel == nil {
		return input
	}
	s.visible = false
	if s.prefix == "/" {
		return sel.Text + " "
	}
	return strings.TrimSuffix(input, lastWord(input)) + sel.Text + " "
}

func lastWord(input string) string {
	if strings.HasSuffix(input, " ") {
		return ""
	}
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// SetTasks replaces the task references offered after "@".
func (s *Suggestions) SetTasks(tasks []TaskItem) {
	if s.prefix != "@" {
		return
	}
	s.items = make([]SuggestionItem, len(tasks))
	for i, t := range tasks {
		s.items[i] = SuggestionItem{
			Text:        t.ID,
			Description: fmt.Sprintf("%s (%s)", t.Class, t.Status),
			Type:        "task",
		}
	}
	s.filter(strings.ToLower(strings.TrimPrefix(lastWord(s.currentInput), "@")))
}

func (s *Suggestions) filter(query string) {
	if query == "" {
		s.filtered = s.items
		s.selectedIdx = 0
		return
	}

	s.filtered = []SuggestionItem{}
	for _, item := range s.items {
		if strings.Contains(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
	s.selectedIdx = 0
}

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.visible || len(s.filtered) == 0 || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible returns whether suggestions are currently visible
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// maxSuggestions caps the dropdown height.
const maxSuggestions = 5

var (
	suggestionBoxStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#6366F1")).
				Padding(0, 1)

	suggestionSelectedStyle = lipgloss.NewStyle().
				Background(lipgloss.Color("#7C3AED")).
				Foreground(lipgloss.Color("#F9FAFB")).
				Bold(true)

	suggestionItemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F9FAFB"))
	suggestionDescStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")).Italic(true)
	suggestionHeadStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED"))
)

// Render draws the dropdown, scrolled so the selection stays in view.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder
	header := "Commands"
	if s.prefix == "@" {
		header = "Tasks"
	}
	b.WriteString(suggestionHeadStyle.Render(header))
	b.WriteString("\n")

	first := 0
	if s.selectedIdx >= maxSuggestions {
		first = s.selectedIdx - maxSuggestions + 1
	}
	last := min(first+maxSuggestions, len(s.filtered))

	for i := first; i < last; i++ {
		item := s.filtered[i]
		text := item.Text
		if item.Type == "task" {
			text = shortID(text)
		}
		if i == s.selectedIdx {
			b.WriteString(suggestionSelectedStyle.Render("> " + text + "  " + item.Description))
		} else {
			b.WriteString(suggestionItemStyle.Render("  "+text) + "  " + suggestionDescStyle.Render(item.Description))
		}
		b.WriteString("\n")
	}
	if rest := len(s.filtered) - last; rest > 0 {
		b.WriteString(suggestionDescStyle.Render(fmt.Sprintf("  ... and %d more", rest)))
	}

	return suggestionBoxStyle.Width(width - 4).Render(b.String())
}
