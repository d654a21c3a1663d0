package tui

import (
	"fmt"
	"time"

	"github.com/fentz26/baton/internal/models"
)

// TaskItem implements list.Item for the task list
type TaskItem struct {
	models.Task
}

func (i TaskItem) FilterValue() string { return i.Class + " " + i.ID }
func (i TaskItem) Title() string       { return fmt.Sprintf("%s  %s", shortID(i.ID), i.Class) }
func (i TaskItem) Description() string {
	desc := formatStatus(i.Status) + " • " + formatAge(time.Since(i.CreatedAt))
	if i.OwnerRunID != "" {
		desc += " • run " + i.OwnerRunID
	}
	if ins := i.Instruction(); ins != "" {
		desc += " • " + truncate(ins, 60)
	}
	return desc
}

// Instruction returns the first instruction block of the payload, which is
// the part operators scan for in the list.
func (i TaskItem) Instruction() string {
	for _, b := range i.Payload.Blocks {
		if b.Role == "" || b.Role == "instruction" {
			return b.Content
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// formatTTL renders the time left on a lock.
func formatTTL(expires *time.Time, now time.Time) string {
	if expires == nil {
		return "never"
	}
	d := expires.Sub(now)
	if d < 0 {
		return "EXPIRED"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
