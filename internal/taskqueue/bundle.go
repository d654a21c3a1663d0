package taskqueue

import (
	"fmt"
	"slices"
	"strings"

	"github.com/fentz26/baton/internal/models"
)

// RenderBundle lays out a task payload the way an operator pastes it into
// an interactive session: each block under its role, then the response
// format the result will be validated against.
func RenderBundle(t *models.Task) string {
	var b strings.Builder
	for _, blk := range t.Payload.Blocks {
		if blk.Role != "" {
			fmt.Fprintf(&b, "[%s]\n", blk.Role)
		}
		b.WriteString(blk.Content)
		b.WriteString("\n\n")
	}
	f := t.Payload.ResponseFormat
	fmt.Fprintf(&b, "Respond as %s.", f.Kind)
	if len(f.Fields) > 0 {
		names := make([]string, 0, len(f.Fields))
		for name, typ := range f.Fields {
			names = append(names, name+": "+typ)
		}
		slices.Sort(names)
		fmt.Fprintf(&b, " Required fields: %s.", strings.Join(names, ", "))
	}
	return b.String()
}
