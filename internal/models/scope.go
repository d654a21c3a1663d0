package models

import (
	"path"
	"strings"
)

// NormalizeScope cleans a scope into its canonical form: forward slashes,
// no leading or trailing separator, no "." or ".." segments. The root scope
// is the empty string.
func NormalizeScope(scope string) string {
	s := strings.ReplaceAll(strings.TrimSpace(scope), "\\", "/")
	if s == "" {
		return ""
	}
	s = path.Clean("/" + s)
	return strings.Trim(s, "/")
}

// ScopesOverlap reports whether two normalized scopes contend: they are
// equal, or one is a path-segment prefix of the other. The root scope
// overlaps everything.
func ScopesOverlap(a, b string) bool {
	if a == b || a == "" || b == "" {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// ModesConflict reports whether two holders in the given modes may not
// share overlapping scopes.
func ModesConflict(a, b LockMode) bool {
	return a == LockExclusive || b == LockExclusive
}
