package retrieval

import "strings"

// Filters narrows build_memory_pack / search calls (spec.md §4.5).
type Filters struct {
	Project   string
	Kind      string
	SessionID int64
	Since     string // ISO-8601; empty means unbounded
}

// ProjectSQLClause implements spec.md §4.5's project filter semantics: a
// value containing '/' or '\\' must match exactly; otherwise it matches
// the stored project, or a legacy path-like value ending in "/v" or
// "\v". Returns the SQL fragment (referencing sessions.project) and its
// bind args.
func ProjectSQLClause(value string) (string, []any) {
	if value == "" {
		return "", nil
	}
	if strings.ContainsAny(value, `/\`) {
		return "sessions.project = ?", []any{value}
	}
	return "(sessions.project = ? OR sessions.project LIKE ? OR sessions.project LIKE ?)",
		[]any{value, "%/" + value, `%\` + value}
}
