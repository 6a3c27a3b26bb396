package maintenance

import (
	"context"
	"database/sql"
	"strings"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/store"
)

// projectBasename mirrors replication's path-to-basename rule, applied
// here to clean up machine-specific path anchoring in stored project
// values rather than to filter ops.
func projectBasename(p string) string {
	p = strings.TrimRight(p, "/\\")
	i := strings.LastIndexAny(p, "/\\")
	if i < 0 {
		return p
	}
	return p[i+1:]
}

// NormalizeProjectsReport previews or applies normalize_projects.
type NormalizeProjectsReport struct {
	DryRun                    bool              `json:"dry_run"`
	RewrittenPaths            map[string]string `json:"rewritten_paths"`
	SessionsToUpdate          int               `json:"sessions_to_update"`
	RawEventSessionsToUpdate  int               `json:"raw_event_sessions_to_update"`
}

// NormalizeProjects rewrites path-like project values to their basename
// and obvious git-error/"/" placeholders to the session's cwd basename,
// across sessions and raw_event_sessions (spec.md §4.9).
func NormalizeProjects(ctx context.Context, st *store.Store, dryRun bool) (*NormalizeProjectsReport, error) {
	const op = "normalize_projects"
	db := st.DB()

	type update struct {
		id      string
		isInt   bool
		intID   int64
		project string
	}

	rewritten := map[string]string{}
	var sessionUpdates []update
	var rawUpdates []update

	sessRows, err := db.QueryContext(ctx, `SELECT id, cwd, project FROM sessions`)
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	for sessRows.Next() {
		var id int64
		var cwd, project sql.NullString
		if err := sessRows.Scan(&id, &cwd, &project); err != nil {
			sessRows.Close()
			return nil, errs.New(op, errs.ErrFatalStorage, err)
		}
		nv, ok := normalizedProject(project.String, cwd.String, rewritten)
		if ok {
			sessionUpdates = append(sessionUpdates, update{isInt: true, intID: id, project: nv})
		}
	}
	sessRows.Close()
	if err := sessRows.Err(); err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}

	rawRows, err := db.QueryContext(ctx, `SELECT opencode_session_id, cwd, project FROM raw_event_sessions`)
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	for rawRows.Next() {
		var sid string
		var cwd, project sql.NullString
		if err := rawRows.Scan(&sid, &cwd, &project); err != nil {
			rawRows.Close()
			return nil, errs.New(op, errs.ErrFatalStorage, err)
		}
		nv, ok := normalizedProject(project.String, cwd.String, rewritten)
		if ok {
			rawUpdates = append(rawUpdates, update{id: sid, project: nv})
		}
	}
	rawRows.Close()
	if err := rawRows.Err(); err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}

	report := &NormalizeProjectsReport{
		DryRun:                   dryRun,
		RewrittenPaths:           rewritten,
		SessionsToUpdate:         len(sessionUpdates),
		RawEventSessionsToUpdate: len(rawUpdates),
	}
	if dryRun {
		return report, nil
	}

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, u := range sessionUpdates {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET project = ? WHERE id = ?`, u.project, u.intID); err != nil {
				return err
			}
		}
		for _, u := range rawUpdates {
			if _, err := tx.ExecContext(ctx, `UPDATE raw_event_sessions SET project = ? WHERE opencode_session_id = ?`, u.project, u.id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	return report, nil
}

func normalizedProject(project, cwd string, rewritten map[string]string) (string, bool) {
	proj := strings.TrimSpace(project)
	if proj == "" {
		return "", false
	}
	var newValue string
	switch {
	case proj == "/" || strings.HasPrefix(strings.ToLower(proj), "fatal:"):
		cwd = strings.TrimSpace(cwd)
		if cwd != "" && cwd != "/" {
			newValue = projectBasename(cwd)
		}
	case strings.ContainsAny(proj, "/\\"):
		base := projectBasename(proj)
		if base != "" && base != proj {
			newValue = base
			if _, ok := rewritten[proj]; !ok {
				rewritten[proj] = base
			}
		}
	}
	if newValue == "" || newValue == proj {
		return "", false
	}
	return newValue, true
}

// RenameProjectReport previews or applies rename_project.
type RenameProjectReport struct {
	DryRun                   bool   `json:"dry_run"`
	OldName                  string `json:"old_name"`
	NewName                  string `json:"new_name"`
	SessionsToUpdate         int    `json:"sessions_to_update"`
	RawEventSessionsToUpdate int    `json:"raw_event_sessions_to_update"`
}

// RenameProject renames a project across sessions and raw_event_sessions,
// matching both the exact name and any path-like value whose basename
// equals it (spec.md §4.9).
func RenameProject(ctx context.Context, st *store.Store, oldName, newName string, dryRun bool) (*RenameProjectReport, error) {
	const op = "rename_project"
	oldBase := projectBasename(strings.TrimSpace(oldName))
	newBase := projectBasename(strings.TrimSpace(newName))
	if oldBase == "" || newBase == "" {
		return nil, errs.New(op, errs.ErrInvariantViolation, nil)
	}

	matches := func(project string) bool {
		return projectBasename(project) == oldBase
	}

	db := st.DB()
	var sessionIDs []int64
	sessRows, err := db.QueryContext(ctx, `SELECT id, project FROM sessions`)
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	for sessRows.Next() {
		var id int64
		var project sql.NullString
		if err := sessRows.Scan(&id, &project); err != nil {
			sessRows.Close()
			return nil, errs.New(op, errs.ErrFatalStorage, err)
		}
		if matches(project.String) {
			sessionIDs = append(sessionIDs, id)
		}
	}
	sessRows.Close()

	var rawIDs []string
	rawRows, err := db.QueryContext(ctx, `SELECT opencode_session_id, project FROM raw_event_sessions`)
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	for rawRows.Next() {
		var sid string
		var project sql.NullString
		if err := rawRows.Scan(&sid, &project); err != nil {
			rawRows.Close()
			return nil, errs.New(op, errs.ErrFatalStorage, err)
		}
		if matches(project.String) {
			rawIDs = append(rawIDs, sid)
		}
	}
	rawRows.Close()

	report := &RenameProjectReport{
		DryRun:                   dryRun,
		OldName:                  oldBase,
		NewName:                  newBase,
		SessionsToUpdate:         len(sessionIDs),
		RawEventSessionsToUpdate: len(rawIDs),
	}
	if dryRun {
		return report, nil
	}

	err = st.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range sessionIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET project = ? WHERE id = ?`, newBase, id); err != nil {
				return err
			}
		}
		for _, sid := range rawIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE raw_event_sessions SET project = ? WHERE opencode_session_id = ?`, newBase, sid); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	return report, nil
}
