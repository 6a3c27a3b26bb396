package maintenance

import (
	"context"
	"regexp"
	"time"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/flush"
	"github.com/opencode-mem/opencode-mem/memory"
	"github.com/opencode-mem/opencode-mem/rawevents"
	"github.com/opencode-mem/opencode-mem/store"
)

// PurgeRawEvents deletes spooled events older than maxAge, delegating to
// the spool's own implementation; exposed here so every C9 op is
// reachable from one package regardless of which component owns the
// underlying table.
func PurgeRawEvents(ctx context.Context, sp *rawevents.Spool, maxAge time.Duration) (int64, error) {
	return sp.PurgeRawEvents(ctx, maxAge.Milliseconds())
}

// MarkStuckRawEventBatchesAsError promotes started/running flush batches
// older than olderThan to error, unblocking the janitor's retry path.
func MarkStuckRawEventBatchesAsError(ctx context.Context, p *flush.Pipeline, olderThan time.Time, limit int) (int64, error) {
	return p.MarkStuckBatchesAsError(ctx, olderThan, limit)
}

// DeactivateResult tallies one deactivate_low_signal_* run.
type DeactivateResult struct {
	Checked     int64 `json:"checked"`
	Deactivated int64 `json:"deactivated"`
}

var defaultLowSignalKinds = []string{
	"observation", "discovery", "change", "feature", "bugfix",
	"refactor", "decision", "note", "entities", "session_summary",
}

// DeactivateLowSignalObservations deactivates low-signal "observation"
// memories only.
func DeactivateLowSignalObservations(ctx context.Context, st *store.Store, patterns []*regexp.Regexp, limit int, dryRun bool) (DeactivateResult, error) {
	return DeactivateLowSignalMemories(ctx, st, []string{"observation"}, patterns, limit, dryRun)
}

// DeactivateLowSignalMemories deactivates active memory_items of the
// given kinds whose body (or title, if body is empty) matches any
// low-signal pattern. An empty pattern set is a deliberate no-op
// (spec.md §9 Open Questions), inherited from
// memory.IsLowSignalObservation's own no-op-on-empty behaviour.
func DeactivateLowSignalMemories(ctx context.Context, st *store.Store, kinds []string, patterns []*regexp.Regexp, limit int, dryRun bool) (DeactivateResult, error) {
	const op = "deactivate_low_signal_memories"
	if len(kinds) == 0 {
		kinds = defaultLowSignalKinds
	}

	placeholders := ""
	args := make([]any, 0, len(kinds)+1)
	for i, k := range kinds {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, k)
	}
	query := `SELECT id, title, body_text FROM memory_items WHERE kind IN (` + placeholders + `) AND active = 1 ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return DeactivateResult{}, errs.New(op, errs.ErrFatalStorage, err)
	}
	defer rows.Close()

	var ids []int64
	var checked int64
	for rows.Next() {
		var id int64
		var title, body string
		if err := rows.Scan(&id, &title, &body); err != nil {
			return DeactivateResult{}, errs.New(op, errs.ErrFatalStorage, err)
		}
		checked++
		text := body
		if text == "" {
			text = title
		}
		if memory.IsLowSignalObservation(text, patterns) {
			ids = append(ids, id)
		}
	}
	if err := rows.Err(); err != nil {
		return DeactivateResult{}, errs.New(op, errs.ErrFatalStorage, err)
	}

	result := DeactivateResult{Checked: checked, Deactivated: int64(len(ids))}
	if len(ids) == 0 || dryRun {
		return result, nil
	}

	now := store.FormatTime(store.NowUTC())
	const chunkSize = 200
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		ph := ""
		upArgs := make([]any, 0, len(chunk)+1)
		upArgs = append(upArgs, now)
		for i, id := range chunk {
			if i > 0 {
				ph += ","
			}
			ph += "?"
			upArgs = append(upArgs, id)
		}
		if _, err := st.DB().ExecContext(ctx, `UPDATE memory_items SET active = 0, updated_at = ? WHERE id IN (`+ph+`)`, upArgs...); err != nil {
			return DeactivateResult{}, errs.New(op, errs.ErrFatalStorage, err)
		}
	}
	return result, nil
}
