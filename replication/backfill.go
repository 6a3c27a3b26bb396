package replication

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/store"
)

// BackfillReplicationOps scans memory items with no corresponding op and
// synthesises deterministic ops so a freshly paired peer converges
// without operator intervention (spec.md §4.6). Deletes are prioritised
// over upserts. op_id = "backfill:memory_item:{key}:{rev}:{type}" makes
// repeat runs no-ops.
func (l *Log) BackfillReplicationOps(ctx context.Context, limit int) (created int, err error) {
	const op = "backfill_replication_ops"

	query := `SELECT id, import_key, rev, updated_at, active, kind, title, body_text, tags_text, metadata_json, session_id
	          FROM memory_items
	          WHERE import_key != '' AND NOT EXISTS (
	            SELECT 1 FROM replication_ops ro WHERE ro.entity_type = 'memory_item' AND ro.entity_id = memory_items.import_key
	          )
	          ORDER BY active ASC, updated_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := l.st.DB().QueryContext(ctx, query)
	if err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}
	type row struct {
		id                                                  int64
		importKey, updatedAt, kind, title, body, tags, meta string
		rev                                                 int64
		active                                              int
		sessionID                                           int64
	}
	var rowsData []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.importKey, &r.rev, &r.updatedAt, &r.active, &r.kind, &r.title, &r.body, &r.tags, &r.meta, &r.sessionID); err != nil {
			rows.Close()
			return 0, errs.New(op, errs.ErrFatalStorage, err)
		}
		rowsData = append(rowsData, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}

	for _, r := range rowsData {
		updatedAt, _ := store.ParseTime(r.updatedAt)
		deviceID := l.LocalDeviceID(ctx)
		opType := OpUpsert
		if r.active == 0 {
			opType = OpDelete
		}
		opID := fmt.Sprintf("backfill:memory_item:%s:%d:%s", r.importKey, r.rev, opType)

		var exists int
		scanErr := l.st.DB().QueryRowContext(ctx, `SELECT 1 FROM replication_ops WHERE op_id = ?`, opID).Scan(&exists)
		if scanErr == nil {
			continue // idempotent re-run
		}
		if scanErr != sql.ErrNoRows {
			return created, errs.New(op, errs.ErrFatalStorage, scanErr)
		}

		payload, _ := store.EncodeJSON(map[string]any{
			"kind": r.kind, "title": r.title, "body": r.body, "tags_text": r.tags, "metadata_json": r.meta,
		})
		if _, err := l.st.DB().ExecContext(ctx,
			`INSERT INTO replication_ops
			 (op_id, entity_type, entity_id, op_type, payload_json, clock_rev, clock_updated_at, clock_device_id, device_id, created_at)
			 VALUES (?, 'memory_item', ?, ?, ?, ?, ?, ?, ?, ?)`,
			opID, r.importKey, string(opType), payload, r.rev, store.FormatTime(updatedAt), deviceID, deviceID, store.FormatTime(store.NowUTC())); err != nil {
			return created, errs.New(op, errs.ErrFatalStorage, err)
		}
		created++
	}
	return created, nil
}
