package replication

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/store"
)

// ApplyResult tallies the outcome of ApplyOps.
type ApplyResult struct {
	Inserted int
	Updated  int
	Skipped  int
}

// ApplyOps implements apply_replication_ops (spec.md §4.6). sourceDeviceID
// is the peer this batch arrived from ("local" bypasses the device-id
// sanity check, used when replaying locally-sourced ops e.g. for tests).
func (l *Log) ApplyOps(ctx context.Context, ops []Op, sourceDeviceID string, receivedAt time.Time, filter ProjectFilter) (ApplyResult, error) {
	const op = "apply_replication_ops"
	var res ApplyResult
	logger := l.logger.With("peer_id", sourceDeviceID)

	for _, o := range ops {
		if sourceDeviceID != "local" {
			if o.DeviceID != sourceDeviceID || o.Clock.DeviceID != sourceDeviceID {
				res.Skipped++
				continue
			}
		}
		// Clamp future timestamps beyond received_at+10m back to received_at.
		if o.Clock.UpdatedAt.After(receivedAt.Add(10 * time.Minute)) {
			o.Clock.UpdatedAt = receivedAt
		}

		var alreadyStored int
		err := l.st.DB().QueryRowContext(ctx, `SELECT 1 FROM replication_ops WHERE op_id = ?`, o.OpID).Scan(&alreadyStored)
		if err == nil {
			res.Skipped++
			continue
		}
		if err != sql.ErrNoRows {
			return res, errs.New(op, errs.ErrFatalStorage, err)
		}

		if o.EntityType == "memory_item" {
			project := ExtractProject(o.PayloadJSON)
			if !filter.Allowed(project) {
				res.Skipped++
				continue
			}
		}

		txErr := l.st.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO replication_ops
				 (op_id, entity_type, entity_id, op_type, payload_json, clock_rev, clock_updated_at, clock_device_id, device_id, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				o.OpID, o.EntityType, o.EntityID, string(o.OpType), o.PayloadJSON, o.Clock.Rev,
				store.FormatTime(o.Clock.UpdatedAt), o.Clock.DeviceID, o.DeviceID, store.FormatTime(store.NowUTC())); err != nil {
				return err
			}

			if o.EntityType != "memory_item" {
				return nil
			}
			switch o.OpType {
			case OpUpsert:
				ins, upd, err := applyMemoryUpsert(ctx, tx, o)
				if err != nil {
					return err
				}
				if ins {
					res.Inserted++
				} else if upd {
					res.Updated++
				} else {
					res.Skipped++
				}
			case OpDelete:
				upd, err := applyMemoryDelete(ctx, tx, o)
				if err != nil {
					return err
				}
				if upd {
					res.Updated++
				} else {
					res.Skipped++
				}
			}
			return nil
		})
		if txErr != nil {
			logger.Error("apply op failed", "op_id", o.OpID, "entity_type", o.EntityType, "error", txErr)
			return res, errs.New(op, errs.ErrFatalStorage, txErr)
		}
	}
	logger.Debug("ops applied", "inserted", res.Inserted, "updated", res.Updated, "skipped", res.Skipped)
	return res, nil
}

// applyMemoryUpsert locates the target by import_key, compares clocks,
// and UPDATEs or INSERTs. Auto-creates the owning session if missing.
func applyMemoryUpsert(ctx context.Context, tx *sql.Tx, o Op) (inserted, updated bool, err error) {
	var fields map[string]any
	if err := store.DecodeJSON(o.PayloadJSON, &fields); err != nil {
		return false, false, fmt.Errorf("decode upsert payload: %w", err)
	}

	var existingID int64
	var existingRev int64
	var existingUpdatedAt string
	scanErr := tx.QueryRowContext(ctx,
		`SELECT id, rev, updated_at FROM memory_items WHERE import_key = ?`, o.EntityID).
		Scan(&existingID, &existingRev, &existingUpdatedAt)

	if scanErr == nil {
		existingUpdated, _ := store.ParseTime(existingUpdatedAt)
		if !greaterClock(o.Clock, Clock{UpdatedAt: existingUpdated, Rev: existingRev}) {
			return false, false, nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE memory_items SET
			   kind = COALESCE(?, kind), title = COALESCE(?, title), body_text = COALESCE(?, body_text),
			   tags_text = COALESCE(?, tags_text), active = 1, updated_at = ?, rev = ?,
			   metadata_json = COALESCE(?, metadata_json)
			 WHERE id = ?`,
			strOrNil(fields, "kind"), strOrNil(fields, "title"), strOrNil(fields, "body"),
			strOrNil(fields, "tags_text"), store.FormatTime(o.Clock.UpdatedAt), o.Clock.Rev,
			strOrNil(fields, "metadata_json"), existingID); err != nil {
			return false, false, err
		}
		return false, true, nil
	}
	if scanErr != sql.ErrNoRows {
		return false, false, scanErr
	}

	sessionID, err := ensureSessionFromPayload(ctx, tx, fields)
	if err != nil {
		return false, false, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_items
		 (session_id, kind, title, body_text, tags_text, active, created_at, updated_at, import_key, rev, metadata_json)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`,
		sessionID, strVal(fields, "kind"), strVal(fields, "title"), strVal(fields, "body"),
		strVal(fields, "tags_text"), store.FormatTime(o.Clock.UpdatedAt), store.FormatTime(o.Clock.UpdatedAt),
		o.EntityID, o.Clock.Rev, strValOr(fields, "metadata_json", "{}")); err != nil {
		return false, false, err
	}
	return true, false, nil
}

func applyMemoryDelete(ctx context.Context, tx *sql.Tx, o Op) (updated bool, err error) {
	var existingID int64
	var existingRev int64
	var existingUpdatedAt string
	scanErr := tx.QueryRowContext(ctx,
		`SELECT id, rev, updated_at FROM memory_items WHERE import_key = ?`, o.EntityID).
		Scan(&existingID, &existingRev, &existingUpdatedAt)
	if scanErr == sql.ErrNoRows {
		var fields map[string]any
		_ = store.DecodeJSON(o.PayloadJSON, &fields)
		if _, ok := fields["session_id"]; ok {
			sessionID, err := ensureSessionFromPayload(ctx, tx, fields)
			if err != nil {
				return false, err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO memory_items
				 (session_id, kind, active, created_at, updated_at, import_key, rev, deleted_at)
				 VALUES (?, 'tombstone', 0, ?, ?, ?, ?, ?)`,
				sessionID, store.FormatTime(o.Clock.UpdatedAt), store.FormatTime(o.Clock.UpdatedAt),
				o.EntityID, o.Clock.Rev, store.FormatTime(o.Clock.UpdatedAt))
			return err == nil, err
		}
		return false, nil
	}
	if scanErr != nil {
		return false, scanErr
	}

	existingUpdated, _ := store.ParseTime(existingUpdatedAt)
	if !greaterClock(o.Clock, Clock{UpdatedAt: existingUpdated, Rev: existingRev}) {
		return false, nil
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE memory_items SET active = 0, deleted_at = ?, updated_at = ?, rev = ? WHERE id = ?`,
		store.FormatTime(o.Clock.UpdatedAt), store.FormatTime(o.Clock.UpdatedAt), o.Clock.Rev, existingID)
	return err == nil, err
}

func ensureSessionFromPayload(ctx context.Context, tx *sql.Tx, fields map[string]any) (int64, error) {
	ocSessionID, _ := fields["opencode_session_id"].(string)
	project, _ := fields["project"].(string)
	if ocSessionID == "" {
		res, err := tx.ExecContext(ctx, `INSERT INTO sessions (started_at, project, metadata_json) VALUES (?, ?, '{}')`,
			store.FormatTime(store.NowUTC()), project)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}
	var sessionID int64
	err := tx.QueryRowContext(ctx, `SELECT session_id FROM opencode_sessions WHERE opencode_session_id = ?`, ocSessionID).Scan(&sessionID)
	if err == nil {
		return sessionID, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO sessions (started_at, project, metadata_json) VALUES (?, ?, '{}')`,
		store.FormatTime(store.NowUTC()), project)
	if err != nil {
		return 0, err
	}
	sessionID, err = res.LastInsertId()
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO opencode_sessions (opencode_session_id, session_id, created_at) VALUES (?, ?, ?)`,
		ocSessionID, sessionID, store.FormatTime(store.NowUTC()))
	return sessionID, err
}

func strVal(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func strValOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func strOrNil(m map[string]any, key string) any {
	if v, ok := m[key].(string); ok {
		return v
	}
	return nil
}
