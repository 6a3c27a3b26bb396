package replication

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/store"
)

// legacyGlobalPrefix matches the old global import_key shape
// "legacy:memory_item:{n}"; legacyDevicePrefix is the new, device-scoped
// shape "legacy:{device_id}:memory_item:{n}" (spec.md §4.6).
const legacyGlobalPrefix = "legacy:memory_item:"

func deviceScopedKey(deviceID, suffix string) string {
	return fmt.Sprintf("legacy:%s:memory_item:%s", deviceID, suffix)
}

// clockDeviceIDFromMetadata extracts metadata.clock_device_id if present.
func clockDeviceIDFromMetadata(metadataJSON string) string {
	var m map[string]any
	if err := store.DecodeJSON(metadataJSON, &m); err != nil {
		return ""
	}
	if v, ok := m["clock_device_id"].(string); ok {
		return v
	}
	return ""
}

// MigrateLegacyImportKeys rewrites memory_items whose import_key is empty
// or matches the old global "legacy:memory_item:{n}" form into the
// device-scoped form, preferring metadata.clock_device_id and falling
// back to localDeviceID. Uniqueness collisions are skipped, not failed.
func (l *Log) MigrateLegacyImportKeys(ctx context.Context, localDeviceID string, limit int) (migrated int, err error) {
	const op = "migrate_legacy_import_keys"
	query := `SELECT id, import_key, metadata_json FROM memory_items
	          WHERE import_key = '' OR import_key LIKE ?`
	args := []any{legacyGlobalPrefix + "%"}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := l.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}
	type candidate struct {
		id        int64
		importKey string
		metadata  string
	}
	var cands []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.importKey, &c.metadata); err != nil {
			rows.Close()
			return 0, errs.New(op, errs.ErrFatalStorage, err)
		}
		cands = append(cands, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}

	for _, c := range cands {
		suffix := strings.TrimPrefix(c.importKey, legacyGlobalPrefix)
		if suffix == c.importKey {
			suffix = fmt.Sprintf("%d", c.id)
		}
		deviceID := clockDeviceIDFromMetadata(c.metadata)
		if deviceID == "" {
			deviceID = localDeviceID
		}
		newKey := deviceScopedKey(deviceID, suffix)

		res, err := l.st.DB().ExecContext(ctx,
			`UPDATE memory_items SET import_key = ? WHERE id = ? AND NOT EXISTS (SELECT 1 FROM memory_items WHERE import_key = ?)`,
			newKey, c.id, newKey)
		if err != nil {
			return migrated, errs.New(op, errs.ErrFatalStorage, err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			migrated++
		}
		// collision: another row already owns newKey — short-circuit this one,
		// leave its import_key untouched for repair_legacy_import_keys to merge.
	}
	return migrated, nil
}

// RepairLegacyImportKeys finds memory items where both the old global and
// new device-scoped form of the same suffix exist, keeps the row with the
// newer logical clock, records a delete op for the orphan and a fresh
// upsert op for the winner, and deactivates the loser. Idempotent.
func (l *Log) RepairLegacyImportKeys(ctx context.Context, localDeviceID string, limit int) (repaired int, err error) {
	const op = "repair_legacy_import_keys"

	rows, err := l.st.DB().QueryContext(ctx,
		`SELECT id, import_key, rev, updated_at, metadata_json FROM memory_items WHERE import_key LIKE ?`,
		legacyGlobalPrefix+"%")
	if err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}
	type row struct {
		id        int64
		importKey string
		rev       int64
		updatedAt string
		metadata  string
	}
	var globals []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.importKey, &r.rev, &r.updatedAt, &r.metadata); err != nil {
			rows.Close()
			return 0, errs.New(op, errs.ErrFatalStorage, err)
		}
		globals = append(globals, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}

	for _, g := range globals {
		if limit > 0 && repaired >= limit {
			break
		}
		suffix := strings.TrimPrefix(g.importKey, legacyGlobalPrefix)
		deviceID := clockDeviceIDFromMetadata(g.metadata)
		if deviceID == "" {
			deviceID = localDeviceID
		}
		scopedKey := deviceScopedKey(deviceID, suffix)

		var scoped row
		err := l.st.DB().QueryRowContext(ctx,
			`SELECT id, import_key, rev, updated_at, metadata_json FROM memory_items WHERE import_key = ?`,
			scopedKey).Scan(&scoped.id, &scoped.importKey, &scoped.rev, &scoped.updatedAt, &scoped.metadata)
		if err == sql.ErrNoRows {
			continue // no collision to repair
		}
		if err != nil {
			return repaired, errs.New(op, errs.ErrFatalStorage, err)
		}

		gUpdatedAt, _ := store.ParseTime(g.updatedAt)
		sUpdatedAt, _ := store.ParseTime(scoped.updatedAt)
		gClock := Clock{DeviceID: deviceID, UpdatedAt: gUpdatedAt, Rev: g.rev}
		sClock := Clock{DeviceID: deviceID, UpdatedAt: sUpdatedAt, Rev: scoped.rev}

		winnerID, loserID, winnerKey, loserKey, winnerClock := scoped.id, g.id, scoped.importKey, g.importKey, sClock
		if greaterClock(gClock, sClock) {
			winnerID, loserID, winnerKey, loserKey, winnerClock = g.id, scoped.id, g.importKey, scoped.importKey, gClock
		}

		txErr := l.st.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`UPDATE memory_items SET active = 0, deleted_at = ?, updated_at = ? WHERE id = ?`,
				store.FormatTime(store.NowUTC()), store.FormatTime(store.NowUTC()), loserID); err != nil {
				return err
			}
			if err := l.RecordOp(ctx, tx, "memory_item", loserKey, OpDelete, "{}", store.NowUTC(), winnerClock.Rev+1, deviceID); err != nil {
				return err
			}
			payload, _ := store.EncodeJSON(map[string]any{"import_key": winnerKey})
			return l.RecordOp(ctx, tx, "memory_item", winnerKey, OpUpsert, payload, winnerClock.UpdatedAt, winnerClock.Rev, deviceID)
		})
		if txErr != nil {
			return repaired, errs.New(op, errs.ErrFatalStorage, txErr)
		}
		_ = winnerID
		repaired++
	}
	return repaired, nil
}
