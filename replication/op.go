// Package replication implements the append-only replication log
// (spec.md §4.6, component C6): op emission, legacy import-key
// migration/repair, cursor-paginated outbound reads with project
// filtering, and inbound apply.
package replication

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/log"
	"github.com/opencode-mem/opencode-mem/store"
)

// OpType enumerates replication_ops.op_type values.
type OpType string

const (
	OpUpsert OpType = "upsert"
	OpDelete OpType = "delete"
)

// Clock is the logical clock of an op. greaterClock compares two clocks
// lexicographically over (updated_at, rev) to decide whether an incoming
// op wins over the stored state. DeviceID records provenance only and is
// not compared: clocks with equal updated_at and rev are equal.
type Clock struct {
	DeviceID  string
	UpdatedAt time.Time
	Rev       int64
}

// Op is one row of replication_ops.
type Op struct {
	OpID        string
	EntityType  string
	EntityID    string
	OpType      OpType
	PayloadJSON string
	Clock       Clock
	DeviceID    string
	CreatedAt   time.Time
}

// Log wraps a *store.Store with the C6 operations.
type Log struct {
	st     *store.Store
	logger log.Logger
}

// New constructs a Log over st.
func New(st *store.Store, logger log.Logger) *Log {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Log{st: st, logger: logger}
}

// LocalDeviceID returns this device's id from sync_device, or "local" if
// no device identity has been bootstrapped yet (spec.md §4.6: "else this
// device's id").
func (l *Log) LocalDeviceID(ctx context.Context) string {
	var id string
	err := l.st.DB().QueryRowContext(ctx, `SELECT device_id FROM sync_device LIMIT 1`).Scan(&id)
	if err != nil {
		return "local"
	}
	return id
}

// RecordOp appends a replication op for a write that just happened
// against (entityType, entityID), mirroring spec.md §4.6's
// record_replication_op: clock.device_id comes from metaClockDeviceID if
// non-empty, else the local device id.
func (l *Log) RecordOp(ctx context.Context, tx *sql.Tx, entityType, entityID string, opType OpType, payloadJSON string, updatedAt time.Time, rev int64, metaClockDeviceID string) error {
	const op = "record_replication_op"
	deviceID := metaClockDeviceID
	if deviceID == "" {
		deviceID = l.LocalDeviceID(ctx)
	}
	opID := uuid.NewString()
	exec := func(q string, args ...any) error {
		if tx != nil {
			_, err := tx.ExecContext(ctx, q, args...)
			return err
		}
		_, err := l.st.DB().ExecContext(ctx, q, args...)
		return err
	}
	if err := exec(
		`INSERT INTO replication_ops
		 (op_id, entity_type, entity_id, op_type, payload_json, clock_rev, clock_updated_at, clock_device_id, device_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opID, entityType, entityID, string(opType), payloadJSON, rev, store.FormatTime(updatedAt), deviceID, deviceID, store.FormatTime(store.NowUTC())); err != nil {
		return errs.New(op, errs.ErrFatalStorage, err)
	}
	return nil
}

// Cursor encodes the pagination position "{created_at}|{op_id}".
type Cursor struct {
	CreatedAt string
	OpID      string
}

func (c Cursor) String() string {
	if c.CreatedAt == "" && c.OpID == "" {
		return ""
	}
	return fmt.Sprintf("%s|%s", c.CreatedAt, c.OpID)
}

// ParseCursor decodes a cursor string produced by Cursor.String.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return Cursor{CreatedAt: s[:i], OpID: s[i+1:]}, nil
		}
	}
	return Cursor{}, fmt.Errorf("malformed cursor %q", s)
}

// LoadOpsSince implements load_replication_ops_since: ops strictly after
// cursor, optionally restricted to deviceID, ordered (created_at, op_id)
// asc, capped at limit. Returns the ops and the next cursor: the position
// of the last op returned, or the input cursor when no op was returned.
func (l *Log) LoadOpsSince(ctx context.Context, cursor Cursor, limit int, deviceID string) ([]Op, Cursor, error) {
	const op = "load_replication_ops_since"
	query := `SELECT op_id, entity_type, entity_id, op_type, payload_json, clock_rev, clock_updated_at, clock_device_id, device_id, created_at
	          FROM replication_ops WHERE 1=1`
	var args []any
	if cursor.CreatedAt != "" || cursor.OpID != "" {
		query += ` AND (created_at > ? OR (created_at = ? AND op_id > ?))`
		args = append(args, cursor.CreatedAt, cursor.CreatedAt, cursor.OpID)
	}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created_at ASC, op_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := l.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Cursor{}, errs.New(op, errs.ErrFatalStorage, err)
	}
	defer rows.Close()

	var ops []Op
	for rows.Next() {
		var o Op
		var updatedAt, createdAt string
		if err := rows.Scan(&o.OpID, &o.EntityType, &o.EntityID, &o.OpType, &o.PayloadJSON, &o.Clock.Rev, &updatedAt, &o.Clock.DeviceID, &o.DeviceID, &createdAt); err != nil {
			return nil, Cursor{}, errs.New(op, errs.ErrFatalStorage, err)
		}
		o.Clock.UpdatedAt, _ = store.ParseTime(updatedAt)
		o.CreatedAt, _ = store.ParseTime(createdAt)
		ops = append(ops, o)
	}
	if err := rows.Err(); err != nil {
		return nil, Cursor{}, errs.New(op, errs.ErrFatalStorage, err)
	}

	next := cursor
	if len(ops) > 0 {
		last := ops[len(ops)-1]
		next = Cursor{CreatedAt: store.FormatTime(last.CreatedAt), OpID: last.OpID}
	}
	return ops, next, nil
}

// greaterClock returns true if a is strictly greater than b, tuple-
// lexicographically over (updated_at, rev) — spec.md §4.6 step 5.
func greaterClock(a, b Clock) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.Rev > b.Rev
}
