// Package rawevents implements the durable ingestion spool (spec.md §4.2,
// component C2): server-assigned sequencing, dedup by event id, and the
// per-session bookkeeping the flush pipeline consumes.
package rawevents

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/log"
	"github.com/opencode-mem/opencode-mem/store"
)

// Event is a decoded raw_events row.
type Event struct {
	OpencodeSessionID string
	EventID           string
	EventSeq          int64
	EventType         string
	TSWallMs          int64
	TSMonoMs          *int64
	Payload           json.RawMessage
}

// SessionMeta is a decoded raw_event_sessions row.
type SessionMeta struct {
	OpencodeSessionID    string
	CWD                  string
	Project              string
	StartedAt            time.Time
	LastSeenTSWallMs     int64
	LastReceivedEventSeq int64
	LastFlushedEventSeq  int64
}

// BacklogEntry summarises one session with unflushed events, per
// raw_event_backlog.
type BacklogEntry struct {
	OpencodeSessionID string
	Pending           int64
	LastSeenTSWallMs  int64
}

// Spool wraps a *store.Store with the C2 operations.
type Spool struct {
	st     *store.Store
	logger log.Logger
}

// New constructs a Spool over st.
func New(st *store.Store, logger log.Logger) *Spool {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Spool{st: st, logger: logger}
}

// msgSessionPrefix flags a producer that sent a message id instead of a
// session id (spec.md §4.2).
const msgSessionPrefix = "msg_"

func validateSessionID(op, sessionID string) error {
	if sessionID == "" {
		return errs.New(op, errs.ErrInvariantViolation, fmt.Errorf("opencode_session_id is required"))
	}
	if strings.HasPrefix(sessionID, msgSessionPrefix) {
		return errs.New(op, errs.ErrInvariantViolation, fmt.Errorf("opencode_session_id %q looks like a message id", sessionID))
	}
	return nil
}

// SynthesizeEventID produces a stable id for producers that omit one,
// per spec.md §4.2: "legacy-seq-{seq}-{sha256(payload)[:16]}".
func SynthesizeEventID(seq int64, payload []byte) string {
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("legacy-seq-%d-%s", seq, hex.EncodeToString(sum[:])[:16])
}

// SynthesizeEventIDFallback is used when even a sequence number is
// unavailable: "legacy-{sha256(all)[:16]}".
func SynthesizeEventIDFallback(all []byte) string {
	sum := sha256.Sum256(all)
	return fmt.Sprintf("legacy-%s", hex.EncodeToString(sum[:])[:16])
}

// RecordRawEvent appends one event, assigning it the next event_seq for
// sessionID. Returns inserted=false (no error) if (sessionID, eventID)
// already exists — spec.md invariant I2.
func (sp *Spool) RecordRawEvent(ctx context.Context, sessionID, eventID, eventType string, payload json.RawMessage, tsWallMs int64, tsMonoMs *int64) (bool, error) {
	const op = "record_raw_event"
	if err := validateSessionID(op, sessionID); err != nil {
		return false, err
	}
	if eventID == "" {
		return false, errs.New(op, errs.ErrInvariantViolation, fmt.Errorf("event_id is required"))
	}
	if eventType == "" {
		return false, errs.New(op, errs.ErrInvariantViolation, fmt.Errorf("event_type is required"))
	}
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	if tsWallMs == 0 {
		tsWallMs = time.Now().UnixMilli()
	}

	inserted := false
	err := sp.st.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM raw_events WHERE opencode_session_id = ? AND event_id = ?`,
			sessionID, eventID).Scan(&exists); err == nil {
			return nil // already present: inserted stays false
		} else if err != sql.ErrNoRows {
			return err
		}

		if err := upsertSessionRow(ctx, tx, sessionID, "", "", time.Time{}, tsWallMs); err != nil {
			return err
		}

		var seq int64
		if err := tx.QueryRowContext(ctx,
			`UPDATE raw_event_sessions
			 SET last_received_event_seq = last_received_event_seq + 1,
			     last_seen_ts_wall_ms = MAX(last_seen_ts_wall_ms, ?)
			 WHERE opencode_session_id = ?
			 RETURNING last_received_event_seq`,
			tsWallMs, sessionID).Scan(&seq); err != nil {
			return err
		}

		var monoVal sql.NullInt64
		if tsMonoMs != nil {
			monoVal = sql.NullInt64{Int64: *tsMonoMs, Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO raw_events
			 (opencode_session_id, event_id, event_seq, event_type, ts_wall_ms, ts_mono_ms, payload_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, eventID, seq, eventType, tsWallMs, monoVal, string(payload)); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, errs.New(op, errs.ErrFatalStorage, err)
	}
	sp.logger.With("session_id", sessionID).Debug("raw event recorded", "event_id", eventID, "inserted", inserted)
	return inserted, nil
}

// EventInput is one event within a RecordRawEventsBatch call.
type EventInput struct {
	EventID   string
	EventType string
	Payload   json.RawMessage
	TSWallMs  int64
	TSMonoMs  *int64
}

// RecordRawEventsBatch allocates a contiguous seq range for events not
// already present (deduplicated by event_id first), atomically. Fails the
// whole batch on any storage error.
func (sp *Spool) RecordRawEventsBatch(ctx context.Context, sessionID string, events []EventInput) (inserted, skipped int, err error) {
	const op = "record_raw_events_batch"
	if err := validateSessionID(op, sessionID); err != nil {
		return 0, 0, err
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	txErr := sp.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := upsertSessionRow(ctx, tx, sessionID, "", "", time.Time{}, 0); err != nil {
			return err
		}

		existing := make(map[string]bool, len(events))
		rows, err := tx.QueryContext(ctx, `SELECT event_id FROM raw_events WHERE opencode_session_id = ?`, sessionID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			existing[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		var toInsert []EventInput
		for _, e := range events {
			if existing[e.EventID] {
				skipped++
				continue
			}
			toInsert = append(toInsert, e)
		}
		if len(toInsert) == 0 {
			return nil
		}

		var startSeq int64
		if err := tx.QueryRowContext(ctx,
			`UPDATE raw_event_sessions
			 SET last_received_event_seq = last_received_event_seq + ?
			 WHERE opencode_session_id = ?
			 RETURNING last_received_event_seq - ? + 1`,
			len(toInsert), sessionID, len(toInsert)).Scan(&startSeq); err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO raw_events
			 (opencode_session_id, event_id, event_seq, event_type, ts_wall_ms, ts_mono_ms, payload_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		var maxWall int64
		for i, e := range toInsert {
			payload := e.Payload
			if payload == nil {
				payload = json.RawMessage("{}")
			}
			tsWallMs := e.TSWallMs
			if tsWallMs == 0 {
				tsWallMs = time.Now().UnixMilli()
			}
			if tsWallMs > maxWall {
				maxWall = tsWallMs
			}
			var monoVal sql.NullInt64
			if e.TSMonoMs != nil {
				monoVal = sql.NullInt64{Int64: *e.TSMonoMs, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx,
				sessionID, e.EventID, startSeq+int64(i), e.EventType, tsWallMs, monoVal, string(payload)); err != nil {
				return err
			}
			inserted++
		}
		if maxWall > 0 {
			if _, err := tx.ExecContext(ctx,
				`UPDATE raw_event_sessions SET last_seen_ts_wall_ms = MAX(last_seen_ts_wall_ms, ?) WHERE opencode_session_id = ?`,
				maxWall, sessionID); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return 0, 0, errs.New(op, errs.ErrFatalStorage, txErr)
	}
	sp.logger.With("session_id", sessionID).Debug("raw events batch recorded", "inserted", inserted, "skipped", skipped)
	return inserted, skipped, nil
}

// upsertSessionRow creates a raw_event_sessions row if absent, or
// COALESCE-preserves the given optional fields onto an existing one.
func upsertSessionRow(ctx context.Context, tx *sql.Tx, sessionID, cwd, project string, startedAt time.Time, lastSeenTSWallMs int64) error {
	now := store.NowUTC()
	started := startedAt
	if started.IsZero() {
		started = now
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO raw_event_sessions
		 (opencode_session_id, cwd, project, started_at, last_seen_ts_wall_ms, last_received_event_seq, last_flushed_event_seq)
		 VALUES (?, ?, ?, ?, ?, -1, -1)
		 ON CONFLICT(opencode_session_id) DO UPDATE SET
		   cwd = COALESCE(NULLIF(excluded.cwd, ''), cwd),
		   project = COALESCE(NULLIF(excluded.project, ''), project),
		   last_seen_ts_wall_ms = MAX(last_seen_ts_wall_ms, excluded.last_seen_ts_wall_ms)`,
		sessionID, cwd, project, store.FormatTime(started), lastSeenTSWallMs)
	return err
}

// UpdateRawEventSessionMeta performs a COALESCE-preserving upsert of the
// per-session metadata fields spec.md §4.2 names.
func (sp *Spool) UpdateRawEventSessionMeta(ctx context.Context, sessionID string, cwd, project *string, startedAt *time.Time, lastSeenTSWallMs *int64) error {
	const op = "update_raw_event_session_meta"
	if err := validateSessionID(op, sessionID); err != nil {
		return err
	}
	cwdVal, projVal := "", ""
	if cwd != nil {
		cwdVal = *cwd
	}
	if project != nil {
		projVal = *project
	}
	var started time.Time
	if startedAt != nil {
		started = *startedAt
	}
	var lastSeen int64
	if lastSeenTSWallMs != nil {
		lastSeen = *lastSeenTSWallMs
	}
	err := sp.st.WithTx(ctx, func(tx *sql.Tx) error {
		return upsertSessionRow(ctx, tx, sessionID, cwdVal, projVal, started, lastSeen)
	})
	if err != nil {
		return errs.New(op, errs.ErrFatalStorage, err)
	}
	return nil
}

// RawEventsSince returns events for sessionID with event_seq > afterSeq,
// ordered by (ts_mono_ms IS NULL, ts_mono_ms, event_seq) so wall-clock
// skew never reorders a stream carrying monotonic timestamps.
func (sp *Spool) RawEventsSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Event, error) {
	const op = "raw_events_since"
	query := `SELECT opencode_session_id, event_id, event_seq, event_type, ts_wall_ms, ts_mono_ms, payload_json
	          FROM raw_events
	          WHERE opencode_session_id = ? AND event_seq > ?
	          ORDER BY (ts_mono_ms IS NULL), ts_mono_ms, event_seq`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := sp.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var mono sql.NullInt64
		var payload string
		if err := rows.Scan(&e.OpencodeSessionID, &e.EventID, &e.EventSeq, &e.EventType, &e.TSWallMs, &mono, &payload); err != nil {
			return nil, errs.New(op, errs.ErrFatalStorage, err)
		}
		if mono.Valid {
			v := mono.Int64
			e.TSMonoMs = &v
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RawEventBacklog lists sessions with pending (unflushed) events, ordered
// by last_seen_ts_wall_ms desc.
func (sp *Spool) RawEventBacklog(ctx context.Context, limit int) ([]BacklogEntry, error) {
	const op = "raw_event_backlog"
	query := `SELECT res.opencode_session_id, res.last_seen_ts_wall_ms,
	                 (SELECT COALESCE(MAX(event_seq), -1) FROM raw_events re WHERE re.opencode_session_id = res.opencode_session_id) - res.last_flushed_event_seq AS pending
	          FROM raw_event_sessions res
	          WHERE (SELECT COALESCE(MAX(event_seq), -1) FROM raw_events re WHERE re.opencode_session_id = res.opencode_session_id) > res.last_flushed_event_seq
	          ORDER BY res.last_seen_ts_wall_ms DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := sp.st.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	defer rows.Close()

	var out []BacklogEntry
	for rows.Next() {
		var b BacklogEntry
		if err := rows.Scan(&b.OpencodeSessionID, &b.LastSeenTSWallMs, &b.Pending); err != nil {
			return nil, errs.New(op, errs.ErrFatalStorage, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RawEventBacklogTotals returns the aggregate (sessions, pending) scalars
// across the whole backlog.
func (sp *Spool) RawEventBacklogTotals(ctx context.Context) (sessions int, pending int64, err error) {
	const op = "raw_event_backlog_totals"
	query := `SELECT COUNT(*), COALESCE(SUM(p), 0) FROM (
	            SELECT (SELECT COALESCE(MAX(event_seq), -1) FROM raw_events re WHERE re.opencode_session_id = res.opencode_session_id) - res.last_flushed_event_seq AS p
	            FROM raw_event_sessions res
	            WHERE (SELECT COALESCE(MAX(event_seq), -1) FROM raw_events re WHERE re.opencode_session_id = res.opencode_session_id) > res.last_flushed_event_seq
	          )`
	if err := sp.st.DB().QueryRowContext(ctx, query).Scan(&sessions, &pending); err != nil {
		return 0, 0, errs.New(op, errs.ErrFatalStorage, err)
	}
	return sessions, pending, nil
}

// PurgeRawEvents deletes events older than now-maxAgeMs by wall clock.
// Idempotent and safe to re-run.
func (sp *Spool) PurgeRawEvents(ctx context.Context, maxAgeMs int64) (int64, error) {
	const op = "purge_raw_events"
	cutoff := time.Now().UnixMilli() - maxAgeMs
	res, err := sp.st.DB().ExecContext(ctx, `DELETE FROM raw_events WHERE ts_wall_ms < ?`, cutoff)
	if err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SessionMeta reads back the raw_event_sessions row for sessionID.
func (sp *Spool) SessionMeta(ctx context.Context, sessionID string) (*SessionMeta, error) {
	const op = "raw_event_session_meta"
	var m SessionMeta
	var cwd, project sql.NullString
	var started string
	err := sp.st.DB().QueryRowContext(ctx,
		`SELECT opencode_session_id, cwd, project, started_at, last_seen_ts_wall_ms, last_received_event_seq, last_flushed_event_seq
		 FROM raw_event_sessions WHERE opencode_session_id = ?`, sessionID).
		Scan(&m.OpencodeSessionID, &cwd, &project, &started, &m.LastSeenTSWallMs, &m.LastReceivedEventSeq, &m.LastFlushedEventSeq)
	if err == sql.ErrNoRows {
		return nil, errs.New(op, errs.ErrNotFound, nil)
	}
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	m.CWD = cwd.String
	m.Project = project.String
	if t, perr := store.ParseTime(started); perr == nil {
		m.StartedAt = t
	}
	return &m, nil
}
