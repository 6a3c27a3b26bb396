// Package maintenance implements the standalone, idempotent GC and
// repair operations of spec.md §4.9: stats, purge/janitor sweeps,
// project cleanup, and the backfill family.
package maintenance

import (
	"context"
	"encoding/json"
	"os"

	"github.com/tidwall/sjson"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/store"
)

// DatabaseStats reports storage-level counts and coverage ratios.
type DatabaseStats struct {
	Path           string           `json:"path"`
	SizeBytes      int64            `json:"size_bytes"`
	Counts         map[string]int64 `json:"counts"`
	TagsCoverage   float64          `json:"tags_coverage"`
	VectorCoverage float64          `json:"vector_coverage"`
	RawEvents      RawEventStats    `json:"raw_events"`
}

// RawEventStats summarises the spool's backlog.
type RawEventStats struct {
	Sessions        int64 `json:"sessions"`
	PendingSessions int64 `json:"pending_sessions"`
	Events          int64 `json:"events"`
}

// UsageEventSummary is one row of usage_events, aggregated per event_name.
type UsageEventSummary struct {
	EventName   string `json:"event_name"`
	Count       int64  `json:"count"`
	TokensRead  int64  `json:"tokens_read"`
	TokensSaved int64  `json:"tokens_saved"`
}

// UsageStats reports usage_event totals.
type UsageStats struct {
	Events []UsageEventSummary `json:"events"`
	Totals UsageEventSummary   `json:"totals"`
}

// Report is the full stats() response (spec.md §4.9).
type Report struct {
	Database DatabaseStats `json:"database"`
	Usage    UsageStats    `json:"usage"`
}

// Stats computes the stats() surface against st.
func Stats(ctx context.Context, st *store.Store) (*Report, error) {
	const op = "stats"
	db := st.DB()

	counts := map[string]int64{}
	tables := []string{"sessions", "memory_items", "raw_event_sessions", "raw_events", "flush_batches", "sync_peers", "replication_ops"}
	for _, table := range tables {
		var n int64
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, errs.New(op, errs.ErrFatalStorage, err)
		}
		counts[table] = n
	}
	var activeMemories int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_items WHERE active = 1`).Scan(&activeMemories); err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	counts["memory_items_active"] = activeMemories

	var taggedActive int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_items WHERE active = 1 AND TRIM(tags_text) != ''`).Scan(&taggedActive); err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	var vectoredActive int64
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT memory_items.id)
		FROM memory_items
		JOIN memory_vectors ON memory_vectors.memory_id = memory_items.id
		WHERE memory_items.active = 1`).Scan(&vectoredActive); err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}

	var pendingSessions int64
	if err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM raw_event_sessions res WHERE (
			SELECT COALESCE(MAX(event_seq), -1) FROM raw_events re WHERE re.opencode_session_id = res.opencode_session_id
		) > res.last_flushed_event_seq`).Scan(&pendingSessions); err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}

	dbStats := DatabaseStats{
		Path:      st.Path(),
		Counts:    counts,
		RawEvents: RawEventStats{Sessions: counts["raw_event_sessions"], Events: counts["raw_events"], PendingSessions: pendingSessions},
	}
	if activeMemories > 0 {
		dbStats.TagsCoverage = float64(taggedActive) / float64(activeMemories)
		dbStats.VectorCoverage = float64(vectoredActive) / float64(activeMemories)
	}
	if info, err := os.Stat(st.Path()); err == nil {
		dbStats.SizeBytes = info.Size()
	}

	usage, err := usageStats(ctx, st)
	if err != nil {
		return nil, err
	}

	return &Report{Database: dbStats, Usage: *usage}, nil
}

// JSON renders r with a generated_at timestamp patched in, without adding
// a field to Report that every other caller of Stats would have to set.
func (r *Report) JSON() ([]byte, error) {
	base, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	out, err := sjson.SetBytes(base, "generated_at", store.FormatTime(store.NowUTC()))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func usageStats(ctx context.Context, st *store.Store) (*UsageStats, error) {
	const op = "stats_usage"
	rows, err := st.DB().QueryContext(ctx, `
		SELECT event_name, COUNT(*), COALESCE(SUM(tokens_read), 0), COALESCE(SUM(tokens_saved), 0)
		FROM usage_events GROUP BY event_name ORDER BY event_name`)
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	defer rows.Close()

	out := &UsageStats{}
	for rows.Next() {
		var s UsageEventSummary
		if err := rows.Scan(&s.EventName, &s.Count, &s.TokensRead, &s.TokensSaved); err != nil {
			return nil, errs.New(op, errs.ErrFatalStorage, err)
		}
		out.Events = append(out.Events, s)
		out.Totals.Count += s.Count
		out.Totals.TokensRead += s.TokensRead
		out.Totals.TokensSaved += s.TokensSaved
	}
	return out, rows.Err()
}
