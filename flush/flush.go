// Package flush implements the exactly-once batch pipeline bridging the
// raw-event spool (C2) to the memory model and replication log (C4/C6),
// per spec.md §4.3, component C3.
package flush

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/log"
	"github.com/opencode-mem/opencode-mem/memory"
	"github.com/opencode-mem/opencode-mem/rawevents"
	"github.com/opencode-mem/opencode-mem/store"
)

// ExtractorVersion is the current extraction collaborator's version tag,
// used to scope flush_batches rows so upgrading the extractor never
// collides with a batch claimed under an older version.
const ExtractorVersion = "v1"

// Status values for flush_batches.status.
const (
	StatusStarted   = "started"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// SessionContext aggregates the synthetic ingest payload's per-session
// rollup (spec.md §4.3 step 7).
type SessionContext struct {
	PromptCount     int
	ToolCount       int
	DurationMs      int64
	FilesRead       []string
	FilesModified   []string
	FirstPromptText string
}

// IngestPayload is what gets handed to the extraction collaborator.
type IngestPayload struct {
	OpencodeSessionID string
	CWD               string
	Project           string
	StartedAt         time.Time
	Events            []rawevents.Event
	SessionContext    SessionContext
}

// ExtractionResult is what the extraction collaborator hands back.
type ExtractionResult struct {
	SessionSummary string
	MemoryItems    []memory.RememberInput
}

// Extractor is the capability interface spec.md §4.3 calls "the
// extraction collaborator (external to core)".
type Extractor interface {
	Extract(ctx context.Context, payload IngestPayload) (*ExtractionResult, error)
}

// NullExtractor is the fallback used when no real summariser is
// configured: it produces one observation memory describing the raw
// event count, so flush still makes forward progress without an LLM.
type NullExtractor struct{}

// Extract implements Extractor.
func (NullExtractor) Extract(_ context.Context, payload IngestPayload) (*ExtractionResult, error) {
	title := fmt.Sprintf("Session activity (%d events)", len(payload.Events))
	body := payload.SessionContext.FirstPromptText
	if body == "" {
		body = fmt.Sprintf("%d prompts, %d tool calls", payload.SessionContext.PromptCount, payload.SessionContext.ToolCount)
	}
	return &ExtractionResult{
		MemoryItems: []memory.RememberInput{{
			Kind: memory.KindObservation, Title: title, BodyText: body,
			FilesRead: payload.SessionContext.FilesRead, FilesModified: payload.SessionContext.FilesModified,
			Project: payload.Project,
		}},
	}, nil
}

var _ Extractor = NullExtractor{}

// Pipeline wires the spool, the memory builder, and an Extractor.
type Pipeline struct {
	st        *store.Store
	spool     *rawevents.Spool
	mem       *memory.Store
	extractor Extractor
	logger    log.Logger
}

// New constructs a Pipeline.
func New(st *store.Store, spool *rawevents.Spool, mem *memory.Store, extractor Extractor, logger log.Logger) *Pipeline {
	if extractor == nil {
		extractor = NullExtractor{}
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Pipeline{st: st, spool: spool, mem: mem, extractor: extractor, logger: logger}
}

// Result is the outcome of FlushRawEvents.
type Result struct {
	Flushed        int
	BatchID        int64
	StartSeq       int64
	EndSeq         int64
	ShortCircuited bool
}

// FlushRawEvents implements the C3 algorithm end to end.
func (p *Pipeline) FlushRawEvents(ctx context.Context, sessionID string, maxEvents int) (Result, error) {
	const op = "flush_raw_events"
	logger := p.logger.With("session_id", sessionID)

	meta, err := p.spool.SessionMeta(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}

	events, err := p.spool.RawEventsSince(ctx, sessionID, meta.LastFlushedEventSeq, maxEvents)
	if err != nil {
		return Result{}, err
	}
	if len(events) == 0 {
		return Result{Flushed: 0}, nil
	}

	startSeq := events[0].EventSeq
	endSeq := events[len(events)-1].EventSeq
	logger = logger.With("start_seq", startSeq, "end_seq", endSeq)

	batchID, status, err := p.getOrCreateFlushBatch(ctx, sessionID, startSeq, endSeq)
	if err != nil {
		return Result{}, err
	}
	logger = logger.With("batch_id", batchID)
	if status == StatusCompleted {
		logger.Debug("flush batch already completed")
		return Result{Flushed: 0, BatchID: batchID, StartSeq: startSeq, EndSeq: endSeq, ShortCircuited: true}, nil
	}

	claimed, err := p.claimFlushBatch(ctx, batchID)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		logger.Warn("flush batch held by another worker")
		return Result{}, errs.New(op, errs.ErrConflict, fmt.Errorf("flush batch %d already held by another worker", batchID))
	}

	payload := p.buildIngestPayload(meta, events)
	extraction, err := p.extractor.Extract(ctx, payload)
	if err != nil {
		_ = p.setBatchStatus(ctx, batchID, StatusError)
		logger.Error("extraction failed", "error", err)
		return Result{}, errs.New(op, errs.ErrExtractionFailure, err)
	}

	sessionRowID, err := p.ensureSession(ctx, sessionID, meta.CWD, meta.Project, meta.StartedAt)
	if err != nil {
		_ = p.setBatchStatus(ctx, batchID, StatusError)
		return Result{}, errs.New(op, errs.ErrFatalStorage, err)
	}

	if extraction.SessionSummary != "" {
		if _, err := p.mem.AddSessionSummary(ctx, sessionRowID, extraction.SessionSummary, ""); err != nil {
			_ = p.setBatchStatus(ctx, batchID, StatusError)
			return Result{}, err
		}
	}
	for i := range extraction.MemoryItems {
		in := extraction.MemoryItems[i]
		in.SessionID = sessionRowID
		if in.Project == "" {
			in.Project = meta.Project
		}
		if _, err := p.mem.Remember(ctx, in); err != nil {
			_ = p.setBatchStatus(ctx, batchID, StatusError)
			return Result{}, err
		}
	}

	if err := p.completeBatchAndAdvance(ctx, batchID, sessionID, endSeq); err != nil {
		return Result{}, errs.New(op, errs.ErrFatalStorage, err)
	}

	logger.Debug("flush completed", "events", len(events), "memory_items", len(extraction.MemoryItems))
	return Result{Flushed: len(events), BatchID: batchID, StartSeq: startSeq, EndSeq: endSeq}, nil
}

func (p *Pipeline) buildIngestPayload(meta *rawevents.SessionMeta, events []rawevents.Event) IngestPayload {
	sc := SessionContext{}
	var filesRead, filesModified []string
	for _, e := range events {
		switch e.EventType {
		case "user_prompt":
			sc.PromptCount++
			if sc.FirstPromptText == "" {
				sc.FirstPromptText = extractJSONString(string(e.Payload), "prompt_text")
			}
		case "tool.execute.after", "tool.execute.before":
			sc.ToolCount++
		}
		if f := extractJSONString(string(e.Payload), "file_read"); f != "" {
			filesRead = append(filesRead, f)
		}
		if f := extractJSONString(string(e.Payload), "file_modified"); f != "" {
			filesModified = append(filesModified, f)
		}
	}
	sc.FilesRead = filesRead
	sc.FilesModified = filesModified
	if len(events) > 1 {
		sc.DurationMs = events[len(events)-1].TSWallMs - events[0].TSWallMs
	}
	return IngestPayload{
		OpencodeSessionID: meta.OpencodeSessionID, CWD: meta.CWD, Project: meta.Project,
		StartedAt: meta.StartedAt, Events: events, SessionContext: sc,
	}
}

// extractJSONString is a tiny helper for a handful of known flat keys;
// kept local (not gjson) since the flush payload shape is small and
// fixed, unlike replication's arbitrary op payloads.
func extractJSONString(payloadJSON, key string) string {
	marker := `"` + key + `":"`
	i := strings.Index(payloadJSON, marker)
	if i < 0 {
		return ""
	}
	rest := payloadJSON[i+len(marker):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	return rest[:j]
}

// getOrCreateFlushBatch finds or inserts the (session, start, end,
// version) batch row.
func (p *Pipeline) getOrCreateFlushBatch(ctx context.Context, sessionID string, start, end int64) (batchID int64, status string, err error) {
	now := store.FormatTime(store.NowUTC())
	txErr := p.st.WithTx(ctx, func(tx *sql.Tx) error {
		scanErr := tx.QueryRowContext(ctx,
			`SELECT id, status FROM flush_batches WHERE opencode_session_id = ? AND start_seq = ? AND end_seq = ? AND extractor_version = ?`,
			sessionID, start, end, ExtractorVersion).Scan(&batchID, &status)
		if scanErr == nil {
			return nil
		}
		if scanErr != sql.ErrNoRows {
			return scanErr
		}
		res, insErr := tx.ExecContext(ctx,
			`INSERT INTO flush_batches (opencode_session_id, start_seq, end_seq, extractor_version, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, start, end, ExtractorVersion, StatusStarted, now, now)
		if insErr != nil {
			return insErr
		}
		batchID, insErr = res.LastInsertId()
		status = StatusStarted
		return insErr
	})
	return batchID, status, txErr
}

// claimFlushBatch performs the conditional status∈{started,error}→running
// update; returns false if another worker holds the batch.
func (p *Pipeline) claimFlushBatch(ctx context.Context, batchID int64) (bool, error) {
	res, err := p.st.DB().ExecContext(ctx,
		`UPDATE flush_batches SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		StatusRunning, store.FormatTime(store.NowUTC()), batchID, StatusStarted, StatusError)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *Pipeline) setBatchStatus(ctx context.Context, batchID int64, status string) error {
	_, err := p.st.DB().ExecContext(ctx, `UPDATE flush_batches SET status = ?, updated_at = ? WHERE id = ?`,
		status, store.FormatTime(store.NowUTC()), batchID)
	return err
}

// completeBatchAndAdvance sets status=completed and advances
// last_flushed_event_seq atomically in one transaction.
func (p *Pipeline) completeBatchAndAdvance(ctx context.Context, batchID int64, sessionID string, endSeq int64) error {
	return p.st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE flush_batches SET status = ?, updated_at = ? WHERE id = ?`,
			StatusCompleted, store.FormatTime(store.NowUTC()), batchID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE raw_event_sessions SET last_flushed_event_seq = ? WHERE opencode_session_id = ?`,
			endSeq, sessionID)
		return err
	})
}

// RewindForRetry rewinds last_flushed_event_seq to batch.start-1 so a
// retried flush re-processes the same range (spec.md §4.3).
func (p *Pipeline) RewindForRetry(ctx context.Context, sessionID string, batchStartSeq int64) error {
	_, err := p.st.DB().ExecContext(ctx, `UPDATE raw_event_sessions SET last_flushed_event_seq = ? WHERE opencode_session_id = ?`,
		batchStartSeq-1, sessionID)
	return err
}

// MarkStuckBatchesAsError promotes started/running batches older than
// olderThan to error, enabling retry (the janitor task).
func (p *Pipeline) MarkStuckBatchesAsError(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	query := `UPDATE flush_batches SET status = ?, updated_at = ?
	          WHERE status IN (?, ?) AND updated_at < ?`
	if limit > 0 {
		query += fmt.Sprintf(` AND id IN (SELECT id FROM flush_batches WHERE status IN ('%s', '%s') AND updated_at < '%s' LIMIT %d)`,
			StatusStarted, StatusRunning, store.FormatTime(olderThan), limit)
	}
	res, err := p.st.DB().ExecContext(ctx, query,
		StatusError, store.FormatTime(store.NowUTC()), StatusStarted, StatusRunning, store.FormatTime(olderThan))
	if err != nil {
		return 0, errs.New("mark_stuck_raw_event_batches_as_error", errs.ErrFatalStorage, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ensureSession resolves sessions.id for opencode_session_id, creating
// both the sessions row and the opencode_sessions mapping if absent.
func (p *Pipeline) ensureSession(ctx context.Context, opencodeSessionID, cwd, project string, startedAt time.Time) (int64, error) {
	var sessionID int64
	err := p.st.DB().QueryRowContext(ctx, `SELECT session_id FROM opencode_sessions WHERE opencode_session_id = ?`, opencodeSessionID).Scan(&sessionID)
	if err == nil {
		return sessionID, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	txErr := p.st.WithTx(ctx, func(tx *sql.Tx) error {
		if startedAt.IsZero() {
			startedAt = store.NowUTC()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (started_at, cwd, project, metadata_json) VALUES (?, ?, ?, '{}')`,
			store.FormatTime(startedAt), cwd, project)
		if err != nil {
			return err
		}
		sessionID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO opencode_sessions (opencode_session_id, session_id, created_at) VALUES (?, ?, ?)`,
			opencodeSessionID, sessionID, store.FormatTime(store.NowUTC()))
		return err
	})
	return sessionID, txErr
}
