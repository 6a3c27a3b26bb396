package retrieval

import (
	"context"

	"github.com/opencode-mem/opencode-mem/errs"
)

// Search runs FTS, falling back to semantic then fuzzy, recording one
// top-level usage_event. Intended for direct search calls outside
// BuildMemoryPack (which records its own "pack" event).
func (e *Engine) Search(ctx context.Context, queryText string, filters Filters, limit int) ([]Scored, error) {
	const op = "search"
	scored, err := e.FTSSearch(ctx, queryText, filters.Kind, filters, limit)
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		scored, err = e.SemanticSearch(ctx, queryText, filters, limit)
		if err != nil {
			return nil, err
		}
	}
	if len(scored) == 0 {
		recent, _ := e.Recent(ctx, filters, limit*10)
		scored = FuzzySearch(queryText, recent)
	}

	var tokens int64
	for _, s := range scored {
		tokens += EstimateTokens(s.Candidate.BodyText)
	}
	if err := e.recordUsage(ctx, op, tokens, 0, filters); err != nil {
		return scored, errs.New(op, errs.ErrFatalStorage, err)
	}
	return scored, nil
}

// RecentWithUsage wraps Recent with a top-level usage_event.
func (e *Engine) RecentWithUsage(ctx context.Context, filters Filters, limit int) ([]Candidate, error) {
	const op = "recent"
	items, err := e.Recent(ctx, filters, limit)
	if err != nil {
		return nil, err
	}
	var tokens int64
	for _, c := range items {
		tokens += EstimateTokens(c.BodyText)
	}
	if err := e.recordUsage(ctx, op, tokens, 0, filters); err != nil {
		return items, errs.New(op, errs.ErrFatalStorage, err)
	}
	return items, nil
}

// TimelineWithUsage wraps Timeline with a top-level usage_event.
func (e *Engine) TimelineWithUsage(ctx context.Context, anchorID int64, depthBefore, depthAfter int) ([]Candidate, error) {
	const op = "timeline"
	items, err := e.Timeline(ctx, anchorID, depthBefore, depthAfter)
	if err != nil {
		return nil, err
	}
	var tokens int64
	for _, c := range items {
		tokens += EstimateTokens(c.BodyText)
	}
	if err := e.recordUsage(ctx, op, tokens, 0, Filters{}); err != nil {
		return items, errs.New(op, errs.ErrFatalStorage, err)
	}
	return items, nil
}

// Get fetches a single memory item by id, recording a top-level
// usage_event unless logUsage is false (nested call suppression).
func (e *Engine) Get(ctx context.Context, id int64, logUsage bool) (*Candidate, error) {
	const op = "get"
	rows, err := e.st.DB().QueryContext(ctx, `SELECT `+candidateColumns+`
		FROM memory_items JOIN sessions ON sessions.id = memory_items.session_id
		WHERE memory_items.id = ? AND memory_items.active = 1`, id)
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	items, err := e.scanCandidates(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errs.New(op, errs.ErrNotFound, nil)
	}
	if logUsage {
		if err := e.recordUsage(ctx, op, EstimateTokens(items[0].BodyText), 0, Filters{}); err != nil {
			return &items[0], errs.New(op, errs.ErrFatalStorage, err)
		}
	}
	return &items[0], nil
}

// GetMany fetches several memory items by id, recording one top-level
// usage_event for the whole batch. Per-item Get calls are suppressed
// (logUsage=false) so only one "get_many" event is written.
func (e *Engine) GetMany(ctx context.Context, ids []int64) ([]Candidate, error) {
	const op = "get_many"
	var out []Candidate
	var tokens int64
	for _, id := range ids {
		c, err := e.Get(ctx, id, false)
		if err != nil {
			if errs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, *c)
		tokens += EstimateTokens(c.BodyText)
	}
	if err := e.recordUsage(ctx, op, tokens, 0, Filters{}); err != nil {
		return out, errs.New(op, errs.ErrFatalStorage, err)
	}
	return out, nil
}
