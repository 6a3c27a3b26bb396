package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/memory"
	"github.com/opencode-mem/opencode-mem/store"
)

// EstimateTokens is a cheap token estimate (~4 chars/token), used for
// token budgeting and the pack_tokens metric.
func EstimateTokens(s string) int64 {
	if s == "" {
		return 0
	}
	return int64((len(s) + 3) / 4)
}

// Pack is the result of BuildMemoryPack.
type Pack struct {
	Items              []Candidate
	Text               string
	TaskKindTimeline   bool
	WorkTokens         int64
	WorkTokensUnique   int64
	PackTokens         int64
	TokensSaved        int64
	AvoidedWorkTokens  int64
	AvoidedWorkItems   int
}

// BuildMemoryPack implements spec.md §4.5's query-intent routing,
// fallback chains, token budgeting, and structured pack-text layout.
func (e *Engine) BuildMemoryPack(ctx context.Context, queryContext string, limit int, tokenBudget int64, filters Filters) (*Pack, error) {
	const op = "build_memory_pack"
	if limit <= 0 {
		limit = 10
	}
	logger := e.logger.With("session_id", filters.SessionID, "project", filters.Project)

	intent := ClassifyIntent(queryContext)
	var candidates []Candidate
	var timelineAnchor *Candidate

	switch intent {
	case IntentTask:
		candidates = e.taskBranch(ctx, queryContext, filters, limit)
	case IntentRecall:
		candidates, timelineAnchor = e.recallBranch(ctx, queryContext, filters, limit)
	default:
		candidates = e.genericBranch(ctx, queryContext, filters, limit)
	}

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	packed, packedTokens := budgetItems(candidates, tokenBudget)
	text := renderPackText(packed, timelineAnchor != nil)

	workTokens, workTokensUnique := workTokenMetrics(packed)
	packTokens := EstimateTokens(text)
	tokensSaved := workTokensUnique - packTokens
	if tokensSaved < 0 {
		tokensSaved = 0
	}

	pack := &Pack{
		Items: packed, Text: text, TaskKindTimeline: timelineAnchor != nil,
		WorkTokens: workTokens, WorkTokensUnique: workTokensUnique,
		PackTokens: packTokens, TokensSaved: tokensSaved,
		AvoidedWorkTokens: workTokensUnique, AvoidedWorkItems: len(packed),
	}
	_ = packedTokens

	if err := e.recordUsage(ctx, "pack", packTokens, tokensSaved, filters); err != nil {
		return pack, errs.New(op, errs.ErrFatalStorage, err)
	}
	logger.Debug("memory pack built", "intent", intent, "items", len(packed), "pack_tokens", packTokens, "tokens_saved", tokensSaved)
	return pack, nil
}

func (e *Engine) taskBranch(ctx context.Context, queryContext string, filters Filters, limit int) []Candidate {
	cutoff := e.now().AddDate(0, 0, -e.taskRecencyDays)

	if scored, err := e.FTSSearch(ctx, canonicalTaskHint(queryContext), "", filters, limit); err == nil && len(scored) > 0 {
		return withinRecency(scoredToCandidates(scored), cutoff)
	}
	if scored, err := e.SemanticSearch(ctx, queryContext, filters, limit); err == nil && len(scored) > 0 {
		return withinRecency(scoredToCandidates(scored), cutoff)
	}
	if scored := fuzzyFallback(ctx, e, queryContext, filters, limit); len(scored) > 0 {
		return withinRecency(scored, cutoff)
	}
	recent, _ := e.Recent(ctx, filters, limit*4)
	recent = withinRecency(recent, cutoff)
	return firstN(SortByTaskKindRank(recent), limit)
}

func canonicalTaskHint(queryContext string) string {
	return queryContext + " todo task next"
}

func (e *Engine) recallBranch(ctx context.Context, queryContext string, filters Filters, limit int) ([]Candidate, *Candidate) {
	cutoff := e.now().AddDate(0, 0, -e.recallRecencyDays)
	depthBefore := limit / 2
	depthAfter := limit - depthBefore - 1

	var top []Candidate
	if scored, err := e.FTSSearch(ctx, queryContext, string(memory.KindSessionSummary), filters, limit); err == nil && len(scored) > 0 {
		top = scoredToCandidates(scored)
	} else if scored, err := e.SemanticSearch(ctx, queryContext, filters, limit); err == nil && len(scored) > 0 {
		top = scoredToCandidates(scored)
	} else if scored := fuzzyFallback(ctx, e, queryContext, filters, limit); len(scored) > 0 {
		top = scored
	} else {
		recent, _ := e.RecentByKinds(ctx, []memory.Kind{memory.KindSessionSummary}, filters, limit)
		top = recent
	}
	top = withinRecency(top, cutoff)
	if len(top) == 0 {
		return nil, nil
	}

	anchor := top[0]
	if depthBefore <= 0 && depthAfter <= 0 {
		return top, &anchor
	}
	timeline, err := e.Timeline(ctx, anchor.ID, depthBefore, depthAfter)
	if err != nil || len(timeline) == 0 {
		return top, &anchor
	}
	return timeline, &anchor
}

func (e *Engine) genericBranch(ctx context.Context, queryContext string, filters Filters, limit int) []Candidate {
	ftsScored, _ := e.FTSSearch(ctx, queryContext, "", filters, limit)
	if len(ftsScored) > 0 {
		semScored, _ := e.SemanticSearch(ctx, queryContext, filters, limit)
		merged := mergeDedup(ftsScored, semScored)
		sortScoredDesc(merged)
		return scoredToCandidates(firstNScored(merged, limit))
	}
	if semScored, err := e.SemanticSearch(ctx, queryContext, filters, limit); err == nil && len(semScored) > 0 {
		return scoredToCandidates(semScored)
	}
	return fuzzyFallback(ctx, e, queryContext, filters, limit)
}

func fuzzyFallback(ctx context.Context, e *Engine, queryContext string, filters Filters, limit int) []Candidate {
	recent, _ := e.Recent(ctx, filters, limit*10)
	scored := FuzzySearch(queryContext, recent)
	return scoredToCandidates(firstNScored(scored, limit))
}

func mergeDedup(a, b []Scored) []Scored {
	seen := make(map[int64]bool, len(a)+len(b))
	var out []Scored
	for _, s := range a {
		if !seen[s.Candidate.ID] {
			seen[s.Candidate.ID] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s.Candidate.ID] {
			seen[s.Candidate.ID] = true
			out = append(out, s)
		}
	}
	return out
}

func scoredToCandidates(s []Scored) []Candidate {
	out := make([]Candidate, len(s))
	for i, sc := range s {
		out[i] = sc.Candidate
	}
	return out
}

func firstN(c []Candidate, n int) []Candidate {
	if n <= 0 || len(c) <= n {
		return c
	}
	return c[:n]
}

func firstNScored(s []Scored, n int) []Scored {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

func withinRecency(candidates []Candidate, cutoff time.Time) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.UpdatedAt.IsZero() || c.UpdatedAt.After(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// budgetItems includes candidates in rank order while the running token
// sum stays within tokenBudget, always including at least one item if
// any candidate exists. tokenBudget <= 0 means unbounded.
func budgetItems(candidates []Candidate, tokenBudget int64) ([]Candidate, int64) {
	var out []Candidate
	var sum int64
	for i, c := range candidates {
		cost := EstimateTokens(c.BodyText)
		if tokenBudget > 0 && sum+cost > tokenBudget && i > 0 {
			break
		}
		out = append(out, c)
		sum += cost
		if tokenBudget > 0 && sum > tokenBudget {
			break
		}
	}
	return out, sum
}

// workTokenMetrics computes work_tokens and work_tokens_unique (grouped
// by discovery_group, counted once per group).
func workTokenMetrics(items []Candidate) (work, unique int64) {
	seenGroups := make(map[string]bool, len(items))
	for _, it := range items {
		work += it.DiscoveryTokens
		group := it.DiscoveryGroup
		if group == "" {
			group = fmt.Sprintf("item:%d", it.ID)
		}
		if !seenGroups[group] {
			seenGroups[group] = true
			unique += it.DiscoveryTokens
		}
	}
	return work, unique
}

// renderPackText implements the structured ## Summary / ## Timeline /
// ## Observations layout (spec.md §4.5).
func renderPackText(items []Candidate, hasTimeline bool) string {
	var summary *Candidate
	var rest []Candidate
	for i := range items {
		if summary == nil && items[i].Kind == memory.KindSessionSummary {
			c := items[i]
			summary = &c
			continue
		}
		rest = append(rest, items[i])
	}

	var b strings.Builder
	if summary != nil {
		b.WriteString("## Summary\n")
		b.WriteString(formatLine(*summary))
		b.WriteString("\n")
	}
	if hasTimeline && len(rest) > 0 {
		b.WriteString("## Timeline\n")
		for _, it := range rest {
			b.WriteString(formatLine(it))
			b.WriteString("\n")
		}
		return strings.TrimRight(b.String(), "\n")
	}
	if len(rest) > 0 {
		b.WriteString("## Observations\n")
		for _, it := range rest {
			b.WriteString(formatLine(it))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatLine(c Candidate) string {
	return fmt.Sprintf("[%d] (%s) %s - %s", c.ID, c.Kind, c.Title, c.BodyText)
}

// recordUsage implements the "every top-level call records one
// usage_event" rule.
func (e *Engine) recordUsage(ctx context.Context, eventName string, tokensRead, tokensSaved int64, filters Filters) error {
	meta, _ := store.EncodeJSON(map[string]any{"project": filters.Project, "kind": filters.Kind, "session_id": filters.SessionID})
	_, err := e.st.DB().ExecContext(ctx,
		`INSERT INTO usage_events (event_name, tokens_read, tokens_saved, metadata_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		eventName, tokensRead, tokensSaved, meta, store.FormatTime(e.now()))
	return err
}
