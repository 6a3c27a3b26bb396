// Package retrieval implements the hybrid retrieval engine (spec.md
// §4.5, component C5): FTS/semantic/fuzzy search with query-intent
// routing, reranking, timeline expansion, and memory-pack assembly with
// token budgeting.
package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/opencode-mem/opencode-mem/embedding"
	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/log"
	"github.com/opencode-mem/opencode-mem/memory"
	"github.com/opencode-mem/opencode-mem/store"
)

const (
	taskRecencyDays   = 365
	recallRecencyDays = 180
)

// Engine wraps *store.Store with the C5 operations.
type Engine struct {
	st                *store.Store
	embedder          embedding.Embedder
	logger            log.Logger
	now               func() time.Time
	taskRecencyDays   int
	recallRecencyDays int
}

// New constructs an Engine. embedder may be embedding.NullEmbedder{}.
func New(st *store.Store, embedder embedding.Embedder, logger log.Logger) *Engine {
	if embedder == nil {
		embedder = embedding.NullEmbedder{}
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Engine{
		st: st, embedder: embedder, logger: logger,
		now:               func() time.Time { return store.NowUTC() },
		taskRecencyDays:   taskRecencyDays,
		recallRecencyDays: recallRecencyDays,
	}
}

// SetRecencyWindows overrides the task/recall recency windows, matching
// config.Config's overridable pack_task_recency_days and
// pack_recall_recency_days keys. A non-positive value leaves the
// existing window unchanged.
func (e *Engine) SetRecencyWindows(taskDays, recallDays int) {
	if taskDays > 0 {
		e.taskRecencyDays = taskDays
	}
	if recallDays > 0 {
		e.recallRecencyDays = recallDays
	}
}

func (e *Engine) scanCandidates(rows *sql.Rows) ([]Candidate, error) {
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		var createdAt, updatedAt string
		var project sql.NullString
		if err := rows.Scan(&c.ID, &c.Kind, &c.Title, &c.BodyText, &c.SessionID, &project,
			&createdAt, &updatedAt, &c.DiscoveryTokens, &c.DiscoveryGroup, &c.ImportKey); err != nil {
			return nil, err
		}
		c.Project = project.String
		c.CreatedAt, _ = store.ParseTime(createdAt)
		c.UpdatedAt, _ = store.ParseTime(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

const candidateColumns = `memory_items.id, memory_items.kind, memory_items.title, memory_items.body_text,
	memory_items.session_id, sessions.project, memory_items.created_at, memory_items.updated_at,
	memory_items.discovery_tokens, memory_items.discovery_group, memory_items.import_key`

// FTSSearch runs a BM25-weighted full text search over (title,
// body_text, tags_text) with weights (1.0, 1.0, 0.25), restricted by an
// optional kind, joined through sessions for the project filter.
func (e *Engine) FTSSearch(ctx context.Context, queryText string, kindFilter string, filters Filters, limit int) ([]Scored, error) {
	expanded := ExpandFTSQuery(queryText)
	if expanded == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s, bm25(memory_items_fts, 1.0, 1.0, 0.25) AS rank
	          FROM memory_items_fts
	          JOIN memory_items ON memory_items.id = memory_items_fts.rowid
	          JOIN sessions ON sessions.id = memory_items.session_id
	          WHERE memory_items_fts MATCH ? AND memory_items.active = 1`, candidateColumns)
	args := []any{expanded}
	if kindFilter != "" {
		query += " AND memory_items.kind = ?"
		args = append(args, kindFilter)
	}
	if clause, clauseArgs := ProjectSQLClause(filters.Project); clause != "" {
		query += " AND " + clause
		args = append(args, clauseArgs...)
	}
	query += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := e.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New("fts_search", errs.ErrFatalStorage, err)
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var c Candidate
		var createdAt, updatedAt string
		var project sql.NullString
		var rank float64
		if err := rows.Scan(&c.ID, &c.Kind, &c.Title, &c.BodyText, &c.SessionID, &project,
			&createdAt, &updatedAt, &c.DiscoveryTokens, &c.DiscoveryGroup, &c.ImportKey, &rank); err != nil {
			return nil, errs.New("fts_search", errs.ErrFatalStorage, err)
		}
		c.Project = project.String
		c.CreatedAt, _ = store.ParseTime(createdAt)
		c.UpdatedAt, _ = store.ParseTime(updatedAt)
		// bm25() returns lower-is-better; invert so higher means more relevant.
		ftsScore := 1 / (1 + rank)
		if rank < 0 {
			ftsScore = -rank / (1 - rank)
		}
		out = append(out, Scored{Candidate: c, Score: RerankScore(ftsScore, c.UpdatedAt, e.now(), c.Kind)})
	}
	sortScoredDesc(out)
	return out, rows.Err()
}

// SemanticSearch embeds queryText once and scans memory_vectors for the
// nearest neighbours by cosine distance, converted to score via
// 1/(1+distance). Returns [] when the embedder yields no vector (the
// null-object fallback), matching spec.md §4.5's "no vector index
// available" behaviour.
func (e *Engine) SemanticSearch(ctx context.Context, queryText string, filters Filters, limit int) ([]Scored, error) {
	resp, err := e.embedder.Embed(ctx, embedding.WithInput(queryText))
	if err != nil {
		return nil, errs.New("semantic_search", errs.ErrTransientIO, err)
	}
	if resp == nil || len(resp.Vectors) == 0 {
		return nil, nil
	}
	query := resp.Vectors[0]

	rows, err := e.st.DB().QueryContext(ctx, `
		SELECT `+candidateColumns+`, memory_vectors.embedding
		FROM memory_vectors
		JOIN memory_items ON memory_items.id = memory_vectors.memory_id
		JOIN sessions ON sessions.id = memory_items.session_id
		WHERE memory_items.active = 1 AND memory_vectors.model = ?`, resp.Model)
	if err != nil {
		return nil, errs.New("semantic_search", errs.ErrFatalStorage, err)
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var c Candidate
		var createdAt, updatedAt string
		var project sql.NullString
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Kind, &c.Title, &c.BodyText, &c.SessionID, &project,
			&createdAt, &updatedAt, &c.DiscoveryTokens, &c.DiscoveryGroup, &c.ImportKey, &blob); err != nil {
			return nil, errs.New("semantic_search", errs.ErrFatalStorage, err)
		}
		c.Project = project.String
		c.CreatedAt, _ = store.ParseTime(createdAt)
		c.UpdatedAt, _ = store.ParseTime(updatedAt)
		if filters.Project != "" && !projectMatches(filters.Project, c.Project) {
			continue
		}
		vec := decodeVector(blob)
		dist := cosineDistance(query, vec)
		score := 1 / (1 + dist)
		out = append(out, Scored{Candidate: c, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("semantic_search", errs.ErrFatalStorage, err)
	}
	sortScoredDesc(out)
	if len(out) > limit && limit > 0 {
		out = out[:limit]
	}
	return out, nil
}

func projectMatches(filterValue, project string) bool {
	clause, _ := ProjectSQLClause(filterValue)
	if clause == "" {
		return true
	}
	if strings.ContainsAny(filterValue, `/\`) {
		return project == filterValue
	}
	return project == filterValue || strings.HasSuffix(project, "/"+filterValue) || strings.HasSuffix(project, `\`+filterValue)
}

func decodeVector(blob []byte) embedding.Vector {
	n := len(blob) / 4
	v := make(embedding.Vector, n)
	for i := 0; i < n; i++ {
		bits := uint32(blob[i*4]) | uint32(blob[i*4+1])<<8 | uint32(blob[i*4+2])<<16 | uint32(blob[i*4+3])<<24
		v[i] = math.Float32frombits(bits)
	}
	return v
}

// EncodeVector is the inverse of decodeVector, used by the backfill path
// (maintenance package) when writing memory_vectors rows.
func EncodeVector(v embedding.Vector) []byte {
	blob := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		blob[i*4] = byte(bits)
		blob[i*4+1] = byte(bits >> 8)
		blob[i*4+2] = byte(bits >> 16)
		blob[i*4+3] = byte(bits >> 24)
	}
	return blob
}

func cosineDistance(a, b embedding.Vector) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 1
	}
	cosine := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	return 1 - cosine
}

// Recent returns the most recently updated active memory items.
func (e *Engine) Recent(ctx context.Context, filters Filters, limit int) ([]Candidate, error) {
	return e.recentByKinds(ctx, nil, filters, limit)
}

// RecentByKinds restricts Recent to a configured kind set.
func (e *Engine) RecentByKinds(ctx context.Context, kinds []memory.Kind, filters Filters, limit int) ([]Candidate, error) {
	return e.recentByKinds(ctx, kinds, filters, limit)
}

func (e *Engine) recentByKinds(ctx context.Context, kinds []memory.Kind, filters Filters, limit int) ([]Candidate, error) {
	query := `SELECT ` + candidateColumns + `
	          FROM memory_items JOIN sessions ON sessions.id = memory_items.session_id
	          WHERE memory_items.active = 1`
	var args []any
	if len(kinds) > 0 {
		placeholders := make([]string, len(kinds))
		for i, k := range kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		query += " AND memory_items.kind IN (" + strings.Join(placeholders, ",") + ")"
	}
	if filters.SessionID != 0 {
		query += " AND memory_items.session_id = ?"
		args = append(args, filters.SessionID)
	}
	if clause, clauseArgs := ProjectSQLClause(filters.Project); clause != "" {
		query += " AND " + clause
		args = append(args, clauseArgs...)
	}
	query += " ORDER BY memory_items.updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := e.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.New("recent", errs.ErrFatalStorage, err)
	}
	return e.scanCandidates(rows)
}

// Timeline returns depthBefore/depthAfter neighbours of anchorID within
// the same session, ordered chronologically.
func (e *Engine) Timeline(ctx context.Context, anchorID int64, depthBefore, depthAfter int) ([]Candidate, error) {
	var sessionID int64
	var anchorCreated string
	if err := e.st.DB().QueryRowContext(ctx, `SELECT session_id, created_at FROM memory_items WHERE id = ?`, anchorID).
		Scan(&sessionID, &anchorCreated); err != nil {
		return nil, errs.New("timeline", errs.ErrNotFound, err)
	}

	before, err := e.neighbours(ctx, sessionID, anchorCreated, "<", depthBefore, "DESC")
	if err != nil {
		return nil, err
	}
	sort.Slice(before, func(i, j int) bool { return before[i].CreatedAt.Before(before[j].CreatedAt) })

	anchorRows, err := e.st.DB().QueryContext(ctx, `SELECT `+candidateColumns+`
		FROM memory_items JOIN sessions ON sessions.id = memory_items.session_id WHERE memory_items.id = ?`, anchorID)
	if err != nil {
		return nil, errs.New("timeline", errs.ErrFatalStorage, err)
	}
	anchor, err := e.scanCandidates(anchorRows)
	if err != nil {
		return nil, err
	}

	after, err := e.neighbours(ctx, sessionID, anchorCreated, ">", depthAfter, "ASC")
	if err != nil {
		return nil, err
	}

	out := append(before, anchor...)
	out = append(out, after...)
	return out, nil
}

func (e *Engine) neighbours(ctx context.Context, sessionID int64, anchorCreated, cmp, limit, order string) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM memory_items JOIN sessions ON sessions.id = memory_items.session_id
	         WHERE memory_items.session_id = ? AND memory_items.active = 1 AND memory_items.created_at %s ?
	         ORDER BY memory_items.created_at %s LIMIT ?`, candidateColumns, cmp, order)
	rows, err := e.st.DB().QueryContext(ctx, query, sessionID, anchorCreated, limit)
	if err != nil {
		return nil, errs.New("timeline", errs.ErrFatalStorage, err)
	}
	return e.scanCandidates(rows)
}
