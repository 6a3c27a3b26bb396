package maintenance

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/opencode-mem/opencode-mem/embedding"
	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/memory"
	"github.com/opencode-mem/opencode-mem/retrieval"
	"github.com/opencode-mem/opencode-mem/store"
)

// BackfillResult tallies one backfill_* run.
type BackfillResult struct {
	Checked int64 `json:"checked"`
	Updated int64 `json:"updated"`
	Skipped int64 `json:"skipped"`
}

// BackfillTagsText derives tags_text for active memory_items whose
// tags_text is empty, in creation order.
func BackfillTagsText(ctx context.Context, st *store.Store, limit int, dryRun bool) (BackfillResult, error) {
	const op = "backfill_tags_text"
	query := `
		SELECT id, kind, title, concepts_json, files_read_json, files_modified_json
		FROM memory_items
		WHERE active = 1 AND TRIM(tags_text) = ''
		ORDER BY created_at ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return BackfillResult{}, errs.New(op, errs.ErrFatalStorage, err)
	}
	defer rows.Close()

	var result BackfillResult
	type pending struct {
		id       int64
		tagsText string
	}
	var updates []pending
	for rows.Next() {
		result.Checked++
		var id int64
		var kind, title, conceptsJSON, filesReadJSON, filesModifiedJSON string
		if err := rows.Scan(&id, &kind, &title, &conceptsJSON, &filesReadJSON, &filesModifiedJSON); err != nil {
			return BackfillResult{}, errs.New(op, errs.ErrFatalStorage, err)
		}
		var concepts, filesRead, filesModified []string
		_ = store.DecodeJSON(conceptsJSON, &concepts)
		_ = store.DecodeJSON(filesReadJSON, &filesRead)
		_ = store.DecodeJSON(filesModifiedJSON, &filesModified)

		tags := memory.NormalizeTags(memory.DeriveTags(memory.Kind(kind), title, concepts, filesRead, filesModified))
		tagsText := joinSpace(tags)
		if tagsText == "" {
			result.Skipped++
			continue
		}
		updates = append(updates, pending{id: id, tagsText: tagsText})
	}
	if err := rows.Err(); err != nil {
		return BackfillResult{}, errs.New(op, errs.ErrFatalStorage, err)
	}

	if dryRun {
		result.Updated = int64(len(updates))
		return result, nil
	}

	now := store.FormatTime(store.NowUTC())
	for _, u := range updates {
		if _, err := st.DB().ExecContext(ctx, `UPDATE memory_items SET tags_text = ?, updated_at = ? WHERE id = ?`, u.tagsText, now, u.id); err != nil {
			return BackfillResult{}, errs.New(op, errs.ErrFatalStorage, err)
		}
		result.Updated++
	}
	return result, nil
}

func joinSpace(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// BackfillVectors chunks each active memory_item's title+body text into
// overlapping windows and embeds any chunk missing a memory_vectors row
// for the embedder's model.
func BackfillVectors(ctx context.Context, st *store.Store, embedder embedding.Embedder, limit int) (BackfillResult, error) {
	const op = "backfill_vectors"
	const chunkSize = 500
	const overlap = 50

	if _, ok := embedder.(embedding.NullEmbedder); ok {
		return BackfillResult{}, nil
	}

	query := `SELECT id, title, body_text FROM memory_items WHERE active = 1 ORDER BY id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return BackfillResult{}, errs.New(op, errs.ErrFatalStorage, err)
	}
	type item struct {
		id    int64
		title string
		body  string
	}
	var items []item
	for rows.Next() {
		var it item
		if err := rows.Scan(&it.id, &it.title, &it.body); err != nil {
			rows.Close()
			return BackfillResult{}, errs.New(op, errs.ErrFatalStorage, err)
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return BackfillResult{}, errs.New(op, errs.ErrFatalStorage, err)
	}

	var result BackfillResult
	for _, it := range items {
		result.Checked++
		text := it.title + "\n" + it.body
		chunks := chunkText(text, chunkSize, overlap)
		for idx, chunk := range chunks {
			hash := sha256.Sum256([]byte(chunk))
			hashHex := hex.EncodeToString(hash[:])

			var existing string
			err := st.DB().QueryRowContext(ctx,
				`SELECT content_hash FROM memory_vectors WHERE memory_id = ? AND chunk_index = ? AND model = ?`,
				it.id, idx, embedder.Name()).Scan(&existing)
			if err == nil && existing == hashHex {
				result.Skipped++
				continue
			}
			if err != nil && err != sql.ErrNoRows {
				return result, errs.New(op, errs.ErrFatalStorage, err)
			}

			resp, err := embedder.Embed(ctx, embedding.WithInput(chunk))
			if err != nil || len(resp.Vectors) == 0 {
				return result, errs.New(op, errs.ErrTransientIO, err)
			}
			encoded := retrieval.EncodeVector(resp.Vectors[0])
			_, err = st.DB().ExecContext(ctx, `
				INSERT INTO memory_vectors (memory_id, chunk_index, content_hash, model, embedding, created_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(memory_id, chunk_index, model) DO UPDATE SET content_hash = excluded.content_hash, embedding = excluded.embedding, created_at = excluded.created_at`,
				it.id, idx, hashHex, embedder.Name(), encoded, store.FormatTime(store.NowUTC()))
			if err != nil {
				return result, errs.New(op, errs.ErrFatalStorage, err)
			}
			result.Updated++
		}
	}
	return result, nil
}

// chunkText splits text into windows of size chars with overlap chars of
// carry-over between consecutive windows, so a match spanning a chunk
// boundary is still findable in an adjacent chunk.
func chunkText(text string, size, overlap int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= size {
		return []string{string(runes)}
	}
	var chunks []string
	step := size - overlap
	if step <= 0 {
		step = size
	}
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// BackfillDiscoveryTokens assigns discovery_group/discovery_tokens to
// observer-sourced memory_items lacking one, per the source chain of
// spec.md §4.9's supplemented discovery-token backfill: prefer
// raw_events(event_type='assistant_usage') aggregated per prompt, fall
// back to a session-transcript token estimate distributed by prompt
// length, then to whatever discovery_tokens already exist.
func BackfillDiscoveryTokens(ctx context.Context, st *store.Store, limitSessions int) (int64, error) {
	const op = "backfill_discovery_tokens"
	if limitSessions <= 0 {
		limitSessions = 50
	}

	rows, err := st.DB().QueryContext(ctx, `
		SELECT DISTINCT s.id, os.opencode_session_id
		FROM sessions s
		JOIN opencode_sessions os ON os.session_id = s.id
		JOIN memory_items mi ON mi.session_id = s.id
		WHERE mi.discovery_group IS NULL
		ORDER BY s.id DESC
		LIMIT ?`, limitSessions)
	if err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}
	type target struct {
		sessionID         int64
		opencodeSessionID string
	}
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.sessionID, &t.opencodeSessionID); err != nil {
			rows.Close()
			return 0, errs.New(op, errs.ErrFatalStorage, err)
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}

	var updated int64
	for _, t := range targets {
		n, err := backfillSessionDiscoveryTokens(ctx, st, t.sessionID, t.opencodeSessionID)
		if err != nil {
			return updated, err
		}
		updated += n
	}
	return updated, nil
}

func backfillSessionDiscoveryTokens(ctx context.Context, st *store.Store, sessionID int64, opencodeSessionID string) (int64, error) {
	const op = "backfill_discovery_tokens_session"
	db := st.DB()

	itemRows, err := db.QueryContext(ctx, `SELECT id, prompt_number FROM memory_items WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}
	type memItem struct {
		id           int64
		promptNumber sql.NullInt64
	}
	var items []memItem
	for itemRows.Next() {
		var it memItem
		if err := itemRows.Scan(&it.id, &it.promptNumber); err != nil {
			itemRows.Close()
			return 0, errs.New(op, errs.ErrFatalStorage, err)
		}
		items = append(items, it)
	}
	itemRows.Close()
	if len(items) == 0 {
		return 0, nil
	}

	grouped := map[int64][]int64{}
	var unknown []int64
	for _, it := range items {
		if it.promptNumber.Valid {
			grouped[it.promptNumber.Int64] = append(grouped[it.promptNumber.Int64], it.id)
		} else {
			unknown = append(unknown, it.id)
		}
	}

	byPrompt, err := tokensByPrompt(ctx, st, opencodeSessionID)
	if err != nil {
		return 0, err
	}
	sessionTokens, err := tokensFromRawEvents(ctx, st, opencodeSessionID)
	if err != nil {
		return 0, err
	}
	sourceLabel := "usage"
	if sessionTokens <= 0 {
		sourceLabel = "estimate"
		sessionTokens, err = tokensFromTranscript(ctx, st, sessionID)
		if err != nil {
			return 0, err
		}
	}

	groupTokens := map[int64]int64{}
	var assigned int64
	if len(byPrompt) > 0 {
		for pn := range grouped {
			groupTokens[pn] = byPrompt[pn]
			assigned += byPrompt[pn]
		}
	} else if sessionTokens > 0 {
		weights, err := promptLengthWeights(ctx, st, sessionID)
		if err != nil {
			return 0, err
		}
		keys := make([]int64, 0, len(grouped))
		for pn := range grouped {
			keys = append(keys, pn)
		}
		groupTokens = allocateByWeight(sessionTokens, keys, weights)
	} else {
		sourceLabel = "fallback"
		for pn, ids := range grouped {
			var total int64
			for _, id := range ids {
				var existing int64
				_ = db.QueryRowContext(ctx, `SELECT discovery_tokens FROM memory_items WHERE id = ?`, id).Scan(&existing)
				total += existing
			}
			groupTokens[pn] = total
		}
	}
	unknownTokens := sessionTokens - assigned
	if unknownTokens < 0 {
		unknownTokens = 0
	}

	now := store.FormatTime(store.NowUTC())
	var updated int64
	for pn, ids := range grouped {
		groupID := fmt.Sprintf("%s:p%d", opencodeSessionID, pn)
		tokens := groupTokens[pn]
		for _, id := range ids {
			if _, err := db.ExecContext(ctx, `
				UPDATE memory_items
				SET discovery_group = ?, discovery_tokens = ?, discovery_source = ?, discovery_backfill_version = 2, updated_at = ?
				WHERE id = ?`, groupID, tokens, sourceLabel, now, id); err != nil {
				return updated, errs.New(op, errs.ErrFatalStorage, err)
			}
			updated++
		}
	}
	if len(unknown) > 0 {
		groupID := opencodeSessionID + ":unknown"
		for _, id := range unknown {
			if _, err := db.ExecContext(ctx, `
				UPDATE memory_items
				SET discovery_group = ?, discovery_tokens = ?, discovery_source = ?, discovery_backfill_version = 2, updated_at = ?
				WHERE id = ?`, groupID, unknownTokens, sourceLabel, now, id); err != nil {
				return updated, errs.New(op, errs.ErrFatalStorage, err)
			}
			updated++
		}
	}
	return updated, nil
}

func tokensFromRawEvents(ctx context.Context, st *store.Store, opencodeSessionID string) (int64, error) {
	var total sql.NullInt64
	err := st.DB().QueryRowContext(ctx, `
		SELECT SUM(
			COALESCE(CAST(json_extract(payload_json, '$.usage.input_tokens') AS INTEGER), 0) +
			COALESCE(CAST(json_extract(payload_json, '$.usage.output_tokens') AS INTEGER), 0) +
			COALESCE(CAST(json_extract(payload_json, '$.usage.cache_creation_input_tokens') AS INTEGER), 0)
		)
		FROM raw_events
		WHERE opencode_session_id = ? AND event_type = 'assistant_usage' AND json_valid(payload_json) = 1`,
		opencodeSessionID).Scan(&total)
	if err != nil {
		return 0, errs.New("tokens_from_raw_events", errs.ErrFatalStorage, err)
	}
	return total.Int64, nil
}

func tokensByPrompt(ctx context.Context, st *store.Store, opencodeSessionID string) (map[int64]int64, error) {
	rows, err := st.DB().QueryContext(ctx, `
		SELECT CAST(json_extract(payload_json, '$.prompt_number') AS INTEGER) AS pn,
		       SUM(
		           COALESCE(CAST(json_extract(payload_json, '$.usage.input_tokens') AS INTEGER), 0) +
		           COALESCE(CAST(json_extract(payload_json, '$.usage.output_tokens') AS INTEGER), 0) +
		           COALESCE(CAST(json_extract(payload_json, '$.usage.cache_creation_input_tokens') AS INTEGER), 0)
		       )
		FROM raw_events
		WHERE opencode_session_id = ? AND event_type = 'assistant_usage' AND json_valid(payload_json) = 1
		  AND json_extract(payload_json, '$.prompt_number') IS NOT NULL
		GROUP BY pn`, opencodeSessionID)
	if err != nil {
		return nil, errs.New("tokens_by_prompt", errs.ErrFatalStorage, err)
	}
	defer rows.Close()
	out := map[int64]int64{}
	for rows.Next() {
		var pn, tokens int64
		if err := rows.Scan(&pn, &tokens); err != nil {
			return nil, errs.New("tokens_by_prompt", errs.ErrFatalStorage, err)
		}
		out[pn] = tokens
	}
	return out, rows.Err()
}

func tokensFromTranscript(ctx context.Context, st *store.Store, sessionID int64) (int64, error) {
	var text sql.NullString
	err := st.DB().QueryRowContext(ctx, `
		SELECT content FROM artifacts WHERE session_id = ? AND kind = 'transcript' ORDER BY id DESC LIMIT 1`,
		sessionID).Scan(&text)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errs.New("tokens_from_transcript", errs.ErrFatalStorage, err)
	}
	return retrieval.EstimateTokens(text.String), nil
}

func promptLengthWeights(ctx context.Context, st *store.Store, sessionID int64) (map[int64]int64, error) {
	rows, err := st.DB().QueryContext(ctx, `SELECT prompt_number, prompt_text FROM user_prompts WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, errs.New("prompt_length_weights", errs.ErrFatalStorage, err)
	}
	defer rows.Close()
	out := map[int64]int64{}
	for rows.Next() {
		var pn int64
		var text string
		if err := rows.Scan(&pn, &text); err != nil {
			return nil, errs.New("prompt_length_weights", errs.ErrFatalStorage, err)
		}
		out[pn] += int64(len(text))
	}
	return out, rows.Err()
}

// allocateByWeight distributes total across keys proportional to
// weights (defaulting to 1 for an unweighted key), assigning any
// rounding remainder to the largest-remainder keys first.
func allocateByWeight(total int64, keys []int64, weights map[int64]int64) map[int64]int64 {
	out := map[int64]int64{}
	if total <= 0 || len(keys) == 0 {
		for _, k := range keys {
			out[k] = 0
		}
		return out
	}
	normalized := map[int64]int64{}
	var weightTotal int64
	for _, k := range keys {
		w := weights[k]
		if w <= 0 {
			w = 1
		}
		normalized[k] = w
		weightTotal += w
	}
	if weightTotal <= 0 {
		weightTotal = int64(len(keys))
		for _, k := range keys {
			normalized[k] = 1
		}
	}

	type remainder struct {
		key int64
		rem int64
	}
	var remainders []remainder
	var assigned int64
	for _, k := range keys {
		numerator := total * normalized[k]
		out[k] = numerator / weightTotal
		remainders = append(remainders, remainder{key: k, rem: numerator % weightTotal})
		assigned += out[k]
	}
	remaining := total - assigned
	for i := int64(0); i < remaining && len(remainders) > 0; i++ {
		best := 0
		for j := 1; j < len(remainders); j++ {
			if remainders[j].rem > remainders[best].rem {
				best = j
			}
		}
		out[remainders[best].key]++
		remainders = append(remainders[:best], remainders[best+1:]...)
	}
	return out
}
