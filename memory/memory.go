// Package memory implements the memory item model and its builder
// functions (spec.md §4.4, component C4): tag normalisation, low-signal
// filtering, and the small set of write paths every caller goes through
// to create a memory, a session summary, or a user prompt record.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/log"
	"github.com/opencode-mem/opencode-mem/replication"
	"github.com/opencode-mem/opencode-mem/store"
)

// Kind is the closed enumeration of memory item kinds (spec.md §3).
type Kind string

const (
	KindSessionSummary Kind = "session_summary"
	KindObservation    Kind = "observation"
	KindDecision       Kind = "decision"
	KindNote           Kind = "note"
	KindEntities       Kind = "entities"
	KindDiscovery      Kind = "discovery"
	KindFeature        Kind = "feature"
	KindChange         Kind = "change"
	KindBugfix         Kind = "bugfix"
	KindRefactor       Kind = "refactor"
)

// Item is the atomic unit of recall.
type Item struct {
	ID                       int64
	SessionID                int64
	Kind                     Kind
	Title                    string
	BodyText                 string
	Confidence               float64
	TagsText                 string
	Active                   bool
	CreatedAt                time.Time
	UpdatedAt                time.Time
	Subtitle                 string
	Facts                    []string
	Narrative                string
	Concepts                 []string
	FilesRead                []string
	FilesModified            []string
	PromptNumber             *int
	DiscoveryGroup           string
	DiscoveryTokens          int64
	DiscoverySource          string
	DiscoveryBackfillVersion int
	ImportKey                string
	DeletedAt                *time.Time
	Rev                      int64
	Metadata                 map[string]any
}

// Store wraps *store.Store + *replication.Log with the C4 builder
// functions.
type Store struct {
	st     *store.Store
	repl   *replication.Log
	logger log.Logger
}

// New constructs a memory Store.
func New(st *store.Store, repl *replication.Log, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Store{st: st, repl: repl, logger: logger}
}

// RememberInput is the common shape for a new memory write.
type RememberInput struct {
	SessionID     int64
	Kind          Kind
	Title         string
	BodyText      string
	Confidence    float64
	Subtitle      string
	Facts         []string
	Narrative     string
	Concepts      []string
	FilesRead     []string
	FilesModified []string
	PromptNumber  *int
	ImportKey     string // if empty, one is synthesised
	ClockDeviceID string // metadata.clock_device_id override for replication
	Project       string // carried in the replication payload for the project filter
}

// Remember is the generic builder every specific write path funnels
// through: compute timestamps, derive tags_text, insert, emit a
// replication op. Embedding enqueue is the caller's responsibility (C5
// owns the vector table; C4 only hands back the item id).
func (s *Store) Remember(ctx context.Context, in RememberInput) (*Item, error) {
	const op = "remember"
	if in.SessionID == 0 {
		return nil, errs.New(op, errs.ErrInvariantViolation, fmt.Errorf("session_id is required"))
	}
	if in.Kind == "" {
		return nil, errs.New(op, errs.ErrInvariantViolation, fmt.Errorf("kind is required"))
	}
	if in.Confidence == 0 {
		in.Confidence = 0.7
	}

	now := store.NowUTC()
	tags := NormalizeTags(DeriveTags(in.Kind, in.Title, in.Concepts, in.FilesRead, in.FilesModified))
	importKey := in.ImportKey
	if importKey == "" {
		importKey = fmt.Sprintf("legacy:%s:memory_item:%d", s.clockDeviceOrLocal(ctx, in.ClockDeviceID), now.UnixNano())
	}

	item := &Item{
		SessionID: in.SessionID, Kind: in.Kind, Title: in.Title, BodyText: in.BodyText,
		Confidence: in.Confidence, TagsText: strings.Join(tags, " "), Active: true,
		CreatedAt: now, UpdatedAt: now, Subtitle: in.Subtitle, Facts: in.Facts, Narrative: in.Narrative,
		Concepts: in.Concepts, FilesRead: in.FilesRead, FilesModified: in.FilesModified,
		PromptNumber: in.PromptNumber, ImportKey: importKey, Rev: 1,
		Metadata: map[string]any{},
	}
	if in.ClockDeviceID != "" {
		item.Metadata["clock_device_id"] = in.ClockDeviceID
	}

	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		factsJSON, _ := store.EncodeJSON(item.Facts)
		conceptsJSON, _ := store.EncodeJSON(item.Concepts)
		readJSON, _ := store.EncodeJSON(item.FilesRead)
		modifiedJSON, _ := store.EncodeJSON(item.FilesModified)
		metaJSON, _ := store.EncodeJSON(item.Metadata)

		var promptNum any
		if item.PromptNumber != nil {
			promptNum = *item.PromptNumber
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO memory_items
			 (session_id, kind, title, body_text, confidence, tags_text, active, created_at, updated_at,
			  subtitle, facts_json, narrative, concepts_json, files_read_json, files_modified_json,
			  prompt_number, import_key, rev, metadata_json)
			 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.SessionID, string(item.Kind), item.Title, item.BodyText, item.Confidence, item.TagsText,
			store.FormatTime(now), store.FormatTime(now), item.Subtitle, factsJSON, item.Narrative,
			conceptsJSON, readJSON, modifiedJSON, promptNum, item.ImportKey, item.Rev, metaJSON)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		item.ID = id

		if s.repl != nil {
			payload, _ := store.EncodeJSON(map[string]any{
				"kind": string(item.Kind), "title": item.Title, "body": item.BodyText,
				"tags_text": item.TagsText, "project": in.Project, "session_id": in.SessionID,
			})
			if err := s.repl.RecordOp(ctx, tx, "memory_item", item.ImportKey, replication.OpUpsert, payload, now, item.Rev, in.ClockDeviceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	return item, nil
}

func (s *Store) clockDeviceOrLocal(ctx context.Context, override string) string {
	if override != "" {
		return override
	}
	if s.repl != nil {
		return s.repl.LocalDeviceID(ctx)
	}
	return "local"
}

// RememberObservation is a thin Remember wrapper fixing kind=observation.
func (s *Store) RememberObservation(ctx context.Context, sessionID int64, title, body string, filesRead, filesModified []string) (*Item, error) {
	return s.Remember(ctx, RememberInput{
		SessionID: sessionID, Kind: KindObservation, Title: title, BodyText: body,
		FilesRead: filesRead, FilesModified: filesModified,
	})
}

// AddSessionSummary inserts a session_summaries row (distinct table from
// memory_items, per spec.md §3) and emits its own replication op.
func (s *Store) AddSessionSummary(ctx context.Context, sessionID int64, summaryText, importKey string) (int64, error) {
	const op = "add_session_summary"
	if sessionID == 0 {
		return 0, errs.New(op, errs.ErrInvariantViolation, fmt.Errorf("session_id is required"))
	}
	now := store.NowUTC()
	if importKey == "" {
		importKey = fmt.Sprintf("legacy:%s:session_summary:%d", s.clockDeviceOrLocal(ctx, ""), now.UnixNano())
	}

	var id int64
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO session_summaries (session_id, summary_text, created_at, updated_at, import_key, rev, metadata_json)
			 VALUES (?, ?, ?, ?, ?, 1, '{}')`,
			sessionID, summaryText, store.FormatTime(now), store.FormatTime(now), importKey)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		if s.repl != nil {
			payload, _ := store.EncodeJSON(map[string]any{"summary_text": summaryText, "session_id": sessionID})
			return s.repl.RecordOp(ctx, tx, "session_summary", importKey, replication.OpUpsert, payload, now, 1, "")
		}
		return nil
	})
	if err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}
	return id, nil
}

// AddUserPrompt inserts a user_prompts row.
func (s *Store) AddUserPrompt(ctx context.Context, sessionID int64, promptNumber int, promptText, importKey string) (int64, error) {
	const op = "add_user_prompt"
	if sessionID == 0 {
		return 0, errs.New(op, errs.ErrInvariantViolation, fmt.Errorf("session_id is required"))
	}
	now := store.NowUTC()
	if importKey == "" {
		importKey = fmt.Sprintf("legacy:%s:user_prompt:%d", s.clockDeviceOrLocal(ctx, ""), now.UnixNano())
	}

	var id int64
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO user_prompts (session_id, prompt_number, prompt_text, created_at, updated_at, import_key, rev, metadata_json)
			 VALUES (?, ?, ?, ?, ?, ?, 1, '{}')`,
			sessionID, promptNumber, promptText, store.FormatTime(now), store.FormatTime(now), importKey)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, errs.New(op, errs.ErrFatalStorage, err)
	}
	return id, nil
}

// --- Tag normalisation (spec.md §4.4) ---

var (
	nonTagChar = regexp.MustCompile(`[^a-z0-9_]+`)
	dashRuns   = regexp.MustCompile(`-+`)
	stopwords  = map[string]bool{
		"the": true, "a": true, "an": true, "of": true, "and": true, "or": true,
		"to": true, "in": true, "on": true, "for": true, "with": true, "is": true,
		"it": true, "this": true, "that": true, "at": true, "by": true, "as": true,
	}
)

const (
	maxTagChars  = 40
	maxTagsTotal = 20
)

// NormalizeTag lowercases, replaces non [a-z0-9_] with '-', collapses
// dash runs, strips edge dashes, and caps length.
func NormalizeTag(raw string) string {
	t := strings.ToLower(raw)
	t = nonTagChar.ReplaceAllString(t, "-")
	t = dashRuns.ReplaceAllString(t, "-")
	t = strings.Trim(t, "-")
	if len(t) > maxTagChars {
		t = t[:maxTagChars]
	}
	return t
}

// NormalizeTags applies NormalizeTag to every entry, drops stopwords and
// empties, dedups preserving order, and caps at maxTagsTotal.
func NormalizeTags(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, r := range raw {
		t := NormalizeTag(r)
		if t == "" || stopwords[t] || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) >= maxTagsTotal {
			break
		}
	}
	return out
}

// DeriveTags builds the raw tag candidate list from (kind, title,
// concepts, files_read, files_modified); file paths contribute basename,
// parent dir, and top-level dir.
func DeriveTags(kind Kind, title string, concepts, filesRead, filesModified []string) []string {
	var raw []string
	raw = append(raw, string(kind))
	raw = append(raw, strings.Fields(title)...)
	raw = append(raw, concepts...)
	for _, f := range append(append([]string{}, filesRead...), filesModified...) {
		raw = append(raw, fileTags(f)...)
	}
	return raw
}

func fileTags(filePath string) []string {
	if filePath == "" {
		return nil
	}
	clean := path.Clean(filePath)
	var tags []string
	tags = append(tags, path.Base(clean))
	dir := path.Dir(clean)
	if dir != "." && dir != "/" {
		tags = append(tags, path.Base(dir))
		parts := strings.Split(strings.Trim(dir, "/"), "/")
		if len(parts) > 0 && parts[0] != "" {
			tags = append(tags, parts[0])
		}
	}
	return tags
}

// --- Low-signal filtering (spec.md §4.4) ---

// DefaultLowSignalPatterns is an exhaustive-but-representative set
// matching shell prompts, tool chrome, single trivial commands, and
// memory-tool self-references.
func DefaultLowSignalPatterns() []*regexp.Regexp {
	return []*regexp.Regexp{
		regexp.MustCompile(`^\s*[$#>]\s*$`),
		regexp.MustCompile(`(?i)^\s*(ls|pwd|cd|clear|exit|whoami)\s*$`),
		regexp.MustCompile(`(?i)^\s*(ls|pwd)\s+[\w./\-]*\s*$`),
		regexp.MustCompile(`(?i)^\s*running\s+(command|tool)\b`),
		regexp.MustCompile(`(?i)^\s*(tool|command)\s+(started|finished|completed)\b`),
		regexp.MustCompile(`(?i)\bremember(ing)?\s+(this|that)\b.*\bmemory\b`),
	}
}

// IsLowSignalObservation reports whether text matches any pattern in
// patterns; blank or whitespace-only text also counts as low-signal when
// patterns is non-empty. An empty pattern set is a deliberate no-op
// (spec.md Open Questions: "behaviour when patterns are empty is
// deliberately 'do nothing'").
func IsLowSignalObservation(text string, patterns []*regexp.Regexp) bool {
	if len(patterns) == 0 {
		return false
	}
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	for _, p := range patterns {
		if p.MatchString(t) {
			return true
		}
	}
	return false
}
