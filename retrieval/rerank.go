package retrieval

import (
	"sort"
	"time"

	"github.com/opencode-mem/opencode-mem/memory"
)

// Candidate is one memory item considered during retrieval.
type Candidate struct {
	ID              int64
	Kind            memory.Kind
	Title           string
	BodyText        string
	SessionID       int64
	Project         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DiscoveryTokens int64
	DiscoveryGroup  string
	ImportKey       string
}

// Scored pairs a Candidate with a ranking score.
type Scored struct {
	Candidate Candidate
	Score     float64
}

func sortScoredDesc(s []Scored) {
	sort.SliceStable(s, func(i, j int) bool { return s[i].Score > s[j].Score })
}

// kindBonus implements spec.md §4.5's rerank kind_bonus table.
func kindBonus(k memory.Kind) float64 {
	switch k {
	case memory.KindSessionSummary:
		return 0.25
	case memory.KindDecision:
		return 0.20
	case memory.KindNote:
		return 0.15
	case memory.KindObservation:
		return 0.10
	case memory.KindEntities:
		return 0.05
	default:
		return 0
	}
}

// recencyScore implements the 1/(1+days_since/7) recency bonus.
func recencyScore(updatedAt time.Time, now time.Time) float64 {
	days := now.Sub(updatedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return 1 / (1 + days/7)
}

// RerankScore implements spec.md §4.5: 1.5*fts_score + recency_score + kind_bonus.
func RerankScore(ftsScore float64, updatedAt time.Time, now time.Time, kind memory.Kind) float64 {
	return 1.5*ftsScore + recencyScore(updatedAt, now) + kindBonus(kind)
}

// taskKindRank orders kinds for the task branch's recent() fallback:
// note < decision < observation < others (ascending = higher priority).
func taskKindRank(k memory.Kind) int {
	switch k {
	case memory.KindNote:
		return 0
	case memory.KindDecision:
		return 1
	case memory.KindObservation:
		return 2
	default:
		return 3
	}
}

// SortByTaskKindRank reorders candidates by taskKindRank ascending,
// stable on original (already-recency-sorted) order within a rank.
func SortByTaskKindRank(candidates []Candidate) []Candidate {
	out := append([]Candidate(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool { return taskKindRank(out[i].Kind) < taskKindRank(out[j].Kind) })
	return out
}
