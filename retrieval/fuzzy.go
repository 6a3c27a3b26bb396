package retrieval

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const fuzzyMinScore = 0.18

// tokenOverlapRatio is the Jaccard ratio between two token sets.
func tokenOverlapRatio(aTokens, bTokens []string) float64 {
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(aTokens))
	for _, t := range aTokens {
		setA[t] = true
	}
	setB := make(map[string]bool, len(bTokens))
	for _, t := range bTokens {
		setB[t] = true
	}
	var intersection, union int
	seen := make(map[string]bool, len(setA)+len(setB))
	for t := range setA {
		seen[t] = true
	}
	for t := range setB {
		seen[t] = true
	}
	union = len(seen)
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func runeStrings(s string) []string {
	r := []rune(s)
	out := make([]string, len(r))
	for i, c := range r {
		out[i] = string(c)
	}
	return out
}

// sequenceMatcherRatio mirrors Python's difflib.SequenceMatcher(None, a,
// b).ratio() via the pack's go-difflib port.
func sequenceMatcherRatio(a, b string) float64 {
	matcher := difflib.NewMatcher(runeStrings(a), runeStrings(b))
	return matcher.Ratio()
}

// FuzzyCandidate is one item considered for fuzzy fallback scoring.
type FuzzyCandidate struct {
	Item Candidate
	Text string // title + " " + body_text
}

// FuzzyScore computes max(token_overlap_ratio, SequenceMatcher ratio)
// between the query and a candidate's title+body text (spec.md §4.5
// "Fuzzy fallback").
func FuzzyScore(queryTokens []string, queryText string, candidateText string) float64 {
	overlap := tokenOverlapRatio(queryTokens, tokenize(candidateText))
	seq := sequenceMatcherRatio(strings.ToLower(queryText), strings.ToLower(candidateText))
	if overlap > seq {
		return overlap
	}
	return seq
}

// FuzzySearch scores candidates and keeps those at or above the 0.18
// threshold, sorted by score descending.
func FuzzySearch(queryText string, candidates []Candidate) []Scored {
	queryTokens := tokenize(queryText)
	var out []Scored
	for _, c := range candidates {
		text := c.Title + " " + c.BodyText
		score := FuzzyScore(queryTokens, queryText, text)
		if score >= fuzzyMinScore {
			out = append(out, Scored{Candidate: c, Score: score})
		}
	}
	sortScoredDesc(out)
	return out
}
