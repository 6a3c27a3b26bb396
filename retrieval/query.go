package retrieval

import (
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_]+`)

var queryStopwords = map[string]bool{
	"or": true, "and": true, "not": true,
}

// tokenize splits on [A-Za-z0-9_]+ and lowercases.
func tokenize(s string) []string {
	matches := tokenPattern.FindAllString(s, -1)
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = strings.ToLower(m)
	}
	return out
}

// ExpandFTSQuery tokenises context, strips stopwords/booleans, and joins
// remaining tokens with " OR " (spec.md §4.5 "Query expansion for FTS").
// A single surviving token is used as-is.
func ExpandFTSQuery(context string) string {
	tokens := tokenize(context)
	var kept []string
	for _, t := range tokens {
		if queryStopwords[t] {
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		return ""
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return strings.Join(kept, " OR ")
}
