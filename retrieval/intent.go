package retrieval

import (
	"regexp"
	"strings"
)

// Intent is the query-intent classification spec.md §4.5 routes on.
type Intent string

const (
	IntentTask    Intent = "task"
	IntentRecall  Intent = "recall"
	IntentGeneric Intent = "generic"
)

var (
	taskWords = []string{"todo", "todos", "pending", "task", "tasks", "next", "resume", "continue", "backlog"}
	taskPhrases = []*regexp.Regexp{
		regexp.MustCompile(`(?i)follow[\s-]?up`),
		regexp.MustCompile(`(?i)left off`),
	}

	recallWords = []string{"remember", "remind", "recall", "recap", "summary", "summarize"}
	recallPhrases = []*regexp.Regexp{
		regexp.MustCompile(`(?i)what did we do`),
		regexp.MustCompile(`(?i)last time`),
		regexp.MustCompile(`(?i)previous session`),
	}
)

func containsAnyWord(lower string, words []string) bool {
	tokens := tokenize(lower)
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	for _, w := range words {
		if set[w] {
			return true
		}
	}
	return false
}

func matchesAny(s string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ClassifyIntent classifies context into task-like, recall-like, or
// generic (spec.md §4.5).
func ClassifyIntent(context string) Intent {
	lower := strings.ToLower(context)
	if containsAnyWord(lower, taskWords) || matchesAny(lower, taskPhrases) {
		return IntentTask
	}
	if containsAnyWord(lower, recallWords) || matchesAny(lower, recallPhrases) {
		return IntentRecall
	}
	return IntentGeneric
}
