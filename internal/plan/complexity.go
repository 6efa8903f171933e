package plan

import (
	"regexp"
	"strings"
)

// complexVerbs are verbs that tend to signal multi-step work (spec
// §4.10: "presence of verbs like 'refactor'").
var complexVerbs = []string{
	"refactor", "migrate", "redesign", "overhaul", "restructure",
	"rewrite", "integrate", "implement",
}

var testKeywords = []string{"test", "tests", "coverage", "regression"}

// filenameLikePattern catches tokens that look like a path or filename
// (spec §4.10: "number of nouns that look like filenames").
var filenameLikePattern = regexp.MustCompile(`\b[\w-]+\.[a-zA-Z0-9]{1,5}\b|[\w./-]+/[\w./-]+`)

// EstimateComplexity classifies a goal by a rule-based pass over its
// text: length, complex verbs, filename-like tokens, and test-related
// keywords each add weight (spec §4.10: "a rule-based pass").
func EstimateComplexity(goal string) Complexity {
	score := 0
	lower := strings.ToLower(goal)

	words := strings.Fields(goal)
	switch {
	case len(words) > 40:
		score += 2
	case len(words) > 15:
		score += 1
	}

	for _, v := range complexVerbs {
		if strings.Contains(lower, v) {
			score += 2
			break
		}
	}

	if n := len(filenameLikePattern.FindAllString(goal, -1)); n > 0 {
		if n > 2 {
			score += 2
		} else {
			score += 1
		}
	}

	for _, k := range testKeywords {
		if strings.Contains(lower, k) {
			score++
			break
		}
	}

	switch {
	case score >= 4:
		return ComplexityHigh
	case score >= 2:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}
