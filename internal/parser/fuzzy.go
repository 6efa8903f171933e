package parser

import "strings"

// FuzzyMatch finds the candidate in names with the smallest Levenshtein
// distance to target (case-insensitive), accepting only distances <=
// maxDist, per spec §4.2's "edit distance <= 2" rule. Ties go to the
// first candidate in names order.
func FuzzyMatch(target string, names []string, maxDist int) (string, bool) {
	t := strings.ToLower(target)
	best := ""
	bestDist := maxDist + 1
	for _, n := range names {
		d := levenshtein(t, strings.ToLower(n))
		if d < bestDist {
			bestDist = d
			best = n
		}
	}
	if bestDist > maxDist {
		return "", false
	}
	return best, true
}

// NearestName returns the closest candidate to target by edit distance,
// regardless of how far it is, for diagnostics when nothing was close
// enough for FuzzyMatch to auto-accept.
func NearestName(target string, names []string) string {
	t := strings.ToLower(target)
	best := ""
	bestDist := -1
	for _, n := range names {
		d := levenshtein(t, strings.ToLower(n))
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = n
		}
	}
	return best
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
