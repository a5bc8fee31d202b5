// Package suggest finds the closest matches for a mistyped name using
// Levenshtein distance.
package suggest

import (
	"cmp"
	"slices"
	"strings"
)

// levenshtein calculates the edit distance between two strings
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(
				prev[j]+1,      // deletion
				cur[j-1]+1,     // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// Similar returns up to three candidates close to unknown, best first.
// Comparison ignores case and treats '-' and '_' alike.
func Similar(unknown string, candidates []string) []string {
	norm := func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	}
	u := norm(unknown)

	type scored struct {
		name  string
		score int
	}
	var found []scored
	maxDist := max(2, len(u)/2)
	for _, c := range candidates {
		n := norm(c)
		d := levenshtein(u, n)
		if u != "" && strings.Contains(n, u) {
			d = min(d, 1)
		}
		if d <= maxDist {
			found = append(found, scored{c, d})
		}
	}
	slices.SortStableFunc(found, func(a, b scored) int { return cmp.Compare(a.score, b.score) })

	var result []string
	for i := 0; i < len(found) && i < 3; i++ {
		result = append(result, found[i].name)
	}
	return result
}

// Hint formats the matches as a "did you mean" clause, or returns "".
func Hint(unknown string, candidates []string) string {
	m := Similar(unknown, candidates)
	if len(m) == 0 {
		return ""
	}
	return "did you mean " + strings.Join(m, " or ") + "?"
}
