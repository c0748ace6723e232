package grading

import "sort"

// Rank returns 1-based positions after a stable descending sort of the
// scores. Equal scores keep their input order and still occupy distinct
// consecutive ranks, so [90, 90, 75] ranks 1, 2, 3.
func Rank(scores []int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})

	ranks := make([]int, len(scores))
	for pos, i := range idx {
		ranks[i] = pos + 1
	}
	return ranks
}
