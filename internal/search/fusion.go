package search

import (
	"sort"

	"github.com/hyperjump/tansaku/internal/vector"
)

// mergeCandidates returns the vector hits in index order followed by keyword-only hits in
// descending keyword score. Each id appears once.
func mergeCandidates(hits []*vector.VectorResult, keywordScores map[string]float64) []string {
	ids := make([]string, 0, len(hits)+len(keywordScores))
	seen := make(map[string]struct{}, cap(ids))
	for _, h := range hits {
		if _, ok := seen[h.ID]; ok {
			continue
		}
		seen[h.ID] = struct{}{}
		ids = append(ids, h.ID)
	}

	extra := make([]string, 0, len(keywordScores))
	for id := range keywordScores {
		if _, ok := seen[id]; !ok {
			extra = append(extra, id)
		}
	}
	sort.Slice(extra, func(i, j int) bool {
		si, sj := keywordScores[extra[i]], keywordScores[extra[j]]
		if si != sj {
			return si > sj
		}
		return extra[i] < extra[j]
	})
	return append(ids, extra...)
}
