package search

import (
	"sort"
)

// RRFConstant is the rank offset in the reciprocal rank fusion formula.
// Fixed so fused orderings are reproducible across runs.
const RRFConstant = 60

// Ranked is one entry of an ordered result list entering fusion.
type Ranked struct {
	ID    string
	Score float64
}

// Fused is one entry of the fused output list.
type Fused struct {
	ID          string
	Score       float64 // RRF score, higher is better
	DenseScore  float64 // original dense score, 0 when absent from the dense list
	SparseScore float64 // original sparse score, 0 when absent from the sparse list
	DenseRank   int     // 1-based rank in the dense list, 0 when absent
	SparseRank  int     // 1-based rank in the sparse list, 0 when absent
}

// FuseRRF merges a dense and a sparse ranking with reciprocal rank
// fusion. Each document scores alpha/(60+denseRank) plus
// (1-alpha)/(60+sparseRank); absence from a list contributes 0 from that
// list. With alpha = 0.5 the result is a scalar multiple of the
// unweighted RRF sum, so the default ordering is the classic one.
//
// Ties break toward (a) the higher dense score, then (b) the
// lexicographically smaller id.
func FuseRRF(dense, sparse []Ranked, alpha float64, k int) []Fused {
	if alpha < 0 {
		alpha = 0
	} else if alpha > 1 {
		alpha = 1
	}

	fused := make(map[string]*Fused, len(dense)+len(sparse))

	for i, r := range dense {
		fused[r.ID] = &Fused{
			ID:         r.ID,
			DenseScore: r.Score,
			DenseRank:  i + 1,
			Score:      alpha / float64(RRFConstant+i+1),
		}
	}

	for i, r := range sparse {
		entry, ok := fused[r.ID]
		if !ok {
			entry = &Fused{ID: r.ID}
			fused[r.ID] = entry
		}
		entry.SparseScore = r.Score
		entry.SparseRank = i + 1
		entry.Score += (1 - alpha) / float64(RRFConstant+i+1)
	}

	results := make([]Fused, 0, len(fused))
	for _, entry := range fused {
		results = append(results, *entry)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].DenseScore != results[j].DenseScore {
			return results[i].DenseScore > results[j].DenseScore
		}
		return results[i].ID < results[j].ID
	})

	if k > 0 && k < len(results) {
		results = results[:k]
	}

	return results
}
