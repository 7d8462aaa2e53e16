package compose

import (
	"sort"

	"github.com/engram-dev/engram/internal/types"
)

// rrfK is the Reciprocal Rank Fusion constant spec.md §4.K and §9 fix at
// 60.
const rrfK = 60.0

// rrfMerge combines ranked result lists into a single order by Reciprocal
// Rank Fusion: score(n) = Σ_over_lists 1/(k + rank_in_list(n)), rank
// 1-indexed (the first element of a list has rank 1). Nodes absent from
// a list contribute nothing from it. Ties break by the lowest NodeId for
// determinism, matching the rest of this codebase's "ties break on id"
// convention (internal/memory.Search).
func rrfMerge(lists [][]types.NodeId) []types.NodeId {
	scores := make(map[types.NodeId]float64)
	for _, list := range lists {
		for i, id := range list {
			rank := float64(i + 1)
			scores[id] += 1.0 / (rrfK + rank)
		}
	}

	out := make([]types.NodeId, 0, len(scores))
	for id := range scores {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := scores[out[i]], scores[out[j]]
		if si != sj {
			return si > sj
		}
		return out[i] < out[j]
	})
	return out
}
