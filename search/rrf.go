package search

import "sort"

// RankedList is one source's ordered ranking, best first.
type RankedList []string

// FuseConfig parameterizes reciprocal rank fusion.
type FuseConfig struct {
	// K dampens the contribution of lower ranks.
	K int

	// PenaltyRank is the rank charged to an item absent from a list, so
	// absence costs a small fixed contribution instead of zero.
	PenaltyRank int
}

// Fuse merges rankings from multiple sources with reciprocal rank
// fusion. Every item appearing in any list receives, from each list, the
// contribution 1/(K + rank + 1) at its zero-based rank in that list, or
// the fixed penalty 1/(K + PenaltyRank) when absent. The fused order is
// by descending total score, ties broken by item id ascending so the
// result is deterministic regardless of source ordering.
func Fuse(cfg FuseConfig, lists ...RankedList) []FusedItem {
	if cfg.K <= 0 {
		cfg.K = 60
	}
	if cfg.PenaltyRank <= 0 {
		cfg.PenaltyRank = 1000
	}

	ranks := make([]map[string]int, len(lists))
	universe := make(map[string]struct{})
	for i, list := range lists {
		ranks[i] = make(map[string]int, len(list))
		for rank, id := range list {
			// First occurrence wins if a list repeats an id.
			if _, ok := ranks[i][id]; !ok {
				ranks[i][id] = rank
			}
			universe[id] = struct{}{}
		}
	}
	if len(universe) == 0 {
		return nil
	}

	penalty := 1.0 / float64(cfg.K+cfg.PenaltyRank)
	fused := make([]FusedItem, 0, len(universe))
	for id := range universe {
		var score float64
		for i := range lists {
			if rank, ok := ranks[i][id]; ok {
				score += 1.0 / float64(cfg.K+rank+1)
			} else {
				score += penalty
			}
		}
		fused = append(fused, FusedItem{ID: id, Score: score})
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})
	return fused
}

// FusedItem is one item with its fused score.
type FusedItem struct {
	ID    string
	Score float64
}
