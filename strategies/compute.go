package strategies

import (
	"context"
	"fmt"
	"sort"

	"github.com/inboxloom/orchestrator/types"
)

// RankedItem is one scored, orderable result produced by rank_by_relevance.
type RankedItem struct {
	ID        string  `json:"id"`
	Score     float64 `json:"score"`
	Timestamp int64   `json:"timestamp"` // unix seconds, used as a stable-sort tiebreaker
	Data      any     `json:"data"`
}

// RankByRelevance is the "rank_by_relevance" strategy: a pure-compute node
// that deterministically orders a set of scored items. Ties break by
// timestamp descending, then id ascending (§5 deterministic ordering). Not
// part of the mandatory catalog (§4.4), but a harmless generic building block
// the Decomposer may compose after a detector has produced scores, so it
// stays registered rather than being folded into one specific detector.
type RankByRelevance struct {
	BaseSpec
}

// NewRankByRelevance builds the rank_by_relevance strategy.
func NewRankByRelevance() *RankByRelevance {
	return &RankByRelevance{
		BaseSpec: NewBaseSpec("rank_by_relevance", "compute", "cheap",
			"Deterministically rank scored items by score desc, timestamp desc, id asc"),
	}
}

// Execute expects filters["items"] to be a []RankedItem (already scored
// upstream) and returns them stably sorted.
func (s *RankByRelevance) Execute(_ context.Context, _ types.UserContext, filters map[string]any) (any, error) {
	items, ok := filters["items"].([]RankedItem)
	if !ok {
		return nil, fmt.Errorf("rank_by_relevance requires an items filter of type []RankedItem")
	}

	out := make([]RankedItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
