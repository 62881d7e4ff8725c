package strategies

import (
	"context"
	"fmt"
	"strings"

	"github.com/inboxloom/orchestrator/types"
)

// CrossReference is the "cross_reference" strategy (§4.4): a pure-compute
// join of two handle lists by attendee, sender, or subject key. No external
// provider call — both inputs are already-fetched upstream node outputs
// wired in via the "nodeId.items" edge syntax.
type CrossReference struct {
	BaseSpec
}

// NewCrossReference builds the cross_reference strategy.
func NewCrossReference() *CrossReference {
	return &CrossReference{
		BaseSpec: NewBaseSpec(types.StrategyCrossReference, "compute", "cheap",
			"Join two handle lists by attendee, sender, or subject key"),
	}
}

// Execute joins filters["left"] against filters["right"] on filters["join_key"]
// (one of "sender", "attendee", "subject").
func (s *CrossReference) Execute(_ context.Context, _ types.UserContext, filters map[string]any) (any, error) {
	left, err := decodeHandles(filters["left"])
	if err != nil {
		return nil, fmt.Errorf("cross_reference: left: %w", err)
	}
	right, err := decodeHandles(filters["right"])
	if err != nil {
		return nil, fmt.Errorf("cross_reference: right: %w", err)
	}
	joinKey, _ := filters["join_key"].(string)
	if joinKey == "" {
		joinKey = "sender"
	}

	keyOf := func(h types.Handle) string {
		switch joinKey {
		case "subject":
			return normalizeKey(h.Subject)
		default: // "sender" and "attendee" both key off the From address
			return normalizeKey(h.From)
		}
	}

	byKey := make(map[string][]types.Handle, len(right))
	for _, r := range right {
		k := keyOf(r)
		if k == "" {
			continue
		}
		byKey[k] = append(byKey[k], r)
	}

	var joined []types.JoinedTuple
	for _, l := range left {
		k := keyOf(l)
		for _, r := range byKey[k] {
			joined = append(joined, types.JoinedTuple{JoinKey: joinKey, Left: l, Right: r})
		}
	}
	return types.JoinedList{Items: joined}, nil
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
