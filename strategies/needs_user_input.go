package strategies

import (
	"context"
	"fmt"

	"github.com/inboxloom/orchestrator/types"
)

// NeedsUserInput is the "needs_user_input" strategy (§4.5, E2E scenario #4
// "multiple Davids"): the ambiguity probe the Decomposer emits instead of
// guessing when it lacks information to disambiguate the query. It is a
// registered catalog strategy like any other — the PlanValidator checks it
// the same way, and it runs through the coordinator like any compute node —
// but its Execute is a pure echo of its own params: there is nothing to
// fetch, only a clarification to surface. The Synthesizer recognizes its
// output and renders the clarification prompt directly instead of asking the
// LLM to summarize it (§4.5 "execution short-circuits ... with a
// clarification request").
type NeedsUserInput struct {
	BaseSpec
}

// NewNeedsUserInput builds the needs_user_input strategy.
func NewNeedsUserInput() *NeedsUserInput {
	return &NeedsUserInput{
		BaseSpec: NewBaseSpec(types.StrategyNeedsUserInput, "compute", "cheap",
			"Surface an ambiguity the Decomposer could not resolve, with candidate choices for the user"),
	}
}

// Execute returns filters["reason"] and filters["candidates"] as a typed
// NeedsUserInput payload.
func (s *NeedsUserInput) Execute(_ context.Context, _ types.UserContext, filters map[string]any) (any, error) {
	reason, _ := filters["reason"].(string)
	if reason == "" {
		return nil, fmt.Errorf("needs_user_input requires a reason filter")
	}
	candidates, err := decodeStrings(filters["candidates"])
	if err != nil {
		return nil, fmt.Errorf("needs_user_input: %w", err)
	}
	return types.NeedsUserInput{Reason: reason, Candidates: candidates}, nil
}
