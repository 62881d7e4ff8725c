package strategies

import (
	"context"
	"fmt"
	"strings"

	"github.com/inboxloom/orchestrator/llm"
	"github.com/inboxloom/orchestrator/types"
)

// SemanticAnalysis is the "semantic_analysis" strategy (§4.4): an LLM-driven
// free-form evaluation over a small, bounded subset of items, used only when
// the cheaper provider-native and detector strategies cannot answer the
// query on their own (e.g. "does this thread sound like David is stalling?").
// Cost class "expensive" — the one catalog entry that spends an LLM call
// rather than a cheap in-process heuristic.
type SemanticAnalysis struct {
	BaseSpec
	provider llm.Provider
	model    string
}

// NewSemanticAnalysis builds the semantic_analysis strategy.
func NewSemanticAnalysis(provider llm.Provider, model string) *SemanticAnalysis {
	return &SemanticAnalysis{
		BaseSpec: NewBaseSpec(types.StrategySemanticAnalysis, "compute", "expensive",
			"LLM-driven free-form evaluation over a bounded item subset"),
		provider: provider,
		model:    model,
	}
}

// Execute answers filters["question"] against the top-K items in
// filters["input_items"] (a Handle list or an EmailThread list, whichever an
// upstream node produced), where K is filters["top_k"] (default 10).
func (s *SemanticAnalysis) Execute(ctx context.Context, _ types.UserContext, filters map[string]any) (any, error) {
	question, _ := filters["question"].(string)
	if question == "" {
		return nil, fmt.Errorf("semantic_analysis requires a question filter")
	}

	topK := 10
	if v, ok := filters["top_k"].(float64); ok && v > 0 {
		topK = int(v)
	}

	items, err := decodeHandles(filters["input_items"])
	if err != nil {
		return nil, fmt.Errorf("semantic_analysis: %w", err)
	}
	if len(items) > topK {
		items = items[:topK]
	}

	var b strings.Builder
	b.WriteString("Answer the question using only the grounded items below.\n")
	fmt.Fprintf(&b, "Question: %s\n", question)
	for _, it := range items {
		fmt.Fprintf(&b, "- [%s] from=%s subject=%q snippet=%q\n", it.ID, it.From, it.Subject, it.Snippet)
	}

	resp, err := s.provider.Completion(ctx, &llm.ChatRequest{
		Model: s.model,
		Messages: []types.Message{
			types.NewSystemMessage("You are a precise analyst who answers strictly from the grounded items given."),
			types.NewUserMessage(b.String()),
		},
		MaxTokens: 512,
	})
	if err != nil {
		return nil, fmt.Errorf("semantic_analysis: completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("semantic_analysis: empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}
