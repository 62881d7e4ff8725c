// Package decomposer implements the Decomposer (L1): it turns a natural
// language query, a bounded slice of conversation history, and a
// UserContext into a typed types.Plan by prompting an injected llm.Provider
// with the registry's strategy vocabulary (§4.5). It never invents a
// strategy or filter name that is not in that vocabulary; the PlanValidator
// is the enforcement point, the prompt is the guidance.
package decomposer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inboxloom/orchestrator/apierr"
	"github.com/inboxloom/orchestrator/llm"
	"github.com/inboxloom/orchestrator/llm/tokenizer"
	"github.com/inboxloom/orchestrator/registry"
	"github.com/inboxloom/orchestrator/types"
)

// Config bounds the conversation history handed to the model. §8 fixes the
// bound at N=10 messages or M=5000 tokens, whichever is stricter.
type Config struct {
	MaxMessages int
	MaxTokens   int
	Model       string
	MaxNodes    int
}

// DefaultConfig returns the decomposer's history budget (§8) and node
// ceiling.
func DefaultConfig(model string) Config {
	return Config{
		MaxMessages: 10,
		MaxTokens:   5000,
		Model:       model,
		MaxNodes:    24,
	}
}

// Result is what one decomposition attempt produces: a Plan ready for
// validation. Ambiguity ("which David?") is no longer a special top-level
// field — it is expressed as an ordinary needs_user_input node in the Plan
// (§4.5), which the Orchestrator short-circuits after execution the same
// way it would any other single-node plan.
type Result struct {
	Plan types.Plan
}

// Decomposer produces Plans by prompting an LLM with the strategy catalog.
type Decomposer struct {
	provider llm.Provider
	registry *registry.StrategyRegistry
	tok      tokenizer.Tokenizer
	cfg      Config
	logger   *zap.Logger
}

// New builds a Decomposer. tok is used only for history-truncation token
// accounting (§8); pass tokenizer.GetTokenizerOrEstimator(cfg.Model) for the
// usual wiring.
func New(provider llm.Provider, reg *registry.StrategyRegistry, tok tokenizer.Tokenizer, cfg Config, logger *zap.Logger) *Decomposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decomposer{
		provider: provider,
		registry: reg,
		tok:      tok,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "decomposer")),
	}
}

// Decompose produces a fresh Plan for query.
func (d *Decomposer) Decompose(ctx context.Context, query string, history types.ConversationHistory, userCtx types.UserContext) (Result, error) {
	return d.run(ctx, query, history, userCtx, nil, nil)
}

// Revise re-prompts the model with the prior Plan and the PlanValidator's
// rejection reason, for the single revision attempt the Orchestrator grants
// before failing the request (§4.6 "a structured error the Orchestrator may
// surface back to the Decomposer for a single revision attempt").
func (d *Decomposer) Revise(ctx context.Context, query string, history types.ConversationHistory, userCtx types.UserContext, prev types.Plan, validationErr error) (Result, error) {
	return d.run(ctx, query, history, userCtx, &prev, validationErr)
}

func (d *Decomposer) run(ctx context.Context, query string, history types.ConversationHistory, userCtx types.UserContext, prev *types.Plan, revisionErr error) (Result, error) {
	truncated := truncateHistory(history, d.cfg, d.tok)

	messages := []types.Message{types.NewSystemMessage(d.systemPrompt())}
	for _, turn := range truncated.Turns {
		messages = append(messages, types.NewMessage(turn.Role, turn.Content))
	}
	messages = append(messages, types.NewUserMessage(d.userPrompt(query, userCtx, prev, revisionErr)))

	resp, err := d.provider.Completion(ctx, &llm.ChatRequest{
		Model:       d.cfg.Model,
		Messages:    messages,
		MaxTokens:   1024,
		Temperature: 0,
	})
	if err != nil {
		return Result{}, fmt.Errorf("decomposer: completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("decomposer: empty completion")
	}

	dto, err := parsePlanDTO(resp.Choices[0].Message.Content)
	if err != nil {
		return Result{}, apierr.New(apierr.KindInvalidRequest, "decomposer: model returned an unparseable plan").WithCause(err)
	}

	if len(dto.Nodes) == 0 {
		return Result{}, apierr.New(apierr.KindInvalidRequest, "decomposer: model returned a plan with no nodes")
	}
	if len(dto.Nodes) > d.cfg.MaxNodes {
		return Result{}, apierr.New(apierr.KindInvalidRequest,
			fmt.Sprintf("decomposer: model returned %d nodes, exceeds max of %d", len(dto.Nodes), d.cfg.MaxNodes))
	}

	plan := types.Plan{
		ID:         uuid.NewString(),
		Query:      query,
		CreatedAt:  time.Now(),
		Nodes:      make([]types.PlanNode, 0, len(dto.Nodes)),
		BestEffort: dto.BestEffort,
	}
	for _, n := range dto.Nodes {
		plan.Nodes = append(plan.Nodes, types.PlanNode{
			ID:         n.ID,
			StrategyID: n.Strategy,
			Filters:    n.Filters,
			DependsOn:  n.DependsOn,
			Optional:   n.Optional,
		})
	}

	d.logger.Info("plan decomposed", zap.String("plan_id", plan.ID), zap.Int("node_count", len(plan.Nodes)), zap.Bool("revision", prev != nil))
	return Result{Plan: plan}, nil
}

// systemPrompt describes the strategy catalog (§4.5's "explicit, strict
// vocabulary document") so the model can only choose from registered
// strategies and their declared cost classes.
func (d *Decomposer) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are a query planner. Decompose the user's request into a JSON plan over the following strategy catalog. ")
	b.WriteString("Respond with ONLY a JSON object of the form ")
	b.WriteString(`{"nodes":[{"id":string,"strategy":string,"filters":object,"depends_on":[string],"optional":bool}],"best_effort":bool}. `)
	b.WriteString("If you lack information to disambiguate a reference (e.g. two contacts share a first name), ")
	b.WriteString(`do not guess: emit a single needs_user_input node instead, with filters {"reason":string,"candidates":[string]}. `)
	b.WriteString("Never invent a strategy id or a filter name outside this catalog:\n")
	for _, spec := range d.registry.List() {
		fmt.Fprintf(&b, "- %s (service=%s, cost=%s): %s\n", spec.ID, spec.Service, spec.CostClass, spec.Description)
	}
	return b.String()
}

func (d *Decomposer) userPrompt(query string, userCtx types.UserContext, prev *types.Plan, revisionErr error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User query: %s\n", query)
	fmt.Fprintf(&b, "Enrolled providers: %s\n", strings.Join(userCtx.Providers, ", "))
	if userCtx.Timezone != "" {
		fmt.Fprintf(&b, "Timezone: %s\n", userCtx.Timezone)
	}
	if prev != nil {
		raw, _ := json.Marshal(prev)
		fmt.Fprintf(&b, "Your previous plan was rejected: %v\nPrevious plan: %s\nProduce a corrected plan.\n", revisionErr, raw)
	}
	return b.String()
}

type nodeDTO struct {
	ID        string         `json:"id"`
	Strategy  string         `json:"strategy"`
	Filters   map[string]any `json:"filters,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Optional  bool           `json:"optional,omitempty"`
}

type planDTO struct {
	Nodes      []nodeDTO `json:"nodes,omitempty"`
	BestEffort bool      `json:"best_effort,omitempty"`
}

// parsePlanDTO tolerates a model wrapping its JSON in a ```json fenced code
// block, a habit several provider families fall into despite instructions.
func parsePlanDTO(content string) (planDTO, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var dto planDTO
	if err := json.Unmarshal([]byte(trimmed), &dto); err != nil {
		return planDTO{}, fmt.Errorf("invalid plan JSON: %w", err)
	}
	return dto, nil
}

// truncateHistory keeps at most cfg.MaxMessages turns, then drops the
// oldest remaining turns until the tokenizer-counted total fits
// cfg.MaxTokens (§3, §8). The newest turn is always kept, even when it
// alone exceeds cfg.MaxTokens.
func truncateHistory(h types.ConversationHistory, cfg Config, tok tokenizer.Tokenizer) types.ConversationHistory {
	turns := h.Turns
	if cfg.MaxMessages > 0 && len(turns) > cfg.MaxMessages {
		turns = turns[len(turns)-cfg.MaxMessages:]
	}

	if tok == nil || cfg.MaxTokens <= 0 {
		return types.ConversationHistory{Turns: turns}
	}

	for len(turns) > 1 {
		n, err := tok.CountMessages(toTokenizerMessages(turns))
		if err != nil || n <= cfg.MaxTokens {
			break
		}
		turns = turns[1:]
	}
	return types.ConversationHistory{Turns: turns}
}

func toTokenizerMessages(turns []types.ConversationTurn) []tokenizer.Message {
	out := make([]tokenizer.Message, len(turns))
	for i, t := range turns {
		out[i] = tokenizer.Message{Role: string(t.Role), Content: t.Content}
	}
	return out
}
