// Package synthesizer implements the Synthesizer (L3): it turns a typed
// result map plus user preferences into a natural-language reply (§4.8). It
// never re-fetches data — every fact in the answer traces back to a
// NodeResult already recorded in the ExecutionTrace.
package synthesizer

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/inboxloom/orchestrator/apierr"
	"github.com/inboxloom/orchestrator/internal/pool"
	"github.com/inboxloom/orchestrator/llm"
	"github.com/inboxloom/orchestrator/registry"
	"github.com/inboxloom/orchestrator/types"
)

// builderPool reuses the strings.Builder every render() call needs to
// assemble its synthesis prompt, since this runs once for every request
// that reaches the LLM rendering step.
var builderPool = pool.NewPool[*strings.Builder](
	func() *strings.Builder { return &strings.Builder{} },
	func(b **strings.Builder) { (*b).Reset() },
)

// Config tunes the synthesis prompt.
type Config struct {
	Model string
}

// Synthesizer produces the final PlanEnvelope.Answer from a Plan's results.
type Synthesizer struct {
	provider llm.Provider
	registry *registry.StrategyRegistry
	cfg      Config
	logger   *zap.Logger
}

// New builds a Synthesizer. reg resolves each failed node's strategy id
// back to the service it required, so NeedsReauth can list "email"/
// "calendar"/"contacts" rather than opaque node ids.
func New(provider llm.Provider, reg *registry.StrategyRegistry, cfg Config, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{provider: provider, registry: reg, cfg: cfg, logger: logger.With(zap.String("component", "synthesizer"))}
}

// Synthesize builds the PlanEnvelope for one completed (or partially
// completed) execution. It never calls any strategy or provider itself;
// node data is read only from trace.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, p types.Plan, trace types.ExecutionTrace, userCtx types.UserContext) (types.PlanEnvelope, error) {
	needsReauth := s.reauthProviders(p, trace)

	if len(needsReauth) > 0 && allNodesNeedReauth(trace) {
		return types.PlanEnvelope{
			Answer:        "I need you to reconnect " + strings.Join(needsReauth, ", ") + " before I can answer that.",
			Plan:          p,
			Trace:         trace,
			PartialResult: trace.PartialResult,
			NeedsReauth:   needsReauth,
		}, nil
	}

	succeeded := successfulResults(p, trace)

	if ask, ok := needsUserInput(succeeded); ok {
		return types.PlanEnvelope{
			Answer:        renderNeedsUserInput(ask),
			Plan:          p,
			Trace:         trace,
			PartialResult: trace.PartialResult,
			NeedsReauth:   needsReauth,
		}, nil
	}

	if len(succeeded) == 0 {
		return types.PlanEnvelope{
			Answer:        "I couldn't retrieve enough information to answer that. Please try again.",
			Plan:          p,
			Trace:         trace,
			PartialResult: true,
			NeedsReauth:   needsReauth,
		}, nil
	}

	answer, err := s.render(ctx, query, succeeded, userCtx)
	if err != nil {
		return types.PlanEnvelope{}, fmt.Errorf("synthesizer: %w", err)
	}

	s.logger.Info("envelope synthesized",
		zap.String("plan_id", p.ID),
		zap.Int("result_count", len(succeeded)),
		zap.Bool("partial", trace.PartialResult))

	return types.PlanEnvelope{
		Answer:        answer,
		Plan:          p,
		Trace:         trace,
		PartialResult: trace.PartialResult,
		NeedsReauth:   needsReauth,
	}, nil
}

// render asks the LLM to turn the typed results into prose, respecting the
// user's verbosity/tone preferences (§4.8). Results are presented to the
// model in deterministic node-id order (§5 ordering guarantees) so that two
// runs over identical inputs produce the same prompt.
func (s *Synthesizer) render(ctx context.Context, query string, results []types.NodeResult, userCtx types.UserContext) (string, error) {
	b := builderPool.Get()
	defer builderPool.Put(b)
	fmt.Fprintf(b, "User asked: %s\n", query)
	fmt.Fprintf(b, "Respond in a %s tone with %s verbosity.\n", pref(userCtx, "tone", "neutral"), pref(userCtx, "verbosity", "normal"))
	b.WriteString("Grounded results (cite node ids, never invent facts not listed here):\n")
	for _, r := range results {
		fmt.Fprintf(b, "- [%s] %v\n", r.NodeID, r.Data)
	}

	resp, err := s.provider.Completion(ctx, &llm.ChatRequest{
		Model: s.cfg.Model,
		Messages: []types.Message{
			types.NewSystemMessage("You are a concise assistant that answers only from the grounded results provided, citing node ids as [node_id]."),
			types.NewUserMessage(b.String()),
		},
		MaxTokens: 512,
	})
	if err != nil {
		return "", fmt.Errorf("completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

// needsUserInput reports whether any succeeded result is a needs_user_input
// node's output, and returns it. A plan that can't be disambiguated is
// expected to carry exactly one such node and nothing that depends on it
// (§4.5), so the first one found wins.
func needsUserInput(results []types.NodeResult) (types.NeedsUserInput, bool) {
	for _, r := range results {
		if ask, ok := r.Data.(types.NeedsUserInput); ok {
			return ask, true
		}
	}
	return types.NeedsUserInput{}, false
}

// renderNeedsUserInput turns an ambiguity probe's output directly into a
// clarification prompt, without an LLM round trip (§4.5, §8 scenario
// "multiple Davids" — "no provider calls beyond the ambiguity probe").
func renderNeedsUserInput(ask types.NeedsUserInput) string {
	if len(ask.Candidates) == 0 {
		return ask.Reason
	}
	return fmt.Sprintf("%s: %s. Which one did you mean?", ask.Reason, strings.Join(ask.Candidates, ", "))
}

func pref(userCtx types.UserContext, key, fallback string) string {
	if v, ok := userCtx.Preferences[key]; ok && v != "" {
		return v
	}
	return fallback
}

// successfulResults returns the plan's succeeded NodeResults in stable node
// id order.
func successfulResults(p types.Plan, trace types.ExecutionTrace) []types.NodeResult {
	var out []types.NodeResult
	for _, n := range p.Nodes {
		if r, ok := trace.NodeResults[n.ID]; ok && r.Status == types.NodeStatusSuccess {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// reauthProviders collects the distinct services behind every
// NeedsReauth-classified node failure, sorted for deterministic output.
func (s *Synthesizer) reauthProviders(p types.Plan, trace types.ExecutionTrace) []string {
	seen := make(map[string]struct{})
	for _, n := range p.Nodes {
		r, ok := trace.NodeResults[n.ID]
		if !ok || r.ErrKind != string(apierr.KindNeedsReauth) {
			continue
		}
		if spec, ok := s.registry.Spec(n.StrategyID); ok {
			seen[spec.Service] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for svc := range seen {
		out = append(out, svc)
	}
	sort.Strings(out)
	return out
}

// allNodesNeedReauth reports whether every node in the trace failed with
// NeedsReauth, meaning there is nothing left to synthesize from.
func allNodesNeedReauth(trace types.ExecutionTrace) bool {
	if len(trace.NodeResults) == 0 {
		return false
	}
	for _, r := range trace.NodeResults {
		if r.Status == types.NodeStatusSuccess {
			return false
		}
		if r.ErrKind != string(apierr.KindNeedsReauth) && r.Status != types.NodeStatusSkipped {
			return false
		}
	}
	return true
}
