package synthesizer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxloom/orchestrator/apierr"
	"github.com/inboxloom/orchestrator/llm"
	"github.com/inboxloom/orchestrator/registry"
	"github.com/inboxloom/orchestrator/strategies"
	"github.com/inboxloom/orchestrator/types"
)

// fakeProvider is a deterministic llm.Provider stub that echoes back a
// preloaded answer, recording the last request for prompt assertions.
type fakeProvider struct {
	content string
	err     error
	lastReq *llm.ChatRequest
}

func (f *fakeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{
		Model:   req.Model,
		Choices: []llm.ChatChoice{{Message: types.NewAssistantMessage(f.content)}},
	}, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	return nil, nil
}
func (f *fakeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true}, nil
}
func (f *fakeProvider) Name() string                       { return "fake" }
func (f *fakeProvider) SupportsNativeFunctionCalling() bool { return false }
func (f *fakeProvider) ListModels(ctx context.Context) ([]llm.Model, error) { return nil, nil }

// fakeStrategy is a no-op Strategy used only to populate the registry with a
// known service mapping for reauthProviders' lookups.
type fakeStrategy struct {
	strategies.BaseSpec
}

func (fakeStrategy) Execute(ctx context.Context, userCtx types.UserContext, filters map[string]any) (any, error) {
	return nil, nil
}

func newFakeStrategy(id, service string) fakeStrategy {
	return fakeStrategy{BaseSpec: strategies.NewBaseSpec(id, service, "cheap", "test strategy")}
}

func testRegistry(t *testing.T) *registry.StrategyRegistry {
	t.Helper()
	reg := registry.New(nil)
	require.NoError(t, reg.Register(newFakeStrategy("search_emails", "email")))
	require.NoError(t, reg.Register(newFakeStrategy("list_calendar_events", "calendar")))
	require.NoError(t, reg.Register(newFakeStrategy("search_contacts", "contacts")))
	reg.Seal()
	return reg
}

func testPlan(nodes ...types.PlanNode) types.Plan {
	return types.Plan{ID: "plan-1", Query: "what's on my plate today", Nodes: nodes}
}

func TestSynthesize_GroundedAnswer(t *testing.T) {
	provider := &fakeProvider{content: "You have 3 unread emails from Dana."}
	s := New(provider, testRegistry(t), Config{Model: "gpt-4o"}, nil)

	p := testPlan(types.PlanNode{ID: "n1", StrategyID: "search_emails"})
	trace := types.ExecutionTrace{
		ExecutionID: "exec-1",
		PlanID:      p.ID,
		NodeResults: map[string]types.NodeResult{
			"n1": {NodeID: "n1", Status: types.NodeStatusSuccess, Data: []string{"email A", "email B"}},
		},
	}

	env, err := s.Synthesize(context.Background(), p.Query, p, trace, types.UserContext{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "You have 3 unread emails from Dana.", env.Answer)
	assert.Empty(t, env.NeedsReauth)
	assert.False(t, env.PartialResult)

	require.NotNil(t, provider.lastReq)
	lastMessage := provider.lastReq.Messages[len(provider.lastReq.Messages)-1]
	assert.Contains(t, lastMessage.Content, "[n1]")
}

func TestSynthesize_AllNeedsReauthShortCircuits(t *testing.T) {
	provider := &fakeProvider{content: "should not be called"}
	s := New(provider, testRegistry(t), Config{Model: "gpt-4o"}, nil)

	p := testPlan(types.PlanNode{ID: "n1", StrategyID: "search_emails"})
	trace := types.ExecutionTrace{
		PlanID: p.ID,
		NodeResults: map[string]types.NodeResult{
			"n1": {NodeID: "n1", Status: types.NodeStatusFailed, ErrKind: string(apierr.KindNeedsReauth)},
		},
	}

	env, err := s.Synthesize(context.Background(), p.Query, p, trace, types.UserContext{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"email"}, env.NeedsReauth)
	assert.Contains(t, env.Answer, "reconnect")
	assert.Contains(t, env.Answer, "email")
	assert.Nil(t, provider.lastReq)
}

func TestSynthesize_MixedReauthAndSuccessStillRenders(t *testing.T) {
	provider := &fakeProvider{content: "Here's what I found."}
	s := New(provider, testRegistry(t), Config{Model: "gpt-4o"}, nil)

	p := testPlan(
		types.PlanNode{ID: "n1", StrategyID: "search_emails"},
		types.PlanNode{ID: "n2", StrategyID: "list_calendar_events"},
	)
	trace := types.ExecutionTrace{
		PlanID:        p.ID,
		PartialResult: true,
		NodeResults: map[string]types.NodeResult{
			"n1": {NodeID: "n1", Status: types.NodeStatusSuccess, Data: "inbox summary"},
			"n2": {NodeID: "n2", Status: types.NodeStatusFailed, ErrKind: string(apierr.KindNeedsReauth)},
		},
	}

	env, err := s.Synthesize(context.Background(), p.Query, p, trace, types.UserContext{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "Here's what I found.", env.Answer)
	assert.Equal(t, []string{"calendar"}, env.NeedsReauth)
	assert.True(t, env.PartialResult)
}

func TestSynthesize_EmptyResultsFallback(t *testing.T) {
	provider := &fakeProvider{content: "should not be called"}
	s := New(provider, testRegistry(t), Config{Model: "gpt-4o"}, nil)

	p := testPlan(types.PlanNode{ID: "n1", StrategyID: "search_emails"})
	trace := types.ExecutionTrace{
		PlanID: p.ID,
		NodeResults: map[string]types.NodeResult{
			"n1": {NodeID: "n1", Status: types.NodeStatusFailed, ErrKind: string(apierr.KindTimeout)},
		},
	}

	env, err := s.Synthesize(context.Background(), p.Query, p, trace, types.UserContext{UserID: "u1"})
	require.NoError(t, err)
	assert.Contains(t, env.Answer, "couldn't retrieve")
	assert.True(t, env.PartialResult)
	assert.Nil(t, provider.lastReq)
}

func TestSynthesize_DeterministicNodeOrderingInPrompt(t *testing.T) {
	provider := &fakeProvider{content: "ok"}
	s := New(provider, testRegistry(t), Config{Model: "gpt-4o"}, nil)

	p := testPlan(
		types.PlanNode{ID: "z-node", StrategyID: "search_emails"},
		types.PlanNode{ID: "a-node", StrategyID: "search_contacts"},
	)
	trace := types.ExecutionTrace{
		PlanID: p.ID,
		NodeResults: map[string]types.NodeResult{
			"z-node": {NodeID: "z-node", Status: types.NodeStatusSuccess, Data: "z-data"},
			"a-node": {NodeID: "a-node", Status: types.NodeStatusSuccess, Data: "a-data"},
		},
	}

	_, err := s.Synthesize(context.Background(), p.Query, p, trace, types.UserContext{UserID: "u1"})
	require.NoError(t, err)

	lastMessage := provider.lastReq.Messages[len(provider.lastReq.Messages)-1]
	aIdx := indexOf(lastMessage.Content, "[a-node]")
	zIdx := indexOf(lastMessage.Content, "[z-node]")
	require.True(t, aIdx >= 0 && zIdx >= 0)
	assert.Less(t, aIdx, zIdx)
}

func TestSynthesize_RespectsToneAndVerbosityPreferences(t *testing.T) {
	provider := &fakeProvider{content: "ok"}
	s := New(provider, testRegistry(t), Config{Model: "gpt-4o"}, nil)

	p := testPlan(types.PlanNode{ID: "n1", StrategyID: "search_emails"})
	trace := types.ExecutionTrace{
		PlanID: p.ID,
		NodeResults: map[string]types.NodeResult{
			"n1": {NodeID: "n1", Status: types.NodeStatusSuccess, Data: "inbox summary"},
		},
	}
	userCtx := types.UserContext{UserID: "u1", Preferences: map[string]string{"tone": "playful", "verbosity": "terse"}}

	_, err := s.Synthesize(context.Background(), p.Query, p, trace, userCtx)
	require.NoError(t, err)

	lastMessage := provider.lastReq.Messages[len(provider.lastReq.Messages)-1]
	assert.Contains(t, lastMessage.Content, "playful")
	assert.Contains(t, lastMessage.Content, "terse")
}

func TestSynthesize_NeedsUserInputRendersWithoutCompletionCall(t *testing.T) {
	provider := &fakeProvider{content: "should not be called"}
	s := New(provider, testRegistry(t), Config{Model: "gpt-4o"}, nil)

	p := testPlan(types.PlanNode{ID: "n1", StrategyID: "needs_user_input"})
	trace := types.ExecutionTrace{
		PlanID: p.ID,
		NodeResults: map[string]types.NodeResult{
			"n1": {
				NodeID: "n1",
				Status: types.NodeStatusSuccess,
				Data:   types.NeedsUserInput{Reason: "multiple Davids", Candidates: []string{"David Park", "David Kim"}},
			},
		},
	}

	env, err := s.Synthesize(context.Background(), p.Query, p, trace, types.UserContext{UserID: "u1"})
	require.NoError(t, err)
	assert.Contains(t, env.Answer, "multiple Davids")
	assert.Contains(t, env.Answer, "David Park")
	assert.Contains(t, env.Answer, "David Kim")
	assert.Nil(t, provider.lastReq)
}

func TestSynthesize_NeedsUserInputWithoutCandidatesRendersReasonOnly(t *testing.T) {
	provider := &fakeProvider{content: "should not be called"}
	s := New(provider, testRegistry(t), Config{Model: "gpt-4o"}, nil)

	p := testPlan(types.PlanNode{ID: "n1", StrategyID: "needs_user_input"})
	trace := types.ExecutionTrace{
		PlanID: p.ID,
		NodeResults: map[string]types.NodeResult{
			"n1": {
				NodeID: "n1",
				Status: types.NodeStatusSuccess,
				Data:   types.NeedsUserInput{Reason: "which inbox did you mean?"},
			},
		},
	}

	env, err := s.Synthesize(context.Background(), p.Query, p, trace, types.UserContext{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "which inbox did you mean?", env.Answer)
	assert.Nil(t, provider.lastReq)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestSynthesize_CompletionErrorWrapped(t *testing.T) {
	provider := &fakeProvider{err: assert.AnError}
	s := New(provider, testRegistry(t), Config{Model: "gpt-4o"}, nil)

	p := testPlan(types.PlanNode{ID: "n1", StrategyID: "search_emails"})
	trace := types.ExecutionTrace{
		PlanID: p.ID,
		NodeResults: map[string]types.NodeResult{
			"n1": {NodeID: "n1", Status: types.NodeStatusSuccess, Data: "inbox summary"},
		},
	}

	_, err := s.Synthesize(context.Background(), p.Query, p, trace, types.UserContext{UserID: "u1"})
	require.Error(t, err)
}
