package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxloom/orchestrator/apierr"
	"github.com/inboxloom/orchestrator/registry"
	"github.com/inboxloom/orchestrator/strategies"
	"github.com/inboxloom/orchestrator/types"
)

func testRegistry(t *testing.T) *registry.StrategyRegistry {
	t.Helper()
	r := registry.New(nil)
	require.NoError(t, r.Register(strategies.NewRankByRelevance()))
	require.NoError(t, r.Register(strategies.NewUrgencyDetector()))
	require.NoError(t, r.Register(strategies.NewNeedsUserInput()))
	require.NoError(t, r.Register(strategies.NewMetadataFilter(nil, nil, nil, nil, nil, nil)))
	return r
}

func TestValidate_EmptyPlanRejected(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	err := v.Validate(types.Plan{}, types.UserContext{})
	require.Error(t, err)
	assert.Equal(t, apierr.KindValidation, apierr.KindOf(err))
}

func TestValidate_UnregisteredStrategyRejected(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{{ID: "n1", StrategyID: "does_not_exist"}}}
	err := v.Validate(p, types.UserContext{})
	require.Error(t, err)
}

func TestValidate_UnknownDependsOnRejected(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "rank_by_relevance", DependsOn: []string{"ghost"}},
	}}
	err := v.Validate(p, types.UserContext{})
	require.Error(t, err)
}

func TestValidate_EdgeReferenceWithoutDependsOnRejected(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "rank_by_relevance"},
		{ID: "n2", StrategyID: "urgency_detector", Filters: map[string]any{"input_email_ids": "n1.items"}},
	}}
	err := v.Validate(p, types.UserContext{})
	require.Error(t, err)
}

func TestValidate_CycleRejected(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "rank_by_relevance", DependsOn: []string{"n2"}},
		{ID: "n2", StrategyID: "urgency_detector", DependsOn: []string{"n1"}},
	}}
	err := v.Validate(p, types.UserContext{})
	require.Error(t, err)
}

func TestValidate_DisallowedFilterTokenRejected(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "metadata_filter", Filters: map[string]any{
			"domain": "email", "filters": []string{"exec:rm"},
		}},
	}}
	err := v.Validate(p, types.UserContext{})
	require.Error(t, err)
}

func TestValidate_AllowedFilterTokensPass(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "metadata_filter", Filters: map[string]any{
			"domain": "email", "filters": []string{"is:unread", "newer_than:7d", "has:attachment"}, "max_results": 50,
		}},
	}}
	assert.NoError(t, v.Validate(p, types.UserContext{}))
}

func TestValidate_ForbiddenSynonymRejected(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "metadata_filter", Filters: map[string]any{
			"domain": "email", "filters": []string{"isUrgent"},
		}},
	}}
	err := v.Validate(p, types.UserContext{})
	require.Error(t, err)
}

func TestValidate_ForbiddenSenderTypePrefixRejected(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "metadata_filter", Filters: map[string]any{
			"domain": "email", "filters": []string{"sender_type:investor"},
		}},
	}}
	err := v.Validate(p, types.UserContext{})
	require.Error(t, err)
}

func TestValidate_UnknownDomainRejected(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "metadata_filter", Filters: map[string]any{"domain": "sms"}},
	}}
	err := v.Validate(p, types.UserContext{})
	require.Error(t, err)
}

func TestValidate_MaxResultsZeroRejected(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "metadata_filter", Filters: map[string]any{"domain": "email", "max_results": float64(0)}},
	}}
	err := v.Validate(p, types.UserContext{})
	require.Error(t, err)
}

func TestValidate_MissingProviderEnrollmentNeedsReauth(t *testing.T) {
	r := registry.New(nil)
	require.NoError(t, r.Register(strategies.NewMetadataFilter(nil, nil, nil, nil, nil, nil)))
	v := New(DefaultConfig(), r)

	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "metadata_filter", Filters: map[string]any{"domain": "email"}},
	}}
	err := v.Validate(p, types.UserContext{UserID: "u1"})
	require.Error(t, err)
	assert.Equal(t, apierr.KindNeedsReauth, apierr.KindOf(err))
}

func TestValidate_ComputeNodesNeverNeedEnrollment(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "urgency_detector", Filters: map[string]any{"input_email_ids": []any{}}},
	}}
	assert.NoError(t, v.Validate(p, types.UserContext{}))
}

func TestValidate_NeedsUserInputPasses(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "needs_user_input", Filters: map[string]any{
			"reason": "multiple Davids", "candidates": []string{"David Park", "David Kim"},
		}},
	}}
	assert.NoError(t, v.Validate(p, types.UserContext{}))
}

func TestValidate_ValidPlanPasses(t *testing.T) {
	v := New(DefaultConfig(), testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "metadata_filter", Filters: map[string]any{
			"domain": "email", "filters": []string{"is:unread"}, "max_results": 50,
		}},
		{ID: "n2", StrategyID: "urgency_detector", DependsOn: []string{"n1"}, Filters: map[string]any{"input_email_ids": "n1.items"}},
	}}
	err := v.Validate(p, types.UserContext{UserID: "u1", Providers: []string{"gmail"}})
	assert.NoError(t, err)
}

func TestValidate_MaxDepthExceeded(t *testing.T) {
	cfg := Config{MaxDepth: 1, MaxNodes: 10}
	v := New(cfg, testRegistry(t))
	p := types.Plan{Nodes: []types.PlanNode{
		{ID: "n1", StrategyID: "rank_by_relevance"},
		{ID: "n2", StrategyID: "urgency_detector", DependsOn: []string{"n1"}},
	}}
	err := v.Validate(p, types.UserContext{})
	require.Error(t, err)
}
