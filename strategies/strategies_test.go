package strategies

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxloom/orchestrator/apiclient"
	"github.com/inboxloom/orchestrator/llm/circuitbreaker"
	"github.com/inboxloom/orchestrator/llm/retry"
	"github.com/inboxloom/orchestrator/types"
)

func testClient(service string) *apiclient.APIClient {
	cfg := apiclient.Config{
		Service: service,
		Breaker: circuitbreaker.DefaultConfig(),
		Retry:   &retry.RetryPolicy{MaxRetries: 0, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Timeout: time.Second,
	}
	return apiclient.New(cfg, nil, nil)
}

type fakeEmailProvider struct {
	searchResult any
	threadResult any
}

func (f *fakeEmailProvider) SearchMessages(ctx context.Context, userID string, filters map[string]any) (any, error) {
	return f.searchResult, nil
}

func (f *fakeEmailProvider) GetThread(ctx context.Context, userID string, threadID string) (any, error) {
	return f.threadResult, nil
}

type fakeCalendarProvider struct {
	listResult any
}

func (f *fakeCalendarProvider) ListEvents(ctx context.Context, userID string, filters map[string]any) (any, error) {
	return f.listResult, nil
}

func (f *fakeCalendarProvider) FindFreeSlots(ctx context.Context, userID string, filters map[string]any) (any, error) {
	return nil, nil
}

type fakeContactsProvider struct {
	searchResult any
}

func (f *fakeContactsProvider) SearchContacts(ctx context.Context, userID string, filters map[string]any) (any, error) {
	return f.searchResult, nil
}

func sampleHandles() []map[string]any {
	now := time.Now().UTC()
	return []map[string]any{
		{"id": "m1", "from": "alice@acme.com", "subject": "urgent: need reply asap", "snippet": "please respond", "labels": []string{"important"}, "timestamp": now.Format(time.RFC3339)},
		{"id": "m2", "from": "bob@widgets-ventures.com", "subject": "quarterly update", "snippet": "fyi, no action needed", "timestamp": now.Add(-48 * time.Hour).Format(time.RFC3339)},
	}
}

func TestMetadataFilter_RoutesByDomain(t *testing.T) {
	fake := &fakeEmailProvider{searchResult: sampleHandles()}
	s := NewMetadataFilter(testClient("email"), fake, nil, nil, nil, nil)
	userCtx := types.UserContext{UserID: "u1", Providers: []string{"gmail"}}

	result, err := s.Execute(context.Background(), userCtx, map[string]any{
		"domain": "email", "filters": []string{"is:unread", "newer_than:7d"}, "max_results": 50,
	})
	require.NoError(t, err)

	list := result.(types.HandleList)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "m1", list.Items[0].ID)
}

func TestMetadataFilter_RejectsZeroMaxResults(t *testing.T) {
	fake := &fakeEmailProvider{searchResult: sampleHandles()}
	s := NewMetadataFilter(testClient("email"), fake, nil, nil, nil, nil)
	userCtx := types.UserContext{UserID: "u1", Providers: []string{"gmail"}}

	_, err := s.Execute(context.Background(), userCtx, map[string]any{
		"domain": "email", "max_results": float64(0),
	})
	require.Error(t, err)
}

func TestMetadataFilter_UnknownDomain(t *testing.T) {
	s := NewMetadataFilter(testClient("email"), &fakeEmailProvider{}, nil, nil, nil, nil)
	_, err := s.Execute(context.Background(), types.UserContext{}, map[string]any{"domain": "sms"})
	require.Error(t, err)
}

func TestKeywordSearch_RequiresQuery(t *testing.T) {
	s := NewKeywordSearch(testClient("email"), &fakeEmailProvider{}, nil, nil, nil, nil)
	_, err := s.Execute(context.Background(), types.UserContext{}, map[string]any{"domain": "email"})
	require.Error(t, err)
}

func TestKeywordSearch_Success(t *testing.T) {
	fake := &fakeEmailProvider{searchResult: sampleHandles()}
	s := NewKeywordSearch(testClient("email"), fake, nil, nil, nil, nil)
	result, err := s.Execute(context.Background(), types.UserContext{}, map[string]any{"domain": "email", "query": "invoice"})
	require.NoError(t, err)
	assert.Len(t, result.(types.HandleList).Items, 2)
}

func TestBatchThreadRead_FetchesEachThread(t *testing.T) {
	fake := &fakeEmailProvider{threadResult: map[string]any{
		"thread_id": "t1",
		"messages":  []map[string]any{{"id": "m1", "from": "alice@acme.com", "body": "hello"}},
	}}
	s := NewBatchThreadRead(testClient("email"), fake)

	result, err := s.Execute(context.Background(), types.UserContext{}, map[string]any{
		"input_email_ids": []string{"t1"},
	})
	require.NoError(t, err)
	list := result.(types.ThreadList)
	require.Len(t, list.Threads, 1)
	assert.Equal(t, "t1", list.Threads[0].ThreadID)
}

func TestCrossReference_JoinsOnSender(t *testing.T) {
	s := NewCrossReference()
	left := []map[string]any{{"id": "e1", "from": "alice@acme.com"}}
	right := []map[string]any{{"id": "c1", "from": "Alice@ACME.com"}}

	result, err := s.Execute(context.Background(), types.UserContext{}, map[string]any{
		"left": left, "right": right, "join_key": "sender",
	})
	require.NoError(t, err)
	joined := result.(types.JoinedList)
	require.Len(t, joined.Items, 1)
	assert.Equal(t, "e1", joined.Items[0].Left.ID)
	assert.Equal(t, "c1", joined.Items[0].Right.ID)
}

func TestUrgencyDetector_ScoresCuesAndVIP(t *testing.T) {
	s := NewUrgencyDetector()
	userCtx := types.UserContext{VIPAllowlist: []string{"bob@widgets-ventures.com"}}

	result, err := s.Execute(context.Background(), userCtx, map[string]any{"input_email_ids": sampleHandles()})
	require.NoError(t, err)

	scores := result.(types.EmailScoreList).Items
	require.Len(t, scores, 2)
	assert.Equal(t, "m1", scores[0].EmailID)
	assert.Greater(t, scores[0].Score, 40.0) // important label + urgent cue + recency
	assert.Greater(t, scores[1].Score, 20.0) // VIP boost even with no lexical cue
}

func TestSenderClassifier_DetectsInvestorDomain(t *testing.T) {
	s := NewSenderClassifier()
	result, err := s.Execute(context.Background(), types.UserContext{}, map[string]any{"input_email_ids": sampleHandles()})
	require.NoError(t, err)

	items := result.(types.SenderClassificationList).Items
	require.Len(t, items, 2)
	assert.Equal(t, types.SenderInvestor, items[1].Type) // widgets-ventures.com
}

func TestSenderClassifier_FilterType(t *testing.T) {
	s := NewSenderClassifier()
	result, err := s.Execute(context.Background(), types.UserContext{}, map[string]any{
		"input_email_ids": sampleHandles(), "filter_type": "investor",
	})
	require.NoError(t, err)
	items := result.(types.SenderClassificationList).Items
	require.Len(t, items, 1)
	assert.Equal(t, types.SenderInvestor, items[0].Type)
}

func TestActionDetector_LabelsReplyAndNone(t *testing.T) {
	s := NewActionDetector()
	result, err := s.Execute(context.Background(), types.UserContext{}, map[string]any{"input_email_ids": sampleHandles()})
	require.NoError(t, err)

	items := result.(types.ActionRequirementList).Items
	require.Len(t, items, 2)
	assert.Equal(t, types.ActionReply, items[0].Action)
	assert.Equal(t, types.ActionNone, items[1].Action)
}

func TestNeedsUserInput_EchoesReasonAndCandidates(t *testing.T) {
	s := NewNeedsUserInput()
	result, err := s.Execute(context.Background(), types.UserContext{}, map[string]any{
		"reason": "multiple Davids", "candidates": []string{"David Park", "David Kim"},
	})
	require.NoError(t, err)
	out := result.(types.NeedsUserInput)
	assert.Equal(t, "multiple Davids", out.Reason)
	assert.Equal(t, []string{"David Park", "David Kim"}, out.Candidates)
}

func TestNeedsUserInput_RequiresReason(t *testing.T) {
	s := NewNeedsUserInput()
	_, err := s.Execute(context.Background(), types.UserContext{}, map[string]any{"candidates": []string{"a"}})
	require.Error(t, err)
}

func TestRankByRelevance_StableOrdering(t *testing.T) {
	s := NewRankByRelevance()
	items := []RankedItem{
		{ID: "b", Score: 1.0, Timestamp: 100},
		{ID: "a", Score: 2.0, Timestamp: 50},
		{ID: "c", Score: 1.0, Timestamp: 200},
	}

	result, err := s.Execute(context.Background(), types.UserContext{}, map[string]any{"items": items})
	require.NoError(t, err)

	ranked := result.([]RankedItem)
	require.Len(t, ranked, 3)
	assert.Equal(t, "a", ranked[0].ID) // highest score
	assert.Equal(t, "c", ranked[1].ID) // tied score, newer timestamp
	assert.Equal(t, "b", ranked[2].ID)
}

func TestSpec_IDsMatchMandatoryCatalog(t *testing.T) {
	assert.Equal(t, types.StrategyMetadataFilter, NewMetadataFilter(nil, nil, nil, nil, nil, nil).Spec().ID)
	assert.Equal(t, types.StrategyKeywordSearch, NewKeywordSearch(nil, nil, nil, nil, nil, nil).Spec().ID)
	assert.Equal(t, types.StrategyBatchThreadRead, NewBatchThreadRead(testClient("email"), &fakeEmailProvider{}).Spec().ID)
	assert.Equal(t, types.StrategyCrossReference, NewCrossReference().Spec().ID)
	assert.Equal(t, types.StrategyUrgencyDetector, NewUrgencyDetector().Spec().ID)
	assert.Equal(t, types.StrategySenderClassifier, NewSenderClassifier().Spec().ID)
	assert.Equal(t, types.StrategyActionDetector, NewActionDetector().Spec().ID)
	assert.Equal(t, types.StrategyNeedsUserInput, NewNeedsUserInput().Spec().ID)
}
