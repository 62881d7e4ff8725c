package strategies

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/inboxloom/orchestrator/apiclient"
	"github.com/inboxloom/orchestrator/types"
)

// BatchThreadRead is the "batch_thread_read" strategy (§4.4): given a list
// of email/thread ids (typically edged in from a metadata_filter or
// keyword_search node's "items" field), fetches each thread's full message
// body. Bound to the email service: thread bodies are an email-domain
// concept, unlike metadata_filter/keyword_search's cross-domain routing.
type BatchThreadRead struct {
	BaseSpec
	client   *apiclient.APIClient
	provider EmailProvider
}

// NewBatchThreadRead builds the batch_thread_read strategy.
func NewBatchThreadRead(client *apiclient.APIClient, provider EmailProvider) *BatchThreadRead {
	return &BatchThreadRead{
		BaseSpec: NewBaseSpec(types.StrategyBatchThreadRead, "email", "standard",
			"Fetch the full message bodies of a batch of email threads by id"),
		client:   client,
		provider: provider,
	}
}

// Execute reads filters["input_email_ids"] (a Handle list or a bare id
// list) and fetches each named thread concurrently, batching the per-thread
// calls through the shared APIClient/DataLoader rather than issuing them
// one at a time from the caller's perspective.
func (s *BatchThreadRead) Execute(ctx context.Context, userCtx types.UserContext, filters map[string]any) (any, error) {
	ids, err := threadIDsOf(filters["input_email_ids"])
	if err != nil {
		return nil, fmt.Errorf("batch_thread_read: %w", err)
	}
	if len(ids) == 0 {
		return types.ThreadList{}, nil
	}

	threads := make([]types.EmailThread, len(ids))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		eg.Go(func() error {
			raw, err := s.client.Do(egCtx, func(ctx context.Context) (any, error) {
				return s.provider.GetThread(ctx, userCtx.UserID, id)
			})
			if err != nil {
				return fmt.Errorf("thread %q: %w", id, err)
			}
			thread, err := decodeThread(id, raw)
			if err != nil {
				return err
			}
			threads[i] = thread
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("batch_thread_read: %w", err)
	}
	return types.ThreadList{Threads: threads}, nil
}

func threadIDsOf(v any) ([]string, error) {
	if v == nil {
		return nil, fmt.Errorf("requires an input_email_ids filter")
	}
	if handles, err := decodeHandles(v); err == nil && len(handles) > 0 {
		ids := make([]string, len(handles))
		for i, h := range handles {
			ids[i] = h.ThreadID
			if ids[i] == "" {
				ids[i] = h.ID
			}
		}
		return ids, nil
	}
	return decodeStrings(v)
}

func decodeThread(id string, raw any) (types.EmailThread, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return types.EmailThread{}, fmt.Errorf("re-encoding thread %q: %w", id, err)
	}
	var thread types.EmailThread
	if err := json.Unmarshal(buf, &thread); err != nil {
		return types.EmailThread{}, fmt.Errorf("decoding thread %q: %w", id, err)
	}
	if thread.ThreadID == "" {
		thread.ThreadID = id
	}
	return thread, nil
}
