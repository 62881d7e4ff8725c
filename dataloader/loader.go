// Package dataloader implements per-request coalescing of identical
// provider calls (§4.7). A DataLoader is scoped to a single plan
// execution: two plan nodes that resolve to the same (strategy id, filters)
// signature share one in-flight call and its result, the same way a
// GraphQL DataLoader collapses duplicate key lookups within one request.
// Distinct keys are not batched: each one runs its own Fetch.
package dataloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Fetch performs the underlying provider call for a coalesced key.
type Fetch func(ctx context.Context) (any, error)

// Loader coalesces calls sharing the same key within the lifetime of one
// Loader instance (one per plan execution — construct a fresh Loader per
// request, never share one across requests).
type Loader struct {
	mu      sync.Mutex
	inflight map[string]*call
	done    map[string]result

	requests  atomic.Int64
	coalesced atomic.Int64
}

type call struct {
	wg     sync.WaitGroup
	result result
}

type result struct {
	value any
	err   error
}

// New creates an empty per-request Loader.
func New() *Loader {
	return &Loader{
		inflight: make(map[string]*call),
		done:     make(map[string]result),
	}
}

// Key builds a stable coalescing key from a strategy id and its resolved
// filters, so two plan nodes invoking the same strategy with identical
// arguments collapse onto one Fetch.
func Key(strategyID string, filters map[string]any) (string, error) {
	payload, err := json.Marshal(struct {
		StrategyID string         `json:"strategy_id"`
		Filters    map[string]any `json:"filters"`
	}{strategyID, filters})
	if err != nil {
		return "", fmt.Errorf("dataloader: key encoding failed: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Load runs fetch for key, or returns the already-computed/in-flight result
// if another goroutine already requested the same key in this request.
func (l *Loader) Load(ctx context.Context, key string, fetch Fetch) (any, error) {
	l.requests.Add(1)

	l.mu.Lock()
	if r, ok := l.done[key]; ok {
		l.mu.Unlock()
		l.coalesced.Add(1)
		return r.value, r.err
	}
	if c, ok := l.inflight[key]; ok {
		l.mu.Unlock()
		l.coalesced.Add(1)
		c.wg.Wait()
		return c.result.value, c.result.err
	}

	c := &call{}
	c.wg.Add(1)
	l.inflight[key] = c
	l.mu.Unlock()

	value, err := fetch(ctx)
	c.result = result{value: value, err: err}
	c.wg.Done()

	l.mu.Lock()
	delete(l.inflight, key)
	l.done[key] = c.result
	l.mu.Unlock()

	return value, err
}

// Stats reports coalescing effectiveness; the coordinator logs it when a
// plan run finishes.
type Stats struct {
	Requests  int64
	Coalesced int64
}

// Stats returns the current coalescing counters.
func (l *Loader) Stats() Stats {
	return Stats{Requests: l.requests.Load(), Coalesced: l.coalesced.Load()}
}
