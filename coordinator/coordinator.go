// Package coordinator implements the ExecutionCoordinator (L2): it runs a
// validated Plan's nodes in topological layers with bounded concurrency,
// per-node timeouts, cooperative cancellation, and deterministic result
// ordering (§4.7, §5). It is the typed, Plan-shaped replacement for the
// teacher's workflow.DAGExecutor — node execution, circuit breaking, and
// error classification now live one layer down in apiclient.APIClient, so
// the coordinator's own job shrinks to scheduling and result bookkeeping.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inboxloom/orchestrator/apiclient"
	"github.com/inboxloom/orchestrator/apierr"
	"github.com/inboxloom/orchestrator/dataloader"
	"github.com/inboxloom/orchestrator/plan"
	"github.com/inboxloom/orchestrator/registry"
	"github.com/inboxloom/orchestrator/types"
)

// Config tunes the coordinator's concurrency caps and timeouts (§5).
type Config struct {
	// GlobalConcurrency bounds the total number of nodes running at once
	// across all services (default 32).
	GlobalConcurrency int

	// ServiceConcurrency bounds concurrent nodes per service name, e.g.
	// "email": 8, "calendar": 8, "contacts": 4, "llm"/"compute": 4. A service
	// absent from the map runs unbounded beyond the global cap.
	ServiceConcurrency map[string]int

	// NodeTimeout bounds a single node's execution (default 10s). Overridden
	// per strategy id via NodeTimeoutByStrategy when present.
	NodeTimeout           time.Duration
	NodeTimeoutByStrategy map[string]time.Duration
}

// DefaultConfig returns the spec's default concurrency and timeout tuning.
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency: 32,
		ServiceConcurrency: map[string]int{
			"email":    8,
			"calendar": 8,
			"contacts": 4,
			"compute":  4,
		},
		NodeTimeout: 10 * time.Second,
	}
}

func (c Config) timeoutFor(strategyID string) time.Duration {
	if d, ok := c.NodeTimeoutByStrategy[strategyID]; ok {
		return d
	}
	if c.NodeTimeout > 0 {
		return c.NodeTimeout
	}
	return 10 * time.Second
}

// NodeEvent is one node state transition, emitted on a Coordinator's event
// sink when set (SUPPLEMENTED FEATURES #1 — SSE progress streaming).
type NodeEvent struct {
	NodeID string
	Status types.NodeStatus
}

// Coordinator runs a Plan's nodes layer by layer against the strategy
// registry, enforcing the concurrency and timeout bounds in Config.
type Coordinator struct {
	registry *registry.StrategyRegistry
	clients  map[string]*apiclient.APIClient // service -> client
	cfg      Config
	logger   *zap.Logger

	global chan struct{}
	perSvc map[string]chan struct{}
	events chan<- NodeEvent
}

// WithEvents returns a shallow copy of the Coordinator that emits a NodeEvent
// on ch for every node state transition during Run. Sends are non-blocking —
// a slow or absent consumer never backs up node execution. Passing nil
// disables events again.
func (c *Coordinator) WithEvents(ch chan<- NodeEvent) *Coordinator {
	cp := *c
	cp.events = ch
	return &cp
}

func (c *Coordinator) emit(nodeID string, status types.NodeStatus) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- NodeEvent{NodeID: nodeID, Status: status}:
	default:
	}
}

// New builds a Coordinator. clients must have one entry per service name
// that appears in the registry's strategy specs (email/calendar/contacts/
// compute); a missing entry causes node execution to fail fast.
func New(reg *registry.StrategyRegistry, clients map[string]*apiclient.APIClient, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = 32
	}

	perSvc := make(map[string]chan struct{}, len(cfg.ServiceConcurrency))
	for svc, n := range cfg.ServiceConcurrency {
		if n > 0 {
			perSvc[svc] = make(chan struct{}, n)
		}
	}

	return &Coordinator{
		registry: reg,
		clients:  clients,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "execution_coordinator")),
		global:   make(chan struct{}, cfg.GlobalConcurrency),
		perSvc:   perSvc,
	}
}

// execState is the coordinator's mutable per-run bookkeeping, one instance
// per call to Run. Node data is kept separately from types.NodeResult so
// edge resolution can read raw provider payloads without reaching into the
// trace's JSON-shaped Data field.
type execState struct {
	mu      sync.Mutex
	results map[string]types.NodeResult
	data    map[string]any
}

func newExecState(n int) *execState {
	return &execState{
		results: make(map[string]types.NodeResult, n),
		data:    make(map[string]any, n),
	}
}

func (s *execState) set(id string, r types.NodeResult, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = r
	s.data[id] = data
}

func (s *execState) get(id string) (types.NodeResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	return r, ok
}

func (s *execState) snapshot() map[string]types.NodeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.NodeResult, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

// Run executes plan's nodes in topological layers and returns the resulting
// ExecutionTrace. Run never returns a non-nil error for ordinary node
// failures — those are recorded per-node in the trace. It returns an error
// only when the plan itself cannot be scheduled (cycle, unresolvable graph)
// or, when plan.BestEffort is false, when a required (non-optional) node
// failed, timed out, or was cancelled.
func (c *Coordinator) Run(ctx context.Context, p types.Plan, userCtx types.UserContext) (types.ExecutionTrace, error) {
	g, err := plan.Build(p)
	if err != nil {
		return types.ExecutionTrace{}, fmt.Errorf("coordinator: %w", err)
	}

	layers, err := g.Layers()
	if err != nil {
		return types.ExecutionTrace{}, fmt.Errorf("coordinator: %w", err)
	}

	state := newExecState(len(p.Nodes))
	loader := dataloader.New()
	executionID := uuid.NewString()

	trace := types.ExecutionTrace{
		ExecutionID: executionID,
		PlanID:      p.ID,
		StartedAt:   time.Now(),
	}

	logger := c.logger.With(zap.String("execution_id", executionID), zap.String("plan_id", p.ID))
	logger.Info("execution started", zap.Int("node_count", len(p.Nodes)), zap.Int("layer_count", len(layers)))

	var requiredFailure error

	for layerIdx, layer := range layers {
		select {
		case <-ctx.Done():
			c.markRemainingCancelled(state, layers[layerIdx:])
			requiredFailure = firstRequiredFailure(requiredFailure, ctx.Err(), layer, state)
			goto done
		default:
		}

		if err := c.runLayer(ctx, layer, p, userCtx, state, loader, logger); err != nil && requiredFailure == nil {
			requiredFailure = err
		}
	}

done:
	trace.NodeResults = state.snapshot()
	trace.FinishedAt = time.Now()
	trace.PartialResult = hasIncompleteNode(trace.NodeResults)

	stats := loader.Stats()
	logger.Info("execution finished",
		zap.Duration("duration", trace.FinishedAt.Sub(trace.StartedAt)),
		zap.Bool("partial", trace.PartialResult),
		zap.Int64("loader_requests", stats.Requests),
		zap.Int64("loader_coalesced", stats.Coalesced))

	if requiredFailure != nil && !p.BestEffort {
		return trace, fmt.Errorf("coordinator: required node failed: %w", requiredFailure)
	}
	return trace, nil
}

// runLayer executes every node in one topological layer concurrently.
// Required (non-optional) nodes run under an errgroup so the first required
// failure cancels the layer's remaining work; optional nodes run alongside
// on their own WaitGroup and never cancel the layer.
func (c *Coordinator) runLayer(ctx context.Context, layer []types.PlanNode, p types.Plan, userCtx types.UserContext, state *execState, loader *dataloader.Loader, logger *zap.Logger) error {
	eg, egCtx := errgroup.WithContext(ctx)
	var optionalWG sync.WaitGroup

	for _, node := range layer {
		node := node

		if depFailed(node, state) {
			state.set(node.ID, types.NodeResult{
				NodeID:    node.ID,
				Status:    types.NodeStatusSkipped,
				StartedAt: time.Now(),
			}, nil)
			c.emit(node.ID, types.NodeStatusSkipped)
			continue
		}

		if node.Optional {
			optionalWG.Add(1)
			go func() {
				defer optionalWG.Done()
				_ = c.runNode(egCtx, node, p, userCtx, state, loader, logger)
			}()
			continue
		}

		eg.Go(func() error {
			return c.runNode(egCtx, node, p, userCtx, state, loader, logger)
		})
	}

	err := eg.Wait()
	optionalWG.Wait()
	return err
}

// runNode resolves edge references, acquires its concurrency slots, and
// executes the node's strategy through its service's APIClient + DataLoader,
// recording a terminal NodeResult regardless of outcome.
func (c *Coordinator) runNode(ctx context.Context, node types.PlanNode, p types.Plan, userCtx types.UserContext, state *execState, loader *dataloader.Loader, logger *zap.Logger) error {
	started := time.Now()
	state.set(node.ID, types.NodeResult{NodeID: node.ID, Status: types.NodeStatusRunning, StartedAt: started}, nil)
	c.emit(node.ID, types.NodeStatusRunning)

	strategy, ok := c.registry.Get(node.StrategyID)
	if !ok {
		return c.fail(node, started, fmt.Errorf("unregistered strategy %q", node.StrategyID), state, node.Optional)
	}
	spec := strategy.Spec()

	// metadata_filter and keyword_search declare no fixed spec.Service - they
	// route to email/calendar/contacts per node based on filters["domain"].
	service := types.ResolveService(node, spec)

	client, ok := c.clients[service]
	if !ok {
		return c.fail(node, started, fmt.Errorf("no apiclient configured for service %q", service), state, node.Optional)
	}

	filters, err := resolveFilters(node, state)
	if err != nil {
		return c.fail(node, started, err, state, node.Optional)
	}

	release, err := c.acquire(ctx, service)
	if err != nil {
		return c.fail(node, started, err, state, node.Optional)
	}
	defer release()

	nodeCtx, cancel := context.WithTimeout(ctx, c.cfg.timeoutFor(node.StrategyID))
	defer cancel()

	key, err := dataloader.Key(node.StrategyID, filters)
	if err != nil {
		return c.fail(node, started, err, state, node.Optional)
	}

	data, err := loader.Load(nodeCtx, key, func(fetchCtx context.Context) (any, error) {
		return client.Do(fetchCtx, func(callCtx context.Context) (any, error) {
			return strategy.Execute(callCtx, userCtx, filters)
		})
	})
	if err != nil {
		if nodeCtx.Err() != nil {
			state.set(node.ID, types.NodeResult{
				NodeID: node.ID, Status: types.NodeStatusCancelled, Err: err.Error(), ErrKind: string(apierr.KindTimeout),
				StartedAt: started, Duration: time.Since(started),
			}, nil)
			c.emit(node.ID, types.NodeStatusCancelled)
			logger.Warn("node cancelled", zap.String("node_id", node.ID), zap.Error(err))
			if node.Optional {
				return nil
			}
			return err
		}
		return c.fail(node, started, err, state, node.Optional)
	}

	state.set(node.ID, types.NodeResult{
		NodeID: node.ID, Status: types.NodeStatusSuccess, Data: data,
		StartedAt: started, Duration: time.Since(started),
	}, data)
	c.emit(node.ID, types.NodeStatusSuccess)
	logger.Debug("node succeeded", zap.String("node_id", node.ID), zap.Duration("duration", time.Since(started)))
	return nil
}

func (c *Coordinator) fail(node types.PlanNode, started time.Time, err error, state *execState, optional bool) error {
	state.set(node.ID, types.NodeResult{
		NodeID: node.ID, Status: types.NodeStatusFailed, Err: err.Error(), ErrKind: string(apierr.KindOf(err)),
		StartedAt: started, Duration: time.Since(started),
	}, nil)
	c.emit(node.ID, types.NodeStatusFailed)
	c.logger.Warn("node failed", zap.String("node_id", node.ID), zap.Error(err))
	if optional {
		return nil
	}
	return err
}

// acquire takes one global and one per-service concurrency slot, returning a
// release func. It respects ctx cancellation while waiting for a slot.
func (c *Coordinator) acquire(ctx context.Context, service string) (func(), error) {
	select {
	case c.global <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	svcSem, bounded := c.perSvc[service]
	if bounded {
		select {
		case svcSem <- struct{}{}:
		case <-ctx.Done():
			<-c.global
			return nil, ctx.Err()
		}
	}

	return func() {
		if bounded {
			<-svcSem
		}
		<-c.global
	}, nil
}

func (c *Coordinator) markRemainingCancelled(state *execState, layers [][]types.PlanNode) {
	for _, layer := range layers {
		for _, node := range layer {
			if _, done := state.get(node.ID); done {
				continue
			}
			state.set(node.ID, types.NodeResult{
				NodeID:    node.ID,
				Status:    types.NodeStatusCancelled,
				Err:       "request deadline exceeded before node started",
				StartedAt: time.Now(),
			}, nil)
			c.emit(node.ID, types.NodeStatusCancelled)
		}
	}
}

func firstRequiredFailure(existing error, ctxErr error, layer []types.PlanNode, state *execState) error {
	if existing != nil {
		return existing
	}
	for _, node := range layer {
		if node.Optional {
			continue
		}
		if r, ok := state.get(node.ID); ok && r.Status == types.NodeStatusCancelled {
			return ctxErr
		}
	}
	return existing
}

func hasIncompleteNode(results map[string]types.NodeResult) bool {
	for _, r := range results {
		switch r.Status {
		case types.NodeStatusFailed, types.NodeStatusCancelled, types.NodeStatusSkipped:
			return true
		}
	}
	return false
}

// depFailed reports whether node depends on an upstream node that did not
// succeed (§4.7 rule 4 — dependents of a failed/skipped node are skipped).
func depFailed(node types.PlanNode, state *execState) bool {
	for _, dep := range node.DependsOn {
		r, ok := state.get(dep)
		if !ok || r.Status != types.NodeStatusSuccess {
			return true
		}
	}
	return false
}
