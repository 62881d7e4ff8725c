// Package registry holds the StrategyRegistry: the catalog of strategies a
// decomposed Plan may reference. The catalog is built once at process start
// from the strategies package and never mutated afterward (§4.4 — process
// lifetime immutability, not a live plugin system).
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/inboxloom/orchestrator/strategies"
	"github.com/inboxloom/orchestrator/types"
)

// Sentinel errors.
var (
	ErrAlreadyRegistered = errors.New("strategy already registered")
	ErrNotFound          = errors.New("strategy not found")
)

// StrategyRegistry is a thread-safe catalog of registered strategies, keyed
// by their strategy id. Registration happens during process startup wiring;
// after that the registry is read-only in practice (the mutex exists for
// defensive correctness, not because runtime registration is expected).
type StrategyRegistry struct {
	mu         sync.RWMutex
	strategies map[string]strategies.Strategy
	specs      map[string]types.StrategySpec
	sealed     bool
	logger     *zap.Logger
}

// New creates an empty StrategyRegistry.
func New(logger *zap.Logger) *StrategyRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StrategyRegistry{
		strategies: make(map[string]strategies.Strategy),
		specs:      make(map[string]types.StrategySpec),
		logger:     logger.With(zap.String("component", "strategy_registry")),
	}
}

// Register adds a strategy to the catalog. It returns an error if the
// registry has been sealed or the id is already registered.
func (r *StrategyRegistry) Register(s strategies.Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("strategy registry is sealed, cannot register %q", s.Spec().ID)
	}

	spec := s.Spec()
	if spec.ID == "" {
		return fmt.Errorf("strategy spec must have a non-empty id")
	}
	if _, exists := r.strategies[spec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, spec.ID)
	}

	r.strategies[spec.ID] = s
	r.specs[spec.ID] = spec
	r.logger.Info("strategy registered",
		zap.String("strategy_id", spec.ID),
		zap.String("service", spec.Service),
		zap.String("cost_class", spec.CostClass))
	return nil
}

// Seal freezes the registry. Called once at the end of process startup
// wiring; subsequent Register calls fail.
func (r *StrategyRegistry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	r.logger.Info("strategy registry sealed", zap.Int("count", len(r.strategies)))
}

// Get returns the strategy for the given id.
func (r *StrategyRegistry) Get(id string) (strategies.Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[id]
	return s, ok
}

// Has reports whether id names a registered strategy, without returning it.
// Used by the PlanValidator's "registered strategy ids" check.
func (r *StrategyRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.strategies[id]
	return ok
}

// Spec returns the spec for the given strategy id.
func (r *StrategyRegistry) Spec(id string) (types.StrategySpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[id]
	return s, ok
}

// List returns all registered specs, sorted by id.
func (r *StrategyRegistry) List() []types.StrategySpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.StrategySpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered strategies.
func (r *StrategyRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.strategies)
}

// ByService returns the ids of strategies bound to the given service
// ("email", "calendar", "contacts", "compute"), sorted.
func (r *StrategyRegistry) ByService(service string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for id, spec := range r.specs {
		if spec.Service == service {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
