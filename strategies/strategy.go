// Package strategies implements the concrete, typed retrieval and analysis
// operations a decomposed Plan node can reference. Each Strategy wraps one
// APIClient call (or a pure in-process computation) behind a uniform
// interface so the ExecutionCoordinator never needs to know which provider
// backs a given plan node.
package strategies

import (
	"context"

	"github.com/inboxloom/orchestrator/types"
)

// Strategy is a single named, typed operation the Decomposer can place into
// a Plan node and the ExecutionCoordinator can execute.
type Strategy interface {
	// Spec describes this strategy for the registry catalog and validator.
	Spec() types.StrategySpec

	// Execute runs the strategy against the given filters, with inputs
	// resolved from upstream node results already substituted into filters
	// by the coordinator (the "nodeId.field" edge syntax is resolved before
	// Execute is called — strategies never see edge references).
	Execute(ctx context.Context, userCtx types.UserContext, filters map[string]any) (any, error)
}

// BaseSpec is embedded by concrete strategies to avoid repeating the Spec()
// boilerplate; callers still provide Spec() explicitly for clarity in tests.
type BaseSpec struct {
	spec types.StrategySpec
}

// NewBaseSpec builds a BaseSpec from its fields.
func NewBaseSpec(id, service, costClass, description string, synonyms ...string) BaseSpec {
	return BaseSpec{spec: types.StrategySpec{
		ID:          id,
		Service:     service,
		CostClass:   costClass,
		Description: description,
		Synonyms:    synonyms,
	}}
}

// Spec returns the wrapped spec.
func (b BaseSpec) Spec() types.StrategySpec { return b.spec }
