// Package plan provides graph operations over types.Plan: topological
// layering for concurrent execution, cycle detection, and graph depth.
// "nodeId.field" filter references are resolved by the coordinator, not
// here. It is the typed
// replacement for the teacher's generic workflow.DAGGraph — a Plan's nodes
// and dependencies are known statically, not built incrementally at runtime.
package plan

import (
	"fmt"

	"github.com/inboxloom/orchestrator/types"
)

// Graph is a resolved, queryable view over a types.Plan's dependency
// structure, built once per plan execution.
type Graph struct {
	plan     types.Plan
	byID     map[string]types.PlanNode
	children map[string][]string // nodeID -> ids of nodes that depend on it
}

// Build constructs a Graph from a Plan. It does not validate the plan — use
// validator.Validate for that; Build assumes DependsOn references resolvable
// node ids (Build itself will error on an unresolvable id since it cannot
// construct the children index otherwise).
func Build(p types.Plan) (*Graph, error) {
	g := &Graph{
		plan:     p,
		byID:     make(map[string]types.PlanNode, len(p.Nodes)),
		children: make(map[string][]string),
	}

	for _, n := range p.Nodes {
		if _, dup := g.byID[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		g.byID[n.ID] = n
	}

	for _, n := range p.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := g.byID[dep]; !ok {
				return nil, fmt.Errorf("node %q depends on unknown node %q", n.ID, dep)
			}
			g.children[dep] = append(g.children[dep], n.ID)
		}
	}

	return g, nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (types.PlanNode, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// Children returns the ids of nodes that depend on id.
func (g *Graph) Children(id string) []string {
	return g.children[id]
}

// Layers returns the plan's nodes grouped into topological layers: layer 0
// has no dependencies, layer k depends only on nodes in layers < k. Nodes
// within a layer have no dependency relationship and may execute
// concurrently. Returns an error if the graph contains a cycle.
func (g *Graph) Layers() ([][]types.PlanNode, error) {
	remaining := make(map[string]int, len(g.byID)) // id -> unresolved dependency count
	for id, n := range g.byID {
		remaining[id] = len(n.DependsOn)
	}

	var layers [][]types.PlanNode
	placed := 0

	for len(remaining) > 0 {
		var layer []types.PlanNode
		for id, count := range remaining {
			if count == 0 {
				layer = append(layer, g.byID[id])
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("plan graph has a cycle: %d nodes have unresolved dependencies", len(remaining))
		}

		// Deterministic order within a layer (by id) for reproducible traces.
		sortNodesByID(layer)

		for _, n := range layer {
			delete(remaining, n.ID)
			placed++
		}
		for id := range remaining {
			n := g.byID[id]
			unresolved := 0
			for _, dep := range n.DependsOn {
				if _, stillRemaining := remaining[dep]; stillRemaining {
					unresolved++
				}
			}
			remaining[id] = unresolved
		}

		layers = append(layers, layer)
	}

	if placed != len(g.byID) {
		return nil, fmt.Errorf("plan graph layering incomplete: placed %d of %d nodes", placed, len(g.byID))
	}

	return layers, nil
}

func sortNodesByID(nodes []types.PlanNode) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j].ID < nodes[j-1].ID; j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

// HasCycle reports whether the plan's dependency graph contains a cycle,
// without returning the full layering.
func (g *Graph) HasCycle() bool {
	_, err := g.Layers()
	return err != nil
}

// Depth returns the number of topological layers (the plan's critical-path
// length), used by the validator's bounded-graph-depth check.
func (g *Graph) Depth() (int, error) {
	layers, err := g.Layers()
	if err != nil {
		return 0, err
	}
	return len(layers), nil
}
