package coordinator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/inboxloom/orchestrator/types"
)

// resolveFilters copies node's filters, replacing every "nodeId.field" string
// value whose nodeId names a node in node's DependsOn with that upstream
// node's output data (§3, §4.5 — the same edge syntax the PlanValidator
// already checks for in validator.checkEdgeReferences). Strategies never see
// edge syntax: by the time Execute runs, filters hold only literals and
// resolved values. A "nodeId.field" string whose nodeId is not a known node
// id is left as a literal — it just happens to contain a dot.
func resolveFilters(node types.PlanNode, state *execState) (map[string]any, error) {
	if len(node.Filters) == 0 {
		return node.Filters, nil
	}

	resolved := make(map[string]any, len(node.Filters))
	for k, v := range node.Filters {
		s, ok := v.(string)
		if !ok || !strings.Contains(s, ".") {
			resolved[k] = v
			continue
		}

		nodeID, field, _ := strings.Cut(s, ".")
		if !dependsOn(node, nodeID) {
			resolved[k] = v
			continue
		}

		value, err := lookupField(state, nodeID, field)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", k, err)
		}
		resolved[k] = value
	}
	return resolved, nil
}

func dependsOn(node types.PlanNode, nodeID string) bool {
	for _, d := range node.DependsOn {
		if d == nodeID {
			return true
		}
	}
	return false
}

// lookupField reads field out of the upstream node's recorded output. Only
// one level of map-key indirection is supported (e.g. "items", "thread_id")
// since strategy outputs are flat typed payloads, not arbitrary documents.
func lookupField(state *execState, nodeID, field string) (any, error) {
	state.mu.Lock()
	defer state.mu.Unlock()

	result, ok := state.results[nodeID]
	if !ok || result.Status != types.NodeStatusSuccess {
		return nil, fmt.Errorf("upstream node %q has no successful result", nodeID)
	}

	data, ok := state.data[nodeID]
	if !ok {
		return nil, fmt.Errorf("upstream node %q produced no data", nodeID)
	}
	if field == "" {
		return data, nil
	}

	m, ok := asFieldMap(data)
	if !ok {
		return nil, fmt.Errorf("upstream node %q output is not field-addressable", nodeID)
	}
	value, ok := m[field]
	if !ok {
		return nil, fmt.Errorf("upstream node %q output has no field %q", nodeID, field)
	}
	return value, nil
}

// asFieldMap exposes an upstream strategy's declared output schema (§3 "a
// node's declared output schema is the contract") as a field-addressable
// map. Strategies return typed structs (types.HandleList, types.EmailScoreList,
// ...), not raw maps, so a JSON round-trip stands in for the reflection a
// typed-schema registry would otherwise need to expose each field by name.
func asFieldMap(data any) (map[string]any, bool) {
	if m, ok := data.(map[string]any); ok {
		return m, true
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}
