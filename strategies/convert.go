package strategies

import (
	"encoding/json"
	"fmt"

	"github.com/inboxloom/orchestrator/types"
)

// decodeHandles coerces an edge-resolved value (typically the "items" field
// of an upstream metadata_filter/keyword_search/batch_thread_read result,
// already flattened to []any by the coordinator's field lookup) into the
// typed []types.Handle every detector strategy operates on. A JSON
// round-trip, rather than a direct type assertion, because the coordinator
// only guarantees the value is JSON-shaped — not that it is the exact Go
// struct a strategy in a different file produced it as.
func decodeHandles(v any) ([]types.Handle, error) {
	if v == nil {
		return nil, fmt.Errorf("missing handle list input")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("re-encoding handle list: %w", err)
	}
	var handles []types.Handle
	if err := json.Unmarshal(raw, &handles); err != nil {
		return nil, fmt.Errorf("decoding handle list: %w", err)
	}
	return handles, nil
}

// decodeStrings coerces an edge-resolved value into a []string, tolerating
// both a native []string and a decoded []any of strings.
func decodeStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected a string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string list, got %T", v)
	}
}
