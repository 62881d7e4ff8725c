// Package validator implements the PlanValidator: the checks every
// Decomposer-produced Plan must pass before the ExecutionCoordinator will run
// it (§4.5, §4.6, §7). A plan that fails validation is rejected with a
// *apierr.Error of KindValidation — it is never partially executed.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/inboxloom/orchestrator/apierr"
	"github.com/inboxloom/orchestrator/plan"
	"github.com/inboxloom/orchestrator/registry"
	"github.com/inboxloom/orchestrator/types"
)

// allowedFilterToken is the provider filter grammar (§6): the only
// metadata_filter operator tokens a Decomposer-produced plan may use.
// Anything else — including a synonym a model might reach for instead — is
// rejected.
var allowedFilterToken = regexp.MustCompile(
	`^(from:.+|to:.+|subject:.+|has:attachment|is:(unread|read|important|starred)|label:.+|newer_than:\d+d|older_than:\d+d)$`,
)

// forbiddenSynonyms (§6) are filter-shaped strings that express a detector's
// job as a metadata_filter operator instead of going through urgency_detector
// / action_detector / sender_classifier. A plan that reaches for one of these
// is hallucinating a filter the provider does not support.
var forbiddenSynonyms = []string{"isUrgent", "isUnread", "requires_response", "due_today"}

// forbiddenSynonymPrefixes catches parameterized forbidden synonyms, e.g.
// "sender_type:investor" (§6).
var forbiddenSynonymPrefixes = []string{"sender_type:"}

// Config bounds plan shape.
type Config struct {
	// MaxDepth caps the number of topological layers (§5 bounded graph).
	MaxDepth int
	// MaxNodes caps the total node count.
	MaxNodes int
}

// DefaultConfig returns the spec's default bounds.
func DefaultConfig() Config {
	return Config{MaxDepth: 6, MaxNodes: 24}
}

// Validator validates a Plan against the registry's catalog and the user's
// context.
type Validator struct {
	cfg      Config
	registry *registry.StrategyRegistry
}

// New creates a Validator bound to the given registry.
func New(cfg Config, reg *registry.StrategyRegistry) *Validator {
	return &Validator{cfg: cfg, registry: reg}
}

// Validate runs the six checks from §4.6 against p for the given user
// context. It returns the first violation found, wrapped as *apierr.Error
// with KindValidation (or KindNeedsReauth for unmet enrollment), or nil if
// the plan is acceptable.
//
//  1. every node references a registered strategy
//  2. every depends_on / "nodeId.field" edge names an existing, listed node
//  3. the graph is acyclic and within the depth/node bounds
//  4. every metadata_filter node's filter tokens use the allowed grammar, and
//     its domain/max_results params are well-formed
//  5. no forbidden synonym appears anywhere in a node's filters
//  6. the user has enrolled every provider the plan's nodes require
func (v *Validator) Validate(p types.Plan, userCtx types.UserContext) error {
	if len(p.Nodes) == 0 {
		return apierr.New(apierr.KindValidation, "plan has no nodes")
	}
	if len(p.Nodes) > v.cfg.MaxNodes {
		return apierr.New(apierr.KindValidation,
			fmt.Sprintf("plan has %d nodes, exceeds max of %d", len(p.Nodes), v.cfg.MaxNodes))
	}

	if err := v.checkRegisteredStrategies(p); err != nil {
		return err
	}
	if err := v.checkEdgeReferences(p); err != nil {
		return err
	}
	if err := v.checkAcyclicAndBounded(p); err != nil {
		return err
	}
	if err := v.checkMetadataFilterParams(p); err != nil {
		return err
	}
	if err := v.checkForbiddenSynonyms(p); err != nil {
		return err
	}
	if err := v.checkUserEnrollment(p, userCtx); err != nil {
		return err
	}

	return nil
}

// checkRegisteredStrategies ensures every node's strategy_id is in the
// registry's catalog.
func (v *Validator) checkRegisteredStrategies(p types.Plan) error {
	for _, n := range p.Nodes {
		if !v.registry.Has(n.StrategyID) {
			return apierr.New(apierr.KindValidation,
				fmt.Sprintf("node %q references unregistered strategy %q", n.ID, n.StrategyID))
		}
	}
	return nil
}

// checkEdgeReferences ensures every DependsOn entry names an existing node,
// and that every "nodeId.field" reference embedded in a filter value also
// names an existing node.
func (v *Validator) checkEdgeReferences(p types.Plan) error {
	ids := make(map[string]struct{}, len(p.Nodes))
	for _, n := range p.Nodes {
		ids[n.ID] = struct{}{}
	}

	for _, n := range p.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := ids[dep]; !ok {
				return apierr.New(apierr.KindValidation,
					fmt.Sprintf("node %q depends on unknown node %q", n.ID, dep))
			}
		}
		for key, val := range n.Filters {
			ref, ok := val.(string)
			if !ok || !strings.Contains(ref, ".") {
				continue
			}
			nodeID := ref[:strings.Index(ref, ".")]
			if _, isEdgeRef := ids[nodeID]; isEdgeRef {
				found := false
				for _, dep := range n.DependsOn {
					if dep == nodeID {
						found = true
						break
					}
				}
				if !found {
					return apierr.New(apierr.KindValidation, fmt.Sprintf(
						"node %q filter %q references node %q's output without listing it in depends_on",
						n.ID, key, nodeID))
				}
			}
		}
	}
	return nil
}

// checkAcyclicAndBounded ensures the plan graph is acyclic and within the
// configured depth bound.
func (v *Validator) checkAcyclicAndBounded(p types.Plan) error {
	g, err := plan.Build(p)
	if err != nil {
		return apierr.New(apierr.KindValidation, err.Error())
	}
	depth, err := g.Depth()
	if err != nil {
		return apierr.New(apierr.KindValidation, "plan graph contains a cycle")
	}
	if depth > v.cfg.MaxDepth {
		return apierr.New(apierr.KindValidation,
			fmt.Sprintf("plan graph depth %d exceeds max of %d", depth, v.cfg.MaxDepth))
	}
	return nil
}

// checkMetadataFilterParams enforces §4.6 check 4 and the §8 boundary rule
// for metadata_filter nodes: domain must be one of email/calendar/contacts,
// max_results (when present) must be positive, and every filter token must
// match the whitelisted provider operator grammar (§6).
func (v *Validator) checkMetadataFilterParams(p types.Plan) error {
	for _, n := range p.Nodes {
		if n.StrategyID != types.StrategyMetadataFilter {
			continue
		}

		domain, _ := n.Filters["domain"].(string)
		switch types.Domain(domain) {
		case types.DomainEmail, types.DomainCalendar, types.DomainContacts:
		default:
			return apierr.New(apierr.KindValidation,
				fmt.Sprintf("node %q metadata_filter domain %q must be one of email, calendar, contacts", n.ID, domain))
		}

		if raw, present := n.Filters["max_results"]; present {
			max, err := numberOf(raw)
			if err != nil {
				return apierr.New(apierr.KindValidation,
					fmt.Sprintf("node %q max_results must be a number, got %T", n.ID, raw))
			}
			if max == 0 {
				return apierr.New(apierr.KindValidation,
					fmt.Sprintf("node %q max_results=0 is rejected", n.ID))
			}
			if max < 0 {
				return apierr.New(apierr.KindValidation,
					fmt.Sprintf("node %q max_results must be positive, got %v", n.ID, max))
			}
		}

		tokens, err := filterTokens(n.Filters["filters"])
		if err != nil {
			return apierr.New(apierr.KindValidation, fmt.Sprintf("node %q filters: %v", n.ID, err))
		}
		for _, tok := range tokens {
			if !allowedFilterToken.MatchString(tok) {
				return apierr.New(apierr.KindValidation,
					fmt.Sprintf("node %q filter token %q is not in the allowed operator grammar", n.ID, tok))
			}
		}
	}
	return nil
}

// filterTokens normalizes a metadata_filter node's filters["filters"] value
// (a JSON array decoded as either []string or []any) into a string slice.
func filterTokens(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("filter token %v is not a string", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("filters must be a list of operator tokens, got %T", v)
	}
}

func numberOf(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// checkForbiddenSynonyms rejects plans that express a detector's job as a
// metadata_filter operator (§6): scans every node's filter values —
// including token lists — for a blacklisted synonym.
func (v *Validator) checkForbiddenSynonyms(p types.Plan) error {
	for _, n := range p.Nodes {
		for key, val := range n.Filters {
			for _, tok := range stringsIn(val) {
				if err := checkForbiddenToken(n.ID, key, tok); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// stringsIn flattens a filter value into the strings it carries, whether it
// is a bare string or a list of them.
func stringsIn(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func checkForbiddenToken(nodeID, filterKey, tok string) error {
	for _, blocked := range forbiddenSynonyms {
		if tok == blocked {
			return apierr.New(apierr.KindValidation, fmt.Sprintf(
				"node %q filter %q uses forbidden synonym %q; express this via a detector strategy instead",
				nodeID, filterKey, tok))
		}
	}
	for _, prefix := range forbiddenSynonymPrefixes {
		if strings.HasPrefix(tok, prefix) {
			return apierr.New(apierr.KindValidation, fmt.Sprintf(
				"node %q filter %q uses forbidden synonym %q; express this via a detector strategy instead",
				nodeID, filterKey, tok))
		}
	}
	return nil
}

// checkUserEnrollment ensures the user has enrolled the provider each node's
// strategy requires, for every non-compute service. Nodes whose strategy
// routes to a provider at runtime (metadata_filter, keyword_search) resolve
// their service from filters["domain"] via types.ResolveService instead of a
// fixed spec.Service.
func (v *Validator) checkUserEnrollment(p types.Plan, userCtx types.UserContext) error {
	for _, n := range p.Nodes {
		spec, ok := v.registry.Spec(n.StrategyID)
		if !ok {
			continue
		}
		service := types.ResolveService(n, spec)
		if service == "" || service == "compute" {
			continue
		}
		if !userCtx.HasProvider(service) && !hasProviderAlias(userCtx, service) {
			return apierr.New(apierr.KindNeedsReauth,
				fmt.Sprintf("node %q requires %q provider which the user has not enrolled", n.ID, service)).
				WithProvider(service)
		}
	}
	return nil
}

// hasProviderAlias accounts for the vendor-specific provider ids used
// elsewhere in the codebase (gmail/gcal) aliasing the service-level names
// (email/calendar) used in StrategySpec.Service.
func hasProviderAlias(userCtx types.UserContext, service string) bool {
	aliases := map[string][]string{
		"email":    {"gmail", "outlook"},
		"calendar": {"gcal", "outlook_calendar"},
		"contacts": {"google_contacts"},
	}
	for _, alias := range aliases[service] {
		if userCtx.HasProvider(alias) {
			return true
		}
	}
	return false
}
