package types

import "time"

// UserContext identifies the caller and the providers they have enrolled.
// It is supplied on every request; the orchestrator never persists it.
type UserContext struct {
	UserID      string              `json:"user_id"`
	TenantID    string              `json:"tenant_id,omitempty"`
	Timezone    string              `json:"timezone,omitempty"`
	Providers   []string            `json:"providers"`        // enrolled provider ids, e.g. "gmail", "gcal", "contacts"
	Scopes      map[string][]string `json:"scopes,omitempty"` // provider -> granted OAuth scopes
	Preferences map[string]string  `json:"preferences,omitempty"`
	// OrgDomain is the user's organization email domain (e.g. "acme.com"),
	// used by sender_classifier to tell internal peers/reports from outside
	// contacts (§3).
	OrgDomain string `json:"org_domain,omitempty"`
	// VIPAllowlist names senders the user has flagged as always-urgent,
	// boosting urgency_detector and sender_classifier scores regardless of
	// lexical cues (§3 "VIP allowlist").
	VIPAllowlist []string `json:"vip_allowlist,omitempty"`
}

// HasProvider reports whether the user has the given provider enrolled.
func (u UserContext) HasProvider(provider string) bool {
	for _, p := range u.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

// ConversationTurn is one turn of prior conversation, used for decomposition
// context and truncated to fit the Decomposer's token budget (§8).
type ConversationTurn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationHistory is the truncated, ordered list of prior turns passed to
// the Decomposer and Synthesizer.
type ConversationHistory struct {
	Turns []ConversationTurn `json:"turns"`
}

// StrategySpec describes one entry in the StrategyRegistry's catalog: a named,
// typed retrieval or analysis operation a Plan node may reference.
type StrategySpec struct {
	ID          string   `json:"id"`
	Service     string   `json:"service"` // "email", "calendar", "contacts", "compute"
	CostClass   string   `json:"cost_class"` // "cheap", "standard", "expensive"
	InputSchema string   `json:"input_schema,omitempty"`
	Description string   `json:"description,omitempty"`
	Synonyms    []string `json:"-"` // forbidden free-text synonyms rejected by the validator
}

// PlanNode is a single typed node of a decomposed query plan: an invocation of
// one registered strategy with filter arguments and optional edges to inputs
// produced by earlier nodes.
type PlanNode struct {
	ID         string         `json:"id"`
	StrategyID string         `json:"strategy_id"`
	Filters    map[string]any `json:"filters,omitempty"`
	// DependsOn lists node IDs whose results this node's filters reference via
	// the "nodeId.field" edge syntax.
	DependsOn []string `json:"depends_on,omitempty"`
	Optional  bool     `json:"optional,omitempty"`
}

// Plan is the typed DAG produced by the Decomposer (L1) and consumed by the
// ExecutionCoordinator (L2).
type Plan struct {
	ID        string     `json:"id"`
	Query     string     `json:"query"`
	Nodes     []PlanNode `json:"nodes"`
	CreatedAt time.Time  `json:"created_at"`
	// BestEffort allows the Orchestrator to surface partial results when some
	// nodes fail, time out, or are cancelled by the request deadline, instead
	// of failing the whole request.
	BestEffort bool `json:"best_effort,omitempty"`
}

// ResolveService returns the concrete service name a plan node resolves to.
// Most strategies declare a fixed spec.Service at registration; metadata_filter
// and keyword_search instead carry an empty Service because they route to
// email/calendar/contacts at runtime based on filters["domain"] (§4.4). The
// coordinator uses this to pick the right APIClient/concurrency slot, and the
// validator uses it to check provider enrollment, so both stay in sync on one
// definition instead of re-deriving it separately.
func ResolveService(n PlanNode, spec StrategySpec) string {
	if spec.Service != "" {
		return spec.Service
	}
	if d, ok := n.Filters["domain"].(string); ok {
		return d
	}
	return ""
}

// NodeByID returns the node with the given id, if present.
func (p Plan) NodeByID(id string) (PlanNode, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return PlanNode{}, false
}

// NodeStatus is the terminal or in-flight status of one node's execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSuccess   NodeStatus = "success"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusCancelled NodeStatus = "cancelled"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// NodeResult is the outcome of executing one PlanNode.
type NodeResult struct {
	NodeID    string        `json:"node_id"`
	Status    NodeStatus    `json:"status"`
	Data      any           `json:"data,omitempty"`
	Err       string        `json:"error,omitempty"`
	// ErrKind mirrors apierr.Kind as a plain string so this package does not
	// need to import apierr; the Synthesizer uses it to collect the
	// NeedsReauth provider list for the PlanEnvelope without re-classifying
	// the (already-discarded) original error.
	ErrKind   string        `json:"error_kind,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	FromCache bool          `json:"from_cache,omitempty"`
}

// ExecutionTrace records per-node timings and outcomes for one plan execution,
// used for observability and by the Evaluator's offline harness.
type ExecutionTrace struct {
	ExecutionID   string                `json:"execution_id"`
	PlanID        string                `json:"plan_id"`
	NodeResults   map[string]NodeResult `json:"node_results"`
	StartedAt     time.Time             `json:"started_at"`
	FinishedAt    time.Time             `json:"finished_at"`
	PartialResult bool                  `json:"partial_result"`
}

// PlanEnvelope is the final, synthesized response returned to the caller:
// natural-language answer plus the grounding trace behind it.
type PlanEnvelope struct {
	Answer        string         `json:"answer"`
	Plan          Plan           `json:"plan"`
	Trace         ExecutionTrace `json:"trace"`
	PartialResult bool           `json:"partial_result"`
	NeedsReauth   []string       `json:"needs_reauth,omitempty"` // providers requiring re-consent
}
