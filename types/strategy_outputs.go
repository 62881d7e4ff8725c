package types

import "time"

// StrategyMetadataFilter, StrategyKeywordSearch, ... name the mandatory
// catalog's strategy ids (§4.4) so the validator, coordinator, and decomposer
// can refer to them without a string literal scattered through every package.
const (
	StrategyMetadataFilter   = "metadata_filter"
	StrategyKeywordSearch    = "keyword_search"
	StrategyBatchThreadRead  = "batch_thread_read"
	StrategyCrossReference   = "cross_reference"
	StrategyUrgencyDetector  = "urgency_detector"
	StrategySenderClassifier = "sender_classifier"
	StrategyActionDetector   = "action_detector"
	StrategySemanticAnalysis = "semantic_analysis"
	StrategyNeedsUserInput   = "needs_user_input"
)

// Domain is the provider domain a metadata_filter or keyword_search node
// searches against.
type Domain string

const (
	DomainEmail    Domain = "email"
	DomainCalendar Domain = "calendar"
	DomainContacts Domain = "contacts"
)

// Handle is a provider-agnostic reference to one retrieved item: an email,
// a calendar event, or a contact, depending on the domain that produced it.
// metadata_filter and keyword_search both return lists of these; every
// detector strategy consumes them by id.
type Handle struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id,omitempty"`
	From      string            `json:"from,omitempty"`
	To        []string          `json:"to,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Snippet   string            `json:"snippet,omitempty"`
	Labels    []string          `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HandleList is the declared output schema of metadata_filter and
// keyword_search (§4.4): a list of entity handles plus the bookkeeping the
// Synthesizer and NodeResult need (§3 "Carries items, counts, truncation,
// warnings").
type HandleList struct {
	Items     []Handle `json:"items"`
	Count     int      `json:"count"`
	Truncated bool     `json:"truncated"`
}

// EmailThread is one fully-read thread, batch_thread_read's unit of output.
type EmailThread struct {
	ThreadID string        `json:"thread_id"`
	Subject  string        `json:"subject"`
	Messages []ThreadMessage `json:"messages"`
}

// ThreadMessage is one message body within an EmailThread.
type ThreadMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// ThreadList is batch_thread_read's declared output schema (§4.4).
type ThreadList struct {
	Threads []EmailThread `json:"threads"`
}

// JoinedTuple is one pair cross_reference produced by matching a left and a
// right handle on their join key (attendee/sender/subject).
type JoinedTuple struct {
	JoinKey string `json:"join_key"`
	Left    Handle `json:"left"`
	Right   Handle `json:"right"`
}

// JoinedList is cross_reference's declared output schema (§4.4).
type JoinedList struct {
	Items []JoinedTuple `json:"items"`
}

// EmailScore is one item's urgency score, in [0,100], with the cues that
// produced it (§4.4 urgency_detector).
type EmailScore struct {
	EmailID string   `json:"email_id"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons,omitempty"`
}

// EmailScoreList is urgency_detector's declared output schema (§4.4).
type EmailScoreList struct {
	Items []EmailScore `json:"items"`
}

// SenderType is the closed vocabulary sender_classifier may assign (§4.4).
type SenderType string

const (
	SenderInvestor SenderType = "investor"
	SenderCustomer SenderType = "customer"
	SenderPeer     SenderType = "peer"
	SenderBoss     SenderType = "boss"
	SenderReport   SenderType = "report"
	SenderVendor   SenderType = "vendor"
	SenderUnknown  SenderType = "unknown"
)

// SenderClassification is one item's sender type and VIP score, in [0,100]
// (§4.4 sender_classifier).
type SenderClassification struct {
	EmailID  string     `json:"email_id"`
	Sender   string     `json:"sender"`
	Type     SenderType `json:"type"`
	VIPScore float64    `json:"vip_score"`
}

// SenderClassificationList is sender_classifier's declared output schema.
type SenderClassificationList struct {
	Items []SenderClassification `json:"items"`
}

// ActionLabel is the closed vocabulary action_detector may assign (§4.4).
type ActionLabel string

const (
	ActionReply  ActionLabel = "reply"
	ActionReview ActionLabel = "review"
	ActionDecide ActionLabel = "decide"
	ActionNone   ActionLabel = "none"
)

// ActionRequirement is one item's detected action label and confidence, in
// [0,1] (§4.4 action_detector).
type ActionRequirement struct {
	EmailID    string      `json:"email_id"`
	Action     ActionLabel `json:"action"`
	Confidence float64     `json:"confidence"`
}

// ActionRequirementList is action_detector's declared output schema.
type ActionRequirementList struct {
	Items []ActionRequirement `json:"items"`
}

// NeedsUserInput is needs_user_input's declared output (§4.5, E2E scenario
// #4 "multiple Davids"): an ambiguity the Decomposer could not resolve from
// the query and history alone, carrying the candidates a human must choose
// between.
type NeedsUserInput struct {
	Reason     string   `json:"reason"`
	Candidates []string `json:"candidates"`
}
