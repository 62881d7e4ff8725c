package strategies

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/inboxloom/orchestrator/types"
)

// urgencyCues are lexical markers whose presence in a subject or snippet
// raises an email's urgency score (§4.4 urgency_detector "lexical urgency
// cues").
var urgencyCues = []string{"urgent", "asap", "immediately", "deadline", "critical", "action required", "time-sensitive"}

// UrgencyDetector is the "urgency_detector" strategy (§4.4): a pure-compute
// node that scores each input email's urgency in [0,100] from importance
// labels, lexical cues, sender impact, and time pressure. No provider call —
// it only reads the already-fetched handles an upstream metadata_filter or
// keyword_search node produced.
type UrgencyDetector struct {
	BaseSpec
}

// NewUrgencyDetector builds the urgency_detector strategy.
func NewUrgencyDetector() *UrgencyDetector {
	return &UrgencyDetector{
		BaseSpec: NewBaseSpec(types.StrategyUrgencyDetector, "compute", "cheap",
			"Score each input email's urgency in [0,100] from importance, lexical cues, sender impact, and recency"),
	}
}

// Execute scores filters["input_email_ids"] (a Handle list).
func (s *UrgencyDetector) Execute(_ context.Context, userCtx types.UserContext, filters map[string]any) (any, error) {
	handles, err := decodeHandles(filters["input_email_ids"])
	if err != nil {
		return nil, fmt.Errorf("urgency_detector: %w", err)
	}

	vip := make(map[string]struct{}, len(userCtx.VIPAllowlist))
	for _, v := range userCtx.VIPAllowlist {
		vip[normalizeKey(v)] = struct{}{}
	}

	out := make([]types.EmailScore, 0, len(handles))
	for _, h := range handles {
		score, reasons := scoreUrgency(h, vip)
		out = append(out, types.EmailScore{EmailID: h.ID, Score: score, Reasons: reasons})
	}
	return types.EmailScoreList{Items: out}, nil
}

func scoreUrgency(h types.Handle, vip map[string]struct{}) (float64, []string) {
	score := 10.0
	var reasons []string

	for _, l := range h.Labels {
		if strings.EqualFold(l, "important") || strings.EqualFold(l, "starred") {
			score += 30
			reasons = append(reasons, "marked "+l)
			break
		}
	}

	haystack := strings.ToLower(h.Subject + " " + h.Snippet)
	for _, cue := range urgencyCues {
		if strings.Contains(haystack, cue) {
			score += 20
			reasons = append(reasons, fmt.Sprintf("contains %q", cue))
			break
		}
	}

	if _, ok := vip[normalizeKey(h.From)]; ok {
		score += 25
		reasons = append(reasons, "sender is VIP")
	}

	if !h.Timestamp.IsZero() && time.Since(h.Timestamp) < 24*time.Hour {
		score += 15
		reasons = append(reasons, "received within 24h")
	}

	if score > 100 {
		score = 100
	}
	return score, reasons
}

// investorDomainCues and customerDomainCues are substrings commonly found in
// the organization domains of investors/customers (§4.4 sender_classifier
// "domain patterns").
var (
	investorDomainCues = []string{"capital", "ventures", "partners", "vc."}
	customerDomainCues = []string{"support", "helpdesk"}
	vendorDomainCues   = []string{"billing", "sales", "invoices"}
)

// SenderClassifier is the "sender_classifier" strategy (§4.4): classifies
// each input email's sender into {investor, customer, peer, boss, report,
// vendor, unknown} using org-domain match and known domain patterns, plus a
// VIP score.
type SenderClassifier struct {
	BaseSpec
}

// NewSenderClassifier builds the sender_classifier strategy.
func NewSenderClassifier() *SenderClassifier {
	return &SenderClassifier{
		BaseSpec: NewBaseSpec(types.StrategySenderClassifier, "compute", "cheap",
			"Classify each input email's sender into investor/customer/peer/boss/report/vendor/unknown with a VIP score"),
	}
}

// Execute classifies filters["input_email_ids"] (a Handle list). An optional
// filters["filter_type"] restricts the output to senders of that one type
// (E2E scenario #2, "Emails from investors").
func (s *SenderClassifier) Execute(_ context.Context, userCtx types.UserContext, filters map[string]any) (any, error) {
	handles, err := decodeHandles(filters["input_email_ids"])
	if err != nil {
		return nil, fmt.Errorf("sender_classifier: %w", err)
	}
	filterType, _ := filters["filter_type"].(string)

	vip := make(map[string]struct{}, len(userCtx.VIPAllowlist))
	for _, v := range userCtx.VIPAllowlist {
		vip[normalizeKey(v)] = struct{}{}
	}

	out := make([]types.SenderClassification, 0, len(handles))
	for _, h := range handles {
		sType := classifySender(h.From, userCtx.OrgDomain)
		if filterType != "" && string(sType) != filterType {
			continue
		}
		vipScore := 10.0
		if _, ok := vip[normalizeKey(h.From)]; ok {
			vipScore = 100
		} else if sType == types.SenderInvestor || sType == types.SenderBoss {
			vipScore = 70
		}
		out = append(out, types.SenderClassification{
			EmailID: h.ID, Sender: h.From, Type: sType, VIPScore: vipScore,
		})
	}
	return types.SenderClassificationList{Items: out}, nil
}

func classifySender(from, orgDomain string) types.SenderType {
	domain := domainOf(from)
	if domain == "" {
		return types.SenderUnknown
	}
	if orgDomain != "" && strings.EqualFold(domain, orgDomain) {
		return types.SenderPeer
	}
	for _, cue := range investorDomainCues {
		if strings.Contains(domain, cue) {
			return types.SenderInvestor
		}
	}
	for _, cue := range customerDomainCues {
		if strings.Contains(domain, cue) {
			return types.SenderCustomer
		}
	}
	for _, cue := range vendorDomainCues {
		if strings.Contains(domain, cue) {
			return types.SenderVendor
		}
	}
	return types.SenderUnknown
}

func domainOf(address string) string {
	_, domain, ok := strings.Cut(address, "@")
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(domain))
}

// replyCues, decideCues, and noActionCues are lexical markers action_detector
// uses to pick between {reply, review, decide, none} (§4.4).
var (
	replyCues    = []string{"?", "please let me know", "can you", "could you", "waiting for your", "reply", "respond"}
	decideCues   = []string{"approve", "sign off", "your decision", "need your decision"}
	noActionCues = []string{"fyi", "no action needed", "for your records"}
)

// ActionDetector is the "action_detector" strategy (§4.4): labels each input
// email's required action as {reply, review, decide, none} with a
// confidence in [0,1].
type ActionDetector struct {
	BaseSpec
}

// NewActionDetector builds the action_detector strategy.
func NewActionDetector() *ActionDetector {
	return &ActionDetector{
		BaseSpec: NewBaseSpec(types.StrategyActionDetector, "compute", "cheap",
			"Label each input email's required action as reply/review/decide/none with a confidence"),
	}
}

// Execute labels filters["input_email_ids"] (a Handle list).
func (s *ActionDetector) Execute(_ context.Context, _ types.UserContext, filters map[string]any) (any, error) {
	handles, err := decodeHandles(filters["input_email_ids"])
	if err != nil {
		return nil, fmt.Errorf("action_detector: %w", err)
	}

	out := make([]types.ActionRequirement, 0, len(handles))
	for _, h := range handles {
		label, confidence := detectAction(h)
		out = append(out, types.ActionRequirement{EmailID: h.ID, Action: label, Confidence: confidence})
	}
	return types.ActionRequirementList{Items: out}, nil
}

func detectAction(h types.Handle) (types.ActionLabel, float64) {
	haystack := strings.ToLower(h.Subject + " " + h.Snippet)

	for _, cue := range noActionCues {
		if strings.Contains(haystack, cue) {
			return types.ActionNone, 0.8
		}
	}
	for _, cue := range decideCues {
		if strings.Contains(haystack, cue) {
			return types.ActionDecide, 0.75
		}
	}
	for _, cue := range replyCues {
		if strings.Contains(haystack, cue) {
			return types.ActionReply, 0.7
		}
	}
	return types.ActionReview, 0.4
}
