package strategies

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/inboxloom/orchestrator/apiclient"
	"github.com/inboxloom/orchestrator/types"
)

// MetadataFilter is the "metadata_filter" strategy (§4.4): a provider-native
// search keyed by a domain parameter rather than one domain per strategy id,
// so the catalog carries a single entry instead of three near-duplicates.
// Its filter tokens are the wire-level grammar the PlanValidator whitelists
// (§4.6 check 4, §6) before Execute ever sees them; MetadataFilter itself
// just forwards the already-validated tokens to whichever domain's provider
// is configured and reshapes the raw response into the declared HandleList
// schema.
//
// Because the domain (and therefore the backing service/provider/breaker)
// is a runtime parameter rather than fixed at registration, its StrategySpec
// carries an empty Service; the coordinator and validator resolve the
// concrete service per node from filters["domain"] instead via
// types.ResolveService.
type MetadataFilter struct {
	BaseSpec
	email    *apiclient.APIClient
	calendar *apiclient.APIClient
	contacts *apiclient.APIClient

	emailProvider    EmailProvider
	calendarProvider CalendarProvider
	contactsProvider ContactsProvider
}

// NewMetadataFilter builds the metadata_filter strategy. Any provider/client
// pair may be nil if that domain is not wired in this deployment; a plan
// node requesting a domain with a nil provider fails with a clear error
// rather than a nil pointer panic.
func NewMetadataFilter(
	emailClient *apiclient.APIClient, emailProvider EmailProvider,
	calendarClient *apiclient.APIClient, calendarProvider CalendarProvider,
	contactsClient *apiclient.APIClient, contactsProvider ContactsProvider,
) *MetadataFilter {
	return &MetadataFilter{
		BaseSpec: NewBaseSpec(types.StrategyMetadataFilter, "", "standard",
			"Provider-native search over email, calendar, or contacts using only the whitelisted operator grammar"),
		email:            emailClient,
		calendar:         calendarClient,
		contacts:         contactsClient,
		emailProvider:    emailProvider,
		calendarProvider: calendarProvider,
		contactsProvider: contactsProvider,
	}
}

// Execute dispatches to the provider for filters["domain"] and returns a
// HandleList capped at filters["max_results"].
func (s *MetadataFilter) Execute(ctx context.Context, userCtx types.UserContext, filters map[string]any) (any, error) {
	domain, _ := filters["domain"].(string)
	maxResults, err := maxResultsOf(filters)
	if err != nil {
		return nil, err
	}

	var raw any
	switch types.Domain(domain) {
	case types.DomainEmail:
		if s.emailProvider == nil {
			return nil, fmt.Errorf("metadata_filter: no email provider configured")
		}
		raw, err = s.email.Do(ctx, func(ctx context.Context) (any, error) {
			return s.emailProvider.SearchMessages(ctx, userCtx.UserID, filters)
		})
	case types.DomainCalendar:
		if s.calendarProvider == nil {
			return nil, fmt.Errorf("metadata_filter: no calendar provider configured")
		}
		raw, err = s.calendar.Do(ctx, func(ctx context.Context) (any, error) {
			return s.calendarProvider.ListEvents(ctx, userCtx.UserID, filters)
		})
	case types.DomainContacts:
		if s.contactsProvider == nil {
			return nil, fmt.Errorf("metadata_filter: no contacts provider configured")
		}
		raw, err = s.contacts.Do(ctx, func(ctx context.Context) (any, error) {
			return s.contactsProvider.SearchContacts(ctx, userCtx.UserID, filters)
		})
	default:
		return nil, fmt.Errorf("metadata_filter: unknown domain %q, expected email, calendar, or contacts", domain)
	}
	if err != nil {
		return nil, fmt.Errorf("metadata_filter: %w", err)
	}

	handles, err := decodeProviderHandles(raw)
	if err != nil {
		return nil, fmt.Errorf("metadata_filter: %w", err)
	}

	truncated := false
	if maxResults > 0 && len(handles) > maxResults {
		handles = handles[:maxResults]
		truncated = true
	}
	return types.HandleList{Items: handles, Count: len(handles), Truncated: truncated}, nil
}

// maxResultsOf reads filters["max_results"], tolerating JSON's float64
// decoding, and rejects the §8 boundary case of max_results=0 at the
// strategy layer too (the validator already rejects it before Execute ever
// runs; this is defense in depth for direct callers/tests).
func maxResultsOf(filters map[string]any) (int, error) {
	v, ok := filters["max_results"]
	if !ok {
		return 0, nil
	}
	var n int
	switch t := v.(type) {
	case int:
		n = t
	case float64:
		n = int(t)
	default:
		return 0, fmt.Errorf("max_results must be a number, got %T", v)
	}
	if n == 0 {
		return 0, fmt.Errorf("max_results=0 is not a valid result bound")
	}
	return n, nil
}

// decodeProviderHandles reshapes a raw provider response into []types.Handle
// via a JSON round-trip, tolerating providers that return either a bare
// array or an object with an "items"/"messages"/"events"/"contacts" field.
func decodeProviderHandles(raw any) ([]types.Handle, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encoding provider response: %w", err)
	}

	var handles []types.Handle
	if err := json.Unmarshal(buf, &handles); err == nil {
		return handles, nil
	}

	var wrapper struct {
		Items    []types.Handle `json:"items"`
		Messages []types.Handle `json:"messages"`
		Events   []types.Handle `json:"events"`
		Contacts []types.Handle `json:"contacts"`
	}
	if err := json.Unmarshal(buf, &wrapper); err != nil {
		return nil, fmt.Errorf("decoding provider response: %w", err)
	}
	for _, list := range [][]types.Handle{wrapper.Items, wrapper.Messages, wrapper.Events, wrapper.Contacts} {
		if len(list) > 0 {
			return list, nil
		}
	}
	return nil, nil
}
