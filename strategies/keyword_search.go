package strategies

import (
	"context"
	"fmt"

	"github.com/inboxloom/orchestrator/apiclient"
	"github.com/inboxloom/orchestrator/types"
)

// KeywordSearch is the "keyword_search" strategy (§4.4): a free-text search
// over one domain, returning a ranked HandleList. Unlike MetadataFilter it
// takes no operator-token filters — just filters["domain"] and
// filters["query"] — so the forbidden-synonym and filter-grammar checks
// never apply to it.
type KeywordSearch struct {
	BaseSpec
	email    *apiclient.APIClient
	calendar *apiclient.APIClient
	contacts *apiclient.APIClient

	emailProvider    EmailProvider
	calendarProvider CalendarProvider
	contactsProvider ContactsProvider
}

// NewKeywordSearch builds the keyword_search strategy, same domain wiring as
// NewMetadataFilter.
func NewKeywordSearch(
	emailClient *apiclient.APIClient, emailProvider EmailProvider,
	calendarClient *apiclient.APIClient, calendarProvider CalendarProvider,
	contactsClient *apiclient.APIClient, contactsProvider ContactsProvider,
) *KeywordSearch {
	return &KeywordSearch{
		BaseSpec: NewBaseSpec(types.StrategyKeywordSearch, "", "standard",
			"Free-text search over email, calendar, or contacts"),
		email:            emailClient,
		calendar:         calendarClient,
		contacts:         contactsClient,
		emailProvider:    emailProvider,
		calendarProvider: calendarProvider,
		contactsProvider: contactsProvider,
	}
}

// Execute runs filters["query"] against filters["domain"]'s provider.
func (s *KeywordSearch) Execute(ctx context.Context, userCtx types.UserContext, filters map[string]any) (any, error) {
	domain, _ := filters["domain"].(string)
	query, _ := filters["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("keyword_search requires a query filter")
	}

	var raw any
	var err error
	switch types.Domain(domain) {
	case types.DomainEmail:
		if s.emailProvider == nil {
			return nil, fmt.Errorf("keyword_search: no email provider configured")
		}
		raw, err = s.email.Do(ctx, func(ctx context.Context) (any, error) {
			return s.emailProvider.SearchMessages(ctx, userCtx.UserID, filters)
		})
	case types.DomainCalendar:
		if s.calendarProvider == nil {
			return nil, fmt.Errorf("keyword_search: no calendar provider configured")
		}
		raw, err = s.calendar.Do(ctx, func(ctx context.Context) (any, error) {
			return s.calendarProvider.ListEvents(ctx, userCtx.UserID, filters)
		})
	case types.DomainContacts:
		if s.contactsProvider == nil {
			return nil, fmt.Errorf("keyword_search: no contacts provider configured")
		}
		raw, err = s.contacts.Do(ctx, func(ctx context.Context) (any, error) {
			return s.contactsProvider.SearchContacts(ctx, userCtx.UserID, filters)
		})
	default:
		return nil, fmt.Errorf("keyword_search: unknown domain %q, expected email, calendar, or contacts", domain)
	}
	if err != nil {
		return nil, fmt.Errorf("keyword_search: %w", err)
	}

	handles, err := decodeProviderHandles(raw)
	if err != nil {
		return nil, fmt.Errorf("keyword_search: %w", err)
	}
	return types.HandleList{Items: handles, Count: len(handles)}, nil
}
