package strategies

import (
	"context"

	"github.com/inboxloom/orchestrator/apiclient"
	"github.com/inboxloom/orchestrator/types"
)

// ListCalendarEvents is the "list_calendar_events" strategy: a supplemented
// calendar-domain strategy alongside the mandatory catalog's metadata_filter
// (domain=calendar) — kept because find_free_time needs a concrete
// event-listing call of its own rather than going through the generic
// Handle-shaped metadata_filter response.
type ListCalendarEvents struct {
	BaseSpec
	client   *apiclient.APIClient
	provider CalendarProvider
}

// NewListCalendarEvents builds the list_calendar_events strategy.
func NewListCalendarEvents(client *apiclient.APIClient, provider CalendarProvider) *ListCalendarEvents {
	return &ListCalendarEvents{
		BaseSpec: NewBaseSpec("list_calendar_events", "calendar", "standard",
			"List calendar events in a date range, optionally filtered by attendee or title"),
		client:   client,
		provider: provider,
	}
}

// Execute lists events matching filters.
func (s *ListCalendarEvents) Execute(ctx context.Context, userCtx types.UserContext, filters map[string]any) (any, error) {
	return s.client.Do(ctx, func(ctx context.Context) (any, error) {
		return s.provider.ListEvents(ctx, userCtx.UserID, filters)
	})
}

// FindFreeTime is the "find_free_time" strategy: computes open slots for the
// user (and optionally named attendees) within a window.
type FindFreeTime struct {
	BaseSpec
	client   *apiclient.APIClient
	provider CalendarProvider
}

// NewFindFreeTime builds the find_free_time strategy.
func NewFindFreeTime(client *apiclient.APIClient, provider CalendarProvider) *FindFreeTime {
	return &FindFreeTime{
		BaseSpec: NewBaseSpec("find_free_time", "calendar", "expensive",
			"Find open time slots for the user within a window"),
		client:   client,
		provider: provider,
	}
}

// Execute finds free slots matching filters (window_start, window_end,
// duration_minutes).
func (s *FindFreeTime) Execute(ctx context.Context, userCtx types.UserContext, filters map[string]any) (any, error) {
	return s.client.Do(ctx, func(ctx context.Context) (any, error) {
		return s.provider.FindFreeSlots(ctx, userCtx.UserID, filters)
	})
}
