package strategies

import "context"

// EmailProvider is the minimal surface a concrete email backend (Gmail,
// Outlook, ...) must implement. metadata_filter, keyword_search, and
// batch_thread_read call it through an APIClient.
type EmailProvider interface {
	SearchMessages(ctx context.Context, userID string, filters map[string]any) (any, error)
	GetThread(ctx context.Context, userID string, threadID string) (any, error)
}

// CalendarProvider is the minimal surface a concrete calendar backend
// (Google Calendar, Outlook Calendar, ...) must implement.
type CalendarProvider interface {
	ListEvents(ctx context.Context, userID string, filters map[string]any) (any, error)
	FindFreeSlots(ctx context.Context, userID string, filters map[string]any) (any, error)
}

// ContactsProvider is the minimal surface a concrete contacts backend must
// implement.
type ContactsProvider interface {
	SearchContacts(ctx context.Context, userID string, filters map[string]any) (any, error)
}
