package token

import (
	"context"
	"fmt"

	"github.com/inboxloom/orchestrator/types"
)

// UserContextSource adapts a token Store into orchestrator.UserContextSource:
// a user's enrolled providers and granted scopes are exactly the rows they
// have in the token store, so there is no separate enrollment table to
// maintain. This is the one piece of durable state SPEC_FULL.md requires
// beyond the token store itself (§1 "persistence of OAuth tokens beyond an
// injected store interface" is the only thing actually out of scope).
type UserContextSource struct {
	store Store
}

// NewUserContextSource wraps an already-constructed Store.
func NewUserContextSource(store Store) *UserContextSource {
	return &UserContextSource{store: store}
}

// FetchUserContext builds a types.UserContext from the providers userID has
// stored tokens for. Scopes are filled in per provider from the stored
// token; a provider whose token has expired is still reported as enrolled —
// the Coordinator discovers the need to reauth when the strategy actually
// runs against it (§4.8), not before.
func (s *UserContextSource) FetchUserContext(ctx context.Context, userID string) (types.UserContext, error) {
	providers, err := s.store.EnrolledProviders(ctx, userID)
	if err != nil {
		return types.UserContext{}, fmt.Errorf("token: fetch user context: %w", err)
	}

	scopes := make(map[string][]string, len(providers))
	for _, p := range providers {
		t, err := s.store.Get(ctx, userID, p)
		if err != nil {
			continue
		}
		scopes[p] = t.Scopes
	}

	return types.UserContext{
		UserID:    userID,
		Providers: providers,
		Scopes:    scopes,
	}, nil
}
