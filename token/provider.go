package token

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/inboxloom/orchestrator/apierr"
)

// RefreshWindow is how far ahead of expiry the TokenProvider proactively
// refreshes a token, rather than waiting for a provider call to fail with an
// expired-token error.
const RefreshWindow = 2 * time.Minute

// Refresher exchanges a refresh token for a new access token with one OAuth
// provider (gmail, gcal, ...). Each provider's OAuth client implements this.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Token, error)
}

// Provider serves valid, non-expired tokens to the APIClient layer,
// transparently refreshing them ahead of expiry. Concurrent requests for the
// same (user, provider) pair are coalesced onto a single in-flight refresh
// call via singleflight, so a burst of plan nodes needing the same token
// never causes a refresh storm.
type Provider struct {
	store      Store
	refreshers map[string]Refresher // provider id -> Refresher
	group      singleflight.Group
	logger     *zap.Logger
}

// New creates a Provider backed by store, with one Refresher registered per
// provider id.
func New(store Store, refreshers map[string]Refresher, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		store:      store,
		refreshers: refreshers,
		logger:     logger.With(zap.String("component", "token_provider")),
	}
}

// Get returns a valid access token for (userID, provider), refreshing it
// first if it is within RefreshWindow of expiry or already expired.
func (p *Provider) Get(ctx context.Context, userID, provider string) (Token, error) {
	t, err := p.store.Get(ctx, userID, provider)
	if err != nil {
		if err == ErrNotFound {
			return Token{}, apierr.New(apierr.KindNeedsReauth,
				fmt.Sprintf("no token on file for provider %q", provider)).WithProvider(provider)
		}
		return Token{}, fmt.Errorf("token provider: load: %w", err)
	}

	if !t.ExpiringWithin(RefreshWindow) {
		return t, nil
	}

	return p.refresh(ctx, userID, provider, t)
}

// refresh coalesces concurrent refreshes for the same (userID, provider)
// key behind singleflight, so only one goroutine ever calls the upstream
// OAuth token endpoint at a time for a given pair.
func (p *Provider) refresh(ctx context.Context, userID, provider string, stale Token) (Token, error) {
	key := userID + ":" + provider

	result, err, shared := p.group.Do(key, func() (any, error) {
		refresher, ok := p.refreshers[provider]
		if !ok {
			return Token{}, fmt.Errorf("token provider: no refresher registered for %q", provider)
		}

		fresh, err := refresher.Refresh(ctx, stale.RefreshToken)
		if err != nil {
			p.logger.Warn("token refresh failed",
				zap.String("user_id", userID),
				zap.String("provider", provider),
				zap.Error(err))
			return Token{}, apierr.New(apierr.KindNeedsReauth, "refresh token rejected by provider").
				WithProvider(provider).WithCause(err)
		}

		fresh.UserID = userID
		fresh.Provider = provider
		if err := p.store.Put(ctx, fresh); err != nil {
			return Token{}, fmt.Errorf("token provider: persist refreshed token: %w", err)
		}

		p.logger.Info("token refreshed",
			zap.String("user_id", userID),
			zap.String("provider", provider),
			zap.Time("expires_at", fresh.ExpiresAt))

		return fresh, nil
	})

	if err != nil {
		return Token{}, err
	}

	fresh := result.(Token)
	if shared {
		p.logger.Debug("token refresh coalesced with in-flight request",
			zap.String("user_id", userID),
			zap.String("provider", provider))
	}
	return fresh, nil
}
