// Package token implements OAuth token lifecycle management: the Token
// entity, a gorm-backed Store keyed by (user, provider), and a
// TokenProvider that proactively refreshes tokens before expiry and
// coalesces concurrent refresh requests for the same (user, provider) pair
// behind a single in-flight call (§4.8).
//
// This is kept deliberately separate from types.TokenUsage (LLM cost
// accounting) to avoid a naming collision — see DESIGN.md.
package token

import "time"

// Token is one OAuth credential pair for a (user, provider) relationship.
// The access token material itself is never logged.
type Token struct {
	UserID       string    `gorm:"column:user_id;primaryKey" json:"user_id"`
	Provider     string    `gorm:"column:provider;primaryKey" json:"provider"`
	AccessToken  string    `gorm:"column:access_token" json:"-"`
	RefreshToken string    `gorm:"column:refresh_token" json:"-"`
	Scopes       []string  `gorm:"column:scopes;serializer:json" json:"scopes"`
	ExpiresAt    time.Time `gorm:"column:expires_at" json:"expires_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName pins the gorm table name regardless of struct naming
// conventions.
func (Token) TableName() string { return "oauth_tokens" }

// ExpiringWithin reports whether the token will expire within d — the basis
// for the TokenProvider's proactive refresh window.
func (t Token) ExpiringWithin(d time.Duration) bool {
	return time.Now().Add(d).After(t.ExpiresAt)
}
