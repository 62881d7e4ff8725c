package token

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound is returned by Store.Get when no token row exists for the
// given (user, provider) pair.
var ErrNotFound = errors.New("token: no token stored for user/provider")

// Store persists Tokens. The orchestrator is otherwise stateless; this is
// the one piece of durable state the spec requires (§1, §4.8).
type Store interface {
	Get(ctx context.Context, userID, provider string) (Token, error)
	Put(ctx context.Context, t Token) error
	Delete(ctx context.Context, userID, provider string) error
	// EnrolledProviders lists every provider the user has stored a token
	// for, regardless of expiry — a user who needs reauth is still
	// enrolled, just due for a refresh.
	EnrolledProviders(ctx context.Context, userID string) ([]string, error)
}

// GormStore is a Postgres-backed Store using gorm, grounded on the
// connection pooling conventions in internal/database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an already-connected *gorm.DB. Schema migration is a
// separate concern, handled by the "migrate" CLI subcommand.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Get fetches the stored token for (userID, provider).
func (s *GormStore) Get(ctx context.Context, userID, provider string) (Token, error) {
	var t Token
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("token store: get: %w", err)
	}
	return t, nil
}

// Put upserts the token row.
func (s *GormStore) Put(ctx context.Context, t Token) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", t.UserID, t.Provider).
		Assign(t).
		FirstOrCreate(&Token{UserID: t.UserID, Provider: t.Provider}).Error
	if err != nil {
		return fmt.Errorf("token store: put: %w", err)
	}
	return nil
}

// EnrolledProviders returns the distinct provider ids with a stored token
// row for userID.
func (s *GormStore) EnrolledProviders(ctx context.Context, userID string) ([]string, error) {
	var providers []string
	err := s.db.WithContext(ctx).
		Model(&Token{}).
		Where("user_id = ?", userID).
		Pluck("provider", &providers).Error
	if err != nil {
		return nil, fmt.Errorf("token store: enrolled providers: %w", err)
	}
	return providers, nil
}

// Delete removes the token row, e.g. after the user revokes provider access.
func (s *GormStore) Delete(ctx context.Context, userID, provider string) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&Token{}).Error
	if err != nil {
		return fmt.Errorf("token store: delete: %w", err)
	}
	return nil
}
