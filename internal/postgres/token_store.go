package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/awelzel/stravapoller/internal/domain"
)

// TokenStore gives the poller read-only access to the bearer credential
// the login/enrollment subsystem writes. The poller never refreshes or
// mutates a Token; Upsert exists only for the OAuth callback to use.
type TokenStore struct {
	pool *pgxpool.Pool
}

// NewTokenStore creates a TokenStore backed by the given pool.
func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// GetByUserID returns the current access token for a user, or nil if none
// has been issued yet.
func (s *TokenStore) GetByUserID(ctx context.Context, userID int64) (*domain.Token, error) {
	var t domain.Token
	t.UserID = userID
	err := s.pool.QueryRow(ctx,
		`SELECT access_token FROM tokens WHERE user_id = $1`, userID,
	).Scan(&t.AccessToken)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token for user %d: %w", userID, err)
	}
	return &t, nil
}

// Upsert writes a newly exchanged access token, used by the OAuth
// callback after a successful token exchange.
func (s *TokenStore) Upsert(ctx context.Context, userID int64, accessToken string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens (user_id, access_token)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET access_token = EXCLUDED.access_token`,
		userID, accessToken,
	)
	if err != nil {
		return fmt.Errorf("upsert token for user %d: %w", userID, err)
	}
	return nil
}
