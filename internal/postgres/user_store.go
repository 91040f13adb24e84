package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/awelzel/stravapoller/internal/domain"
)

// UserStore implements read/enrollment access to the users table. The
// poller core only ever reads a User by id; enrollment (Create) is
// exercised by the ambient OAuth callback, never by the scheduler.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a UserStore backed by the given pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

// GetByID looks up a User by internal id.
func (s *UserStore) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	var u domain.User
	err := s.pool.QueryRow(ctx, `SELECT id, strava_id FROM users WHERE id = $1`, id).Scan(&u.ID, &u.StravaID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

// GetByStravaID looks up a User by their upstream athlete id.
func (s *UserStore) GetByStravaID(ctx context.Context, stravaID int64) (*domain.User, error) {
	var u domain.User
	err := s.pool.QueryRow(ctx, `SELECT id, strava_id FROM users WHERE strava_id = $1`, stravaID).Scan(&u.ID, &u.StravaID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by strava id %d: %w", stravaID, err)
	}
	return &u, nil
}

// Create inserts a new User row for a freshly authorized Strava athlete.
func (s *UserStore) Create(ctx context.Context, stravaID int64) (*domain.User, error) {
	var u domain.User
	u.StravaID = stravaID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (strava_id) VALUES ($1) RETURNING id`, stravaID,
	).Scan(&u.ID)
	if err != nil {
		return nil, fmt.Errorf("create user for strava id %d: %w", stravaID, err)
	}
	return &u, nil
}
