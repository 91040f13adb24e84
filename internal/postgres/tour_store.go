package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/awelzel/stravapoller/internal/domain"
)

const tourColumns = `id, user_id, name, description, filter_start_date, filter_end_date, tilelayer_provider, polyline_color`

// TourStore implements CRUD access to the ambient, read-mostly Tour
// entity. The poller core never writes a Tour row.
type TourStore struct {
	pool *pgxpool.Pool
}

// NewTourStore creates a TourStore backed by the given pool.
func NewTourStore(pool *pgxpool.Pool) *TourStore {
	return &TourStore{pool: pool}
}

func scanTour(row pgx.Row) (*domain.Tour, error) {
	var (
		t                 domain.Tour
		description       pgtype.Text
		tilelayerProvider pgtype.Text
		polylineColor     pgtype.Text
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &description, &t.FilterStartDate, &t.FilterEndDate,
		&tilelayerProvider, &polylineColor)
	if err != nil {
		return nil, err
	}
	t.Description = nullableTextToString(description)
	t.TilelayerProvider = nullableTextToString(tilelayerProvider)
	t.PolylineColor = nullableTextToString(polylineColor)
	return &t, nil
}

// GetByID looks up a Tour by id.
func (s *TourStore) GetByID(ctx context.Context, id int64) (*domain.Tour, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tourColumns+` FROM tours WHERE id = $1`, id)
	t, err := scanTour(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tour %d: %w", id, err)
	}
	return t, nil
}

// ListByUser returns all Tours belonging to a user, ordered by id, matching
// the order the original source walked a user's tours relationship.
func (s *TourStore) ListByUser(ctx context.Context, userID int64) ([]domain.Tour, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tourColumns+` FROM tours WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tours for user %d: %w", userID, err)
	}
	defer rows.Close()

	var result []domain.Tour
	for rows.Next() {
		t, err := scanTour(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tour: %w", err)
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

// Create inserts a new Tour for a user.
func (s *TourStore) Create(ctx context.Context, t domain.Tour) (*domain.Tour, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tours (user_id, name, description, filter_start_date, filter_end_date, tilelayer_provider, polyline_color)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+tourColumns,
		t.UserID, t.Name, textOrNull(t.Description), t.FilterStartDate, t.FilterEndDate,
		textOrNull(t.TilelayerProvider), textOrNull(t.PolylineColor),
	)
	created, err := scanTour(row)
	if err != nil {
		return nil, fmt.Errorf("create tour for user %d: %w", t.UserID, err)
	}
	return created, nil
}

// ActivitiesQuery returns the WHERE-clause fragment and args a caller can
// append to an activities query to scope it to this Tour's date filter,
// mirroring the original source's Tour.activities property.
func (s *TourStore) ActivitiesQuery(t domain.Tour) (string, []interface{}) {
	where := "user_id = $1"
	args := []interface{}{t.UserID}
	n := 2
	if t.FilterStartDate != nil {
		where += fmt.Sprintf(" AND start_date >= $%d", n)
		args = append(args, *t.FilterStartDate)
		n++
	}
	if t.FilterEndDate != nil {
		where += fmt.Sprintf(" AND start_date <= $%d", n)
		args = append(args, *t.FilterEndDate)
		n++
	}
	return where, args
}
