package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/awelzel/stravapoller/internal/domain"
)

// pollStateColumns is the full column list for strava_poll_states queries.
const pollStateColumns = `id, user_id, full_fetch_next_page, full_fetch_per_page, full_fetch_completed,
	last_fetch_completed_at, total_fetches, error_happened, error_happened_at, error_message, error_data, stopped`

// PollStateStore implements poller.PollStateStore backed by Postgres.
type PollStateStore struct {
	pool *pgxpool.Pool
}

// NewPollStateStore creates a PollStateStore backed by the given pool.
func NewPollStateStore(pool *pgxpool.Pool) *PollStateStore {
	return &PollStateStore{pool: pool}
}

func scanPollState(row pgx.Row) (*domain.PollState, error) {
	var (
		ps              domain.PollState
		errorHappenedAt pgtype.Timestamptz
		lastFetchAt     pgtype.Timestamptz
		errorMessage    pgtype.Text
		errorData       pgtype.Text
	)

	err := row.Scan(
		&ps.ID, &ps.UserID, &ps.FullFetchNextPage, &ps.FullFetchPerPage, &ps.FullFetchCompleted,
		&lastFetchAt, &ps.TotalFetches, &ps.ErrorHappened, &errorHappenedAt, &errorMessage, &errorData, &ps.Stopped,
	)
	if err != nil {
		return nil, err
	}

	if lastFetchAt.Valid {
		t := lastFetchAt.Time
		ps.LastFetchCompletedAt = &t
	}
	if errorHappenedAt.Valid {
		t := errorHappenedAt.Time
		ps.ErrorHappenedAt = &t
	}
	ps.ErrorMessage = nullableTextToString(errorMessage)
	ps.ErrorData = nullableTextToString(errorData)

	return &ps, nil
}

// GetByID reads a PollState by id straight from the pool, outside any
// transaction. The Result Applier's in-transaction refetch is
// txGetPollState in tx.go.
func (s *PollStateStore) GetByID(ctx context.Context, id int64) (*domain.PollState, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pollStateColumns+` FROM strava_poll_states WHERE id = $1`, id)
	ps, err := scanPollState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("poll state %d: %w", id, pgx.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("get poll state %d: %w", id, err)
	}
	return ps, nil
}

// GetEligible returns the poll states the scheduler may submit: not
// stopped, not already in flight, and either still backfilling or due
// for another LATEST fetch.
func (s *PollStateStore) GetEligible(ctx context.Context, excludeIDs []int64, latestInterval time.Duration) ([]domain.PollState, error) {
	if excludeIDs == nil {
		excludeIDs = []int64{}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+pollStateColumns+`
		FROM strava_poll_states
		WHERE stopped IS NOT TRUE
		  AND NOT (id = ANY($1))
		  AND (
		    full_fetch_completed IS NOT TRUE
		    OR last_fetch_completed_at IS NULL
		    OR last_fetch_completed_at < $2
		  )
		ORDER BY id`,
		excludeIDs, time.Now().Add(-latestInterval),
	)
	if err != nil {
		return nil, fmt.Errorf("query eligible poll states: %w", err)
	}
	defer rows.Close()

	var result []domain.PollState
	for rows.Next() {
		ps, err := scanPollState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan eligible poll state: %w", err)
		}
		result = append(result, *ps)
	}
	return result, rows.Err()
}

// ApplyStateUpdate writes the named fields of a state-update patch in a
// single statement. Nil pointer fields are left untouched via COALESCE.
func (s *PollStateStore) ApplyStateUpdate(ctx context.Context, id int64, u domain.StateUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE strava_poll_states SET
			full_fetch_next_page = COALESCE($2, full_fetch_next_page),
			full_fetch_per_page = COALESCE($3, full_fetch_per_page),
			full_fetch_completed = COALESCE($4, full_fetch_completed),
			total_fetches = total_fetches + $5,
			last_fetch_completed_at = $6
		WHERE id = $1`,
		id, u.FullFetchNextPage, u.FullFetchPerPage, u.FullFetchCompleted, u.TotalFetches, u.LastFetchCompletedAt,
	)
	if err != nil {
		return fmt.Errorf("apply state update for poll state %d: %w", id, err)
	}
	return nil
}

// MarkError records an error outcome and advances last_fetch_completed_at,
// so a state whose backfill has completed is not selected again until
// latestInterval has passed. A state still backfilling
// (full_fetch_completed not true) stays eligible on the next tick.
func (s *PollStateStore) MarkError(ctx context.Context, id int64, message string, errorData interface{}) error {
	data, err := json.Marshal(errorData)
	if err != nil {
		return fmt.Errorf("marshal error data for poll state %d: %w", id, err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE strava_poll_states SET
			error_happened = true,
			error_happened_at = NOW(),
			error_message = $2,
			error_data = $3,
			last_fetch_completed_at = NOW()
		WHERE id = $1`,
		id, message, string(data),
	)
	if err != nil {
		return fmt.Errorf("mark error for poll state %d: %w", id, err)
	}
	return nil
}

// ClearError resets the error fields, leaving stopped untouched.
func (s *PollStateStore) ClearError(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE strava_poll_states SET
			error_happened = false,
			error_happened_at = NULL,
			error_message = '',
			error_data = ''
		WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("clear error for poll state %d: %w", id, err)
	}
	return nil
}

// Start clears stopped, allowing the eligibility query to select this
// state again.
func (s *PollStateStore) Start(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE strava_poll_states SET stopped = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("start poll state %d: %w", id, err)
	}
	return nil
}

// Stop sets stopped, removing this state from the eligibility query.
func (s *PollStateStore) Stop(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE strava_poll_states SET stopped = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("stop poll state %d: %w", id, err)
	}
	return nil
}

// CreateForUser inserts a fresh PollState row for a newly enrolled user,
// starting a full backfill from page 1.
func (s *PollStateStore) CreateForUser(ctx context.Context, userID int64, fullFetchPerPage int32) (*domain.PollState, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO strava_poll_states (user_id, full_fetch_next_page, full_fetch_per_page, full_fetch_completed, total_fetches, error_happened, stopped)
		VALUES ($1, 1, $2, false, 0, false, false)
		RETURNING `+pollStateColumns,
		userID, fullFetchPerPage,
	)
	ps, err := scanPollState(row)
	if err != nil {
		return nil, fmt.Errorf("create poll state for user %d: %w", userID, err)
	}
	return ps, nil
}
