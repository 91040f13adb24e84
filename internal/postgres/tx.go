package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/awelzel/stravapoller/internal/domain"
)

// ResultApplier applies a Fetch Worker's result envelope to the database.
// It runs in the scheduler goroutine, never in a worker: each call is a
// single transaction, so a job's writes are never partially observable.
type ResultApplier struct {
	pool *pgxpool.Pool
}

// NewResultApplier creates a ResultApplier backed by the given pool.
func NewResultApplier(pool *pgxpool.Pool) *ResultApplier {
	return &ResultApplier{pool: pool}
}

// Apply commits one job's result in a single transaction: refetches the
// PollState fresh, upserts every activity and its photos, then applies the
// state-update patch. On any failure it rolls back and returns the error
// uncommitted, the caller (scheduler) is responsible for turning that
// into a MarkError call, since only it knows the error taxonomy.
func (a *ResultApplier) Apply(ctx context.Context, pollStateID int64, userID int64, result domain.FetchResult) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin apply tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	// Refetch inside the transaction so a stale worker snapshot never
	// overwrites a write that landed after the worker read its snapshot.
	if _, err := txGetPollState(ctx, tx, pollStateID); err != nil {
		return fmt.Errorf("refetch poll state %d: %w", pollStateID, err)
	}

	for _, info := range result.ActivityInfos {
		activityID, err := txUpsertActivity(ctx, tx, userID, info.Activity)
		if err != nil {
			return fmt.Errorf("upsert activity strava_id=%d: %w", info.Activity.StravaID, err)
		}

		blob, err := canonicalPhotosJSON(info.Photos)
		if err != nil {
			return fmt.Errorf("marshal photos for activity %d: %w", activityID, err)
		}
		if err := txUpsertActivityPhotos(ctx, tx, userID, activityID, blob); err != nil {
			return fmt.Errorf("upsert photos for activity %d: %w", activityID, err)
		}
	}

	if err := txApplyStateUpdate(ctx, tx, pollStateID, result.StateUpdate); err != nil {
		return fmt.Errorf("apply state update for poll state %d: %w", pollStateID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit apply tx for poll state %d: %w", pollStateID, err)
	}
	return nil
}

// MarkFailure records a job failure against its PollState in its own
// statement, through PollStateStore.MarkError. The scheduler does not call
// it: it records failures by calling MarkError on its PollStateStore
// directly.
func (a *ResultApplier) MarkFailure(ctx context.Context, pollStateID int64, message string, errorData interface{}) error {
	store := NewPollStateStore(a.pool)
	return store.MarkError(ctx, pollStateID, message, errorData)
}

func txGetPollState(ctx context.Context, tx pgx.Tx, id int64) (*domain.PollState, error) {
	row := tx.QueryRow(ctx, `SELECT `+pollStateColumns+` FROM strava_poll_states WHERE id = $1 FOR UPDATE`, id)
	ps, err := scanPollState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("poll state %d not found", id)
	}
	return ps, err
}

func txUpsertActivity(ctx context.Context, tx pgx.Tx, userID int64, src domain.Activity) (int64, error) {
	if _, offset := src.StartDate.Zone(); offset != 0 {
		return 0, fmt.Errorf("strava_id=%d: start_date has non-zero utc offset: %w", src.StravaID, domain.ErrDataError)
	}
	if _, offset := src.StartDateLocal.Zone(); offset != 0 {
		return 0, fmt.Errorf("strava_id=%d: start_date_local has non-zero utc offset: %w", src.StravaID, domain.ErrDataError)
	}

	var existingID, existingUserID int64
	var existingDescription, existingTimezone string
	err := tx.QueryRow(ctx, `SELECT id, user_id, COALESCE(description, ''), COALESCE(timezone, '') FROM activities WHERE strava_id = $1`, src.StravaID).
		Scan(&existingID, &existingUserID, &existingDescription, &existingTimezone)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		var id int64
		insertErr := tx.QueryRow(ctx, `
			INSERT INTO activities (user_id, strava_id, external_id, type, name, description, distance,
				moving_time, elapsed_time, total_elevation_gain, average_temp, start_date, start_date_local,
				utc_offset, timezone, start_lat, start_lng, end_lat, end_lng, summary_polyline, total_photo_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			RETURNING id`,
			userID, src.StravaID, src.ExternalID, src.Type, src.Name, textOrNull(src.Description), src.Distance,
			src.MovingTime, src.ElapsedTime, src.TotalElevationGain, src.AverageTemp, src.StartDate, src.StartDateLocal,
			src.UTCOffset, textOrNull(src.Timezone), src.StartLat, src.StartLng, src.EndLat, src.EndLng,
			src.SummaryPolyline, src.TotalPhotoCount,
		).Scan(&id)
		return id, insertErr
	case err != nil:
		return 0, err
	}

	if existingUserID != userID {
		return 0, fmt.Errorf("strava_id=%d: %w", src.StravaID, domain.ErrUserMismatch)
	}

	description := src.Description
	if description == "" {
		description = existingDescription
	}
	timezone := src.Timezone
	if timezone == "" {
		timezone = existingTimezone
	}

	_, err = tx.Exec(ctx, `
		UPDATE activities SET
			external_id = $2, type = $3, name = $4, description = $5, distance = $6,
			moving_time = $7, elapsed_time = $8, total_elevation_gain = $9, average_temp = $10,
			start_date = $11, start_date_local = $12, utc_offset = $13, timezone = $14,
			start_lat = $15, start_lng = $16, end_lat = $17, end_lng = $18,
			summary_polyline = $19, total_photo_count = $20
		WHERE id = $1`,
		existingID, src.ExternalID, src.Type, src.Name, textOrNull(description), src.Distance,
		src.MovingTime, src.ElapsedTime, src.TotalElevationGain, src.AverageTemp,
		src.StartDate, src.StartDateLocal, src.UTCOffset, textOrNull(timezone),
		src.StartLat, src.StartLng, src.EndLat, src.EndLng,
		src.SummaryPolyline, src.TotalPhotoCount,
	)
	return existingID, err
}

func txUpsertActivityPhotos(ctx context.Context, tx pgx.Tx, userID, activityID int64, jsonBlob string) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT COALESCE(data, '') FROM activity_photos WHERE activity_id = $1`, activityID).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if current == jsonBlob {
		return nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO activity_photos (user_id, activity_id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (activity_id) DO UPDATE SET data = EXCLUDED.data`,
		userID, activityID, jsonBlob,
	)
	return err
}

func txApplyStateUpdate(ctx context.Context, tx pgx.Tx, id int64, u domain.StateUpdate) error {
	_, err := tx.Exec(ctx, `
		UPDATE strava_poll_states SET
			full_fetch_next_page = COALESCE($2, full_fetch_next_page),
			full_fetch_per_page = COALESCE($3, full_fetch_per_page),
			full_fetch_completed = COALESCE($4, full_fetch_completed),
			total_fetches = total_fetches + $5,
			last_fetch_completed_at = $6
		WHERE id = $1`,
		id, u.FullFetchNextPage, u.FullFetchPerPage, u.FullFetchCompleted, u.TotalFetches, u.LastFetchCompletedAt,
	)
	return err
}

// canonicalPhotosJSON serializes a size→photos map with sorted integer
// keys, so two identical upstream responses always produce byte-identical
// output and txUpsertActivityPhotos can diff on the raw string.
func canonicalPhotosJSON(photos map[int][]domain.PhotoEntry) (string, error) {
	if len(photos) == 0 {
		return "{}", nil
	}

	sizes := make([]int, 0, len(photos))
	for size := range photos {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	var buf []byte
	buf = append(buf, '{')
	for i, size := range sizes {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(strconv.Itoa(size))
		if err != nil {
			return "", err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')

		entries, err := json.Marshal(photos[size])
		if err != nil {
			return "", err
		}
		buf = append(buf, entries...)
	}
	buf = append(buf, '}')
	return string(buf), nil
}
