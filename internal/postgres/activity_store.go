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

const activityColumns = `id, user_id, strava_id, external_id, type, name, description, distance,
	moving_time, elapsed_time, total_elevation_gain, average_temp, start_date, start_date_local,
	utc_offset, timezone, start_lat, start_lng, end_lat, end_lng, summary_polyline, total_photo_count`

// ActivityStore is the non-transactional read/write path onto the
// activities table. The Result Applier (tx.go) does its own tx-scoped
// upserts instead of calling this type, since its writes must commit
// atomically with a PollState update; ActivityStore exists for callers
// that only need a single statement outside that transaction, including
// test assertions against what the Result Applier persisted.
type ActivityStore struct {
	pool *pgxpool.Pool
}

// NewActivityStore creates an ActivityStore backed by the given pool.
func NewActivityStore(pool *pgxpool.Pool) *ActivityStore {
	return &ActivityStore{pool: pool}
}

func scanActivity(row pgx.Row) (*domain.Activity, error) {
	var (
		a           domain.Activity
		description pgtype.Text
		averageTemp pgtype.Float8
		timezone    pgtype.Text
		startLat    pgtype.Float8
		startLng    pgtype.Float8
		endLat      pgtype.Float8
		endLng      pgtype.Float8
		polyline    pgtype.Text
	)

	err := row.Scan(
		&a.ID, &a.UserID, &a.StravaID, &a.ExternalID, &a.Type, &a.Name, &description, &a.Distance,
		&a.MovingTime, &a.ElapsedTime, &a.TotalElevationGain, &averageTemp, &a.StartDate, &a.StartDateLocal,
		&a.UTCOffset, &timezone, &startLat, &startLng, &endLat, &endLng, &polyline, &a.TotalPhotoCount,
	)
	if err != nil {
		return nil, err
	}

	a.Description = nullableTextToString(description)
	a.Timezone = nullableTextToString(timezone)
	a.SummaryPolyline = nullableTextToString(polyline)
	if averageTemp.Valid {
		a.AverageTemp = &averageTemp.Float64
	}
	if startLat.Valid {
		a.StartLat = &startLat.Float64
	}
	if startLng.Valid {
		a.StartLng = &startLng.Float64
	}
	if endLat.Valid {
		a.EndLat = &endLat.Float64
	}
	if endLng.Valid {
		a.EndLng = &endLng.Float64
	}

	return &a, nil
}

// GetByStravaID looks up an Activity by its upstream id, used to decide
// between insert and update-from-source and to check ownership.
func (s *ActivityStore) GetByStravaID(ctx context.Context, stravaID int64) (*domain.Activity, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE strava_id = $1`, stravaID)
	a, err := scanActivity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get activity by strava id %d: %w", stravaID, err)
	}
	return a, nil
}

// UpsertActivity inserts a new Activity row or applies the update-from-
// source rules to an existing one. It fails fast with domain.ErrUserMismatch
// if a row with the same strava_id already belongs to a different user.
//
// Update-from-source exceptions: a blank incoming Timezone or Description
// leaves the stored value untouched rather than nulling it out; lat/lng
// fields are always overwritten, even with a nil/zero value, since the
// source is authoritative and drift preservation is not required.
func (s *ActivityStore) UpsertActivity(ctx context.Context, userID int64, src domain.Activity) (int64, error) {
	existing, err := s.GetByStravaID(ctx, src.StravaID)
	if err != nil {
		return 0, err
	}
	if existing != nil && existing.UserID != userID {
		return 0, fmt.Errorf("activity strava_id=%d: %w", src.StravaID, domain.ErrUserMismatch)
	}

	if existing == nil {
		row := s.pool.QueryRow(ctx, `
			INSERT INTO activities (user_id, strava_id, external_id, type, name, description, distance,
				moving_time, elapsed_time, total_elevation_gain, average_temp, start_date, start_date_local,
				utc_offset, timezone, start_lat, start_lng, end_lat, end_lng, summary_polyline, total_photo_count)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			RETURNING id`,
			userID, src.StravaID, src.ExternalID, src.Type, src.Name, textOrNull(src.Description), src.Distance,
			src.MovingTime, src.ElapsedTime, src.TotalElevationGain, src.AverageTemp, src.StartDate, src.StartDateLocal,
			src.UTCOffset, textOrNull(src.Timezone), src.StartLat, src.StartLng, src.EndLat, src.EndLng,
			src.SummaryPolyline, src.TotalPhotoCount,
		)
		var id int64
		if err := row.Scan(&id); err != nil {
			return 0, fmt.Errorf("insert activity strava_id=%d: %w", src.StravaID, err)
		}
		return id, nil
	}

	description := src.Description
	if description == "" {
		description = existing.Description
	}
	timezone := src.Timezone
	if timezone == "" {
		timezone = existing.Timezone
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE activities SET
			external_id = $2, type = $3, name = $4, description = $5, distance = $6,
			moving_time = $7, elapsed_time = $8, total_elevation_gain = $9, average_temp = $10,
			start_date = $11, start_date_local = $12, utc_offset = $13, timezone = $14,
			start_lat = $15, start_lng = $16, end_lat = $17, end_lng = $18,
			summary_polyline = $19, total_photo_count = $20
		WHERE id = $1`,
		existing.ID, src.ExternalID, src.Type, src.Name, textOrNull(description), src.Distance,
		src.MovingTime, src.ElapsedTime, src.TotalElevationGain, src.AverageTemp,
		src.StartDate, src.StartDateLocal, src.UTCOffset, textOrNull(timezone),
		src.StartLat, src.StartLng, src.EndLat, src.EndLng,
		src.SummaryPolyline, src.TotalPhotoCount,
	)
	if err != nil {
		return 0, fmt.Errorf("update activity strava_id=%d: %w", src.StravaID, err)
	}
	return existing.ID, nil
}

// GetActivityPhotosJSON returns the stored photos JSON blob for an
// activity, or "" if no row exists yet.
func (s *ActivityStore) GetActivityPhotosJSON(ctx context.Context, activityID int64) (string, error) {
	var blob pgtype.Text
	err := s.pool.QueryRow(ctx, `SELECT data FROM activity_photos WHERE activity_id = $1`, activityID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get activity photos for activity %d: %w", activityID, err)
	}
	return nullableTextToString(blob), nil
}

// UpsertActivityPhotos writes the photos JSON blob only if it differs from
// what is stored, giving byte-exact idempotence across repeated identical
// upstream responses.
func (s *ActivityStore) UpsertActivityPhotos(ctx context.Context, userID, activityID int64, jsonBlob string) error {
	current, err := s.GetActivityPhotosJSON(ctx, activityID)
	if err != nil {
		return err
	}
	if current == jsonBlob {
		return nil
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO activity_photos (user_id, activity_id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (activity_id) DO UPDATE SET data = EXCLUDED.data`,
		userID, activityID, jsonBlob,
	)
	if err != nil {
		return fmt.Errorf("upsert activity photos for activity %d: %w", activityID, err)
	}
	return nil
}
