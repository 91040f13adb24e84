// Package poller implements the Fetch Worker (C4) and Scheduler (C6): the
// bounded-concurrency poll loop that keeps each user's mirrored Strava
// activity history up to date.
//
// Workers never touch the database. They take a frozen PollState snapshot,
// talk to the upstream adapter, and return a value-only domain.FetchResult;
// the scheduler goroutine is the only writer, applying each result through
// a ResultApplier transaction.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/awelzel/stravapoller/internal/clientpool"
	"github.com/awelzel/stravapoller/internal/domain"
	"github.com/awelzel/stravapoller/internal/stravaapi"
)

// WorkerConfig carries the timing/sizing knobs a Worker needs, taken
// verbatim from the daemon's loaded config.
type WorkerConfig struct {
	LatestLookback          time.Duration
	LatestLookbackPerPage   int32
	FullFetchPerPageDefault int32
	PhotoSizes              []int
}

// DefaultWorkerConfig matches the source's tasks/strava_poller.py constants:
// 14 day lookback, 50-per-page LATEST fetches, 20-per-page FULL backfill,
// photos requested at 256px and 1024px.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		LatestLookback:          14 * 24 * time.Hour,
		LatestLookbackPerPage:   50,
		FullFetchPerPageDefault: 20,
		PhotoSizes:              []int{256, 1024},
	}
}

// Snapshot is the frozen input to a single worker run: everything the
// worker needs to do its job without touching the database again.
type Snapshot struct {
	UserID    int64
	Token     string
	PollState domain.PollState
}

// Worker runs one fetch job per call. Stateless beyond its config and
// adapter pool; safe to invoke concurrently from the scheduler's pool.
type Worker struct {
	clients *clientpool.Pool[*stravaapi.Client]
	cfg     WorkerConfig
}

// NewWorker creates a Worker borrowing adapter handles from pool.
func NewWorker(pool *clientpool.Pool[*stravaapi.Client], cfg WorkerConfig) *Worker {
	return &Worker{clients: pool, cfg: cfg}
}

// Run dispatches to FULL or LATEST mode based on the snapshot's
// full_fetch_completed flag and returns a value-only result envelope.
func (w *Worker) Run(ctx context.Context, snap Snapshot) (domain.FetchResult, error) {
	client, err := w.clients.Acquire(ctx)
	if err != nil {
		return domain.FetchResult{}, fmt.Errorf("acquire client: %w", err)
	}
	defer w.clients.Release(client)

	if !snap.PollState.FullFetchCompleted {
		return w.fullFetch(ctx, client, snap)
	}
	return w.latestFetch(ctx, client, snap)
}

func (w *Worker) fullFetch(ctx context.Context, client *stravaapi.Client, snap Snapshot) (domain.FetchResult, error) {
	page := snap.PollState.FullFetchNextPage
	if page < 1 {
		page = 1
	}
	perPage := snap.PollState.FullFetchPerPage
	if perPage < 1 {
		perPage = w.cfg.FullFetchPerPageDefault
	}

	raw, err := client.ListActivities(ctx, snap.Token, stravaapi.ListActivitiesParams{
		Page:    page,
		PerPage: perPage,
	})
	if err != nil {
		return domain.FetchResult{}, err
	}

	infos, err := w.annotateActivities(ctx, client, snap.Token, raw)
	if err != nil {
		return domain.FetchResult{}, err
	}

	nextPage := page + 1
	completed := len(infos) == 0

	return domain.FetchResult{
		ActivityInfos: infos,
		StateUpdate: domain.StateUpdate{
			FullFetchNextPage:    &nextPage,
			FullFetchPerPage:     &perPage,
			FullFetchCompleted:   &completed,
			TotalFetches:         1,
			LastFetchCompletedAt: time.Now(),
		},
	}, nil
}

func (w *Worker) latestFetch(ctx context.Context, client *stravaapi.Client, snap Snapshot) (domain.FetchResult, error) {
	base := time.Now()
	if snap.PollState.LastFetchCompletedAt != nil {
		base = *snap.PollState.LastFetchCompletedAt
	}
	afterDt := base.Add(-w.cfg.LatestLookback)

	if time.Since(afterDt) > w.cfg.LatestLookback+24*time.Hour {
		slog.Warn("poller: latest fetch lookback window is stale, a full refetch may be needed",
			"user_id", snap.UserID, "after", afterDt)
	}

	perPage := w.cfg.LatestLookbackPerPage
	raw, err := client.ListActivities(ctx, snap.Token, stravaapi.ListActivitiesParams{
		After:   afterDt.Unix(),
		PerPage: perPage,
	})
	if err != nil {
		return domain.FetchResult{}, err
	}

	if int32(len(raw)) >= perPage {
		slog.Warn("poller: latest fetch page may be truncated", "user_id", snap.UserID, "count", len(raw))
	}

	infos, err := w.annotateActivities(ctx, client, snap.Token, raw)
	if err != nil {
		return domain.FetchResult{}, err
	}

	return domain.FetchResult{
		ActivityInfos: infos,
		StateUpdate: domain.StateUpdate{
			TotalFetches:         1,
			LastFetchCompletedAt: time.Now(),
		},
	}, nil
}

// annotateActivities filters out resource_state < 0 rows and fetches
// photos for each survivor, translating the raw upstream shape into the
// domain value types the applier consumes.
func (w *Worker) annotateActivities(ctx context.Context, client *stravaapi.Client, token string, raw []stravaapi.Activity) ([]domain.ActivityInfo, error) {
	infos := make([]domain.ActivityInfo, 0, len(raw))
	for _, ra := range raw {
		if ra.ResourceState < 0 {
			slog.Warn("poller: skipping activity with negative resource_state", "strava_id", ra.ID)
			continue
		}

		activity, err := toDomainActivity(ra)
		if err != nil {
			return nil, err
		}

		photos, err := w.fetchPhotosForActivity(ctx, client, token, ra)
		if err != nil {
			return nil, err
		}

		infos = append(infos, domain.ActivityInfo{Activity: activity, Photos: photos})
	}
	return infos, nil
}

// fetchPhotosForActivity implements the spec's per-size photo fetch and
// width/height sanity check. total_photo_count == 0 short-circuits with no
// network call.
func (w *Worker) fetchPhotosForActivity(ctx context.Context, client *stravaapi.Client, token string, ra stravaapi.Activity) (map[int][]domain.PhotoEntry, error) {
	if ra.TotalPhotoCount == 0 {
		return map[int][]domain.PhotoEntry{}, nil
	}

	result := make(map[int][]domain.PhotoEntry, len(w.cfg.PhotoSizes))
	for _, size := range w.cfg.PhotoSizes {
		photos, err := client.ActivityPhotos(ctx, token, ra.ID, size)
		if err != nil {
			return nil, err
		}

		entries := make([]domain.PhotoEntry, 0, len(photos))
		for _, p := range photos {
			if len(p.Sizes) != 1 {
				return nil, fmt.Errorf("activity %d photo %q: expected exactly one size entry, got %d: %w", ra.ID, p.UniqueID, len(p.Sizes), domain.ErrDataError)
			}
			var dims [2]int
			var sizeKey string
			for k, v := range p.Sizes {
				sizeKey, dims = k, v
			}
			width, height := dims[0], dims[1]
			if width != size && height != size {
				return nil, fmt.Errorf("activity %d photo %q: neither dimension matches requested size %d: %w", ra.ID, p.UniqueID, size, domain.ErrDataError)
			}
			entries = append(entries, domain.PhotoEntry{
				URL:     p.URLs[sizeKey],
				Caption: p.Caption,
				Width:   width,
				Height:  height,
			})
		}
		result[size] = entries
	}
	return result, nil
}

// toDomainActivity translates the raw upstream shape into the stored
// domain type. utc_offset is a normal per-activity field (non-zero for
// every athlete outside UTC) and is stored verbatim; what must be zero is
// the UTC offset of the parsed start_date/start_date_local timestamps
// themselves, since both are wire-formatted with a "Z"/zero-offset
// suffix and the store holds them as naive UTC instants.
func toDomainActivity(ra stravaapi.Activity) (domain.Activity, error) {
	startDate, err := time.Parse(time.RFC3339, ra.StartDate)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("activity %d: parse start_date %q: %w", ra.ID, ra.StartDate, err)
	}
	if _, offset := startDate.Zone(); offset != 0 {
		return domain.Activity{}, fmt.Errorf("activity %d: start_date %q has non-zero utc offset: %w", ra.ID, ra.StartDate, domain.ErrDataError)
	}

	startDateLocal, err := time.Parse(time.RFC3339, ra.StartDateLocal)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("activity %d: parse start_date_local %q: %w", ra.ID, ra.StartDateLocal, err)
	}
	if _, offset := startDateLocal.Zone(); offset != 0 {
		return domain.Activity{}, fmt.Errorf("activity %d: start_date_local %q has non-zero utc offset: %w", ra.ID, ra.StartDateLocal, domain.ErrDataError)
	}

	a := domain.Activity{
		StravaID:           ra.ID,
		ExternalID:         ra.ExternalID,
		Type:               ra.Type,
		Name:               ra.Name,
		Description:        ra.Description,
		Distance:           ra.Distance,
		MovingTime:         ra.MovingTime,
		ElapsedTime:        ra.ElapsedTime,
		TotalElevationGain: ra.TotalElevGain,
		AverageTemp:        ra.AverageTemp,
		StartDate:          startDate,
		StartDateLocal:     startDateLocal,
		UTCOffset:          int32(ra.UTCOffset),
		Timezone:           ra.Timezone,
		SummaryPolyline:    ra.Map.SummaryPolyline,
		TotalPhotoCount:    ra.TotalPhotoCount,
	}
	if len(ra.StartLatLng) == 2 {
		a.StartLat, a.StartLng = &ra.StartLatLng[0], &ra.StartLatLng[1]
	}
	if len(ra.EndLatLng) == 2 {
		a.EndLat, a.EndLng = &ra.EndLatLng[0], &ra.EndLatLng[1]
	}
	return a, nil
}
