// Package domain defines the core data types shared across the poller.
// These are plain value types, no Postgres or Strava wire shapes leak in
// here; stores and the Strava adapter translate at their own boundaries.
package domain

import (
	"errors"
	"time"
)

// ErrUserMismatch indicates an Activity upsert found an existing row owned
// by a different user, a programmer error or upstream id collision, never
// expected in normal operation.
var ErrUserMismatch = errors.New("activity belongs to a different user")

// ErrDataError marks a worker- or write-boundary sanity check failure:
// a non-zero UTC offset on a supposedly-UTC timestamp, or a photo whose
// sizes map doesn't satisfy the requested-size contract. Non-retryable
// for the offending activity; the whole job is failed and recorded.
var ErrDataError = errors.New("data error")

// User is the owner of a mirrored activity history. The poller only
// references a User by id; the login/enrollment subsystem owns writes.
type User struct {
	ID       int64
	StravaID int64
}

// Token is the bearer credential the poller uses to call Strava on behalf
// of a User. Read-only from the poller's point of view: if it goes stale
// the poller records an auth-class error on PollState rather than
// refreshing it itself (refresh is a non-goal).
type Token struct {
	UserID      int64
	AccessToken string
}

// PollState is the central per-user record driving the scheduler's mode
// selection and eligibility query. One row per User.
type PollState struct {
	ID                   int64
	UserID               int64
	FullFetchNextPage    int32
	FullFetchPerPage     int32
	FullFetchCompleted   bool
	LastFetchCompletedAt *time.Time
	TotalFetches         int64
	ErrorHappened        bool
	ErrorHappenedAt      *time.Time
	ErrorMessage         string
	ErrorData            string // opaque JSON blob, readable by admin tools
	Stopped              bool
}

// StateUpdate is the named-field patch a Fetch Worker returns alongside a
// result envelope, applied by the Result Applier in a single transaction.
// Pointer/optional fields are left nil when that mode does not touch them
// (LATEST mode never touches the FullFetch* fields, for instance).
type StateUpdate struct {
	FullFetchNextPage    *int32
	FullFetchPerPage     *int32
	FullFetchCompleted   *bool
	TotalFetches         int64     // increment to apply to the stored counter, always 1
	LastFetchCompletedAt time.Time // always set: now
}

// Activity is an upserted mirror of a single upstream activity, keyed by
// StravaID (unique).
type Activity struct {
	ID                 int64
	UserID             int64
	StravaID           int64
	ExternalID         string
	Type               string
	Name               string
	Description        string
	Distance           float64
	MovingTime         int32
	ElapsedTime        int32
	TotalElevationGain float64
	AverageTemp        *float64
	StartDate          time.Time
	StartDateLocal     time.Time
	UTCOffset          int32
	Timezone           string
	StartLat           *float64
	StartLng           *float64
	EndLat             *float64
	EndLng             *float64
	SummaryPolyline    string
	TotalPhotoCount    int32
}

// ActivityPhotos is the single JSON-blob row of photos for an Activity,
// keyed by photo size. Rewritten only when the canonical serialized value
// differs from what is stored.
type ActivityPhotos struct {
	ID         int64
	UserID     int64
	ActivityID int64
	JSONBlob   string
}

// PhotoEntry is one photo annotated with the width/height that satisfied
// the requested size, as produced by the Fetch Worker's photo-fetch step
// and serialized into ActivityPhotos.JSONBlob.
type PhotoEntry struct {
	URL     string `json:"url"`
	Caption string `json:"caption"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// ActivityInfo is one activity plus its annotated photos, as produced by
// the Fetch Worker's photo-fetch step for a single upstream activity.
type ActivityInfo struct {
	Activity Activity
	Photos   map[int][]PhotoEntry
}

// FetchResult is the value-only output of a single Fetch Worker call,
// consumed by the Result Applier. Workers never touch the database
// directly; they return this and the scheduler applies it.
type FetchResult struct {
	ActivityInfos []ActivityInfo
	StateUpdate   StateUpdate
}

// Tour is an ambient, non-core record scoping a read-only, date-filtered
// view over a User's Activities. Restored from original_source as a
// supplemented feature; the poller core never writes Tour rows.
type Tour struct {
	ID                int64
	UserID            int64
	Name              string
	Description       string
	FilterStartDate   *time.Time
	FilterEndDate     *time.Time
	TilelayerProvider string
	PolylineColor     string
}
