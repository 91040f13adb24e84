package web_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awelzel/stravapoller/internal/domain"
	"github.com/awelzel/stravapoller/internal/stravaapi"
	"github.com/awelzel/stravapoller/internal/web"
)

type fakeUserStore struct {
	byStravaID map[int64]*domain.User
	created    []int64
	nextID     int64
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{byStravaID: map[int64]*domain.User{}, nextID: 1}
}

func (f *fakeUserStore) GetByStravaID(_ context.Context, stravaID int64) (*domain.User, error) {
	return f.byStravaID[stravaID], nil
}

func (f *fakeUserStore) Create(_ context.Context, stravaID int64) (*domain.User, error) {
	u := &domain.User{ID: f.nextID, StravaID: stravaID}
	f.nextID++
	f.byStravaID[stravaID] = u
	f.created = append(f.created, stravaID)
	return u, nil
}

type fakeTokenStore struct {
	byUserID map[int64]string
}

func (f *fakeTokenStore) Upsert(_ context.Context, userID int64, accessToken string) error {
	if f.byUserID == nil {
		f.byUserID = map[int64]string{}
	}
	f.byUserID[userID] = accessToken
	return nil
}

type fakePollStateStore struct {
	createdFor []int64
}

func (f *fakePollStateStore) CreateForUser(_ context.Context, userID int64, _ int32) (*domain.PollState, error) {
	f.createdFor = append(f.createdFor, userID)
	return &domain.PollState{UserID: userID}, nil
}

type fakeStravaClient struct {
	athleteID   int64
	accessToken string
}

func (f *fakeStravaClient) ExchangeToken(_ context.Context, _ string) (*stravaapi.TokenExchangeResult, error) {
	return &stravaapi.TokenExchangeResult{
		AccessToken: f.accessToken,
		Athlete:     stravaapi.Athlete{ID: f.athleteID},
	}, nil
}

func (f *fakeStravaClient) AuthorizeRedirectURL(redirectURI, state string) string {
	return "https://www.strava.com/oauth/authorize?state=" + state + "&redirect_uri=" + redirectURI
}

func TestHandleAuthorize_RedirectsWithFreshState(t *testing.T) {
	h := web.NewHandler(newFakeUserStore(), &fakeTokenStore{}, &fakePollStateStore{}, &fakeStravaClient{}, "https://example.com/callback", 20)

	req := httptest.NewRequest(http.MethodGet, "/authorize", http.NoBody)
	rec := httptest.NewRecorder()
	h.HandleAuthorize(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	loc := rec.Header().Get("Location")
	assert.Contains(t, loc, "strava.com/oauth/authorize")
	assert.Contains(t, loc, "state=")
}

func TestHandleCallback_FirstEnrollment_CreatesUserTokenAndPollState(t *testing.T) {
	users := newFakeUserStore()
	tokens := &fakeTokenStore{}
	pollStates := &fakePollStateStore{}
	client := &fakeStravaClient{athleteID: 99, accessToken: "tok-123"}

	h := web.NewHandler(users, tokens, pollStates, client, "https://example.com/callback", 20)

	authReq := httptest.NewRequest(http.MethodGet, "/authorize", http.NoBody)
	authRec := httptest.NewRecorder()
	h.HandleAuthorize(authRec, authReq)
	loc := authRec.Header().Get("Location")
	state := extractQueryParam(t, loc, "state")

	callbackReq := httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+state, http.NoBody)
	callbackRec := httptest.NewRecorder()
	h.HandleCallback(callbackRec, callbackReq)

	assert.Equal(t, http.StatusOK, callbackRec.Code)
	require.Contains(t, users.created, int64(99))
	assert.Equal(t, []int64{1}, pollStates.createdFor)
	assert.Equal(t, "tok-123", tokens.byUserID[1])
}

func TestHandleCallback_RejectsUnknownState(t *testing.T) {
	h := web.NewHandler(newFakeUserStore(), &fakeTokenStore{}, &fakePollStateStore{}, &fakeStravaClient{}, "https://example.com/callback", 20)

	req := httptest.NewRequest(http.MethodGet, "/callback?code=abc&state=never-issued", http.NoBody)
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCallback_RejectsReplayedState(t *testing.T) {
	users := newFakeUserStore()
	h := web.NewHandler(users, &fakeTokenStore{}, &fakePollStateStore{}, &fakeStravaClient{athleteID: 1}, "https://example.com/callback", 20)

	authRec := httptest.NewRecorder()
	h.HandleAuthorize(authRec, httptest.NewRequest(http.MethodGet, "/authorize", http.NoBody))
	state := extractQueryParam(t, authRec.Header().Get("Location"), "state")

	first := httptest.NewRecorder()
	h.HandleCallback(first, httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+state, http.NoBody))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	h.HandleCallback(second, httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+state, http.NoBody))
	assert.Equal(t, http.StatusBadRequest, second.Code)
}

func TestHandleCallback_ErrorParamShortCircuits(t *testing.T) {
	h := web.NewHandler(newFakeUserStore(), &fakeTokenStore{}, &fakePollStateStore{}, &fakeStravaClient{}, "https://example.com/callback", 20)

	req := httptest.NewRequest(http.MethodGet, "/callback?error=access_denied", http.NoBody)
	rec := httptest.NewRecorder()
	h.HandleCallback(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func extractQueryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	v := u.Query().Get(key)
	require.NotEmpty(t, v, "param %q not found in %q", key, rawURL)
	return v
}
