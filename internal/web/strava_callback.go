// Package web is the ambient OAuth enrollment surface: a user visits
// /authorize, is redirected to Strava's consent screen, and lands back on
// /callback where the authorization code is exchanged for an access
// token and the user is enrolled (or re-linked) into the poller.
//
// This is deliberately thin. spec.md's Non-goals exclude a login UI and
// HTML rendering beyond a minimal confirmation; the poller core never
// calls into this package, and this package never touches PollState
// selection logic.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/awelzel/stravapoller/internal/domain"
	"github.com/awelzel/stravapoller/internal/stravaapi"
)

// UserStore is the subset of internal/postgres.UserStore the callback
// handler needs.
type UserStore interface {
	GetByStravaID(ctx context.Context, stravaID int64) (*domain.User, error)
	Create(ctx context.Context, stravaID int64) (*domain.User, error)
}

// TokenStore is the subset of internal/postgres.TokenStore the callback
// handler needs.
type TokenStore interface {
	Upsert(ctx context.Context, userID int64, accessToken string) error
}

// PollStateStore is the subset of internal/postgres.PollStateStore the
// callback handler needs, to start a backfill for a freshly enrolled user.
type PollStateStore interface {
	CreateForUser(ctx context.Context, userID int64, fullFetchPerPage int32) (*domain.PollState, error)
}

// StravaClient is the subset of internal/stravaapi.Client the callback
// handler needs.
type StravaClient interface {
	ExchangeToken(ctx context.Context, code string) (*stravaapi.TokenExchangeResult, error)
	AuthorizeRedirectURL(redirectURI, state string) string
}

// Handler holds the enrollment flow's dependencies and in-memory CSRF
// state set, grounded on original_source/tourmap/blueprints/strava.py's
// callback/authorize pair, upgraded from a single static "CONNECT"
// state string to a per-request uuid token.
type Handler struct {
	Users       UserStore
	Tokens      TokenStore
	PollStates  PollStateStore
	Client      StravaClient
	RedirectURI string

	FullFetchPerPage int32

	mu          sync.Mutex
	pendingCSRF map[string]struct{}
}

// NewHandler creates a Handler. redirectURI is the absolute /callback
// URL registered with Strava for this app.
func NewHandler(users UserStore, tokens TokenStore, pollStates PollStateStore, client StravaClient, redirectURI string, fullFetchPerPage int32) *Handler {
	return &Handler{
		Users:            users,
		Tokens:           tokens,
		PollStates:       pollStates,
		Client:           client,
		RedirectURI:      redirectURI,
		FullFetchPerPage: fullFetchPerPage,
		pendingCSRF:      make(map[string]struct{}),
	}
}

// HandleAuthorize redirects the browser to Strava's consent screen with a
// freshly generated CSRF state token.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()

	h.mu.Lock()
	h.pendingCSRF[state] = struct{}{}
	h.mu.Unlock()

	http.Redirect(w, r, h.Client.AuthorizeRedirectURL(h.RedirectURI, state), http.StatusFound)
}

// HandleCallback exchanges the authorization code, verifies the state
// token was one we issued, and enrolls (or re-links) the athlete.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		http.Error(w, fmt.Sprintf("strava authorization denied: %s", errMsg), http.StatusBadRequest)
		return
	}

	state := r.URL.Query().Get("state")
	if !h.consumeCSRF(state) {
		http.Error(w, "invalid or expired state token", http.StatusBadRequest)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	result, err := h.Client.ExchangeToken(ctx, code)
	if err != nil {
		slog.ErrorContext(ctx, "web: token exchange failed", "error", err)
		http.Error(w, "failed to exchange authorization code", http.StatusBadGateway)
		return
	}

	user, err := h.Users.GetByStravaID(ctx, result.Athlete.ID)
	if err != nil {
		slog.ErrorContext(ctx, "web: lookup user failed", "strava_id", result.Athlete.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	firstEnrollment := user == nil
	if firstEnrollment {
		user, err = h.Users.Create(ctx, result.Athlete.ID)
		if err != nil {
			slog.ErrorContext(ctx, "web: create user failed", "strava_id", result.Athlete.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	if err := h.Tokens.Upsert(ctx, user.ID, result.AccessToken); err != nil {
		slog.ErrorContext(ctx, "web: upsert token failed", "user_id", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if firstEnrollment {
		if _, err := h.PollStates.CreateForUser(ctx, user.ID, h.FullFetchPerPage); err != nil {
			slog.ErrorContext(ctx, "web: create poll state failed", "user_id", user.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		slog.InfoContext(ctx, "web: enrolled new user", "user_id", user.ID, "strava_id", user.StravaID)
	} else {
		slog.InfoContext(ctx, "web: re-linked existing user", "user_id", user.ID, "strava_id", user.StravaID)
	}

	renderHello(w, user.ID)
}

func (h *Handler) consumeCSRF(state string) bool {
	if state == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pendingCSRF[state]; !ok {
		return false
	}
	delete(h.pendingCSRF, state)
	return true
}
