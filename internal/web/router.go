package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/awelzel/stravapoller/internal/api"
)

// NewRouter builds the ambient OAuth enrollment surface, grounded on the
// teacher's chi+cors router wiring (internal/api.NewRouter). The returned
// RateLimiter guards the public /tours read view; callers should Stop() it
// on shutdown to release its cleanup goroutine.
func NewRouter(h *Handler, tours *ToursHandler) (chi.Router, *api.RateLimiter) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(api.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         300,
	}))

	r.Get("/authorize", h.HandleAuthorize)
	r.Get("/callback", h.HandleCallback)

	rl, rlMiddleware := api.RateLimit(api.DefaultEndpointRateLimitConfig().Query)
	r.With(rlMiddleware).Get("/tours", tours.HandleListTours)

	return r, rl
}
