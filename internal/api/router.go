// Package api exposes the poller daemon's operational HTTP surface:
// liveness/readiness probes plus request logging and rate limiting
// middleware shared with the ambient OAuth web server.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Server holds the dependencies the operational HTTP surface needs.
// DBHealth is optional; a nil value makes /readyz always report ready,
// which is useful in tests that don't stand up a database.
type Server struct {
	DBHealth HealthChecker
}

// NewRouter builds the poller daemon's operational HTTP surface.
func NewRouter(s *Server) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestID)
	r.Use(RequestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.HandleHealthz)
	r.Get("/readyz", s.HandleReadyz)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func errorJSON(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
