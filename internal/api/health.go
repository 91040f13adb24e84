package api

import (
	"context"
	"net/http"
	"runtime"
	"time"
)

// readinessTimeout is the timeout for the readiness dependency check.
const readinessTimeout = 2 * time.Second

// Build-time version information, set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/awelzel/stravapoller/internal/api.Version=1.0.0 -X github.com/awelzel/stravapoller/internal/api.GitCommit=abc1234"
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// HealthChecker verifies that a dependency is reachable and healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReadinessResponse is the structured JSON returned by GET /readyz.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealthz is a liveness probe that always returns 200 if the
// process is up and serving requests.
func (s *Server) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"go_version": runtime.Version(),
	})
}

// HandleReadyz checks the database dependency and returns 200 if reachable,
// 503 otherwise. The poller daemon has exactly one external dependency worth
// gating readiness on: Postgres.
func (s *Server) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.DBHealth == nil {
		writeJSON(w, http.StatusOK, ReadinessResponse{
			Status: "ready",
			Checks: map[string]CheckResult{},
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	check := CheckResult{Status: "ok"}
	if err := s.DBHealth.HealthCheck(ctx); err != nil {
		check = CheckResult{Status: "error", Error: err.Error()}
	}

	resp := ReadinessResponse{Checks: map[string]CheckResult{"postgres": check}}
	if check.Status == "ok" {
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
	} else {
		resp.Status = "not_ready"
		writeJSON(w, http.StatusServiceUnavailable, resp)
	}
}
