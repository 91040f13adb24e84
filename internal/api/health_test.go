package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/awelzel/stravapoller/internal/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func TestHandleHealthz_AlwaysReturns200(t *testing.T) {
	srv := &api.Server{DBHealth: &mockHealthChecker{err: errors.New("connection refused")}}
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleReadyz_DBHealthy_Returns200(t *testing.T) {
	srv := &api.Server{DBHealth: &mockHealthChecker{err: nil}}
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body api.ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"].Status)
}

func TestHandleReadyz_DBDown_Returns503(t *testing.T) {
	srv := &api.Server{DBHealth: &mockHealthChecker{err: errors.New("connection refused")}}
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body api.ReadinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "error", body.Checks["postgres"].Status)
	assert.Equal(t, "connection refused", body.Checks["postgres"].Error)
}

func TestHandleReadyz_NoDBConfigured_ReturnsReady(t *testing.T) {
	srv := &api.Server{}
	router := api.NewRouter(srv)

	req := httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
