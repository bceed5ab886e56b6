package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper builds a Server backed by a fresh registry. It returns the Server so
// callers can issue requests through the underlying handler without starting
// a real listener.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	_ = NewMetrics(reg)
	return NewServer(0, "/metrics", "/healthz", "/ready", reg)
}

// TestLivenessReturns200 verifies that the liveness endpoint always returns
// HTTP 200 with a JSON body containing status "ok".
func TestLivenessReturns200(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	err := json.Unmarshal(rec.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

// TestReadinessReturns200WhenReady verifies that the readiness endpoint
// returns HTTP 200 once the server is marked ready.
func TestReadinessReturns200WhenReady(t *testing.T) {
	srv := newTestServer(t)
	srv.SetReady(true)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	err := json.Unmarshal(rec.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

// TestReadinessReturns503WhenNotReady verifies that the readiness endpoint
// returns HTTP 503 when the server has not been marked ready.
func TestReadinessReturns503WhenNotReady(t *testing.T) {
	srv := newTestServer(t)

	// Server not marked ready (default is false).
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	err := json.Unmarshal(rec.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Equal(t, "unavailable", body["status"])
}

// TestMetricsEndpointReturns200 verifies that the /metrics endpoint responds
// with the registered collectors.
func TestMetricsEndpointReturns200(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	// Prometheus text format contains at least one HELP line for our metrics.
	assert.Contains(t, rec.Body.String(), "vwsmock_")
}

// TestSetReadyToggle verifies that SetReady toggles the readiness state.
func TestSetReadyToggle(t *testing.T) {
	srv := newTestServer(t)

	// Initially not ready.
	assert.False(t, srv.isReady())

	srv.SetReady(true)
	assert.True(t, srv.isReady())

	srv.SetReady(false)
	assert.False(t, srv.isReady())
}
