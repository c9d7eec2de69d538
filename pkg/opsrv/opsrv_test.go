package opsrv_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/fedimint-client/internal/fedsim"
	"github.com/cuemby/fedimint-client/pkg/clientctx"
	"github.com/cuemby/fedimint-client/pkg/database"
	"github.com/cuemby/fedimint-client/pkg/opsrv"
	"github.com/cuemby/fedimint-client/pkg/registry"
	"github.com/cuemby/fedimint-client/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *opsrv.Server {
	t.Helper()

	fed, err := fedsim.New("node1", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fed.Shutdown() })

	db, err := database.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	invite := types.InviteCode{URL: "ws://guardian", GuardianID: 0, FederationID: "fed1"}
	client := clientctx.NewClient(db, registry.New(), fed, types.ModuleInstanceID(1), invite, nil)
	t.Cleanup(client.Shutdown)

	return opsrv.New(client)
}

func TestHealthHandlerAlwaysReportsHealthy(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp opsrv.HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHealthHandlerRejectsNonGet(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestReadyHandlerReportsStorageAndExecutorOK(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp opsrv.ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["storage"])
	assert.Contains(t, resp.Checks["executor"], "active states")
}

func TestMetricsHandlerServesPrometheusFormat(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
