package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/framebridge/internal/runtime/config"
	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
)

func TestStatusEndpointListsConnections(t *testing.T) {
	metrics := NewBridgeMetrics(prometheus.NewRegistry())
	h := newHarness(t, func(_ *configpkg.Config, deps *ManagerDependencies) {
		deps.Metrics = metrics
	})
	h.connectGuest(t, "b", "2.0.0", ClientDependencies{})
	h.connectGuest(t, "a", "1.0.0", ClientDependencies{})

	req := httptest.NewRequest(http.MethodGet, "/api/connections", nil)
	req.Header.Set("Origin", guestOrigin)
	rec := httptest.NewRecorder()
	h.manager.handleGetConnections(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, guestOrigin, rec.Header().Get("Access-Control-Allow-Origin"))

	var status StatusResponse
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status.Connections, 2)
	assert.Equal(t, "a", status.Connections[0].ID)
	assert.Equal(t, "1.0.0", status.Connections[0].RemoteVersion)
	assert.Equal(t, "b", status.Connections[1].ID)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, int64(2), status.Metrics.ActiveConnections)
}

func TestStatusEndpointIgnoresUnknownOrigins(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/connections", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	h.manager.handleGetConnections(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestEnableObservabilityMountsHandlers(t *testing.T) {
	h := newHarness(t, func(conf *configpkg.Config, _ *ManagerDependencies) {
		conf.MetricsEnabled = true
		conf.MetricsPort = 9123
	})
	h.manager.EnableObservability(prometheus.NewRegistry())

	h.manager.httpServers.mu.Lock()
	mux, ok := h.manager.httpServers.servers[9123]
	h.manager.httpServers.mu.Unlock()
	require.True(t, ok)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	disabled := newHarness(t, nil)
	disabled.manager.EnableObservability(nil)
	assert.Empty(t, disabled.manager.httpServers.servers)
}
