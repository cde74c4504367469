package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/framebridge/internal/runtime/logging"
)

const shutdownGrace = 5 * time.Second

// httpServers collects handlers per port and serves them together.
type httpServers struct {
	logger  loggingpkg.ServiceLogger
	mu      sync.Mutex
	servers map[int]*http.ServeMux
}

func newHTTPServers(log loggingpkg.ServiceLogger) httpServers {
	return httpServers{logger: log}
}

// RegisterHTTPHandler mounts handler on pattern for the server on port.
func (h *httpServers) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.servers == nil {
		h.servers = make(map[int]*http.ServeMux)
	}
	mux, ok := h.servers[port]
	if !ok {
		mux = http.NewServeMux()
		h.servers[port] = mux
	}
	mux.Handle(pattern, handler)
}

// ServeHTTPHandlers runs every registered server until ctx is cancelled, then
// shuts them down gracefully.
func (h *httpServers) ServeHTTPHandlers(ctx context.Context) error {
	h.mu.Lock()
	ports := make([]int, 0, len(h.servers))
	for port := range h.servers {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	servers := make([]*http.Server, 0, len(ports))
	for _, port := range ports {
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           h.servers[port],
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	h.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			h.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": srv.Addr})
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// ConnectionStatus is one row of the status endpoint.
type ConnectionStatus struct {
	ID            string    `json:"id"`
	Origin        string    `json:"origin"`
	RemoteVersion string    `json:"remote_version"`
	ConnectedAt   time.Time `json:"connected_at"`
	Methods       []string  `json:"methods"`
}

// StatusResponse is served at /api/connections.
type StatusResponse struct {
	Connections []ConnectionStatus     `json:"connections"`
	Metrics     *BridgeMetricsSnapshot `json:"metrics,omitempty"`
}

// EnableObservability mounts /metrics and /api/connections on the configured
// metrics port. It is a no-op when metrics are disabled.
func (m *Manager) EnableObservability(gatherer prometheus.Gatherer) {
	if !m.Conf.MetricsEnabled {
		return
	}
	port := m.Conf.MetricsPort
	if port == 0 {
		port = 9090
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	m.RegisterHTTPHandler(port, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	m.RegisterHTTPHandler(port, "/api/connections", http.HandlerFunc(m.handleGetConnections))
}

// Status reports the live connections.
func (m *Manager) Status() StatusResponse {
	m.mu.RLock()
	conns := make([]ConnectionStatus, 0, len(m.connections))
	for _, id := range m.idsLocked() {
		c := m.connections[id]
		conns = append(conns, ConnectionStatus{
			ID:            c.ID,
			Origin:        c.Origin,
			RemoteVersion: c.RemoteVersion,
			ConnectedAt:   c.ConnectedAt,
			Methods:       c.Methods(),
		})
	}
	m.mu.RUnlock()

	resp := StatusResponse{Connections: conns}
	if m.deps.Metrics != nil {
		snap := m.deps.Metrics.GetSnapshot()
		resp.Metrics = &snap
	}
	return resp
}

func (m *Manager) handleGetConnections(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if origin := r.Header.Get("Origin"); origin != "" && m.Conf.IsOriginAllowed(origin) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := jsoncodec.Encode(w, m.Status()); err != nil {
		m.Logger.Error("Failed to encode connection status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
