package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/framebridge/internal/runtime/rpc"
)

// BridgeMetrics tracks call, handshake and connection statistics.
type BridgeMetrics struct {
	mu sync.RWMutex

	// Per-method counts
	methodStats map[methodKey]*MethodMetrics
	handshakes  map[string]uint64
	rejected    map[string]uint64
	active      int64

	// Prometheus collectors
	callsTotal        *prometheus.CounterVec
	callDurationHist  *prometheus.HistogramVec
	handshakesTotal   *prometheus.CounterVec
	helloRejected     *prometheus.CounterVec
	connectionsActive prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

type methodKey struct {
	direction rpc.Direction
	method    string
}

// MethodMetrics holds the counts for one method in one direction.
type MethodMetrics struct {
	Calls         uint64        `json:"calls"`
	Errors        uint64        `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	LastCalledAt  time.Time     `json:"last_called_at"`
}

// BridgeMetricsSnapshot provides a point-in-time view of the bridge metrics.
type BridgeMetricsSnapshot struct {
	Outgoing          map[string]*MethodMetrics `json:"outgoing"`
	Incoming          map[string]*MethodMetrics `json:"incoming"`
	Handshakes        map[string]uint64         `json:"handshakes"`
	HelloRejected     map[string]uint64         `json:"hello_rejected"`
	ActiveConnections int64                     `json:"active_connections"`
	CollectedAt       time.Time                 `json:"collected_at"`
}

func newBridgeCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "framebridge",
			Subsystem: "bridge",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewBridgeMetrics creates a metrics collector. A nil registerer means the
// Prometheus default registerer.
func NewBridgeMetrics(registerer prometheus.Registerer) *BridgeMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &BridgeMetrics{
		methodStats:     make(map[methodKey]*MethodMetrics),
		handshakes:      make(map[string]uint64),
		rejected:        make(map[string]uint64),
		registerer:      registerer,
		callsTotal:      newBridgeCounterVec("calls_total", "Total number of RPC calls by direction, method and outcome", []string{"direction", "method", "outcome"}),
		handshakesTotal: newBridgeCounterVec("handshakes_total", "Total number of handshakes by role and result", []string{"role", "result"}),
		helloRejected:   newBridgeCounterVec("hello_rejected_total", "Hello messages dropped by the responder", []string{"reason"}),
		callDurationHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "framebridge",
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "Duration of RPC calls until their response or failure",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		}, []string{"direction", "method"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "framebridge",
			Subsystem: "bridge",
			Name:      "connections_active",
			Help:      "Number of live host connections",
		}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *BridgeMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.callsTotal,
		m.callDurationHist,
		m.handshakesTotal,
		m.helloRejected,
		m.connectionsActive,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Hooks returns call hooks feeding this collector. Install them as both call
// and dispatch hooks.
func (m *BridgeMetrics) Hooks() rpc.CallHooks {
	return rpc.MetricsHooks(nil, m.RecordCall)
}

// RecordCall records one finished call. outcome is "ok" or "error".
func (m *BridgeMetrics) RecordCall(direction rpc.Direction, method, outcome string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.getOrCreateMethodMetrics(direction, method)
	stats.Calls++
	if outcome != "ok" {
		stats.Errors++
	}
	stats.TotalDuration += d
	stats.LastCalledAt = time.Now()

	m.callsTotal.WithLabelValues(string(direction), method, outcome).Inc()
	m.callDurationHist.WithLabelValues(string(direction), method).Observe(d.Seconds())
}

// RecordHandshake records a handshake outcome for role "initiator" or
// "responder".
func (m *BridgeMetrics) RecordHandshake(role, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handshakes[role+"/"+result]++
	m.handshakesTotal.WithLabelValues(role, result).Inc()
}

// RecordHelloRejected records a dropped Hello.
func (m *BridgeMetrics) RecordHelloRejected(reason, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rejected[reason]++
	m.helloRejected.WithLabelValues(reason).Inc()
}

// ConnectionOpened increments the live connection gauge.
func (m *BridgeMetrics) ConnectionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active++
	m.connectionsActive.Set(float64(m.active))
}

// ConnectionClosed decrements the live connection gauge.
func (m *BridgeMetrics) ConnectionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active > 0 {
		m.active--
	}
	m.connectionsActive.Set(float64(m.active))
}

// GetSnapshot returns a point-in-time snapshot of all bridge metrics.
func (m *BridgeMetrics) GetSnapshot() BridgeMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := BridgeMetricsSnapshot{
		Outgoing:          make(map[string]*MethodMetrics),
		Incoming:          make(map[string]*MethodMetrics),
		Handshakes:        make(map[string]uint64, len(m.handshakes)),
		HelloRejected:     make(map[string]uint64, len(m.rejected)),
		ActiveConnections: m.active,
		CollectedAt:       time.Now(),
	}

	for key, stats := range m.methodStats {
		statsCopy := *stats
		if key.direction == rpc.Incoming {
			snapshot.Incoming[key.method] = &statsCopy
		} else {
			snapshot.Outgoing[key.method] = &statsCopy
		}
	}
	for k, v := range m.handshakes {
		snapshot.Handshakes[k] = v
	}
	for k, v := range m.rejected {
		snapshot.HelloRejected[k] = v
	}

	return snapshot
}

// GetMethodMetrics returns a copy of the metrics for one method.
func (m *BridgeMetrics) GetMethodMetrics(direction rpc.Direction, method string) *MethodMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if stats, ok := m.methodStats[methodKey{direction, method}]; ok {
		statsCopy := *stats
		return &statsCopy
	}
	return nil
}

func (m *BridgeMetrics) getOrCreateMethodMetrics(direction rpc.Direction, method string) *MethodMetrics {
	key := methodKey{direction, method}
	if stats, ok := m.methodStats[key]; ok {
		return stats
	}
	stats := &MethodMetrics{}
	m.methodStats[key] = stats
	return stats
}

// Reset resets all metrics (useful for testing).
func (m *BridgeMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.methodStats = make(map[methodKey]*MethodMetrics)
	m.handshakes = make(map[string]uint64)
	m.rejected = make(map[string]uint64)
	m.active = 0
	m.callsTotal.Reset()
	m.callDurationHist.Reset()
	m.handshakesTotal.Reset()
	m.helloRejected.Reset()
	m.connectionsActive.Set(0)
}
