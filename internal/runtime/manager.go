package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/framebridge/internal/runtime/broadcast"
	configpkg "github.com/drblury/framebridge/internal/runtime/config"
	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/handshake"
	loggingpkg "github.com/drblury/framebridge/internal/runtime/logging"
	"github.com/drblury/framebridge/internal/runtime/protocol"
	"github.com/drblury/framebridge/internal/runtime/rpc"
	"github.com/drblury/framebridge/internal/runtime/transport"
)

// PeerInfo describes the guest on the other side of a connection.
type PeerInfo struct {
	ConnectionID    string
	Origin          string
	CallerVersion   string
	ProtocolVersion string
	Frame           *broadcast.Window
}

// HandlerFactory builds the host handlers for one connection. It runs once per
// handshake so the handlers can close over that guest's PeerInfo.
type HandlerFactory func(peer PeerInfo) rpc.Handlers

// ManagerDependencies holds the optional collaborators of a Manager.
// Leave fields nil to skip them.
type ManagerDependencies struct {
	Handlers HandlerFactory
	// Configuration is the live host configuration served to guests through
	// the snapshot and invoke-by-path built-ins.
	Configuration  any
	Metrics        *BridgeMetrics
	CallHooks      rpc.CallHooks
	DispatchHooks  rpc.CallHooks
	TracerProvider trace.TracerProvider
	// NewPipe overrides the private channel factory, e.g. to tunnel it.
	NewPipe func(loggingpkg.ServiceLogger) (transport.Port, transport.Port, error)
}

// ConnectOption customises a single Connect call.
type ConnectOption func(*connectOptions)

type connectOptions struct {
	id             string
	expectedOrigin string
	onListening    func()
}

// WithConnectionID names the connection. Defaults to "default".
func WithConnectionID(id string) ConnectOption {
	return func(o *connectOptions) { o.id = id }
}

// WithExpectedOrigin restricts the handshake to one guest origin instead of
// the configured allow-list.
func WithExpectedOrigin(origin string) ConnectOption {
	return func(o *connectOptions) { o.expectedOrigin = origin }
}

// WithOnListening registers fn to run once the handshake listener is in
// place. Transports that must not deliver the guest's Hello too early wait
// for it.
func WithOnListening(fn func()) ConnectOption {
	return func(o *connectOptions) { o.onListening = fn }
}

// Connection is one live guest. Its engine, registry and closures are never
// shared with another connection.
type Connection struct {
	ID            string
	Origin        string
	RemoteVersion string
	Frame         *broadcast.Window
	ConnectedAt   time.Time

	engine   *rpc.Engine
	registry *rpc.Registry
}

// Invoke calls method on the guest.
func (c *Connection) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	return c.engine.Call(ctx, method, args...)
}

// Guest returns the typed guest surface.
func (c *Connection) Guest() GuestAPI { return NewGuestAPI(c) }

// Methods lists what this connection serves to the guest.
func (c *Connection) Methods() []string { return c.registry.Methods() }

// Done is closed when the connection's engine stops.
func (c *Connection) Done() <-chan struct{} { return c.engine.Done() }

// Manager is the host side of the bridge. It owns any number of isolated
// guest connections keyed by id.
type Manager struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	window *broadcast.Window
	deps   ManagerDependencies
	obs    observability

	mu          sync.RWMutex
	connections map[string]*Connection
	pending     map[string]*handshake.Responder

	httpServers
}

// NewManager creates a host bridge listening on window.
func NewManager(conf *configpkg.Config, window *broadcast.Window, log loggingpkg.ServiceLogger, deps ManagerDependencies) (*Manager, error) {
	if conf == nil {
		return nil, errs.ErrConfigRequired
	}
	if log == nil {
		return nil, errs.ErrLoggerRequired
	}
	if window == nil {
		return nil, errs.ErrWindowRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log = loggingpkg.Component(log, "manager")
	log.Info("Creating bridge manager", loggingpkg.LogFields{
		"window": window.ID(),
		"origin": window.Origin(),
		"config": conf,
	})

	return &Manager{
		Conf:   conf,
		Logger: log,
		window: window,
		deps:   deps,
		obs: observability{
			logger:         log,
			metrics:        deps.Metrics,
			callHooks:      deps.CallHooks,
			dispatchHooks:  deps.DispatchHooks,
			tracerProvider: deps.TracerProvider,
		},
		connections: make(map[string]*Connection),
		pending:     make(map[string]*handshake.Responder),
		httpServers: newHTTPServers(log),
	}, nil
}

// Window returns the host window.
func (m *Manager) Window() *broadcast.Window { return m.window }

// Connect waits for a guest in frame to complete the handshake and registers
// the resulting connection. It fails with ErrConnectionExists when the id is
// live or already being connected.
func (m *Manager) Connect(ctx context.Context, frame *broadcast.Window, opts ...ConnectOption) (*Connection, error) {
	o := connectOptions{id: protocol.DefaultConnectionID}
	for _, opt := range opts {
		opt(&o)
	}
	if frame == nil {
		return nil, errs.ErrFrameRequired
	}
	if err := m.reserve(o.id); err != nil {
		return nil, err
	}
	defer m.release(o.id)

	allowed := m.Conf.AllowedOrigins
	if o.expectedOrigin != "" {
		allowed = []string{o.expectedOrigin}
	}

	log := m.Logger.With(loggingpkg.LogFields{"connection_id": o.id})
	rcfg := handshake.ResponderConfig{
		Window:           m.window,
		Frame:            frame,
		AllowedOrigins:   allowed,
		ResponderVersion: m.Conf.Version,
		Timeout:          m.Conf.EffectiveHandshakeTimeout(),
		HelloRate:        m.Conf.HelloRateLimit,
		HelloBurst:       m.Conf.HelloBurst,
		EngineOptions:    engineOptions(o.id, rpc.WithCallTimeout(m.Conf.EffectiveCallTimeout()), m.obs),
		NewPipe:          m.deps.NewPipe,
		OnListening:      o.onListening,
		Logger:           log,
	}
	if m.deps.Metrics != nil {
		rcfg.OnRejected = m.deps.Metrics.RecordHelloRejected
	}
	responder, err := handshake.NewResponder(rcfg)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.pending[o.id] = responder
	m.mu.Unlock()

	accepted, err := responder.Accept(ctx, func(peer handshake.Peer) (*rpc.Registry, error) {
		info := PeerInfo{
			ConnectionID:    o.id,
			Origin:          peer.Origin,
			CallerVersion:   peer.Hello.CallerVersion,
			ProtocolVersion: peer.Hello.ProtocolVersion,
			Frame:           peer.Frame,
		}
		var own rpc.Handlers
		if m.deps.Handlers != nil {
			own = m.deps.Handlers(info)
		}
		return buildRegistry(own, m.deps.Configuration, true, m.Conf.Version), nil
	})
	if err != nil {
		m.recordHandshake(err)
		log.Error("Handshake failed", err, nil)
		return nil, err
	}
	m.recordHandshake(nil)

	conn := &Connection{
		ID:            o.id,
		Origin:        accepted.Peer.Origin,
		RemoteVersion: accepted.Peer.Hello.CallerVersion,
		Frame:         accepted.Peer.Frame,
		ConnectedAt:   time.Now(),
		engine:        accepted.Engine,
		registry:      accepted.Registry,
	}

	m.mu.Lock()
	if _, exists := m.connections[o.id]; exists {
		m.mu.Unlock()
		_ = conn.engine.Close()
		return nil, fmt.Errorf("%w: %q", errs.ErrConnectionExists, o.id)
	}
	m.connections[o.id] = conn
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.ConnectionOpened()
	}
	go m.watch(conn)

	log.Info("Guest connected", loggingpkg.LogFields{
		"origin":         conn.Origin,
		"remote_version": conn.RemoteVersion,
	})
	return conn, nil
}

func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.connections[id]; ok {
		return fmt.Errorf("%w: %q", errs.ErrConnectionExists, id)
	}
	if _, ok := m.pending[id]; ok {
		return fmt.Errorf("%w: %q (handshake in progress)", errs.ErrConnectionExists, id)
	}
	m.pending[id] = nil
	return nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
}

func (m *Manager) recordHandshake(err error) {
	if m.deps.Metrics == nil {
		return
	}
	m.deps.Metrics.RecordHandshake("responder", handshakeResult(err))
}

// watch drops a connection from the table once its engine stops.
func (m *Manager) watch(conn *Connection) {
	<-conn.engine.Done()
	m.mu.Lock()
	current, ok := m.connections[conn.ID]
	if ok && current == conn {
		delete(m.connections, conn.ID)
	}
	m.mu.Unlock()

	if m.deps.Metrics != nil {
		m.deps.Metrics.ConnectionClosed()
	}
	if ok && current == conn {
		m.Logger.Info("Guest connection closed", loggingpkg.LogFields{"connection_id": conn.ID})
	}
}

// HandshakeState reports the state of a pending handshake for id. The second
// result is false when no handshake for id is in progress.
func (m *Manager) HandshakeState(id string) (handshake.State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	responder, ok := m.pending[id]
	if !ok {
		return handshake.Idle, false
	}
	if responder == nil {
		return handshake.Idle, true
	}
	return responder.State(), true
}

// Connection returns the live connection with the given id.
func (m *Manager) Connection(id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conn, ok := m.connections[id]; ok {
		return conn, nil
	}
	return nil, &errs.ConnectionNotFoundError{ID: id, Live: m.idsLocked()}
}

// IDs lists live connection ids, sorted.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idsLocked()
}

func (m *Manager) idsLocked() []string {
	ids := make([]string, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Disconnect closes the connection with the given id and fails its pending
// calls. Unknown ids are ignored.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	conn, ok := m.connections[id]
	if ok {
		delete(m.connections, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.engine.Close()
}

// CloseAll disconnects every live connection.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.connections = make(map[string]*Connection)
	m.mu.Unlock()

	var g errgroup.Group
	for _, conn := range conns {
		g.Go(conn.engine.Close)
	}
	err := g.Wait()
	m.Logger.Info("Closed all connections", loggingpkg.LogFields{"count": len(conns)})
	return err
}

func handshakeResult(err error) string {
	switch {
	case err == nil:
		return "connected"
	case errors.Is(err, errs.ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "error"
	}
}

// RemoteCapabilities asks the guest which methods it serves.
func (c *Connection) RemoteCapabilities(ctx context.Context) (protocol.CapabilitiesInfo, error) {
	return InvokeAs[protocol.CapabilitiesInfo](ctx, c, protocol.MethodCapabilities)
}
