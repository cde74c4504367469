package websocket

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/drblury/framebridge/internal/runtime/broadcast"
	"github.com/drblury/framebridge/internal/runtime/config"
	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/logging"
)

// Acceptor is called for every upgraded tunnel before it starts relaying. It
// must return only once the host is ready for the remote's first message.
// Returning an error closes the tunnel.
type Acceptor func(ctx context.Context, t *Tunnel) error

// Gateway upgrades HTTP requests from allow-listed origins into tunnels
// attached to the host window.
type Gateway struct {
	conf     *config.Config
	bus      *broadcast.Bus
	host     *broadcast.Window
	accept   Acceptor
	opts     Options
	log      logging.ServiceLogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	tunnels map[string]*Tunnel
	closed  bool
}

// NewGateway creates a gateway for host. Requests whose Origin header is not
// in conf.AllowedOrigins are refused before the upgrade.
func NewGateway(conf *config.Config, bus *broadcast.Bus, host *broadcast.Window, accept Acceptor, opts Options) (*Gateway, error) {
	if conf == nil {
		return nil, errs.ErrConfigRequired
	}
	if host == nil || bus == nil {
		return nil, errs.ErrWindowRequired
	}
	if len(conf.AllowedOrigins) == 0 {
		return nil, errs.ErrExpectedOriginRequired
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = conf.TunnelMaxFrameBytes
	}
	opts = opts.withDefaults()

	g := &Gateway{
		conf:    conf,
		bus:     bus,
		host:    host,
		accept:  accept,
		opts:    opts,
		log:     logging.Component(opts.Logger, "gateway"),
		tunnels: make(map[string]*Tunnel),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g, nil
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if g.conf.IsOriginAllowed(origin) {
		return true
	}
	g.log.Info("Refusing tunnel from disallowed origin", logging.LogFields{"origin": origin})
	return false
}

// ServeHTTP upgrades the request and relays until the tunnel closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		g.log.Debug("Tunnel upgrade failed", logging.LogFields{"error": err.Error()})
		return
	}

	origin, err := config.NormalizeOrigin(r.Header.Get("Origin"))
	if err != nil {
		_ = conn.Close()
		return
	}
	proxy, err := g.bus.Open(origin)
	if err != nil {
		g.log.Error("Failed to open proxy window", err, nil)
		_ = conn.Close()
		return
	}

	t := newTunnel(conn, proxy, g.host, g.opts)
	if !g.track(t) {
		_ = t.Close()
		return
	}
	defer g.untrack(t)

	if g.accept != nil {
		if err := g.accept(t.Context(), t); err != nil {
			g.log.Error("Tunnel rejected by acceptor", err, logging.LogFields{"tunnel_id": t.ID()})
			_ = t.Close()
			return
		}
	}
	if err := t.start(); err != nil {
		return
	}
	<-t.Done()
}

func (g *Gateway) track(t *Tunnel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.tunnels[t.ID()] = t
	return true
}

func (g *Gateway) untrack(t *Tunnel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tunnels, t.ID())
}

// Tunnels lists the ids of live tunnels, sorted.
func (g *Gateway) Tunnels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.tunnels))
	for id := range g.tunnels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close closes every tunnel and refuses new ones.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	tunnels := make([]*Tunnel, 0, len(g.tunnels))
	for _, t := range g.tunnels {
		tunnels = append(tunnels, t)
	}
	g.mu.Unlock()

	for _, t := range tunnels {
		_ = t.Close()
	}
	return nil
}
