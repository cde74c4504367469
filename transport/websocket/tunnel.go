// Package websocket carries the bridge across processes. A tunnel stands in
// for the remote side as a proxy window on the local bus: messages posted to
// the proxy travel over the websocket, and ports transferred with them are
// tunnelled so that each end still holds an ordinary transport.Port.
package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/framebridge/internal/runtime/broadcast"
	"github.com/drblury/framebridge/internal/runtime/ids"
	"github.com/drblury/framebridge/internal/runtime/logging"
	"github.com/drblury/framebridge/internal/runtime/transport"
)

const (
	writeWait           = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultMaxFrame     = 1 << 20
)

// ErrTunnelClosed is returned for work attempted on a closed tunnel.
var ErrTunnelClosed = errors.New("framebridge: tunnel closed")

// Options tune a tunnel. Zero values select the defaults.
type Options struct {
	// MaxFrameBytes bounds a single frame in both directions. Defaults to 1 MiB.
	MaxFrameBytes int64
	// PingInterval is the keepalive period. The peer is considered gone after
	// two missed pongs.
	PingInterval time.Duration
	// NewPipe creates the local half of every port arriving from the peer.
	NewPipe func(logging.ServiceLogger) (transport.Port, transport.Port, error)
	Logger  logging.ServiceLogger
}

func (o Options) withDefaults() Options {
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = defaultMaxFrame
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.NewPipe == nil {
		o.NewPipe = transport.NewPipe
	}
	if o.Logger == nil {
		o.Logger = logging.NewNopServiceLogger()
	}
	return o
}

// Tunnel is one websocket connection bridged onto a local bus.
type Tunnel struct {
	id    string
	conn  *websocket.Conn
	proxy *broadcast.Window
	local *broadcast.Window
	opts  Options
	log   logging.ServiceLogger

	writeMu sync.Mutex

	portsMu sync.Mutex
	ports   map[string]transport.Port
	closed  bool

	ctx        context.Context
	cancel     context.CancelFunc
	stopListen func()
	startOnce  sync.Once
	closeOnce  sync.Once
	workers    sync.WaitGroup
	done       chan struct{}
}

func newTunnel(conn *websocket.Conn, proxy, local *broadcast.Window, opts Options) *Tunnel {
	opts = opts.withDefaults()
	id := ids.CreateULID()
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		id:     id,
		conn:   conn,
		proxy:  proxy,
		local:  local,
		opts:   opts,
		log:    logging.Component(opts.Logger, "tunnel").With(logging.LogFields{"tunnel_id": id, "remote_origin": proxy.Origin()}),
		ports:  make(map[string]transport.Port),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(opts.MaxFrameBytes)
	return t
}

// ID identifies the tunnel. Hosts use it as the connection id.
func (t *Tunnel) ID() string { return t.id }

// Window is the proxy window standing in for the remote side.
func (t *Tunnel) Window() *broadcast.Window { return t.proxy }

// Origin is the origin of the remote side as seen on the local bus.
func (t *Tunnel) Origin() string { return t.proxy.Origin() }

// Context is cancelled when the tunnel closes.
func (t *Tunnel) Context() context.Context { return t.ctx }

// Done is closed once the tunnel has fully stopped.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// start begins relaying in both directions.
func (t *Tunnel) start() error {
	var err error
	t.startOnce.Do(func() {
		var stop func()
		stop, err = t.proxy.Listen(t.forward)
		if err != nil {
			t.teardown(err)
			close(t.done)
			return
		}
		t.portsMu.Lock()
		t.stopListen = stop
		t.portsMu.Unlock()

		pongWait := 2 * t.opts.PingInterval
		_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
		t.conn.SetPongHandler(func(string) error {
			return t.conn.SetReadDeadline(time.Now().Add(pongWait))
		})

		t.workers.Add(1)
		go t.keepalive()
		go t.readLoop()
		t.log.Info("Tunnel started", nil)
	})
	return err
}

// Close tears the tunnel down, closing every tunnelled port, and waits for
// its goroutines to finish.
func (t *Tunnel) Close() error {
	t.teardown(nil)
	t.startOnce.Do(func() { close(t.done) })
	<-t.done
	return nil
}

func (t *Tunnel) teardown(cause error) {
	t.closeOnce.Do(func() {
		t.cancel()

		t.portsMu.Lock()
		t.closed = true
		ports := t.ports
		t.ports = map[string]transport.Port{}
		stop := t.stopListen
		t.portsMu.Unlock()

		if stop != nil {
			stop()
		}
		for _, p := range ports {
			_ = p.Close()
		}
		t.proxy.Close()

		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		_ = t.conn.Close()

		if cause != nil && !isNormalClose(cause) {
			t.log.Error("Tunnel stopped", cause, logging.LogFields{"ports": len(ports)})
			return
		}
		t.log.Info("Tunnel stopped", logging.LogFields{"ports": len(ports)})
	})
}

func isNormalClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (t *Tunnel) readLoop() {
	var cause error
	defer func() {
		t.teardown(cause)
		t.workers.Wait()
		close(t.done)
	}()

	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil {
				cause = err
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		f, err := decodeFrame(data)
		if err != nil {
			cause = err
			return
		}
		t.handle(f)
	}
}

func (t *Tunnel) handle(f Frame) {
	switch f.Type {
	case FramePost:
		ports := make([]transport.Port, 0, len(f.Ports))
		for _, id := range f.Ports {
			near, far, err := t.opts.NewPipe(t.log)
			if err != nil {
				t.log.Error("Failed to create tunnelled port", err, logging.LogFields{"port_id": id})
				_ = t.write(Frame{Type: FramePortClose, Port: id})
				continue
			}
			if !t.register(id, near) {
				_ = far.Close()
				return
			}
			t.pump(id, near)
			ports = append(ports, far)
		}
		// The sending bus already enforced the target origin.
		if err := t.proxy.PostMessage(t.ctx, t.local, broadcast.WildcardOrigin, f.Data, ports...); err != nil {
			t.log.Debug("Dropping tunnelled post", logging.LogFields{"error": err.Error()})
		}
	case FramePortMessage:
		port, ok := t.lookup(f.Port)
		if !ok {
			return
		}
		if err := port.Send(t.ctx, f.Data); err != nil {
			if t.unregister(f.Port) {
				_ = t.write(Frame{Type: FramePortClose, Port: f.Port})
			}
			_ = port.Close()
		}
	case FramePortClose:
		if port, ok := t.lookup(f.Port); ok {
			t.unregister(f.Port)
			_ = port.Close()
		}
	}
}

// forward relays a message posted to the proxy window to the peer.
func (t *Tunnel) forward(ev broadcast.Event) {
	portIDs := make([]string, 0, len(ev.Ports))
	registered := make(map[string]transport.Port, len(ev.Ports))
	for _, p := range ev.Ports {
		if p == nil {
			continue
		}
		id := ids.CreateULID()
		if !t.register(id, p) {
			return
		}
		portIDs = append(portIDs, id)
		registered[id] = p
	}

	if err := t.write(Frame{Type: FramePost, Data: ev.Data, Ports: portIDs}); err != nil {
		t.log.Error("Failed to forward post", err, nil)
		for id, p := range registered {
			t.unregister(id)
			_ = p.Close()
		}
		return
	}
	for _, id := range portIDs {
		t.pump(id, registered[id])
	}
}

// pump relays everything received on a local port to its remote twin.
func (t *Tunnel) pump(id string, port transport.Port) {
	t.portsMu.Lock()
	if t.closed {
		t.portsMu.Unlock()
		_ = port.Close()
		return
	}
	t.workers.Add(1)
	t.portsMu.Unlock()

	go func() {
		defer t.workers.Done()
		for {
			data, err := port.Receive(t.ctx)
			if err != nil {
				if t.unregister(id) {
					_ = t.write(Frame{Type: FramePortClose, Port: id})
				}
				_ = port.Close()
				return
			}
			if err := t.write(Frame{Type: FramePortMessage, Port: id, Data: data}); err != nil {
				if errors.Is(err, ErrFrameTooLarge) {
					t.log.Error("Dropping oversized port message", err, logging.LogFields{"port_id": id})
					continue
				}
				return
			}
		}
	}()
}

func (t *Tunnel) keepalive() {
	defer t.workers.Done()
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				t.teardown(err)
				return
			}
		}
	}
}

func (t *Tunnel) write(f Frame) error {
	data, err := encodeFrame(f, t.opts.MaxFrameBytes)
	if err != nil {
		return err
	}
	if t.ctx.Err() != nil {
		return ErrTunnelClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *Tunnel) register(id string, port transport.Port) bool {
	t.portsMu.Lock()
	defer t.portsMu.Unlock()
	if t.closed {
		_ = port.Close()
		return false
	}
	t.ports[id] = port
	return true
}

func (t *Tunnel) unregister(id string) bool {
	t.portsMu.Lock()
	defer t.portsMu.Unlock()
	if _, ok := t.ports[id]; !ok {
		return false
	}
	delete(t.ports, id)
	return true
}

func (t *Tunnel) lookup(id string) (transport.Port, bool) {
	t.portsMu.Lock()
	defer t.portsMu.Unlock()
	p, ok := t.ports[id]
	return p, ok
}

// Ports reports how many ports are currently tunnelled.
func (t *Tunnel) Ports() int {
	t.portsMu.Lock()
	defer t.portsMu.Unlock()
	return len(t.ports)
}
