// Package broadcast models the untrusted messaging surface shared by every
// window on a page. Any window may post to any other; the bus stamps the
// sender's origin and identity on each message so receivers can decide whom
// to trust, and it enforces the sender's target-origin restriction.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/framebridge/internal/runtime/config"
	"github.com/drblury/framebridge/internal/runtime/ids"
	"github.com/drblury/framebridge/internal/runtime/logging"
	"github.com/drblury/framebridge/internal/runtime/metadata"
	"github.com/drblury/framebridge/internal/runtime/transport"
)

// WildcardOrigin lets a post reach the target whatever its origin.
const WildcardOrigin = "*"

const (
	metaOrigin       = "framebridge_origin"
	metaSource       = "framebridge_source"
	metaTargetOrigin = "framebridge_target_origin"

	listenerBuffer = 16
)

var (
	ErrBusClosed      = errors.New("framebridge: broadcast bus closed")
	ErrWindowClosed   = errors.New("framebridge: window closed")
	ErrTargetRequired = errors.New("framebridge: target window is required")
)

type portsKey struct{}

// Event is a message as seen by a listening window.
type Event struct {
	// Origin is the sender window's origin, as recorded by the bus.
	Origin string
	// Source is the sending window, or nil when it closed in the meantime.
	Source *Window
	Data   []byte
	// Ports are the private channel ends transferred with the message. The
	// first listener to keep a port owns it.
	Ports []transport.Port
}

// Bus connects the windows of one page. Messages between windows are routed
// through an in-memory Watermill pub/sub, one topic per window.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    logging.ServiceLogger

	mu      sync.RWMutex
	windows map[string]*Window
	closed  bool
}

// NewBus creates an empty page.
func NewBus(log logging.ServiceLogger) *Bus {
	if log == nil {
		log = logging.NewNopServiceLogger()
	}
	log = logging.Component(log, "broadcast")
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: listenerBuffer,
			PreserveContext:     true,
		}, logging.NewWatermillAdapter(log)),
		log:     log,
		windows: make(map[string]*Window),
	}
}

// Open registers a new window with the given origin. Origins are normalised
// when they parse as scheme://host; opaque origins such as "null" are kept
// verbatim.
func (b *Bus) Open(origin string) (*Window, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	w := &Window{id: ids.CreateULID(), origin: canonicalOrigin(origin), bus: b}
	b.windows[w.id] = w
	b.log.Debug("Window opened", logging.LogFields{"window": w.id, "origin": w.origin})
	return w, nil
}

// Lookup returns the open window with the given id.
func (b *Bus) Lookup(id string) (*Window, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	w, ok := b.windows[id]
	return w, ok
}

// Close tears the page down. Listeners stop and pending posts are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.windows = map[string]*Window{}
	b.mu.Unlock()
	return b.pubsub.Close()
}

func (b *Bus) remove(w *Window) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.windows, w.id)
}

func (b *Bus) isOpen(w *Window) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	current, ok := b.windows[w.id]
	return ok && current == w
}

// Window is one browsing context on the bus.
type Window struct {
	id     string
	origin string
	bus    *Bus
}

func (w *Window) ID() string     { return w.id }
func (w *Window) Origin() string { return w.origin }

func (w *Window) String() string {
	return fmt.Sprintf("window(%s %s)", w.id, w.origin)
}

// Close detaches the window from the bus. Later posts to or from it fail.
func (w *Window) Close() {
	w.bus.remove(w)
}

// PostMessage sends data to target. When targetOrigin is not "*" and does not
// match the target's origin the message, including any transferred ports, is
// discarded without an error, mirroring browser behaviour. Delivery order
// between separate posts is not guaranteed.
func (w *Window) PostMessage(ctx context.Context, target *Window, targetOrigin string, data []byte, transfer ...transport.Port) error {
	if target == nil {
		return ErrTargetRequired
	}
	if !w.bus.isOpen(w) {
		return ErrWindowClosed
	}
	if !w.bus.isOpen(target) {
		closePorts(transfer)
		return ErrWindowClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !originMatches(targetOrigin, target.origin) {
		w.bus.log.Debug("Dropping message for mismatched target origin", logging.LogFields{
			"source":        w.id,
			"target":        target.id,
			"target_origin": targetOrigin,
			"actual_origin": target.origin,
		})
		closePorts(transfer)
		return nil
	}

	msg := metadata.NewMessage(data, metadata.New(
		metaOrigin, w.origin,
		metaSource, w.id,
		metaTargetOrigin, targetOrigin,
	))
	if len(transfer) > 0 {
		ports := make([]transport.Port, len(transfer))
		copy(ports, transfer)
		msg.SetContext(context.WithValue(context.Background(), portsKey{}, ports))
	}

	return w.bus.pubsub.Publish(windowTopic(target.id), msg)
}

// Listen registers fn for every message delivered to w. The returned stop
// function deregisters it; it may be called from inside fn.
func (w *Window) Listen(fn func(Event)) (stop func(), err error) {
	ctx, cancel := context.WithCancel(context.Background())
	messages, err := w.bus.pubsub.Subscribe(ctx, windowTopic(w.id))
	if err != nil {
		cancel()
		return nil, err
	}

	var stopped atomic.Bool
	go func() {
		for msg := range messages {
			msg.Ack()
			if stopped.Load() {
				continue
			}
			fn(w.bus.toEvent(msg))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopped.Store(true)
			cancel()
		})
	}, nil
}

func (b *Bus) toEvent(msg *message.Message) Event {
	md := metadata.FromMessage(msg)
	ev := Event{
		Origin: md.Get(metaOrigin),
		Data:   msg.Payload,
	}
	if source, ok := b.Lookup(md.Get(metaSource)); ok {
		ev.Source = source
	}
	if ports, ok := msg.Context().Value(portsKey{}).([]transport.Port); ok {
		ev.Ports = ports
	}
	return ev
}

func windowTopic(id string) string {
	return "framebridge.window." + id
}

func canonicalOrigin(origin string) string {
	if normalized, err := config.NormalizeOrigin(origin); err == nil {
		return normalized
	}
	return origin
}

func originMatches(targetOrigin, actual string) bool {
	if targetOrigin == WildcardOrigin {
		return true
	}
	return canonicalOrigin(targetOrigin) == actual
}

func closePorts(ports []transport.Port) {
	for _, p := range ports {
		if p != nil {
			_ = p.Close()
		}
	}
}
