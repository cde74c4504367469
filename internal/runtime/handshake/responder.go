package handshake

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/drblury/framebridge/internal/runtime/broadcast"
	"github.com/drblury/framebridge/internal/runtime/config"
	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
	"github.com/drblury/framebridge/internal/runtime/logging"
	"github.com/drblury/framebridge/internal/runtime/protocol"
	"github.com/drblury/framebridge/internal/runtime/rpc"
	"github.com/drblury/framebridge/internal/runtime/transport"
)

// Rejection reasons passed to ResponderConfig.OnRejected.
const (
	RejectOrigin    = "origin"
	RejectMalformed = "malformed"
	RejectRate      = "rate_limited"
)

// ResponderConfig configures the host side of one handshake.
type ResponderConfig struct {
	// Window is the host's own window; Hellos arrive here.
	Window *broadcast.Window
	// Frame is the guest frame this handshake is scoped to. Messages from
	// any other source are ignored.
	Frame *broadcast.Window
	// AllowedOrigins is the exact-origin allow-list for the Hello sender.
	AllowedOrigins []string
	// ResponderVersion is reported to the guest in the Ack.
	ResponderVersion string
	// Timeout defaults to protocol.DefaultHandshakeTimeout. A negative value
	// waits until the context ends.
	Timeout time.Duration
	// HelloRate and HelloBurst limit how many well-formed Hellos are
	// considered. Zero disables the limit.
	HelloRate  float64
	HelloBurst int
	// EngineOptions are applied to the engine serving the accepted guest.
	EngineOptions []rpc.Option
	// NewPipe creates the private channel. Defaults to transport.NewPipe.
	NewPipe func(logging.ServiceLogger) (transport.Port, transport.Port, error)
	// OnRejected observes dropped Hellos. Rejections are never reported to
	// the sender.
	OnRejected func(reason, origin string)
	// OnListening runs once the responder is subscribed and a Hello can no
	// longer be missed.
	OnListening func()
	Logger      logging.ServiceLogger
}

// Peer describes a validated Hello.
type Peer struct {
	Hello  protocol.Hello
	Origin string
	Frame  *broadcast.Window
}

// RegistryBuilder produces the method table for an accepted guest. It runs
// after validation and before the Ack is sent.
type RegistryBuilder func(peer Peer) (*rpc.Registry, error)

// Accepted is the outcome of a responder handshake. The engine is already
// serving when it is returned.
type Accepted struct {
	Peer     Peer
	Engine   *rpc.Engine
	Registry *rpc.Registry
}

// Responder runs the host side of one handshake.
type Responder struct {
	cfg     ResponderConfig
	allowed []string
	limiter *rate.Limiter
	log     logging.ServiceLogger
	state   stateMachine
}

// NewResponder validates cfg. An empty allow-list is refused: a responder that
// accepts nobody can never complete.
func NewResponder(cfg ResponderConfig) (*Responder, error) {
	if cfg.Window == nil {
		return nil, errs.ErrWindowRequired
	}
	if cfg.Frame == nil {
		return nil, errs.ErrFrameRequired
	}
	allowed := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if origin == broadcast.WildcardOrigin {
			return nil, errs.ErrWildcardOrigin
		}
		normalized, err := config.NormalizeOrigin(origin)
		if err != nil {
			return nil, err
		}
		allowed = append(allowed, normalized)
	}
	if len(allowed) == 0 {
		return nil, errs.ErrExpectedOriginRequired
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = protocol.DefaultHandshakeTimeout
	}
	if cfg.NewPipe == nil {
		cfg.NewPipe = transport.NewPipe
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopServiceLogger()
	}

	r := &Responder{
		cfg:     cfg,
		allowed: allowed,
		log:     logging.Component(cfg.Logger, "handshake").With(logging.LogFields{"role": "responder"}),
	}
	if cfg.HelloRate > 0 {
		burst := cfg.HelloBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.HelloRate), burst)
	}
	return r, nil
}

// State returns the current handshake state.
func (r *Responder) State() State { return r.state.load() }

type validHello struct {
	hello  protocol.Hello
	origin string
	source *broadcast.Window
}

// Accept waits for a valid Hello from the configured frame, builds the
// registry, starts an engine on a fresh pipe and replies with an Ack that
// transfers the guest's end. Invalid Hellos are dropped without a reply.
func (r *Responder) Accept(ctx context.Context, build RegistryBuilder) (*Accepted, error) {
	if build == nil {
		return nil, errors.New("framebridge: registry builder is required")
	}
	if !r.state.start() {
		return nil, ErrAlreadyStarted
	}

	hellos := make(chan validHello, 1)
	stop, err := r.cfg.Window.Listen(func(ev broadcast.Event) {
		if v, ok := r.validate(ev); ok {
			select {
			case hellos <- v:
			default:
			}
		}
	})
	if err != nil {
		r.state.set(Failed)
		return nil, err
	}
	defer stop()
	r.state.set(Listening)
	if r.cfg.OnListening != nil {
		r.cfg.OnListening()
	}

	var timeout <-chan time.Time
	if r.cfg.Timeout > 0 {
		timer := time.NewTimer(r.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case v := <-hellos:
		stop()
		r.state.set(Validated)
		accepted, err := r.complete(ctx, v, build)
		if err != nil {
			r.state.set(Failed)
			return nil, err
		}
		r.state.set(Connected)
		return accepted, nil
	case <-timeout:
		r.state.set(Failed)
		return nil, &errs.HandshakeTimeoutError{Role: "responder", Timeout: r.cfg.Timeout}
	case <-ctx.Done():
		r.state.set(Failed)
		return nil, ctx.Err()
	}
}

func (r *Responder) validate(ev broadcast.Event) (validHello, bool) {
	if ev.Source != r.cfg.Frame || !protocol.IsHello(ev.Data) {
		return validHello{}, false
	}
	if !r.originAllowed(ev.Origin) {
		r.reject(RejectOrigin, ev.Origin)
		return validHello{}, false
	}
	hello, ok := protocol.ParseHello(ev.Data)
	if !ok {
		r.reject(RejectMalformed, ev.Origin)
		return validHello{}, false
	}
	if r.limiter != nil && !r.limiter.Allow() {
		r.reject(RejectRate, ev.Origin)
		return validHello{}, false
	}
	return validHello{hello: hello, origin: ev.Origin, source: ev.Source}, true
}

func (r *Responder) originAllowed(origin string) bool {
	normalized, err := config.NormalizeOrigin(origin)
	if err != nil {
		return false
	}
	for _, allowed := range r.allowed {
		if allowed == normalized {
			return true
		}
	}
	return false
}

func (r *Responder) reject(reason, origin string) {
	r.log.Debug("Dropping hello", logging.LogFields{"reason": reason, "origin": origin})
	if r.cfg.OnRejected != nil {
		r.cfg.OnRejected(reason, origin)
	}
}

func (r *Responder) complete(ctx context.Context, v validHello, build RegistryBuilder) (*Accepted, error) {
	peer := Peer{Hello: v.hello, Origin: v.origin, Frame: v.source}
	registry, err := build(peer)
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = rpc.NewRegistry(nil)
	}

	local, remote, err := r.cfg.NewPipe(r.cfg.Logger)
	if err != nil {
		return nil, err
	}
	// Serve before the Ack leaves so no call can arrive ahead of the
	// dispatcher.
	engine, err := rpc.NewEngine(local, registry, r.cfg.EngineOptions...)
	if err != nil {
		_ = local.Close()
		return nil, err
	}

	ack, err := jsoncodec.Marshal(protocol.NewAck(v.hello.Nonce, r.cfg.ResponderVersion, registry.Methods()))
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	if err := r.cfg.Window.PostMessage(ctx, v.source, v.origin, ack, remote); err != nil {
		_ = engine.Close()
		return nil, err
	}
	r.state.set(AckSent)
	r.log.Info("Handshake accepted", logging.LogFields{
		"origin":         v.origin,
		"caller_version": v.hello.CallerVersion,
		"methods":        len(registry.Methods()),
	})
	return &Accepted{Peer: peer, Engine: engine, Registry: registry}, nil
}
