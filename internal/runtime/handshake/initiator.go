package handshake

import (
	"context"
	"time"

	"github.com/drblury/framebridge/internal/runtime/broadcast"
	"github.com/drblury/framebridge/internal/runtime/config"
	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/ids"
	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
	"github.com/drblury/framebridge/internal/runtime/logging"
	"github.com/drblury/framebridge/internal/runtime/protocol"
	"github.com/drblury/framebridge/internal/runtime/rpc"
	"github.com/drblury/framebridge/internal/runtime/transport"
)

// InitiatorConfig configures the guest side.
type InitiatorConfig struct {
	// Window is the guest's own window; Acks arrive here.
	Window *broadcast.Window
	// Target is the host window the Hello is posted to.
	Target *broadcast.Window
	// ExpectedOrigin is the host origin from the guest's launch parameters.
	// It must be an exact origin; "*" is refused.
	ExpectedOrigin string
	// CallerVersion is reported to the host in the Hello.
	CallerVersion string
	// Timeout defaults to protocol.DefaultHandshakeTimeout.
	Timeout time.Duration
	Logger  logging.ServiceLogger
}

// Result is what a completed initiator handshake yields.
type Result struct {
	Port             transport.Port
	Capabilities     rpc.Capabilities
	ProtocolVersion  string
	ResponderVersion string
	Origin           string
}

// Initiator runs the guest side of one handshake.
type Initiator struct {
	cfg      InitiatorConfig
	expected string
	log      logging.ServiceLogger
	state    stateMachine
}

// NewInitiator validates cfg.
func NewInitiator(cfg InitiatorConfig) (*Initiator, error) {
	if cfg.Window == nil {
		return nil, errs.ErrWindowRequired
	}
	if cfg.Target == nil {
		return nil, errs.ErrFrameRequired
	}
	if cfg.ExpectedOrigin == "" {
		return nil, errs.ErrExpectedOriginRequired
	}
	if cfg.ExpectedOrigin == broadcast.WildcardOrigin {
		return nil, errs.ErrWildcardOrigin
	}
	expected, err := config.NormalizeOrigin(cfg.ExpectedOrigin)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = protocol.DefaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopServiceLogger()
	}
	return &Initiator{
		cfg:      cfg,
		expected: expected,
		log:      logging.Component(cfg.Logger, "handshake").With(logging.LogFields{"role": "initiator"}),
	}, nil
}

// State returns the current handshake state.
func (i *Initiator) State() State { return i.state.load() }

// Connect sends the Hello and waits for the matching Ack. Only an Ack from the
// expected origin echoing this handshake's nonce completes it. The broadcast
// listener is removed on every exit path.
func (i *Initiator) Connect(ctx context.Context) (*Result, error) {
	if !i.state.start() {
		return nil, ErrAlreadyStarted
	}

	nonce := ids.NewNonce()
	results := make(chan *Result, 1)

	stop, err := i.cfg.Window.Listen(func(ev broadcast.Event) {
		if res, ok := i.match(ev, nonce); ok {
			select {
			case results <- res:
			default:
				_ = res.Port.Close()
			}
		}
	})
	if err != nil {
		i.state.set(Failed)
		return nil, err
	}
	defer stop()

	hello, err := jsoncodec.Marshal(protocol.NewHello(nonce, i.cfg.CallerVersion))
	if err != nil {
		i.state.set(Failed)
		return nil, err
	}
	if err := i.cfg.Window.PostMessage(ctx, i.cfg.Target, i.expected, hello); err != nil {
		i.state.set(Failed)
		return nil, err
	}
	i.state.set(HelloSent)
	i.log.Debug("Hello sent", logging.LogFields{"target_origin": i.expected})

	timer := time.NewTimer(i.cfg.Timeout)
	defer timer.Stop()

	select {
	case res := <-results:
		i.state.set(Connected)
		i.log.Info("Handshake completed", logging.LogFields{
			"origin":            res.Origin,
			"responder_version": res.ResponderVersion,
			"methods":           res.Capabilities.Len(),
		})
		return res, nil
	case <-timer.C:
		i.fail()
		drain(results)
		return nil, &errs.HandshakeTimeoutError{Role: "initiator", Timeout: i.cfg.Timeout}
	case <-ctx.Done():
		i.fail()
		drain(results)
		return nil, ctx.Err()
	}
}

func (i *Initiator) fail() {
	i.state.set(Failed)
	i.log.Debug("Handshake failed", logging.LogFields{"timeout": i.cfg.Timeout.String()})
}

// match checks an incoming event against this handshake. Acks meant for other
// handshakes on the same window are left alone.
func (i *Initiator) match(ev broadcast.Event, nonce string) (*Result, bool) {
	if ev.Origin != i.expected {
		return nil, false
	}
	if ev.Source != i.cfg.Target {
		return nil, false
	}
	ack, ok := protocol.ParseAck(ev.Data)
	if !ok || ack.Nonce != nonce {
		return nil, false
	}
	if len(ev.Ports) == 0 || ev.Ports[0] == nil {
		i.log.Debug("Ignoring ack without a port", nil)
		return nil, false
	}
	return &Result{
		Port:             ev.Ports[0],
		Capabilities:     rpc.NewCapabilities(ack.Methods),
		ProtocolVersion:  ack.ProtocolVersion,
		ResponderVersion: ack.ResponderVersion,
		Origin:           ev.Origin,
	}, true
}

func drain(results <-chan *Result) {
	select {
	case res := <-results:
		_ = res.Port.Close()
	default:
	}
}
