package handshake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/framebridge/internal/runtime/broadcast"
	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
	"github.com/drblury/framebridge/internal/runtime/protocol"
	"github.com/drblury/framebridge/internal/runtime/rpc"
)

const (
	hostOrigin  = "https://shop.example"
	guestOrigin = "https://widget.example"
)

type page struct {
	bus   *broadcast.Bus
	host  *broadcast.Window
	guest *broadcast.Window
}

func newPage(t *testing.T) *page {
	t.Helper()
	bus := broadcast.NewBus(nil)
	t.Cleanup(func() { _ = bus.Close() })
	host, err := bus.Open(hostOrigin)
	require.NoError(t, err)
	guest, err := bus.Open(guestOrigin)
	require.NoError(t, err)
	return &page{bus: bus, host: host, guest: guest}
}

func (p *page) responder(t *testing.T, mutate func(*ResponderConfig)) *Responder {
	t.Helper()
	cfg := ResponderConfig{
		Window:           p.host,
		Frame:            p.guest,
		AllowedOrigins:   []string{guestOrigin},
		ResponderVersion: "3.1.0",
		Timeout:          2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewResponder(cfg)
	require.NoError(t, err)
	return r
}

func (p *page) initiator(t *testing.T, from *broadcast.Window, timeout time.Duration) *Initiator {
	t.Helper()
	i, err := NewInitiator(InitiatorConfig{
		Window:         from,
		Target:         p.host,
		ExpectedOrigin: hostOrigin,
		CallerVersion:  "0.9.0",
		Timeout:        timeout,
	})
	require.NoError(t, err)
	return i
}

func pingRegistry(Peer) (*rpc.Registry, error) {
	return rpc.NewRegistry(rpc.Handlers{
		"ping": func(context.Context, rpc.Args) (any, error) { return "pong", nil },
	}), nil
}

type acceptResult struct {
	accepted *Accepted
	err      error
}

func acceptAsync(r *Responder, build RegistryBuilder) <-chan acceptResult {
	out := make(chan acceptResult, 1)
	go func() {
		a, err := r.Accept(context.Background(), build)
		out <- acceptResult{a, err}
	}()
	return out
}

func waitListening(t *testing.T, r *Responder) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == Listening }, time.Second, 5*time.Millisecond)
}

func TestHandshakeConnects(t *testing.T) {
	p := newPage(t)
	responder := p.responder(t, nil)

	var seenPeer Peer
	accepted := acceptAsync(responder, func(peer Peer) (*rpc.Registry, error) {
		seenPeer = peer
		return pingRegistry(peer)
	})
	waitListening(t, responder)

	initiator := p.initiator(t, p.guest, 2*time.Second)
	assert.Equal(t, Idle, initiator.State())
	res, err := initiator.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Connected, initiator.State())
	assert.Equal(t, "3.1.0", res.ResponderVersion)
	assert.Equal(t, hostOrigin, res.Origin)
	assert.True(t, res.Capabilities.Supports("ping"))
	assert.False(t, res.Capabilities.Supports("doStuff"))

	ar := <-accepted
	require.NoError(t, ar.err)
	defer ar.accepted.Engine.Close()
	assert.Equal(t, Connected, responder.State())
	assert.Equal(t, "0.9.0", seenPeer.Hello.CallerVersion)
	assert.Equal(t, guestOrigin, ar.accepted.Peer.Origin)
	assert.Same(t, p.guest, ar.accepted.Peer.Frame)

	guestEngine, err := rpc.NewEngine(res.Port, nil)
	require.NoError(t, err)
	defer guestEngine.Close()
	raw, err := guestEngine.Call(context.Background(), "ping")
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(raw))

	_, err = initiator.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestDisallowedOriginGetsNoAck(t *testing.T) {
	p := newPage(t)
	evil, err := p.bus.Open("https://evil.example")
	require.NoError(t, err)

	var mu sync.Mutex
	var rejected []string
	built := false
	responder := p.responder(t, func(cfg *ResponderConfig) {
		cfg.Frame = evil
		cfg.Timeout = 200 * time.Millisecond
		cfg.OnRejected = func(reason, origin string) {
			mu.Lock()
			defer mu.Unlock()
			rejected = append(rejected, reason+":"+origin)
		}
	})
	accepted := acceptAsync(responder, func(peer Peer) (*rpc.Registry, error) {
		built = true
		return pingRegistry(peer)
	})
	waitListening(t, responder)

	_, err = p.initiator(t, evil, 150*time.Millisecond).Connect(context.Background())
	var timeout *errs.HandshakeTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, "initiator", timeout.Role)

	ar := <-accepted
	assert.ErrorIs(t, ar.err, errs.ErrHandshakeTimeout)
	assert.Equal(t, Failed, responder.State())
	assert.False(t, built, "no registry may be built for a rejected origin")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"origin:https://evil.example"}, rejected)
}

func TestHelloFromOtherFrameIsIgnored(t *testing.T) {
	p := newPage(t)
	sibling, err := p.bus.Open(guestOrigin)
	require.NoError(t, err)

	responder := p.responder(t, func(cfg *ResponderConfig) { cfg.Timeout = 200 * time.Millisecond })
	accepted := acceptAsync(responder, pingRegistry)
	waitListening(t, responder)

	_, err = p.initiator(t, sibling, 100*time.Millisecond).Connect(context.Background())
	assert.ErrorIs(t, err, errs.ErrHandshakeTimeout)
	assert.ErrorIs(t, (<-accepted).err, errs.ErrHandshakeTimeout)
}

func TestNoncesNeverCrossResolve(t *testing.T) {
	p := newPage(t)
	responder := p.responder(t, nil)
	accepted := acceptAsync(responder, pingRegistry)
	waitListening(t, responder)

	first := p.initiator(t, p.guest, 300*time.Millisecond)
	second := p.initiator(t, p.guest, 300*time.Millisecond)

	type outcome struct {
		res *Result
		err error
	}
	outcomes := make(chan outcome, 2)
	for _, i := range []*Initiator{first, second} {
		go func(i *Initiator) {
			res, err := i.Connect(context.Background())
			outcomes <- outcome{res, err}
		}(i)
	}

	var connected, timedOut int
	for n := 0; n < 2; n++ {
		o := <-outcomes
		if o.err == nil {
			connected++
			_ = o.res.Port.Close()
			continue
		}
		assert.ErrorIs(t, o.err, errs.ErrHandshakeTimeout)
		timedOut++
	}
	assert.Equal(t, 1, connected, "the single Ack must resolve exactly one initiator")
	assert.Equal(t, 1, timedOut)

	ar := <-accepted
	require.NoError(t, ar.err)
	_ = ar.accepted.Engine.Close()
}

func TestAckFromWrongOriginIsIgnored(t *testing.T) {
	p := newPage(t)
	impostor, err := p.bus.Open("https://evil.example")
	require.NoError(t, err)

	// The host window is silent; an impostor echoes the nonce back.
	stop, err := p.host.Listen(func(ev broadcast.Event) {
		hello, ok := protocol.ParseHello(ev.Data)
		if !ok {
			return
		}
		ack, _ := jsoncodec.Marshal(protocol.NewAck(hello.Nonce, "6.6.6", []string{"ping"}))
		_ = impostor.PostMessage(context.Background(), p.guest, broadcast.WildcardOrigin, ack)
	})
	require.NoError(t, err)
	defer stop()

	i := p.initiator(t, p.guest, 150*time.Millisecond)
	_, err = i.Connect(context.Background())
	assert.ErrorIs(t, err, errs.ErrHandshakeTimeout)
	assert.Equal(t, Failed, i.State())
}

func TestUnrelatedTrafficDoesNotSpendHelloBudget(t *testing.T) {
	p := newPage(t)
	var mu sync.Mutex
	var reasons []string
	responder := p.responder(t, func(cfg *ResponderConfig) {
		cfg.HelloRate = 0.001
		cfg.HelloBurst = 1
		cfg.OnRejected = func(reason, origin string) {
			mu.Lock()
			defer mu.Unlock()
			reasons = append(reasons, reason)
		}
	})
	accepted := acceptAsync(responder, pingRegistry)
	waitListening(t, responder)

	ctx := context.Background()
	require.NoError(t, p.guest.PostMessage(ctx, p.host, hostOrigin, []byte(`{"type":"analytics","event":"view"}`)))
	require.NoError(t, p.guest.PostMessage(ctx, p.host, hostOrigin, []byte(`not json`)))

	_, err := p.initiator(t, p.guest, 2*time.Second).Connect(ctx)
	require.NoError(t, err)
	ar := <-accepted
	require.NoError(t, ar.err)
	defer ar.accepted.Engine.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, reasons)
}

func TestHelloRateLimit(t *testing.T) {
	p := newPage(t)
	var reasons []string
	responder := p.responder(t, func(cfg *ResponderConfig) {
		cfg.HelloRate = 0.001
		cfg.HelloBurst = 1
		cfg.OnRejected = func(reason, origin string) { reasons = append(reasons, reason) }
	})

	hello, err := jsoncodec.Marshal(protocol.NewHello("nonce-1", "0.9.0"))
	require.NoError(t, err)
	untagged := []byte(`{"type":"analytics"}`)
	malformed := []byte(`{"type":"` + protocol.HelloTag + `"}`)
	event := func(data []byte) broadcast.Event {
		return broadcast.Event{Source: p.guest, Origin: guestOrigin, Data: data}
	}

	_, ok := responder.validate(event(untagged))
	assert.False(t, ok)
	_, ok = responder.validate(event(malformed))
	assert.False(t, ok)
	v, ok := responder.validate(event(hello))
	require.True(t, ok, "untagged and malformed messages must not spend the budget")
	assert.Equal(t, "nonce-1", v.hello.Nonce)

	_, ok = responder.validate(event(hello))
	assert.False(t, ok)
	assert.Equal(t, []string{RejectMalformed, RejectRate}, reasons)
}

func TestAcceptHonoursContext(t *testing.T) {
	p := newPage(t)
	responder := p.responder(t, func(cfg *ResponderConfig) { cfg.Timeout = -1 })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := responder.Accept(ctx, pingRegistry)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConstructorValidation(t *testing.T) {
	p := newPage(t)

	_, err := NewInitiator(InitiatorConfig{Window: p.guest, Target: p.host, ExpectedOrigin: "*"})
	assert.ErrorIs(t, err, errs.ErrWildcardOrigin)
	_, err = NewInitiator(InitiatorConfig{Window: p.guest, Target: p.host})
	assert.ErrorIs(t, err, errs.ErrExpectedOriginRequired)
	_, err = NewInitiator(InitiatorConfig{Target: p.host, ExpectedOrigin: hostOrigin})
	assert.ErrorIs(t, err, errs.ErrWindowRequired)
	_, err = NewInitiator(InitiatorConfig{Window: p.guest, ExpectedOrigin: hostOrigin})
	assert.ErrorIs(t, err, errs.ErrFrameRequired)

	_, err = NewResponder(ResponderConfig{Window: p.host, Frame: p.guest, AllowedOrigins: []string{"*"}})
	assert.ErrorIs(t, err, errs.ErrWildcardOrigin)
	_, err = NewResponder(ResponderConfig{Window: p.host, Frame: p.guest})
	assert.ErrorIs(t, err, errs.ErrExpectedOriginRequired)
	_, err = NewResponder(ResponderConfig{Window: p.host, AllowedOrigins: []string{guestOrigin}})
	assert.ErrorIs(t, err, errs.ErrFrameRequired)

	r := p.responder(t, nil)
	_, err = r.Accept(context.Background(), nil)
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "hello_sent", HelloSent.String())
	assert.Equal(t, "ack_sent", AckSent.String())
	assert.Equal(t, "unknown", State(99).String())
}
