// Package rpc implements request/response calls over a private port. Both
// peers run the same engine: it issues calls to the remote side and
// dispatches calls arriving from it to a local registry.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
	"github.com/drblury/framebridge/internal/runtime/logging"
	"github.com/drblury/framebridge/internal/runtime/protocol"
	"github.com/drblury/framebridge/internal/runtime/transport"
)

// Option configures an Engine.
type Option func(*Engine)

// WithCallTimeout overrides the default call timeout. Non-positive values are
// ignored.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(log logging.ServiceLogger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithName labels the engine in logs, hooks and spans.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// WithCallHooks observes outgoing calls.
func WithCallHooks(h CallHooks) Option {
	return func(e *Engine) { e.callHooks = e.callHooks.Merge(h) }
}

// WithDispatchHooks observes incoming calls.
func WithDispatchHooks(h CallHooks) Option {
	return func(e *Engine) { e.dispatchHooks = e.dispatchHooks.Merge(h) }
}

// WithTracerProvider replaces the global otel tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracing.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithPropagator replaces the W3C trace context propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(e *Engine) {
		if p != nil {
			e.tracing.propagator = p
		}
	}
}

type callResult struct {
	resp *protocol.Response
	err  error
}

type pendingCall struct {
	id     uint64
	method string
	result chan callResult
	timer  *time.Timer
}

// Engine runs calls in both directions over one port.
type Engine struct {
	port     transport.Port
	registry *Registry
	log      logging.ServiceLogger
	name     string
	timeout  time.Duration
	tracing  tracing

	callHooks     CallHooks
	dispatchHooks CallHooks

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	loopWG    sync.WaitGroup
}

// NewEngine starts an engine on port. Dispatching begins immediately, so the
// registry must be complete before the call.
func NewEngine(port transport.Port, registry *Registry, opts ...Option) (*Engine, error) {
	if port == nil {
		return nil, errs.ErrPortRequired
	}
	if registry == nil {
		registry = NewRegistry(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		port:     port,
		registry: registry,
		log:      logging.NewNopServiceLogger(),
		timeout:  protocol.DefaultCallTimeout,
		tracing:  defaultTracing(),
		pending:  make(map[uint64]*pendingCall),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logging.Component(e.log, "rpc")
	if e.name != "" {
		e.log = e.log.With(logging.LogFields{"engine": e.name})
	}

	e.loopWG.Add(1)
	go e.readLoop()
	return e, nil
}

// Registry returns the method table this engine dispatches to.
func (e *Engine) Registry() *Registry { return e.registry }

// Timeout returns the per-call timeout.
func (e *Engine) Timeout() time.Duration { return e.timeout }

// Done is closed once the engine has shut down.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Call invokes method on the peer and waits for its result. The result is the
// raw JSON value returned by the remote handler. Calls fail with a
// CallTimeoutError when no response arrives in time, with a RemoteError when
// the peer reports a failure and with ErrChannelClosed once the engine is
// closed.
func (e *Engine) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	encoded, err := jsoncodec.MarshalArgs(args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrInvalidArguments, method, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: call %q", errs.ErrChannelClosed, method)
	}
	e.nextID++
	id := e.nextID
	pc := &pendingCall{id: id, method: method, result: make(chan callResult, 1)}
	e.pending[id] = pc
	timeout := e.timeout
	pc.timer = time.AfterFunc(timeout, func() {
		e.settle(id, callResult{err: &errs.CallTimeoutError{Method: method, Timeout: timeout}})
	})
	e.mu.Unlock()

	ctx, span, meta := e.tracing.startCall(ctx, e.name, method, id)
	hctx := CallContext{
		Engine:    e.name,
		Direction: Outgoing,
		Method:    method,
		ID:        id,
		Meta:      meta,
		Context:   ctx,
		StartedAt: time.Now(),
	}
	e.callHooks.start(hctx)

	result, err := e.roundTrip(ctx, pc, protocol.Call{
		Kind:   protocol.KindCall,
		ID:     id,
		Method: method,
		Args:   encoded,
		Meta:   meta,
	})
	e.callHooks.finish(hctx, err)
	endSpan(span, err)
	return result, err
}

func (e *Engine) roundTrip(ctx context.Context, pc *pendingCall, call protocol.Call) (json.RawMessage, error) {
	data, err := jsoncodec.Marshal(call)
	if err != nil {
		e.forget(pc.id)
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrInvalidArguments, call.Method, err)
	}
	if err := e.port.Send(ctx, data); err != nil {
		e.forget(pc.id)
		if errors.Is(err, transport.ErrPortClosed) {
			return nil, fmt.Errorf("%w: call %q", errs.ErrChannelClosed, call.Method)
		}
		return nil, err
	}

	select {
	case res := <-pc.result:
		if res.err != nil {
			return nil, res.err
		}
		if !res.resp.OK {
			code := res.resp.Code
			if code == "" {
				code = errs.CodeRemoteError
			}
			return nil, &errs.RemoteError{Method: call.Method, Code: code, Message: res.resp.Error}
		}
		if len(res.resp.Result) == 0 {
			return json.RawMessage("null"), nil
		}
		return res.resp.Result, nil
	case <-ctx.Done():
		e.forget(pc.id)
		return nil, ctx.Err()
	}
}

// settle resolves a pending call at most once. Responses for unknown or
// already settled ids are ignored.
func (e *Engine) settle(id uint64, res callResult) {
	e.mu.Lock()
	pc, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	pc.timer.Stop()
	pc.result <- res
}

func (e *Engine) forget(id uint64) {
	e.mu.Lock()
	pc, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()
	if ok {
		pc.timer.Stop()
	}
}

// Pending returns the number of calls awaiting a response.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close shuts the engine down: the port is closed, pending calls fail with
// ErrChannelClosed and later calls fail immediately. Safe to call repeatedly
// and from within handlers.
func (e *Engine) Close() error {
	err := e.shutdown(nil)
	e.loopWG.Wait()
	return err
}

func (e *Engine) shutdown(cause error) error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		pending := e.pending
		e.pending = make(map[uint64]*pendingCall)
		e.mu.Unlock()

		e.cancel()
		err = e.port.Close()

		for _, pc := range pending {
			pc.timer.Stop()
			pc.result <- callResult{err: fmt.Errorf("%w: call %q", errs.ErrChannelClosed, pc.method)}
		}
		if cause != nil {
			e.log.Error("Engine stopped after read failure", cause, nil)
		} else {
			e.log.Debug("Engine closed", logging.LogFields{"failed_pending": len(pending)})
		}
		close(e.done)
	})
	return err
}

func (e *Engine) readLoop() {
	defer e.loopWG.Done()
	for {
		data, err := e.port.Receive(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil || errors.Is(err, transport.ErrPortClosed) {
				_ = e.shutdown(nil)
			} else {
				_ = e.shutdown(err)
			}
			return
		}

		envelope, err := protocol.DecodeEnvelope(data)
		if err != nil {
			e.log.Debug("Dropping malformed envelope", logging.LogFields{"error": err.Error()})
			continue
		}
		switch msg := envelope.(type) {
		case *protocol.Response:
			e.settle(msg.ID, callResult{resp: msg})
		case *protocol.Call:
			go e.dispatch(msg)
		}
	}
}

func (e *Engine) dispatch(call *protocol.Call) {
	ctx, span := e.tracing.startDispatch(e.ctx, e.name, call.Method, call.ID, call.Meta)
	hctx := CallContext{
		Engine:    e.name,
		Direction: Incoming,
		Method:    call.Method,
		ID:        call.ID,
		Meta:      call.Meta,
		Context:   ctx,
		StartedAt: time.Now(),
	}
	e.dispatchHooks.start(hctx)

	resp := protocol.Response{Kind: protocol.KindResponse, ID: call.ID}
	result, err := e.invoke(ctx, call)
	if err == nil {
		resp.Result, err = jsoncodec.MarshalValue(result)
		if err != nil {
			err = &errs.SerializationError{Err: err}
		}
	}
	if err != nil {
		resp.OK = false
		resp.Error = wireMessage(call.Method, err)
		resp.Code = errs.CodeOf(err)
		resp.Result = nil
	} else {
		resp.OK = true
	}

	e.dispatchHooks.finish(hctx, err)
	endSpan(span, err)

	data, mErr := jsoncodec.Marshal(resp)
	if mErr != nil {
		e.log.Error("Failed to encode response", mErr, logging.LogFields{"method": call.Method, "call_id": call.ID})
		data, mErr = jsoncodec.Marshal(protocol.Response{
			Kind:  protocol.KindResponse,
			ID:    call.ID,
			Error: (&errs.SerializationError{Err: mErr}).Error(),
			Code:  errs.CodeSerialization,
		})
		if mErr != nil {
			return
		}
	}
	if sErr := e.port.Send(e.ctx, data); sErr != nil && e.ctx.Err() == nil {
		e.log.Debug("Dropping response for closed channel", logging.LogFields{"method": call.Method, "call_id": call.ID})
	}
}

func (e *Engine) invoke(ctx context.Context, call *protocol.Call) (result any, err error) {
	handler, ok := e.registry.Lookup(call.Method)
	if !ok {
		return nil, errs.UnknownMethod(call.Method)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", call.Method, r)
		}
	}()
	return handler(ctx, Args(call.Args))
}

// wireMessage is the error text sent to the peer. Unknown methods are
// reported without the local package prefix.
func wireMessage(method string, err error) string {
	if errors.Is(err, errs.ErrUnknownMethod) {
		return fmt.Sprintf("unknown method %q", method)
	}
	return err.Error()
}
