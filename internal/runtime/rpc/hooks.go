package rpc

import (
	"context"
	"time"

	"github.com/drblury/framebridge/internal/runtime/logging"
	"github.com/drblury/framebridge/internal/runtime/metadata"
)

// Direction tells hooks whether the engine is the caller or the callee.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// CallContext describes one call to hooks.
type CallContext struct {
	// Engine is the name given with WithName, usually the connection id.
	Engine    string
	Direction Direction
	Method    string
	ID        uint64
	Meta      metadata.Metadata
	Context   context.Context
	StartedAt time.Time
	// Duration is only set for OnCallDone and OnCallError.
	Duration time.Duration
}

// CallHooks observe the call lifecycle. All hooks are optional.
type CallHooks struct {
	// OnCallStart runs before a call is sent or a handler is invoked.
	OnCallStart func(ctx CallContext)
	// OnCallDone runs after a successful response.
	OnCallDone func(ctx CallContext)
	// OnCallError runs when the call failed for any reason, including
	// timeouts and closed channels.
	OnCallError func(ctx CallContext, err error)
}

// Merge combines two hook sets. Hooks from other run after those of h.
func (h CallHooks) Merge(other CallHooks) CallHooks {
	return CallHooks{
		OnCallStart: chainHooks(h.OnCallStart, other.OnCallStart),
		OnCallDone:  chainHooks(h.OnCallDone, other.OnCallDone),
		OnCallError: chainErrorHooks(h.OnCallError, other.OnCallError),
	}
}

func (h CallHooks) start(ctx CallContext) {
	if h.OnCallStart != nil {
		h.OnCallStart(ctx)
	}
}

func (h CallHooks) finish(ctx CallContext, err error) {
	ctx.Duration = time.Since(ctx.StartedAt)
	if err != nil {
		if h.OnCallError != nil {
			h.OnCallError(ctx, err)
		}
		return
	}
	if h.OnCallDone != nil {
		h.OnCallDone(ctx)
	}
}

func chainHooks(a, b func(CallContext)) func(CallContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(CallContext, error)) func(CallContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CallContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns hooks that log call completion and failures.
func LoggingHooks(log logging.ServiceLogger) CallHooks {
	return CallHooks{
		OnCallDone: func(ctx CallContext) {
			log.Debug("Call completed", logging.LogFields{
				"engine":      ctx.Engine,
				"direction":   string(ctx.Direction),
				"method":      ctx.Method,
				"call_id":     ctx.ID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnCallError: func(ctx CallContext, err error) {
			log.Error("Call failed", err, logging.LogFields{
				"engine":      ctx.Engine,
				"direction":   string(ctx.Direction),
				"method":      ctx.Method,
				"call_id":     ctx.ID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks adapts plain callbacks to CallHooks. outcome is "ok" or "error".
func MetricsHooks(onStart func(direction Direction, method string), onFinish func(direction Direction, method, outcome string, d time.Duration)) CallHooks {
	return CallHooks{
		OnCallStart: func(ctx CallContext) {
			if onStart != nil {
				onStart(ctx.Direction, ctx.Method)
			}
		},
		OnCallDone: func(ctx CallContext) {
			if onFinish != nil {
				onFinish(ctx.Direction, ctx.Method, "ok", ctx.Duration)
			}
		},
		OnCallError: func(ctx CallContext, err error) {
			if onFinish != nil {
				onFinish(ctx.Direction, ctx.Method, "error", ctx.Duration)
			}
		},
	}
}
