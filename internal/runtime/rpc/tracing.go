package rpc

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/framebridge/internal/runtime/metadata"
)

const instrumentationName = "github.com/drblury/framebridge/rpc"

type tracing struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

func defaultTracing() tracing {
	return tracing{
		tracer:     otel.GetTracerProvider().Tracer(instrumentationName),
		propagator: propagation.TraceContext{},
	}
}

// startCall opens the client span and returns the metadata carrying it.
func (t tracing) startCall(ctx context.Context, engine, method string, id uint64) (context.Context, trace.Span, metadata.Metadata) {
	ctx, span := t.tracer.Start(ctx, "framebridge.call "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.system", "framebridge"),
			attribute.String("rpc.method", method),
			attribute.Int64("framebridge.call_id", int64(id)),
			attribute.String("framebridge.engine", engine),
		),
	)
	meta := metadata.Metadata{}
	t.propagator.Inject(ctx, meta)
	return ctx, span, meta
}

// startDispatch continues the caller's trace, if any, in a server span.
func (t tracing) startDispatch(ctx context.Context, engine, method string, id uint64, meta metadata.Metadata) (context.Context, trace.Span) {
	if meta != nil {
		ctx = t.propagator.Extract(ctx, meta)
	}
	return t.tracer.Start(ctx, "framebridge.dispatch "+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "framebridge"),
			attribute.String("rpc.method", method),
			attribute.Int64("framebridge.call_id", int64(id)),
			attribute.String("framebridge.engine", engine),
		),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
