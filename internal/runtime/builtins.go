package runtime

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/framebridge/internal/runtime/configbridge"
	"github.com/drblury/framebridge/internal/runtime/logging"
	"github.com/drblury/framebridge/internal/runtime/protocol"
	"github.com/drblury/framebridge/internal/runtime/rpc"
)

// buildRegistry merges caller handlers with the built-in methods. Built-ins
// replace caller handlers of the same name. The capability method reports
// the final registry, built-ins included.
func buildRegistry(own rpc.Handlers, configuration any, withConfig bool, version string) *rpc.Registry {
	var registry *rpc.Registry
	builtins := rpc.Handlers{
		protocol.MethodCapabilities: func(ctx context.Context, args rpc.Args) (any, error) {
			return protocol.CapabilitiesInfo{
				ProtocolVersion:  protocol.ProtocolVersion,
				ResponderVersion: version,
				Methods:          registry.Methods(),
			}, nil
		},
	}
	if withConfig {
		for name, h := range configbridge.Handlers(configuration) {
			builtins[name] = h
		}
	}
	registry = rpc.NewRegistry(own).With(builtins)
	return registry
}

// observability bundles what every engine of a manager or client shares.
type observability struct {
	logger         logging.ServiceLogger
	metrics        *BridgeMetrics
	callHooks      rpc.CallHooks
	dispatchHooks  rpc.CallHooks
	tracerProvider trace.TracerProvider
}

func engineOptions(name string, timeoutOpt rpc.Option, deps observability) []rpc.Option {
	opts := []rpc.Option{
		rpc.WithName(name),
		timeoutOpt,
		rpc.WithLogger(deps.logger),
		rpc.WithCallHooks(deps.callHooks),
		rpc.WithDispatchHooks(deps.dispatchHooks),
	}
	if deps.metrics != nil {
		opts = append(opts,
			rpc.WithCallHooks(deps.metrics.Hooks()),
			rpc.WithDispatchHooks(deps.metrics.Hooks()),
		)
	}
	if deps.tracerProvider != nil {
		opts = append(opts, rpc.WithTracerProvider(deps.tracerProvider))
	}
	return opts
}
