// Package configbridge lets a host configuration containing functions be used
// by a guest. The host ships a JSON snapshot plus the paths of every function;
// the guest rehydrates the snapshot and puts a forwarding stub at each path.
package configbridge

import (
	"context"

	"github.com/drblury/framebridge/internal/runtime/protocol"
	"github.com/drblury/framebridge/internal/runtime/rpc"
)

// TakeSnapshot captures cfg for transfer. It fails with a SerializationError
// when cfg cannot be represented at all.
func TakeSnapshot(cfg any) (protocol.Snapshot, error) {
	data, err := Clone(cfg)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	paths := ExtractFunctionPaths(cfg)
	if paths == nil {
		paths = []string{}
	}
	return protocol.Snapshot{Data: data, FunctionPaths: paths}, nil
}

// Handlers returns the built-in snapshot and invoke-by-path methods serving
// cfg. cfg stays live: functions are resolved at call time.
func Handlers(cfg any) rpc.Handlers {
	return rpc.Handlers{
		protocol.MethodGetConfig: func(ctx context.Context, args rpc.Args) (any, error) {
			return TakeSnapshot(cfg)
		},
		protocol.MethodInvokeConfigFunction: func(ctx context.Context, args rpc.Args) (any, error) {
			path, err := args.String(0)
			if err != nil {
				return nil, err
			}
			var fnArgs rpc.Args
			if args.Len() > 1 {
				fnArgs = args[1:]
			}
			return InvokePath(ctx, cfg, path, fnArgs)
		},
	}
}
