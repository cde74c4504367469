/*
Package runtime provides the host and guest ends of the bridge.

# Architecture Overview

A host page embeds guest frames. Both sides share a broadcast surface where
any window can post to any other; the runtime uses it only for the handshake.
Everything after the handshake travels over a private port that only the two
parties hold.

# Package Structure

## Host side (manager.go)

Manager accepts guests. Each Connect call runs one responder handshake for
one frame, builds a fresh registry for that guest from the HandlerFactory
and registers the resulting Connection under its id. Connections never share
engines, registries or handler closures.

## Guest side (client.go)

Client runs the initiator handshake, starts its own engine and, when the host
advertises it, fetches and rehydrates the host configuration.

## Built-ins (builtins.go)

Every registry gets the capability method; host registries also get the
configuration snapshot and invoke-by-path methods. Built-ins replace caller
handlers of the same name.

## Typed surfaces (api.go)

HostAPI and GuestAPI wrap Invoke with typed methods, and HostHandlers /
GuestHandlers adapt service implementations into handler tables.

## Metrics & HTTP (bridge_metrics.go, http.go)

BridgeMetrics counts calls, handshakes, rejected Hellos and live connections
for Prometheus. The manager can serve /metrics and a JSON connection status
endpoint.

# Sub-packages

  - broadcast/: The shared window bus (Watermill gochannel)
  - config/: Bridge configuration with validation and YAML loading
  - configbridge/: Configuration snapshot, function paths and rehydration
  - errors/: Sentinel errors and typed errors
  - handshake/: Hello/Ack state machines for both roles
  - ids/: ULID nonces and identifiers
  - jsoncodec/: JSON codec on sonic
  - logging/: Logger interface and adapters
  - metadata/: Call metadata and trace propagation carrier
  - protocol/: Wire envelopes and protocol constants
  - rpc/: Call engine, registries, capabilities and hooks
  - transport/: Port interface and in-process pipes

# Usage Example

	manager, err := runtime.NewManager(conf, hostWindow, logger, runtime.ManagerDependencies{
		Handlers:      runtime.HostHandlers(service),
		Configuration: hostConfig,
	})
	conn, err := manager.Connect(ctx, frame, runtime.WithConnectionID("checkout"))
	err = conn.Guest().Navigate(ctx, "/cart")
*/
package runtime
