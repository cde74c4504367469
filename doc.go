// Package framebridge connects an embedding page (the host) with the
// cross-origin frames it embeds (guests) through request/response calls over
// a private channel.
//
// A guest greets its host on the shared broadcast surface with a Hello. The
// host checks the sender's origin against an exact allow-list, creates a
// private pipe and answers with an Ack that transfers one end of it. From then
// on both sides talk only over that pipe: calls carry an id, method name and
// JSON arguments, and every call resolves with a result, a remote error or a
// timeout.
//
// Manager is the host side. It holds one isolated Connection per guest, each
// with its own engine and handlers, so closing one guest never affects another.
// Client is the guest side. After connecting it can fetch the host's
// configuration: data arrives as JSON, and every function found in the host
// configuration is replaced by a stub that invokes the original on the host.
//
// # Quick start
//
//	bus := framebridge.NewBus(nil)
//	host, _ := bus.Open("https://shop.example")
//	frame, _ := bus.Open("https://widget.example")
//
//	conf := framebridge.NewConfig()
//	conf.AllowedOrigins = []string{"https://widget.example"}
//	manager, _ := framebridge.NewManager(conf, host, logger, framebridge.ManagerDependencies{
//		Handlers: framebridge.HostHandlers(myHostService),
//	})
//	conn, err := manager.Connect(ctx, frame)
//
// The guest side mirrors it with NewClient and Client.Connect.
//
// # Transports
//
// In-process, windows live on a Bus backed by a Watermill gochannel and ports
// are pipes with their own pub/sub instance. Across processes, the
// transport/websocket package tunnels both: the gateway refuses origins that
// are not allow-listed before upgrading, and every transferred port is relayed
// as msgpack frames.
//
// # Observability
//
// Logging goes through ServiceLogger (slog or any Watermill logger). Calls can
// be observed with CallHooks, counted with BridgeMetrics (Prometheus) and traced
// with OpenTelemetry; the trace context travels in each call's metadata.
package framebridge
