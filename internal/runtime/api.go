package runtime

import (
	"context"
	"encoding/json"

	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
	"github.com/drblury/framebridge/internal/runtime/protocol"
	"github.com/drblury/framebridge/internal/runtime/rpc"
)

// Method names of the typed host and guest surfaces.
const (
	MethodPing         = "ping"
	MethodTrackEvent   = "trackEvent"
	MethodRequestClose = "requestClose"
	MethodNavigate     = "navigate"
)

// Invoker is anything that can call a remote method by name. Both Client and
// Connection implement it.
type Invoker interface {
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
}

// InvokeAs calls method and decodes the result as T.
func InvokeAs[T any](ctx context.Context, inv Invoker, method string, args ...any) (T, error) {
	raw, err := inv.Invoke(ctx, method, args...)
	if err != nil {
		var zero T
		return zero, err
	}
	return jsoncodec.DecodeValue[T](raw)
}

// HostAPI is the typed view a guest has of its host.
type HostAPI interface {
	Ping(ctx context.Context) (string, error)
	TrackEvent(ctx context.Context, name string, properties map[string]any) error
	RequestClose(ctx context.Context, reason string) error
	Capabilities(ctx context.Context) (protocol.CapabilitiesInfo, error)
}

// GuestAPI is the typed view a host has of one guest.
type GuestAPI interface {
	Ping(ctx context.Context) (string, error)
	Navigate(ctx context.Context, route string) error
	Capabilities(ctx context.Context) (protocol.CapabilitiesInfo, error)
}

// NewHostAPI returns a HostAPI forwarding to inv.
func NewHostAPI(inv Invoker) HostAPI { return hostClient{inv: inv} }

// NewGuestAPI returns a GuestAPI forwarding to inv.
func NewGuestAPI(inv Invoker) GuestAPI { return guestClient{inv: inv} }

type hostClient struct{ inv Invoker }

func (h hostClient) Ping(ctx context.Context) (string, error) {
	return InvokeAs[string](ctx, h.inv, MethodPing)
}

func (h hostClient) TrackEvent(ctx context.Context, name string, properties map[string]any) error {
	_, err := h.inv.Invoke(ctx, MethodTrackEvent, name, properties)
	return err
}

func (h hostClient) RequestClose(ctx context.Context, reason string) error {
	_, err := h.inv.Invoke(ctx, MethodRequestClose, reason)
	return err
}

func (h hostClient) Capabilities(ctx context.Context) (protocol.CapabilitiesInfo, error) {
	return InvokeAs[protocol.CapabilitiesInfo](ctx, h.inv, protocol.MethodCapabilities)
}

type guestClient struct{ inv Invoker }

func (g guestClient) Ping(ctx context.Context) (string, error) {
	return InvokeAs[string](ctx, g.inv, MethodPing)
}

func (g guestClient) Navigate(ctx context.Context, route string) error {
	_, err := g.inv.Invoke(ctx, MethodNavigate, route)
	return err
}

func (g guestClient) Capabilities(ctx context.Context) (protocol.CapabilitiesInfo, error) {
	return InvokeAs[protocol.CapabilitiesInfo](ctx, g.inv, protocol.MethodCapabilities)
}

// HostService is implemented by hosts that serve the typed surface. The peer
// describes the calling guest, so per-connection data such as the guest
// version reaches every call.
type HostService interface {
	Ping(ctx context.Context, peer PeerInfo) (string, error)
	TrackEvent(ctx context.Context, peer PeerInfo, name string, properties map[string]any) error
	RequestClose(ctx context.Context, peer PeerInfo, reason string) error
}

// HostHandlers adapts a HostService into a HandlerFactory.
func HostHandlers(svc HostService) HandlerFactory {
	return func(peer PeerInfo) rpc.Handlers {
		return rpc.Handlers{
			MethodPing: func(ctx context.Context, args rpc.Args) (any, error) {
				return svc.Ping(ctx, peer)
			},
			MethodTrackEvent: func(ctx context.Context, args rpc.Args) (any, error) {
				name, err := args.String(0)
				if err != nil {
					return nil, err
				}
				props, err := rpc.Arg[map[string]any](args, 1)
				if err != nil {
					return nil, err
				}
				return nil, svc.TrackEvent(ctx, peer, name, props)
			},
			MethodRequestClose: func(ctx context.Context, args rpc.Args) (any, error) {
				reason, err := args.String(0)
				if err != nil {
					return nil, err
				}
				return nil, svc.RequestClose(ctx, peer, reason)
			},
		}
	}
}

// GuestService is implemented by guests that serve the typed surface.
type GuestService interface {
	Ping(ctx context.Context) (string, error)
	Navigate(ctx context.Context, route string) error
}

// GuestHandlers adapts a GuestService into handlers for a Client.
func GuestHandlers(svc GuestService) rpc.Handlers {
	return rpc.Handlers{
		MethodPing: func(ctx context.Context, args rpc.Args) (any, error) {
			return svc.Ping(ctx)
		},
		MethodNavigate: func(ctx context.Context, args rpc.Args) (any, error) {
			route, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return nil, svc.Navigate(ctx, route)
		},
	}
}
