package framebridge

import (
	"context"
	"encoding/json"

	runtimepkg "github.com/drblury/framebridge/internal/runtime"
	broadcastpkg "github.com/drblury/framebridge/internal/runtime/broadcast"
	configpkg "github.com/drblury/framebridge/internal/runtime/config"
	"github.com/drblury/framebridge/internal/runtime/configbridge"
	errspkg "github.com/drblury/framebridge/internal/runtime/errors"
	handshakepkg "github.com/drblury/framebridge/internal/runtime/handshake"
	jsoncodec "github.com/drblury/framebridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/framebridge/internal/runtime/logging"
	metadatapkg "github.com/drblury/framebridge/internal/runtime/metadata"
	protocolpkg "github.com/drblury/framebridge/internal/runtime/protocol"
	rpcpkg "github.com/drblury/framebridge/internal/runtime/rpc"
	transportpkg "github.com/drblury/framebridge/internal/runtime/transport"
)

type (
	Config = configpkg.Config

	// Broadcast surface
	Bus    = broadcastpkg.Bus
	Window = broadcastpkg.Window
	Event  = broadcastpkg.Event
	Port   = transportpkg.Port

	// Host side
	Manager             = runtimepkg.Manager
	ManagerDependencies = runtimepkg.ManagerDependencies
	Connection          = runtimepkg.Connection
	ConnectOption       = runtimepkg.ConnectOption
	PeerInfo            = runtimepkg.PeerInfo
	HandlerFactory      = runtimepkg.HandlerFactory
	StatusResponse      = runtimepkg.StatusResponse
	ConnectionStatus    = runtimepkg.ConnectionStatus

	// Guest side
	Client             = runtimepkg.Client
	ClientDependencies = runtimepkg.ClientDependencies
	Configuration      = configbridge.Configuration
	RemoteFunc         = configbridge.RemoteFunc

	// Typed surfaces
	Invoker      = runtimepkg.Invoker
	HostAPI      = runtimepkg.HostAPI
	GuestAPI     = runtimepkg.GuestAPI
	HostService  = runtimepkg.HostService
	GuestService = runtimepkg.GuestService

	// RPC
	Handler          = rpcpkg.Handler
	Handlers         = rpcpkg.Handlers
	Args             = rpcpkg.Args
	Registry         = rpcpkg.Registry
	Capabilities     = rpcpkg.Capabilities
	CallHooks        = rpcpkg.CallHooks
	CallContext      = rpcpkg.CallContext
	Direction        = rpcpkg.Direction
	CapabilitiesInfo = protocolpkg.CapabilitiesInfo
	Snapshot         = protocolpkg.Snapshot
	HandshakeState   = handshakepkg.State

	// Metrics
	BridgeMetrics         = runtimepkg.BridgeMetrics
	BridgeMetricsSnapshot = runtimepkg.BridgeMetricsSnapshot
	MethodMetrics         = runtimepkg.MethodMetrics

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Typed errors
	RemoteError             = errspkg.RemoteError
	CallTimeoutError        = errspkg.CallTimeoutError
	HandshakeTimeoutError   = errspkg.HandshakeTimeoutError
	ConnectionNotFoundError = errspkg.ConnectionNotFoundError
	SerializationError      = errspkg.SerializationError
)

const (
	ProtocolVersion            = protocolpkg.ProtocolVersion
	DefaultCallTimeout         = protocolpkg.DefaultCallTimeout
	DefaultHandshakeTimeout    = protocolpkg.DefaultHandshakeTimeout
	DefaultConnectionID        = protocolpkg.DefaultConnectionID
	MethodGetConfig            = protocolpkg.MethodGetConfig
	MethodInvokeConfigFunction = protocolpkg.MethodInvokeConfigFunction
	MethodCapabilities         = protocolpkg.MethodCapabilities

	MethodPing         = runtimepkg.MethodPing
	MethodTrackEvent   = runtimepkg.MethodTrackEvent
	MethodRequestClose = runtimepkg.MethodRequestClose
	MethodNavigate     = runtimepkg.MethodNavigate

	Outgoing = rpcpkg.Outgoing
	Incoming = rpcpkg.Incoming
)

var (
	NewBus         = broadcastpkg.NewBus
	NewPipe        = transportpkg.NewPipe
	NewConfig      = configpkg.Default
	LoadConfig     = configpkg.Load
	ParseConfig    = configpkg.Parse
	ValidateConfig = configpkg.ValidateConfig

	NewManager         = runtimepkg.NewManager
	WithConnectionID   = runtimepkg.WithConnectionID
	WithExpectedOrigin = runtimepkg.WithExpectedOrigin
	WithOnListening    = runtimepkg.WithOnListening
	NewClient          = runtimepkg.NewClient

	NewHostAPI    = runtimepkg.NewHostAPI
	NewGuestAPI   = runtimepkg.NewGuestAPI
	HostHandlers  = runtimepkg.HostHandlers
	GuestHandlers = runtimepkg.GuestHandlers

	NewRegistry     = rpcpkg.NewRegistry
	NewCapabilities = rpcpkg.NewCapabilities
	LoggingHooks    = rpcpkg.LoggingHooks

	NewBridgeMetrics = runtimepkg.NewBridgeMetrics

	TakeSnapshot         = configbridge.TakeSnapshot
	ExtractFunctionPaths = configbridge.ExtractFunctionPaths
	CloneConfiguration   = configbridge.Clone
	Rehydrate            = configbridge.Rehydrate

	NewMetadata = metadatapkg.New

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWriterServiceLogger    = loggingpkg.NewWriterServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrHandshakeTimeout       = errspkg.ErrHandshakeTimeout
	ErrOriginRejected         = errspkg.ErrOriginRejected
	ErrUnknownMethod          = errspkg.ErrUnknownMethod
	ErrCallTimeout            = errspkg.ErrCallTimeout
	ErrRemote                 = errspkg.ErrRemote
	ErrSerialization          = errspkg.ErrSerialization
	ErrConfigFunctionNotFound = errspkg.ErrConfigFunctionNotFound
	ErrChannelClosed          = errspkg.ErrChannelClosed
	ErrConnectionExists       = errspkg.ErrConnectionExists
	ErrConnectionNotFound     = errspkg.ErrConnectionNotFound
	ErrAlreadyConnected       = errspkg.ErrAlreadyConnected
	ErrNotConnected           = errspkg.ErrNotConnected
	ErrWildcardOrigin         = errspkg.ErrWildcardOrigin
	ErrExpectedOriginRequired = errspkg.ErrExpectedOriginRequired
	ErrInvalidArguments       = errspkg.ErrInvalidArguments
)

// InvokeAs calls method through inv and decodes the result as T.
func InvokeAs[T any](ctx context.Context, inv Invoker, method string, args ...any) (T, error) {
	return runtimepkg.InvokeAs[T](ctx, inv, method, args...)
}

// CallAs invokes a rehydrated configuration function and decodes its result.
func CallAs[T any](ctx context.Context, fn *RemoteFunc, args ...any) (T, error) {
	return configbridge.CallAs[T](ctx, fn, args...)
}

// Arg decodes argument i of a handler call as T.
func Arg[T any](args Args, i int) (T, error) {
	return rpcpkg.Arg[T](args, i)
}

// DecodeResult decodes a raw call result as T.
func DecodeResult[T any](raw json.RawMessage) (T, error) {
	return jsoncodec.DecodeValue[T](raw)
}
