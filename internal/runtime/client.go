package runtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/framebridge/internal/runtime/broadcast"
	configpkg "github.com/drblury/framebridge/internal/runtime/config"
	"github.com/drblury/framebridge/internal/runtime/configbridge"
	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/handshake"
	"github.com/drblury/framebridge/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/framebridge/internal/runtime/logging"
	"github.com/drblury/framebridge/internal/runtime/protocol"
	"github.com/drblury/framebridge/internal/runtime/rpc"
)

// ClientDependencies holds the optional collaborators of a Client.
type ClientDependencies struct {
	// Handlers are the guest methods the host may call.
	Handlers       rpc.Handlers
	Metrics        *BridgeMetrics
	CallHooks      rpc.CallHooks
	DispatchHooks  rpc.CallHooks
	TracerProvider trace.TracerProvider
}

// Client is the guest side of the bridge: one connection to one host.
type Client struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	window *broadcast.Window
	host   *broadcast.Window
	deps   ClientDependencies
	obs    observability

	mu            sync.RWMutex
	engine        *rpc.Engine
	capabilities  rpc.Capabilities
	remoteVersion string
	configuration *configbridge.Configuration
	done          <-chan struct{}
	connecting    bool
	cancel        context.CancelFunc
	closed        bool
}

// NewClient creates a guest bridge for window that will greet host.
// conf.ExpectedHostOrigin must name the host origin exactly.
func NewClient(conf *configpkg.Config, window, host *broadcast.Window, log loggingpkg.ServiceLogger, deps ClientDependencies) (*Client, error) {
	if conf == nil {
		return nil, errs.ErrConfigRequired
	}
	if log == nil {
		return nil, errs.ErrLoggerRequired
	}
	if window == nil {
		return nil, errs.ErrWindowRequired
	}
	if host == nil {
		return nil, errs.ErrFrameRequired
	}
	if conf.ExpectedHostOrigin == "" {
		return nil, errs.ErrExpectedOriginRequired
	}
	if conf.ExpectedHostOrigin == broadcast.WildcardOrigin {
		return nil, errs.ErrWildcardOrigin
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log = loggingpkg.Component(log, "client")
	return &Client{
		Conf:   conf,
		Logger: log,
		window: window,
		host:   host,
		deps:   deps,
		obs: observability{
			logger:         log,
			metrics:        deps.Metrics,
			callHooks:      deps.CallHooks,
			dispatchHooks:  deps.DispatchHooks,
			tracerProvider: deps.TracerProvider,
		},
	}, nil
}

// Connect performs the handshake, starts the call engine and fetches the host
// configuration when the host offers it. Calling Connect twice fails with
// ErrAlreadyConnected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.ErrChannelClosed
	}
	if c.engine != nil || c.connecting {
		c.mu.Unlock()
		return errs.ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(ctx)
	c.connecting = true
	c.cancel = cancel
	c.mu.Unlock()

	err := c.connect(ctx)

	c.mu.Lock()
	c.connecting = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()

	c.recordHandshake(err)
	return err
}

func (c *Client) connect(ctx context.Context) error {
	initiator, err := handshake.NewInitiator(handshake.InitiatorConfig{
		Window:         c.window,
		Target:         c.host,
		ExpectedOrigin: c.Conf.ExpectedHostOrigin,
		CallerVersion:  c.Conf.Version,
		Timeout:        c.Conf.EffectiveHandshakeTimeout(),
		Logger:         c.Logger,
	})
	if err != nil {
		return err
	}
	result, err := initiator.Connect(ctx)
	if err != nil {
		c.Logger.Error("Handshake failed", err, nil)
		return err
	}

	registry := buildRegistry(c.deps.Handlers, nil, false, c.Conf.Version)
	opts := engineOptions("guest", rpc.WithCallTimeout(c.Conf.EffectiveCallTimeout()), c.obs)
	engine, err := rpc.NewEngine(result.Port, registry, opts...)
	if err != nil {
		_ = result.Port.Close()
		return err
	}

	var configuration *configbridge.Configuration
	if result.Capabilities.Supports(protocol.MethodGetConfig) {
		configuration, err = c.fetchConfiguration(ctx, engine)
		if err != nil {
			_ = engine.Close()
			return err
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = engine.Close()
		return errs.ErrChannelClosed
	}
	c.engine = engine
	c.done = engine.Done()
	c.capabilities = result.Capabilities
	c.remoteVersion = result.ResponderVersion
	c.configuration = configuration
	c.mu.Unlock()

	if c.deps.Metrics != nil {
		c.deps.Metrics.ConnectionOpened()
		go func() {
			<-engine.Done()
			c.deps.Metrics.ConnectionClosed()
		}()
	}

	c.Logger.Info("Connected to host", loggingpkg.LogFields{
		"origin":         result.Origin,
		"remote_version": result.ResponderVersion,
		"methods":        result.Capabilities.Len(),
	})
	return nil
}

func (c *Client) fetchConfiguration(ctx context.Context, engine *rpc.Engine) (*configbridge.Configuration, error) {
	raw, err := engine.Call(ctx, protocol.MethodGetConfig)
	if err != nil {
		return nil, err
	}
	var snapshot protocol.Snapshot
	if err := jsoncodec.Unmarshal(raw, &snapshot); err != nil {
		return nil, &errs.SerializationError{Err: err}
	}
	invoke := func(ctx context.Context, path string, args ...any) (json.RawMessage, error) {
		callArgs := make([]any, 0, len(args)+1)
		callArgs = append(callArgs, path)
		callArgs = append(callArgs, args...)
		return engine.Call(ctx, protocol.MethodInvokeConfigFunction, callArgs...)
	}
	return configbridge.Rehydrate(snapshot, invoke)
}

func (c *Client) recordHandshake(err error) {
	if c.deps.Metrics == nil {
		return
	}
	c.deps.Metrics.RecordHandshake("initiator", handshakeResult(err))
}

func (c *Client) current() (*rpc.Engine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.engine == nil {
		if c.closed {
			return nil, errs.ErrChannelClosed
		}
		return nil, errs.ErrNotConnected
	}
	return c.engine, nil
}

// Invoke calls method on the host.
func (c *Client) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	engine, err := c.current()
	if err != nil {
		return nil, err
	}
	return engine.Call(ctx, method, args...)
}

// Host returns the typed host surface.
func (c *Client) Host() HostAPI { return NewHostAPI(c) }

// Supports reports whether the host advertised method in its Ack.
func (c *Client) Supports(method string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities.Supports(method)
}

// Capabilities returns the methods advertised by the host.
func (c *Client) Capabilities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities.Methods()
}

// RemoteCapabilities asks the host for its current capability info.
func (c *Client) RemoteCapabilities(ctx context.Context) (protocol.CapabilitiesInfo, error) {
	return InvokeAs[protocol.CapabilitiesInfo](ctx, c, protocol.MethodCapabilities)
}

// RemoteVersion is the responder version from the Ack.
func (c *Client) RemoteVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteVersion
}

// Configuration returns the rehydrated host configuration, or nil when the
// host does not share one.
func (c *Client) Configuration() *configbridge.Configuration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.configuration
}

// Done is closed once the connection stops. Before Connect it returns nil.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// Close aborts a pending handshake or tears down the connection. Pending
// calls fail with ErrChannelClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	engine := c.engine
	cancel := c.cancel
	c.engine = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if engine != nil {
		c.Logger.Info("Closing host connection", nil)
		return engine.Close()
	}
	return nil
}
