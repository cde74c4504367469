package commands

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/framebridge/internal/runtime"
	"github.com/drblury/framebridge/internal/runtime/broadcast"
	"github.com/drblury/framebridge/internal/runtime/config"
	"github.com/drblury/framebridge/internal/runtime/logging"
	"github.com/drblury/framebridge/internal/runtime/rpc"
	"github.com/drblury/framebridge/transport/websocket"
)

type hostOptions struct {
	listen         string
	origin         string
	allowedOrigins []string
	metricsPort    int
}

func NewHostCmd() *cobra.Command {
	opts := &hostOptions{}
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Serve the bridge to remote guests",
		Long: `Serve a websocket gateway. Every guest that connects from an allow-listed
origin becomes its own connection with the demo handlers (ping, trackEvent,
requestClose) and a configuration exposing auth.getToken.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conf, err := opts.config()
			if err != nil {
				return err
			}
			return runHost(ctx, conf, opts.origin, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", "", "Address for the websocket gateway (default from config or :8088)")
	cmd.Flags().StringVar(&opts.origin, "origin", "http://localhost", "Origin of the host window")
	cmd.Flags().StringSliceVar(&opts.allowedOrigins, "allow-origin", nil, "Guest origin to accept (repeatable)")
	cmd.Flags().IntVar(&opts.metricsPort, "metrics-port", 0, "Serve /metrics and /api/connections on this port")
	return cmd
}

func (o *hostOptions) config() (*config.Config, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if o.listen != "" {
		conf.WebSocketListenAddress = o.listen
	}
	if conf.WebSocketListenAddress == "" {
		conf.WebSocketListenAddress = ":8088"
	}
	if len(o.allowedOrigins) > 0 {
		conf.AllowedOrigins = o.allowedOrigins
	}
	if o.metricsPort > 0 {
		conf.MetricsEnabled = true
		conf.MetricsPort = o.metricsPort
	}
	if len(conf.AllowedOrigins) == 0 {
		return nil, errors.New("at least one --allow-origin is required")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

type demoHost struct {
	logger logging.ServiceLogger
}

func (d demoHost) Ping(context.Context, runtime.PeerInfo) (string, error) { return "pong", nil }

func (d demoHost) TrackEvent(_ context.Context, peer runtime.PeerInfo, name string, props map[string]any) error {
	d.logger.Info("Guest event", logging.LogFields{
		"connection_id": peer.ConnectionID,
		"guest_version": peer.CallerVersion,
		"event":         name,
		"properties":    props,
	})
	return nil
}

func (d demoHost) RequestClose(_ context.Context, peer runtime.PeerInfo, reason string) error {
	d.logger.Info("Guest requested close", logging.LogFields{"connection_id": peer.ConnectionID, "reason": reason})
	return nil
}

func demoConfiguration(version string) map[string]any {
	return map[string]any{
		"version": version,
		"auth": map[string]any{
			"getToken": func(userID string) (string, error) {
				if userID == "" {
					return "", errors.New("user id is required")
				}
				return "tok-" + userID, nil
			},
		},
	}
}

func runHost(ctx context.Context, conf *config.Config, origin string, logOut io.Writer) error {
	logger := newLogger(logOut, conf)

	bus := broadcast.NewBus(logger)
	defer bus.Close()
	window, err := bus.Open(origin)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := runtime.NewBridgeMetrics(registry)
	if err := metrics.Register(); err != nil {
		return err
	}

	manager, err := runtime.NewManager(conf, window, logger, runtime.ManagerDependencies{
		Handlers:      runtime.HostHandlers(demoHost{logger: logger}),
		Configuration: demoConfiguration(conf.Version),
		Metrics:       metrics,
		CallHooks:     rpc.LoggingHooks(logger),
	})
	if err != nil {
		return err
	}
	defer manager.CloseAll()
	manager.EnableObservability(registry)

	gateway, err := websocket.NewGateway(conf, bus, window, websocket.ManagerAcceptor(manager, func(c *runtime.Connection) {
		logger.Info("Guest connected", logging.LogFields{"connection_id": c.ID, "origin": c.Origin, "guest_version": c.RemoteVersion})
	}), websocket.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer gateway.Close()

	mux := http.NewServeMux()
	mux.Handle(conf.WebSocketPath, gateway)
	server := &http.Server{
		Addr:              conf.WebSocketListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Serving bridge gateway", logging.LogFields{"address": server.Addr, "path": conf.WebSocketPath})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = gateway.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return manager.ServeHTTPHandlers(ctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
