package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/spf13/cobra"

	"github.com/drblury/framebridge/internal/runtime"
	"github.com/drblury/framebridge/internal/runtime/broadcast"
	"github.com/drblury/framebridge/internal/runtime/config"
	"github.com/drblury/framebridge/internal/runtime/configbridge"
	errs "github.com/drblury/framebridge/internal/runtime/errors"
	"github.com/drblury/framebridge/internal/runtime/logging"
	"github.com/drblury/framebridge/transport/websocket"
)

type guestOptions struct {
	url         string
	origin      string
	hostOrigin  string
	userID      string
	retries     int
	maxInterval time.Duration
	stay        bool
}

func NewGuestCmd() *cobra.Command {
	opts := &guestOptions{}
	cmd := &cobra.Command{
		Use:   "guest",
		Short: "Connect to a bridge host as a guest",
		Long: `Dial a host gateway, complete the handshake and exercise the connection:
list the host's methods, ping it and call auth.getToken from the shared
configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conf, err := opts.config()
			if err != nil {
				return err
			}
			return runGuest(ctx, conf, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "Gateway URL, e.g. ws://localhost:8088/bridge")
	cmd.Flags().StringVar(&opts.origin, "origin", "http://localhost:3000", "Origin this guest presents")
	cmd.Flags().StringVar(&opts.hostOrigin, "host-origin", "", "Origin expected for the host (default derived from --url)")
	cmd.Flags().StringVar(&opts.userID, "user", "demo", "User id passed to auth.getToken")
	cmd.Flags().IntVar(&opts.retries, "retries", 5, "Dial retries before giving up (-1 retries forever)")
	cmd.Flags().DurationVar(&opts.maxInterval, "max-backoff", 10*time.Second, "Upper bound between dial retries")
	cmd.Flags().BoolVar(&opts.stay, "stay", false, "Keep the connection open until interrupted")
	return cmd
}

func (o *guestOptions) config() (*config.Config, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if o.url != "" {
		conf.WebSocketURL = o.url
	}
	if o.hostOrigin != "" {
		conf.ExpectedHostOrigin = o.hostOrigin
	}
	if conf.WebSocketURL == "" {
		return nil, errors.New("--url is required")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

type demoGuest struct {
	out io.Writer
}

func (d demoGuest) Ping(context.Context) (string, error) { return "pong", nil }

func (d demoGuest) Navigate(_ context.Context, route string) error {
	fmt.Fprintf(d.out, "host asked to navigate to %s\n", route)
	return nil
}

type dialFunc func(ctx context.Context) (*websocket.Tunnel, error)

// dialWithRetry calls dial until it succeeds, the retries are used up or
// ctx ends. A refused origin is final.
func dialWithRetry(ctx context.Context, log logging.ServiceLogger, retries int, maxInterval time.Duration, dial dialFunc) (*websocket.Tunnel, error) {
	b := &backoff.Backoff{Max: maxInterval}
	for {
		tunnel, err := dial(ctx)
		if err == nil {
			return tunnel, nil
		}
		if errors.Is(err, errs.ErrOriginRejected) {
			return nil, err
		}
		attempt := int(b.Attempt())
		if retries >= 0 && attempt >= retries {
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempt+1, err)
		}
		d := b.Duration()
		log.Info("Dial failed, retrying", logging.LogFields{"error": err.Error(), "attempt": attempt + 1, "retry_in": d.String()})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}

func runGuest(ctx context.Context, conf *config.Config, opts *guestOptions, out, logOut io.Writer) error {
	logger := newLogger(logOut, conf)

	bus := broadcast.NewBus(logger)
	defer bus.Close()
	window, err := bus.Open(opts.origin)
	if err != nil {
		return err
	}

	tunnel, err := dialWithRetry(ctx, logger, opts.retries, opts.maxInterval, func(ctx context.Context) (*websocket.Tunnel, error) {
		return websocket.Dial(ctx, bus, window, websocket.DialConfig{
			URL:        conf.WebSocketURL,
			HostOrigin: conf.ExpectedHostOrigin,
			Options: websocket.Options{
				MaxFrameBytes: conf.TunnelMaxFrameBytes,
				Logger:        logger,
			},
		})
	})
	if err != nil {
		return err
	}
	defer tunnel.Close()
	if conf.ExpectedHostOrigin == "" {
		conf.ExpectedHostOrigin = tunnel.Window().Origin()
	}

	client, err := runtime.NewClient(conf, window, tunnel.Window(), logger, runtime.ClientDependencies{
		Handlers: runtime.GuestHandlers(demoGuest{out: out}),
	})
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "connected to host %s (version %s)\n", conf.ExpectedHostOrigin, client.RemoteVersion())
	fmt.Fprintf(out, "host methods: %v\n", client.Capabilities())

	pong, err := client.Host().Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	fmt.Fprintf(out, "ping: %s\n", pong)

	if cfg := client.Configuration(); cfg != nil {
		if fn, ok := cfg.Func("auth.getToken"); ok {
			token, err := configbridge.CallAs[string](ctx, fn, opts.userID)
			if err != nil {
				return fmt.Errorf("auth.getToken: %w", err)
			}
			fmt.Fprintf(out, "token: %s\n", token)
		}
	}

	if !opts.stay {
		return nil
	}
	select {
	case <-ctx.Done():
	case <-client.Done():
		fmt.Fprintln(out, "host closed the connection")
	}
	return nil
}
