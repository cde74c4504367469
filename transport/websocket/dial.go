package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/framebridge/internal/runtime/broadcast"
	"github.com/drblury/framebridge/internal/runtime/config"
	errs "github.com/drblury/framebridge/internal/runtime/errors"
)

// DialConfig configures the guest end of a tunnel.
type DialConfig struct {
	// URL is the gateway endpoint, ws:// or wss://.
	URL string
	// Origin is sent as the Origin header. Defaults to the local window's
	// origin.
	Origin string
	// HostOrigin is the origin the proxy window gets on the local bus.
	// Defaults to the URL's scheme and host, with ws mapped to http and wss
	// to https.
	HostOrigin string
	Header     http.Header
	// HandshakeTimeout bounds the HTTP upgrade. Defaults to 10s.
	HandshakeTimeout time.Duration
	Options
}

// Dial connects local to a remote gateway. The returned tunnel's Window is the
// host as seen on bus; post the Hello to it.
func Dial(ctx context.Context, bus *broadcast.Bus, local *broadcast.Window, cfg DialConfig) (*Tunnel, error) {
	if bus == nil || local == nil {
		return nil, errs.ErrWindowRequired
	}
	hostOrigin := cfg.HostOrigin
	if hostOrigin == "" {
		derived, err := originFromURL(cfg.URL)
		if err != nil {
			return nil, err
		}
		hostOrigin = derived
	}
	hostOrigin, err := config.NormalizeOrigin(hostOrigin)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for k, v := range cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	origin := cfg.Origin
	if origin == "" {
		origin = local.Origin()
	}
	header.Set("Origin", origin)

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: gateway refused origin %q", errs.ErrOriginRejected, origin)
		}
		return nil, fmt.Errorf("dial tunnel %s: %w", cfg.URL, err)
	}

	proxy, err := bus.Open(hostOrigin)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	t := newTunnel(conn, proxy, local, cfg.Options)
	if err := t.start(); err != nil {
		return nil, err
	}
	return t, nil
}

func originFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid tunnel url %q: %w", raw, err)
	}
	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	if scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid tunnel url %q: scheme and host are required", raw)
	}
	return scheme + "://" + u.Host, nil
}
