package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flynn/noise"
	"github.com/opd-ai/gridlink/crypto"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
	"nhooyr.io/websocket"
)

const (
	// DefaultDialTimeout bounds dialing plus handshake.
	DefaultDialTimeout = 15 * time.Second

	// DefaultKeepaliveInterval is how often the gateway is pinged.
	DefaultKeepaliveInterval = 30 * time.Second
)

// ProxyConfig routes the gateway connection through a SOCKS5 proxy.
type ProxyConfig struct {
	Address  string // host:port of the proxy
	Username string
	Password string
}

// DialConfig describes how to reach the gateway.
type DialConfig struct {
	// Address is host:port, tcp://host:port, ws://host/path or wss://host/path.
	Address string

	// GatewayKey is the gateway's static public key.
	GatewayKey crypto.PeerID

	// Keys authenticates this client to the gateway.
	Keys *crypto.KeyPair

	// Proxy is optional.
	Proxy *ProxyConfig

	Timeout           time.Duration
	KeepaliveInterval time.Duration
}

func (c *DialConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultDialTimeout
}

// dialRaw opens the byte stream to the gateway according to the address scheme.
func dialRaw(ctx context.Context, cfg *DialConfig) (net.Conn, error) {
	scheme, target, err := splitAddress(cfg.Address)
	if err != nil {
		return nil, err
	}

	dialer, err := newContextDialer(cfg)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "dialRaw",
		"scheme":   scheme,
		"target":   target,
		"proxied":  cfg.Proxy != nil,
	}).Debug("Dialing gateway")

	switch scheme {
	case "tcp":
		return dialer.DialContext(ctx, "tcp", target)
	case "ws", "wss":
		return dialWebSocket(ctx, cfg.Address, dialer)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
}

// splitAddress returns the scheme and the dial target of a gateway address.
// Bare host:port addresses default to tcp.
func splitAddress(address string) (scheme, target string, err error) {
	if address == "" {
		return "", "", fmt.Errorf("gateway address is empty")
	}
	if !strings.Contains(address, "://") {
		return "tcp", address, nil
	}

	u, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("invalid gateway address %q: %w", address, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid gateway address %q: missing host", address)
	}
	return u.Scheme, u.Host, nil
}

// newContextDialer returns a direct dialer or a SOCKS5 dialer when a proxy is configured.
func newContextDialer(cfg *DialConfig) (proxy.ContextDialer, error) {
	direct := &net.Dialer{Timeout: cfg.timeout(), KeepAlive: 30 * time.Second}
	if cfg.Proxy == nil {
		return direct, nil
	}

	var auth *proxy.Auth
	if cfg.Proxy.Username != "" || cfg.Proxy.Password != "" {
		auth = &proxy.Auth{
			User:     cfg.Proxy.Username,
			Password: cfg.Proxy.Password,
		}
	}

	socks, err := proxy.SOCKS5("tcp", cfg.Proxy.Address, auth, direct)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "newContextDialer",
			"proxy_addr": cfg.Proxy.Address,
			"error":      err.Error(),
		}).Error("Failed to create SOCKS5 dialer")
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	ctxDialer, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
	}
	return ctxDialer, nil
}

// dialWebSocket connects to a gateway that tunnels the grid stream over
// binary WebSocket messages.
func dialWebSocket(ctx context.Context, address string, dialer proxy.ContextDialer) (net.Conn, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: dialer.DialContext,
		},
	}

	ws, _, err := websocket.Dial(ctx, address, &websocket.DialOptions{
		HTTPClient: client,
	})
	if err != nil {
		return nil, err
	}
	// One encrypted grid message plus its length prefix per WebSocket message at most.
	ws.SetReadLimit(int64(noise.MaxMsgLen) + 4)

	// The returned conn must outlive the dial context.
	return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
}
