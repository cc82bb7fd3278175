// Package config loads the gridlink daemon configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/opd-ai/gridlink/crypto"
	"github.com/opd-ai/gridlink/peer"
	"github.com/opd-ai/gridlink/transport"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultReceiveTimeout bounds a one-shot fetch.
const DefaultReceiveTimeout = 30 * time.Second

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the daemon configuration.
type Config struct {
	Gateway        Gateway       `yaml:"gateway"`
	Identity       Identity      `yaml:"identity"`
	Peers          []Peer        `yaml:"peers"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	Log            Log           `yaml:"log"`
}

// Gateway describes how to reach the grid gateway.
type Gateway struct {
	Address           string        `yaml:"address"`
	PublicKey         string        `yaml:"public_key"`
	Proxy             *Proxy        `yaml:"proxy,omitempty"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// Proxy is an optional SOCKS5 proxy for the gateway connection.
type Proxy struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Identity holds the local static key. An empty secret key means a fresh
// key pair is generated on every start.
type Identity struct {
	SecretKey string `yaml:"secret_key"`
}

// Peer is one remote peer to keep connected. ID is validated when the peer's
// lifecycle is initialized, so one bad entry does not stop the others.
type Peer struct {
	Name     string `yaml:"name"`
	ID       string `yaml:"id"`
	Protocol string `yaml:"protocol"`
}

// Log configures logrus.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"path":     path,
		"peers":    len(cfg.Peers),
	}).Debug("Configuration loaded")
	return cfg, nil
}

// Parse decodes YAML, applies defaults and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = peer.DefaultReconnectDelay
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.Gateway.DialTimeout == 0 {
		c.Gateway.DialTimeout = transport.DefaultDialTimeout
	}
	if c.Gateway.KeepaliveInterval == 0 {
		c.Gateway.KeepaliveInterval = transport.DefaultKeepaliveInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	for i := range c.Peers {
		if c.Peers[i].Protocol == "" {
			c.Peers[i].Protocol = peer.DefaultProtocol
		}
	}
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Gateway.Address == "" {
		invalid("gateway.address is required")
	}
	if _, err := crypto.ParsePeerID(c.Gateway.PublicKey); err != nil {
		invalid("gateway.public_key: %v", err)
	}
	if c.Gateway.Proxy != nil && c.Gateway.Proxy.Address == "" {
		invalid("gateway.proxy.address is required when a proxy is set")
	}
	if c.Gateway.DialTimeout < 0 || c.Gateway.KeepaliveInterval < 0 {
		invalid("gateway timeouts must not be negative")
	}
	if c.Identity.SecretKey != "" {
		if _, err := crypto.ParseSecretKey(c.Identity.SecretKey); err != nil {
			invalid("identity.secret_key: %v", err)
		}
	}
	if c.ReconnectDelay < 0 || c.ReceiveTimeout < 0 {
		invalid("reconnect_delay and receive_timeout must not be negative")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		invalid("log.level: %v", err)
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		invalid("log.format must be text or json, got %q", c.Log.Format)
	}

	names := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.Name == "" {
			invalid("peers[%d].name is required", i)
			continue
		}
		if names[p.Name] {
			invalid("peers[%d].name %q is duplicated", i, p.Name)
		}
		names[p.Name] = true
	}

	return errors.Join(errs...)
}

// Keys returns the configured key pair, or a freshly generated one.
func (c *Config) Keys() (*crypto.KeyPair, error) {
	if c.Identity.SecretKey == "" {
		logrus.WithField("function", "Keys").Info("No identity configured, generating an ephemeral key pair")
		return crypto.GenerateKeyPair()
	}
	return crypto.ParseSecretKey(c.Identity.SecretKey)
}

// DialConfig returns the transport settings for the gateway. Validate must
// have succeeded.
func (c *Config) DialConfig(keys *crypto.KeyPair) transport.DialConfig {
	cfg := transport.DialConfig{
		Address:           c.Gateway.Address,
		GatewayKey:        crypto.MustParsePeerID(c.Gateway.PublicKey),
		Keys:              keys,
		Timeout:           c.Gateway.DialTimeout,
		KeepaliveInterval: c.Gateway.KeepaliveInterval,
	}
	if p := c.Gateway.Proxy; p != nil {
		cfg.Proxy = &transport.ProxyConfig{
			Address:  p.Address,
			Username: p.Username,
			Password: p.Password,
		}
	}
	return cfg
}

// ConfigureLogging applies the log section to the standard logrus logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	if strings.ToLower(c.Log.Format) == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
