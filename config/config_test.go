package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/gridlink/crypto"
	"github.com/opd-ai/gridlink/peer"
	"github.com/opd-ai/gridlink/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gatewayKey = "F404ABAA1C99A9D37D61AB54898F56793E1DEF8BD46B1038B9D822E8460FAB67"

const fullConfig = `
gateway:
  address: wss://grid.example/connect
  public_key: ` + gatewayKey + `
  proxy:
    address: 127.0.0.1:9050
    username: grid
    password: secret
  dial_timeout: 5s
  keepalive_interval: 20s
identity:
  secret_key: 0101010101010101010101010101010101010101010101010101010101010101
peers:
  - name: living-room
    id: 1C99A9D37D61AB54898F56793E1DEF8BD46B1038B9D822E8460FAB67F404ABAA
  - name: bathroom
    id: 9D37D61AB54898F56793E1DEF8BD46B1038B9D822E8460FAB67F404ABAA1C99A
    protocol: custom-1.0
reconnect_delay: 3s
receive_timeout: 1m
log:
  level: debug
  format: json
`

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "wss://grid.example/connect", cfg.Gateway.Address)
	assert.Equal(t, 5*time.Second, cfg.Gateway.DialTimeout)
	assert.Equal(t, 20*time.Second, cfg.Gateway.KeepaliveInterval)
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, time.Minute, cfg.ReceiveTimeout)
	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, peer.DefaultProtocol, cfg.Peers[0].Protocol)
	assert.Equal(t, "custom-1.0", cfg.Peers[1].Protocol)

	keys, err := cfg.Keys()
	require.NoError(t, err)
	assert.False(t, keys.ID().IsZero())

	dial := cfg.DialConfig(keys)
	assert.Equal(t, crypto.MustParsePeerID(gatewayKey), dial.GatewayKey)
	assert.Same(t, keys, dial.Keys)
	require.NotNil(t, dial.Proxy)
	assert.Equal(t, "127.0.0.1:9050", dial.Proxy.Address)
	assert.Equal(t, "grid", dial.Proxy.Username)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("gateway:\n  address: 127.0.0.1:7400\n  public_key: " + gatewayKey + "\n"))
	require.NoError(t, err)

	assert.Equal(t, peer.DefaultReconnectDelay, cfg.ReconnectDelay)
	assert.Equal(t, DefaultReceiveTimeout, cfg.ReceiveTimeout)
	assert.Equal(t, transport.DefaultDialTimeout, cfg.Gateway.DialTimeout)
	assert.Equal(t, transport.DefaultKeepaliveInterval, cfg.Gateway.KeepaliveInterval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	keys, err := cfg.Keys()
	require.NoError(t, err)
	assert.NotNil(t, keys)
	assert.Nil(t, cfg.DialConfig(keys).Proxy)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		message string
	}{
		{
			name:    "missing gateway",
			yaml:    "peers: []\n",
			message: "gateway.address is required",
		},
		{
			name:    "bad gateway key",
			yaml:    "gateway:\n  address: a:1\n  public_key: abc\n",
			message: "gateway.public_key",
		},
		{
			name:    "unknown key",
			yaml:    "gateway:\n  address: a:1\n  public_key: " + gatewayKey + "\n  colour: red\n",
			message: "colour",
		},
		{
			name:    "bad log level",
			yaml:    "gateway:\n  address: a:1\n  public_key: " + gatewayKey + "\nlog:\n  level: loud\n",
			message: "log.level",
		},
		{
			name:    "duplicate peer",
			yaml:    "gateway:\n  address: a:1\n  public_key: " + gatewayKey + "\npeers:\n  - name: a\n  - name: a\n",
			message: "duplicated",
		},
		{
			name:    "proxy without address",
			yaml:    "gateway:\n  address: a:1\n  public_key: " + gatewayKey + "\n  proxy:\n    username: u\n",
			message: "gateway.proxy.address",
		},
		{
			name:    "bad secret key",
			yaml:    "gateway:\n  address: a:1\n  public_key: " + gatewayKey + "\nidentity:\n  secret_key: zz\n",
			message: "identity.secret_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestPeerIDsAreNotValidatedByParse(t *testing.T) {
	cfg, err := Parse([]byte("gateway:\n  address: a:1\n  public_key: " + gatewayKey + "\npeers:\n  - name: broken\n    id: not-hex\n"))
	require.NoError(t, err)
	assert.Equal(t, "not-hex", cfg.Peers[0].ID)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gridlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Peers, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigureLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)

	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.ConfigureLogging())

	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)
}
