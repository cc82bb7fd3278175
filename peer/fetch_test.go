package peer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/opd-ai/gridlink/chunk"
	"github.com/opd-ai/gridlink/crypto"
	"github.com/opd-ai/gridlink/transport"
	"github.com/opd-ai/gridlink/transport/gatewaytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatewayFixture struct {
	gateway *gatewaytest.Gateway
	pool    *transport.Pool
}

func newGatewayFixture(t *testing.T, opts ...transport.PoolOption) *gatewayFixture {
	t.Helper()

	gw, err := gatewaytest.Start()
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	return &gatewayFixture{
		gateway: gw,
		pool:    transport.NewGridPool(gw.DialConfig(keys), opts...),
	}
}

func (f *gatewayFixture) addPeer(t *testing.T, fn gatewaytest.PeerFunc) crypto.PeerID {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	f.gateway.AddPeer(keys.ID(), fn)
	return keys.ID()
}

func TestFetchChunkedReply(t *testing.T) {
	f := newGatewayFixture(t)
	reply := bytes.Repeat([]byte("0123456789"), 300)
	id := f.addPeer(t, gatewaytest.ChunkedReply(reply, 1000))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := Fetch(ctx, f.pool, id, DefaultProtocol, []byte("GET CONFIG"))
	require.NoError(t, err)
	assert.Equal(t, reply, got)
	assert.Equal(t, 0, f.pool.Users())
}

func TestFetchSinglePacketReply(t *testing.T) {
	f := newGatewayFixture(t)
	id := f.addPeer(t, gatewaytest.Echo())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := Fetch(ctx, f.pool, id, DefaultProtocol, []byte("HELLO"))
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO"), got)
}

func TestFetchUnknownPeer(t *testing.T) {
	f := newGatewayFixture(t)
	stranger, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = Fetch(ctx, f.pool, stranger.ID(), DefaultProtocol, []byte("GET"))
	assert.ErrorIs(t, err, chunk.ErrNoResult)
	assert.Contains(t, err.Error(), "peer not found")
}

func TestFetchPeerHangsUp(t *testing.T) {
	f := newGatewayFixture(t)
	id := f.addPeer(t, func(ch *gatewaytest.Channel, _ []byte) {
		// Announce more than is ever sent, then hang up.
		ch.Send(chunk.Split([]byte("partial reply"), 9)[0])
		ch.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Fetch(ctx, f.pool, id, DefaultProtocol, []byte("GET"))
	assert.ErrorIs(t, err, chunk.ErrNoResult)
}

func TestFetchTimeout(t *testing.T) {
	f := newGatewayFixture(t)
	id := f.addPeer(t, gatewaytest.Silent())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := Fetch(ctx, f.pool, id, DefaultProtocol, []byte("GET"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, f.pool.Users())
}

func TestFetchGridUnavailable(t *testing.T) {
	f := newGatewayFixture(t, transport.WithEstablishTimeout(time.Second))
	id := f.addPeer(t, gatewaytest.Echo())
	f.gateway.Close()

	_, err := Fetch(context.Background(), f.pool, id, DefaultProtocol, []byte("GET"))
	assert.ErrorIs(t, err, transport.ErrGridUnavailable)
}
