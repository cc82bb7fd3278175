// Package gatewaytest provides an in-process grid gateway for tests and demos.
//
// The gateway speaks the real wire protocol: Noise IK handshake, encrypted
// frames and CBOR control messages. Remote peers are simulated by registering
// a PeerFunc for a peer identity.
package gatewaytest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/opd-ai/gridlink/crypto"
	"github.com/opd-ai/gridlink/transport"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// PeerFunc simulates a remote peer. It is called for every data frame a client
// sends on a channel to that peer.
type PeerFunc func(ch *Channel, data []byte)

// Gateway is an in-process gateway.
type Gateway struct {
	keys     *crypto.KeyPair
	listener net.Listener
	http     *httptest.Server

	mu       sync.Mutex
	peers    map[crypto.PeerID]PeerFunc
	sessions map[*session]struct{}
	opens    int
	closed   bool

	wg sync.WaitGroup
}

// Start runs a gateway on a loopback TCP port.
func Start() (*Gateway, error) {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	g := newGateway(keys)
	g.listener = ln

	g.wg.Add(1)
	go g.acceptLoop()

	return g, nil
}

// StartWebSocket runs a gateway that accepts grid streams over WebSocket.
func StartWebSocket() (*Gateway, error) {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	g := newGateway(keys)
	g.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.SetReadLimit(1 << 20)
		conn := websocket.NetConn(context.Background(), ws, websocket.MessageBinary)
		g.serve(conn)
	}))

	return g, nil
}

func newGateway(keys *crypto.KeyPair) *Gateway {
	return &Gateway{
		keys:     keys,
		peers:    make(map[crypto.PeerID]PeerFunc),
		sessions: make(map[*session]struct{}),
	}
}

// Addr returns the address clients dial.
func (g *Gateway) Addr() string {
	if g.http != nil {
		return "ws" + strings.TrimPrefix(g.http.URL, "http") + "/grid"
	}
	return g.listener.Addr().String()
}

// PublicKey returns the gateway's static key.
func (g *Gateway) PublicKey() crypto.PeerID {
	return g.keys.ID()
}

// DialConfig returns a client configuration for this gateway.
func (g *Gateway) DialConfig(keys *crypto.KeyPair) transport.DialConfig {
	return transport.DialConfig{
		Address:    g.Addr(),
		GatewayKey: g.PublicKey(),
		Keys:       keys,
	}
}

// AddPeer registers a simulated remote peer.
func (g *Gateway) AddPeer(id crypto.PeerID, fn PeerFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[id] = fn
}

// RemovePeer unregisters a simulated peer. Open channels stay open.
func (g *Gateway) RemovePeer(id crypto.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.peers, id)
}

// Sessions returns the number of connected clients.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Opens returns how many channel open requests were received.
func (g *Gateway) Opens() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opens
}

// DropSessions closes every client connection, simulating a gateway restart.
func (g *Gateway) DropSessions() {
	g.mu.Lock()
	sessions := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.stream.Close()
	}
}

// ClosePeerChannels closes every open channel to id from the gateway side.
func (g *Gateway) ClosePeerChannels(id crypto.PeerID) {
	g.mu.Lock()
	sessions := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		for _, ch := range s.channelsTo(id) {
			ch.Close()
		}
	}
}

// Close stops the gateway and drops all clients.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	var err error
	if g.listener != nil {
		err = g.listener.Close()
	}
	g.DropSessions()
	if g.http != nil {
		g.http.Close()
	}
	g.wg.Wait()
	return err
}

func (g *Gateway) acceptLoop() {
	defer g.wg.Done()

	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "acceptLoop",
					"error":    err.Error(),
				}).Warn("Gateway accept failed")
			}
			return
		}

		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.serve(conn)
		}()
	}
}

func (g *Gateway) serve(conn net.Conn) {
	stream, err := transport.ServerHandshake(conn, g.keys, 0)
	if err != nil {
		conn.Close()
		return
	}

	s := &session{
		gateway:  g,
		stream:   stream,
		channels: make(map[uint16]*Channel),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		stream.Close()
		return
	}
	g.sessions[s] = struct{}{}
	g.mu.Unlock()

	s.run()

	g.mu.Lock()
	delete(g.sessions, s)
	g.mu.Unlock()
}

func (g *Gateway) lookupPeer(id crypto.PeerID) (PeerFunc, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.opens++
	fn, ok := g.peers[id]
	return fn, ok
}
