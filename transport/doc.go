// Package transport carries peer traffic over a grid: one encrypted
// connection to a gateway that multiplexes many logical peer channels.
//
// # Grid Connection
//
// A GridConnection is dialed once per process and shared. The byte stream is
// plain TCP, a SOCKS5-proxied TCP connection, or a WebSocket tunnel, selected
// by the gateway address:
//
//	gateway.example:7400          // tcp
//	tcp://gateway.example:7400    // tcp
//	wss://gateway.example/grid    // WebSocket
//
// The stream is secured with a Noise IK handshake in which the client already
// knows the gateway's static key. Every message on the wire is a big-endian
// u32 length followed by the ciphertext of one frame:
//
//	[type u8][channel u16][length u32][payload]
//
// Control frames carry CBOR-encoded open requests and results. Data frames
// carry peer payloads. Ping and Pong keep the connection alive; Close tears
// down one channel and is acknowledged with Close.
//
// # Peer Connections
//
// A PeerConnection asks the gateway for a channel to a remote peer identity:
//
//	conn := transport.NewPeerConnection(handler)
//	if err := conn.ConnectToRemote(grid, peerID, "dominion-1.0"); err != nil {
//	    // the request never left; no status change follows
//	}
//	// handler.OnStatusChanged(StateConnected, nil) arrives later
//
// Status changes and deliveries are reported from the grid's read goroutine.
// A local Close is never reported.
//
// # Pool
//
// Pool reference-counts users of the shared grid connection. The first
// AddUser establishes it and the last RemoveUser closes it:
//
//	pool := transport.NewGridPool(cfg)
//	pool.AddUser()
//	defer pool.RemoveUser()
//	grid, ok := pool.Current()
//
// # Testing
//
// The gatewaytest subpackage runs an in-process gateway speaking the same
// protocol over TCP or WebSocket.
package transport
