// Package noise implements the Noise IK handshake used to secure the grid
// connection between a client and its gateway.
//
// The handshake is built on the flynn/noise library with Curve25519 key
// exchange, ChaCha20-Poly1305 encryption and SHA256 hashing.
//
// # IK Pattern (Initiator with Knowledge)
//
// The client always knows the gateway's static public key in advance (it is
// part of the client configuration), so IK is the only pattern needed:
//
//	Initiator                         Responder
//	    │  -> e, es, s, ss                │
//	    │────────────────────────────────>│
//	    │  <- e, ee, se                   │
//	    │<────────────────────────────────│
//	    │     transport messages          │
//
// After the second message both sides hold a pair of cipher states, one per
// direction:
//
//	hs, _ := noise.NewIKHandshake(myPrivateKey, gatewayPublicKey, noise.Initiator)
//	msg1, _ := hs.WriteMessage(nil)
//	// send msg1, receive msg2
//	_, _ = hs.ReadMessage(msg2)
//	send, recv, _ := hs.CipherStates()
//
// The responder role is provided for gateways and for in-process test
// gateways; it learns the initiator's static key from the first message.
package noise
