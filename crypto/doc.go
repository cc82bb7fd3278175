// Package crypto implements the key material used by gridlink.
//
// Peers on a grid are addressed by their Curve25519 public key. The same key
// type is used for the gateway's static key during the Noise handshake, so a
// single [PeerID] type covers both.
//
// # Core Types
//
//   - [PeerID]: 32-byte public key identifying a remote peer or gateway
//   - [KeyPair]: local Curve25519 key pair used to authenticate to the gateway
//
// # Parsing Identities
//
// Peer identities are configured as hex strings:
//
//	id, err := crypto.ParsePeerID("F404ABAA1C99A9D37D61AB54898F56793E1DEF8BD46B1038B9D822E8460FAB67")
//	if err != nil {
//	    // configuration error: never attempt a connection
//	}
//
// A parse failure always wraps [ErrInvalidPeerID] so callers can tell
// configuration errors apart from communication errors with errors.Is.
//
// # Key Pairs
//
//	keys, err := crypto.GenerateKeyPair()
//	defer crypto.WipeKeyPair(keys)
//
// Private key material should be wiped with [ZeroBytes] or [WipeKeyPair] once it
// is no longer needed.
package crypto
