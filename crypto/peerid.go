package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// PeerIDSize is the length in bytes of a peer identity.
const PeerIDSize = 32

// ErrInvalidPeerID indicates a peer identity could not be parsed.
var ErrInvalidPeerID = errors.New("invalid peer ID")

// ErrPeerIDNotSet indicates an empty or all-zero peer identity. It wraps
// ErrInvalidPeerID.
var ErrPeerIDNotSet = fmt.Errorf("%w: not set", ErrInvalidPeerID)

// PeerID identifies a remote endpoint by its Curve25519 public key.
type PeerID [PeerIDSize]byte

// ParsePeerID parses a peer identity from its hexadecimal representation.
// Surrounding whitespace is ignored and both letter cases are accepted.
// An empty or all-zero identity is rejected as not set.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID

	s = strings.TrimSpace(s)
	if s == "" {
		NewLogger("ParsePeerID").Warn("Peer ID is not set")
		return id, ErrPeerIDNotSet
	}

	if len(s) != PeerIDSize*2 {
		NewLogger("ParsePeerID").
			WithField("length", len(s)).
			WithField("expected_length", PeerIDSize*2).
			Warn("Peer ID has wrong length")
		return id, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidPeerID, PeerIDSize*2, len(s))
	}

	data, err := hex.DecodeString(s)
	if err != nil {
		NewLogger("ParsePeerID").WithError(err, "decode", "hex").Warn("Peer ID is not valid hex")
		return id, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}

	copy(id[:], data)
	if id.IsZero() {
		NewLogger("ParsePeerID").Warn("Peer ID is not set")
		return id, ErrPeerIDNotSet
	}

	return id, nil
}

// MustParsePeerID is like ParsePeerID but panics on error.
// It is intended for constants in tests and examples.
func MustParsePeerID(s string) PeerID {
	id, err := ParsePeerID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the upper-case hexadecimal form, as printed by gateways.
func (id PeerID) String() string {
	return strings.ToUpper(hex.EncodeToString(id[:]))
}

// Short returns the first eight hex characters, for log fields.
func (id PeerID) Short() string {
	return id.String()[:8]
}

// IsZero reports whether the identity is unset.
func (id PeerID) IsZero() bool {
	return isZeroKey(id)
}
