package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"github.com/opd-ai/gridlink/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrOutOfTurn indicates a message was written or read in the wrong order
	ErrOutOfTurn = errors.New("handshake message out of turn")
)

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator starts the handshake (knows peer's static key)
	Initiator HandshakeRole = iota
	// Responder responds to handshake initiation
	Responder
)

// String returns the role name.
func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// CipherSuite is the suite used on every grid connection.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// IKHandshake runs one side of a Noise IK handshake.
type IKHandshake struct {
	role       HandshakeRole
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	written    bool
	complete   bool
}

// NewIKHandshake creates a new IK pattern handshake.
// peerPubKey is required for the initiator and ignored for the responder.
func NewIKHandshake(staticPrivKey [32]byte, peerPubKey *crypto.PeerID, role HandshakeRole) (*IKHandshake, error) {
	if role == Initiator && (peerPubKey == nil || peerPubKey.IsZero()) {
		return nil, errors.New("initiator requires peer public key")
	}

	keyPair, err := crypto.FromSecretKey(staticPrivKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keypair: %w", err)
	}
	defer crypto.WipeKeyPair(keyPair)

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keyPair.Private[:])
	copy(staticKey.Public, keyPair.Public[:])

	config := noise.Config{
		CipherSuite:   CipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}
	if role == Initiator {
		config.PeerStatic = append([]byte(nil), peerPubKey[:]...)
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &IKHandshake{role: role, state: state}, nil
}

// WriteMessage produces the next outgoing handshake message carrying payload.
// The initiator writes first; the responder writes after reading.
func (ik *IKHandshake) WriteMessage(payload []byte) ([]byte, error) {
	if ik.complete {
		return nil, ErrHandshakeComplete
	}
	if ik.written || (ik.role == Responder && ik.state.PeerStatic() == nil) {
		return nil, ErrOutOfTurn
	}

	message, cs1, cs2, err := ik.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("%s write failed: %w", ik.role, err)
	}
	ik.written = true

	// The responder finishes on its write: cs1 carries initiator->responder traffic.
	if cs1 != nil && cs2 != nil {
		ik.sendCipher, ik.recvCipher = cs2, cs1
		ik.complete = true
	}

	return message, nil
}

// ReadMessage consumes an incoming handshake message and returns its payload.
func (ik *IKHandshake) ReadMessage(message []byte) ([]byte, error) {
	if ik.complete {
		return nil, ErrHandshakeComplete
	}
	if ik.role == Initiator && !ik.written {
		return nil, ErrOutOfTurn
	}

	payload, cs1, cs2, err := ik.state.ReadMessage(nil, message)
	if err != nil {
		return nil, fmt.Errorf("%s read failed: %w", ik.role, err)
	}

	// The initiator finishes on its read.
	if cs1 != nil && cs2 != nil {
		ik.sendCipher, ik.recvCipher = cs1, cs2
		ik.complete = true
	}

	return payload, nil
}

// IsComplete returns true if handshake is finished and cipher states are available.
func (ik *IKHandshake) IsComplete() bool {
	return ik.complete
}

// CipherStates returns the send and receive cipher states after a successful handshake.
func (ik *IKHandshake) CipherStates() (send, recv *noise.CipherState, err error) {
	if !ik.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return ik.sendCipher, ik.recvCipher, nil
}

// RemoteStaticKey returns the peer's static public key. The responder learns it
// from the first message; the initiator knows it from the start.
func (ik *IKHandshake) RemoteStaticKey() (crypto.PeerID, error) {
	var id crypto.PeerID
	remote := ik.state.PeerStatic()
	if len(remote) != crypto.PeerIDSize {
		return id, ErrHandshakeNotComplete
	}
	copy(id[:], remote)
	return id, nil
}
