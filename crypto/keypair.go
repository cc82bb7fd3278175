package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair is a Curve25519 key pair used to authenticate to a gateway.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		NewLogger("GenerateKeyPair").WithError(err, "rng", "generate").Error("Key generation failed")
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey rebuilds a key pair from an existing private key by deriving
// the matching public key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// ParseSecretKey decodes a hex-encoded private key and derives its key pair.
func ParseSecretKey(s string) (*KeyPair, error) {
	data, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	defer ZeroBytes(data)

	if len(data) != 32 {
		return nil, fmt.Errorf("invalid secret key: expected 32 bytes, got %d", len(data))
	}

	var secret [32]byte
	copy(secret[:], data)
	defer ZeroBytes(secret[:])

	return FromSecretKey(secret)
}

// ID returns the public half of the key pair as a PeerID.
func (kp *KeyPair) ID() PeerID {
	return PeerID(kp.Public)
}

func isZeroKey(key [32]byte) bool {
	var acc byte
	for _, b := range key {
		acc |= b
	}
	return acc == 0
}
