package crypto

import (
	"errors"
	"runtime"
)

// ZeroBytes overwrites a byte slice holding sensitive data.
func ZeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
	runtime.KeepAlive(data)
}

// WipeKeyPair erases the private half of a key pair.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	ZeroBytes(kp.Private[:])
	return nil
}
