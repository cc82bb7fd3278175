package crypto

import "testing"

func TestSecureMemoryWipeKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}
	public := kp.Public

	if err := WipeKeyPair(kp); err != nil {
		t.Fatalf("WipeKeyPair failed: %v", err)
	}

	if !isZeroKey(kp.Private) {
		t.Error("private key was not wiped")
	}
	if kp.Public != public {
		t.Error("public key must survive a wipe")
	}

	if err := WipeKeyPair(nil); err == nil {
		t.Error("expected error wiping nil KeyPair")
	}
}

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	ZeroBytes(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d not zeroed: %d", i, b)
		}
	}

	ZeroBytes(nil)
}
