package crypto

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	signer, err := NewDefaultSigner()
	if err != nil {
		t.Fatalf("NewDefaultSigner failed: %v", err)
	}

	msg := []byte("payload")
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	ok, err := VerifyWithPublicKey(signer.PublicKey(), msg, sig)
	if err != nil || !ok {
		t.Fatalf("expected valid signature, got ok=%v err=%v", ok, err)
	}

	ok, _ = VerifyWithPublicKey(signer.PublicKey(), []byte("other"), sig)
	if ok {
		t.Error("signature must not verify a different message")
	}
}

func TestAddress(t *testing.T) {
	signer, _ := NewDefaultSigner()
	addr := signer.Address()

	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		t.Errorf("unexpected address format %q", addr)
	}
	if Address(signer.PublicKey()) != addr {
		t.Error("address must be derived from the public key")
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	signer, _ := NewDefaultSigner()
	path := filepath.Join(t.TempDir(), "agent.key")

	if err := SaveKeyFile(path, signer.KeyPair()); err != nil {
		t.Fatalf("SaveKeyFile failed: %v", err)
	}
	loaded, err := LoadSigner(path)
	if err != nil {
		t.Fatalf("LoadSigner failed: %v", err)
	}
	if loaded.Address() != signer.Address() {
		t.Errorf("expected %s, got %s", signer.Address(), loaded.Address())
	}
	if !bytes.Equal(loaded.PublicKey(), signer.PublicKey()) {
		t.Error("public keys differ after reload")
	}
}

func TestMerkleRoot(t *testing.T) {
	a, b, c := Hash([]byte("a")), Hash([]byte("b")), Hash([]byte("c"))

	if !bytes.Equal(MerkleRoot([][]byte{a}), a) {
		t.Error("single leaf must be its own root")
	}

	leaves := [][]byte{a, b, c}
	root1 := MerkleRoot(leaves)
	root2 := MerkleRoot(leaves)
	if !bytes.Equal(root1, root2) {
		t.Error("merkle root must be deterministic")
	}
	if !bytes.Equal(leaves[0], a) {
		t.Error("MerkleRoot must not modify its input")
	}
	if bytes.Equal(MerkleRoot([][]byte{b, a, c}), root1) {
		t.Error("leaf order must matter")
	}
}
