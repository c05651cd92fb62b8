// Package crypto provides the agent key pair used to sign payload transactions,
// and the hashing helpers behind agent addresses and the application hash.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"
)

// KeyPair represents an ECDSA key pair.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey // ECDSA P-256 개인키
	PublicKey  *ecdsa.PublicKey  // 공개키
}

// Signature represents a digital signature.
type Signature struct {
	R *big.Int
	S *big.Int
}

// GenerateKeyPair generates a new ECDSA key pair using P-256 curve.
func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	return &KeyPair{
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
	}, nil
}

// KeyPairFromHex restores a key pair from a hex encoded private scalar.
func KeyPairFromHex(s string) (*KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() <= 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("private key out of range")
	}

	priv := &ecdsa.PrivateKey{D: d}
	priv.PublicKey.Curve = curve
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(raw)

	return &KeyPair{PrivateKey: priv, PublicKey: &priv.PublicKey}, nil
}

// PrivateKeyHex returns the private scalar as 32 byte hex.
func (kp *KeyPair) PrivateKeyHex() string {
	buf := make([]byte, 32)
	kp.PrivateKey.D.FillBytes(buf)
	return hex.EncodeToString(buf)
}

// Sign signs a message using the private key.
func (kp *KeyPair) Sign(message []byte) (*Signature, error) {
	hash := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, kp.PrivateKey, hash[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return &Signature{R: r, S: s}, nil
}

// Verify verifies a signature against a message and public key.
func Verify(publicKey *ecdsa.PublicKey, message []byte, sig *Signature) bool {
	hash := sha256.Sum256(message)
	return ecdsa.Verify(publicKey, hash[:], sig.R, sig.S)
}

// PublicKeyBytes returns the public key as bytes.
func (kp *KeyPair) PublicKeyBytes() []byte {
	return elliptic.Marshal(kp.PublicKey.Curve, kp.PublicKey.X, kp.PublicKey.Y)
}

// PublicKeyFromBytes reconstructs a public key from bytes.
func PublicKeyFromBytes(data []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), data)
	if x == nil {
		return nil, fmt.Errorf("invalid public key bytes")
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     x,
		Y:     y,
	}, nil
}

// Bytes returns the signature as 64 bytes (r || s).
func (s *Signature) Bytes() []byte {
	signature := make([]byte, 64)
	s.R.FillBytes(signature[:32])
	s.S.FillBytes(signature[32:])
	return signature
}

// SignatureFromBytes reconstructs a signature from bytes.
func SignatureFromBytes(data []byte) (*Signature, error) {
	if len(data) != 64 {
		return nil, fmt.Errorf("invalid signature length: expected 64, got %d", len(data))
	}

	r := new(big.Int).SetBytes(data[:32])
	s := new(big.Int).SetBytes(data[32:])

	return &Signature{R: r, S: s}, nil
}

// Hash computes SHA256 hash of data.
func Hash(data []byte) []byte {
	hash := sha256.Sum256(data)
	return hash[:]
}

// MerkleRoot computes the Merkle root of a list of hashes.
func MerkleRoot(hashes [][]byte) []byte {
	if len(hashes) == 0 {
		return Hash(nil)
	}

	if len(hashes) == 1 {
		return hashes[0]
	}

	level := make([][]byte, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		// If odd number, duplicate the last hash
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		nextLevel := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			combined := make([]byte, 0, len(level[i])+len(level[i+1]))
			combined = append(combined, level[i]...)
			combined = append(combined, level[i+1]...)
			nextLevel[i/2] = Hash(combined)
		}
		level = nextLevel
	}

	return level[0]
}

// Address derives an agent address from a public key.
func Address(publicKey []byte) string {
	hash := Hash(publicKey)
	return "0x" + hex.EncodeToString(hash[:20])
}

// Signer interface for signing operations.
type Signer interface {
	Sign(message []byte) ([]byte, error)
	PublicKey() []byte
	Address() string
}

// DefaultSigner implements the Signer interface using ECDSA.
type DefaultSigner struct {
	keyPair *KeyPair
	address string
}

// NewDefaultSigner creates a new DefaultSigner with a generated key pair.
func NewDefaultSigner() (*DefaultSigner, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return NewDefaultSignerFromKeyPair(kp), nil
}

// NewDefaultSignerFromKeyPair creates a DefaultSigner from an existing key pair.
func NewDefaultSignerFromKeyPair(kp *KeyPair) *DefaultSigner {
	return &DefaultSigner{
		keyPair: kp,
		address: Address(kp.PublicKeyBytes()),
	}
}

// LoadSigner reads a hex private key file written by SaveKeyFile.
func LoadSigner(path string) (*DefaultSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	kp, err := KeyPairFromHex(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to load key file %s: %w", path, err)
	}
	return NewDefaultSignerFromKeyPair(kp), nil
}

// SaveKeyFile writes the private key as hex, readable only by the owner.
func SaveKeyFile(path string, kp *KeyPair) error {
	if err := os.WriteFile(path, []byte(kp.PrivateKeyHex()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write key file %s: %w", path, err)
	}
	return nil
}

// Sign signs a message.
func (s *DefaultSigner) Sign(message []byte) ([]byte, error) {
	sig, err := s.keyPair.Sign(message)
	if err != nil {
		return nil, err
	}
	return sig.Bytes(), nil
}

// PublicKey returns the public key bytes.
func (s *DefaultSigner) PublicKey() []byte {
	return s.keyPair.PublicKeyBytes()
}

// Address returns the signer's address.
func (s *DefaultSigner) Address() string {
	return s.address
}

// KeyPair exposes the underlying key pair.
func (s *DefaultSigner) KeyPair() *KeyPair {
	return s.keyPair
}

// VerifyWithPublicKey verifies a signature with a public key bytes.
func VerifyWithPublicKey(publicKeyBytes, message, signatureBytes []byte) (bool, error) {
	publicKey, err := PublicKeyFromBytes(publicKeyBytes)
	if err != nil {
		return false, err
	}

	sig, err := SignatureFromBytes(signatureBytes)
	if err != nil {
		return false, err
	}

	return Verify(publicKey, message, sig), nil
}
