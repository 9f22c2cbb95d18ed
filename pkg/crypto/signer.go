package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// Signer produces and checks signatures over proof payloads.
// Signatures are lowercase hex.
type Signer interface {
	Algorithm() string
	KeyID() string
	Sign(data []byte) (string, error)
	Verify(data []byte, signature string) bool
}

// HMACSigner signs with HMAC-SHA256 under a shared secret.
type HMACSigner struct {
	key   []byte
	keyID string
}

// NewHMACSigner returns an HMAC-SHA256 signer. Keys shorter than 32 bytes are rejected.
func NewHMACSigner(key []byte, keyID string) (*HMACSigner, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("crypto: hmac key must be at least 32 bytes, got %d", len(key))
	}
	return &HMACSigner{key: append([]byte(nil), key...), keyID: keyID}, nil
}

func (s *HMACSigner) Algorithm() string { return contracts.AlgHMACSHA256 }

func (s *HMACSigner) KeyID() string { return s.keyID }

func (s *HMACSigner) Sign(data []byte) (string, error) {
	return hex.EncodeToString(s.mac(data)), nil
}

// Verify recomputes the MAC and compares the hex forms in constant time.
func (s *HMACSigner) Verify(data []byte, signature string) bool {
	expected := hex.EncodeToString(s.mac(data))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (s *HMACSigner) mac(data []byte) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write(data)
	return m.Sum(nil)
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		keyID:   keyID,
	}, nil
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte, keyID string) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crypto: ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}, nil
}

func (s *Ed25519Signer) Algorithm() string { return contracts.AlgEd25519 }

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) Verify(data []byte, signature string) bool {
	sig, err := decodeCanonicalHex(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(s.pubKey, data, sig)
}

// decodeCanonicalHex only accepts the exact lowercase encoding Sign emits, so
// two different strings never verify as the same signature.
func decodeCanonicalHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if hex.EncodeToString(b) != s {
		return nil, errors.New("non-canonical hex")
	}
	return b, nil
}
