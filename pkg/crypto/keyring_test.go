package crypto

import (
	"testing"
)

func TestKeyRing_LastAddedSigns(t *testing.T) {
	k1, _ := NewEd25519Signer("key1")
	k2, _ := NewEd25519Signer("key2")
	kr := NewKeyRing(k1, k2)

	active, err := kr.Active()
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active.KeyID() != "key2" {
		t.Errorf("Expected key2 active, got %s", active.KeyID())
	}

	if s, ok := kr.Lookup("key1"); !ok || s.KeyID() != "key1" {
		t.Error("key1 should remain available for verification")
	}
	if s, ok := kr.Lookup(""); !ok || s.KeyID() != "key2" {
		t.Error("empty key id should resolve to the active key")
	}
}

func TestKeyRing_RevokeKey(t *testing.T) {
	k1, _ := NewEd25519Signer("key1")
	kr := NewKeyRing(k1)

	kr.RevokeKey("key1")

	if _, ok := kr.Lookup("key1"); ok {
		t.Error("revoked key still resolvable")
	}
	if _, err := kr.Active(); err == nil {
		t.Error("expected no active key after revoking it")
	}
}
