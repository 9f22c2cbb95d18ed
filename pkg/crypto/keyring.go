package crypto

import (
	"fmt"
	"sync"
)

// KeyRing holds every key a codec may verify with, so proofs signed before a
// rotation keep verifying. The most recently added key signs.
type KeyRing struct {
	mu      sync.RWMutex
	signers map[string]Signer
	active  string
}

// NewKeyRing creates a KeyRing holding the given signers; the last one is active.
func NewKeyRing(signers ...Signer) *KeyRing {
	k := &KeyRing{signers: make(map[string]Signer)}
	for _, s := range signers {
		k.AddKey(s)
	}
	return k
}

// AddKey adds a signer to the keyring and makes it the active one.
func (k *KeyRing) AddKey(s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.KeyID()] = s
	k.active = s.KeyID()
}

// RevokeKey removes a key from the keyring by ID. Proofs signed with it stop verifying.
func (k *KeyRing) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.signers, keyID)
	if k.active == keyID {
		k.active = ""
	}
}

// Active returns the signing key.
func (k *KeyRing) Active() (Signer, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[k.active]
	if !ok {
		return nil, fmt.Errorf("no active signing key")
	}
	return s, nil
}

// Lookup returns the signer for keyID. An empty keyID resolves to the active key.
func (k *KeyRing) Lookup(keyID string) (Signer, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if keyID == "" {
		keyID = k.active
	}
	s, ok := k.signers[keyID]
	return s, ok
}
