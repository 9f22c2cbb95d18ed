// Package kms supplies the key material behind proof signatures.
//
// Raw secrets come from the environment, a versioned on-disk keystore, or a
// development fallback. Signing keys are never the raw secret: each is derived
// per purpose with HKDF-SHA256 so one master secret can back several uses.
//
// The development fallback cannot be selected when the environment is
// production; startup must fail instead.
package kms

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/crypto"
)

// ErrNoKeySource is returned in production when neither a signing key nor a
// keystore is configured.
var ErrNoKeySource = errors.New("kms: no signing key source configured for production")

// SigningPurpose is the HKDF info string for proof signing keys.
const SigningPurpose = "agentgov/proof-signing/v1"

// Key is one version of raw master key material.
type Key struct {
	ID       string
	Material []byte
}

// KeyProvider yields master keys, oldest first. The last key is active.
type KeyProvider interface {
	Name() string
	Keys() ([]Key, error)
}

// Options selects and configures a KeyProvider.
type Options struct {
	Production   bool
	SigningKey   string // hex or base64
	KeystorePath string
}

// NewKeyProvider picks the provider for opts: an explicit signing key wins,
// then a keystore file, then (outside production only) the dev fallback.
func NewKeyProvider(opts Options) (KeyProvider, error) {
	switch {
	case opts.SigningKey != "":
		return NewEnvKeyProvider(opts.SigningKey)
	case opts.KeystorePath != "":
		return NewFileKeyProvider(opts.KeystorePath)
	case opts.Production:
		return nil, ErrNoKeySource
	default:
		slog.Default().With("component", "kms").Warn("using development signing key; proofs are not trustworthy")
		return devKeyProvider{}, nil
	}
}

// BuildKeyRing derives a signer per provider key for alg and returns them as a
// KeyRing whose active key is the provider's newest.
func BuildKeyRing(p KeyProvider, alg string) (*crypto.KeyRing, error) {
	keys, err := p.Keys()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("kms: provider %s returned no keys", p.Name())
	}

	ring := crypto.NewKeyRing()
	for _, k := range keys {
		derived, err := Derive(k.Material, SigningPurpose, 32)
		if err != nil {
			return nil, err
		}
		keyID := p.Name() + ":" + k.ID
		switch alg {
		case "", contracts.AlgHMACSHA256:
			s, err := crypto.NewHMACSigner(derived, keyID)
			if err != nil {
				return nil, err
			}
			ring.AddKey(s)
		case contracts.AlgEd25519:
			s, err := crypto.NewEd25519SignerFromSeed(derived, keyID)
			if err != nil {
				return nil, err
			}
			ring.AddKey(s)
		default:
			return nil, fmt.Errorf("kms: unsupported signing algorithm %q", alg)
		}
	}
	return ring, nil
}

// Derive expands master into n bytes bound to purpose.
func Derive(master []byte, purpose string, n int) ([]byte, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("kms: master key too short (%d bytes)", len(master))
	}
	out := make([]byte, n)
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("kms: derive %s: %w", purpose, err)
	}
	return out, nil
}

// EnvKeyProvider serves a single key passed in configuration.
type EnvKeyProvider struct {
	key []byte
}

// NewEnvKeyProvider decodes a hex or base64 secret of at least 32 bytes.
func NewEnvKeyProvider(encoded string) (*EnvKeyProvider, error) {
	key, err := decodeSecret(encoded)
	if err != nil {
		return nil, err
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("kms: signing key must be at least 32 bytes, got %d", len(key))
	}
	return &EnvKeyProvider{key: key}, nil
}

func (p *EnvKeyProvider) Name() string { return "env" }

func (p *EnvKeyProvider) Keys() ([]Key, error) {
	return []Key{{ID: "1", Material: p.key}}, nil
}

func decodeSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, errors.New("kms: signing key is neither hex nor base64")
}

// devSecret is public by construction.
var devSecret = []byte("agentgov-development-only-signing-secret")

// devKeyProvider serves a well-known secret for local development. It is
// only reachable through NewKeyProvider outside production.
type devKeyProvider struct{}

func (devKeyProvider) Name() string { return "dev" }

func (devKeyProvider) Keys() ([]Key, error) {
	return []Key{{ID: "1", Material: devSecret}}, nil
}

// Keystore is the on-disk JSON format for persisted keys.
type Keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64-encoded 32-byte key
}

// FileKeyProvider is a file-backed keystore with versioned keys. Rotating
// adds a new active version; older versions keep verifying existing proofs.
type FileKeyProvider struct {
	mu    sync.RWMutex
	store Keystore
	path  string
	keys  map[int][]byte
}

// NewFileKeyProvider loads or creates a keystore at the given path.
// If the file does not exist, version 1 is generated.
func NewFileKeyProvider(keystorePath string) (*FileKeyProvider, error) {
	p := &FileKeyProvider{
		path: keystorePath,
		keys: make(map[int][]byte),
	}

	if _, err := os.Stat(keystorePath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}
		key, err := newKey()
		if err != nil {
			return nil, err
		}
		p.store = Keystore{
			ActiveVersion: 1,
			Keys:          map[string]string{"1": base64.StdEncoding.EncodeToString(key)},
		}
		p.keys[1] = key
		if err := p.persist(); err != nil {
			return nil, err
		}
		return p, nil
	}

	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &p.store); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}

	for vStr, encoded := range p.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode key v%d: %w", v, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("kms: key v%d invalid length %d (need 32)", v, len(key))
		}
		p.keys[v] = key
	}

	if _, ok := p.keys[p.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("kms: active version %d not in keystore", p.store.ActiveVersion)
	}
	return p, nil
}

func (p *FileKeyProvider) Name() string { return "file" }

// Keys returns every version up to and including the active one, oldest first.
func (p *FileKeyProvider) Keys() ([]Key, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	versions := make([]int, 0, len(p.keys))
	for v := range p.keys {
		if v <= p.store.ActiveVersion {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)

	out := make([]Key, 0, len(versions))
	for _, v := range versions {
		out = append(out, Key{ID: "v" + strconv.Itoa(v), Material: p.keys[v]})
	}
	return out, nil
}

// Rotate generates a new key version and persists the updated keystore.
func (p *FileKeyProvider) Rotate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	newVersion := p.store.ActiveVersion + 1
	key, err := newKey()
	if err != nil {
		return 0, err
	}

	p.store.Keys[strconv.Itoa(newVersion)] = base64.StdEncoding.EncodeToString(key)
	p.store.ActiveVersion = newVersion
	p.keys[newVersion] = key

	if err := p.persist(); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// ActiveVersion returns the current active key version.
func (p *FileKeyProvider) ActiveVersion() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store.ActiveVersion
}

func (p *FileKeyProvider) persist() error {
	data, err := json.MarshalIndent(p.store, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	return nil
}

func newKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("kms: generate key: %w", err)
	}
	return key, nil
}
