// Package crypto computes and verifies the proofs that bind a governed agent's
// frozen spec to the policy it was evaluated against.
package crypto

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/agentgov/pkg/canonicalize"
	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// specFields are the promotable fields of an agent. Nothing else feeds the
// spec hash, so governance bookkeeping never changes it.
type specFields struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	RoleClass    string          `json:"roleClass"`
	SystemPrompt string          `json:"systemPrompt"`
	Anatomy      json.RawMessage `json:"anatomy"`
	ModelID      string          `json:"modelId"`
	Temperature  *float64        `json:"temperature"`
}

type ruleFields struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Reason     string `json:"reason"`
	Field      string `json:"field"`
}

// Codec hashes specs and policies and signs proof payloads.
type Codec struct {
	keys *KeyRing
	now  func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithClock overrides the signing clock.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) { c.now = now }
}

// NewCodec creates a codec that signs with the active key of keys.
func NewCodec(keys *KeyRing, opts ...CodecOption) *Codec {
	c := &Codec{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ComputeSpecHash returns the canonical hash of the agent's promotable fields.
func (c *Codec) ComputeSpecHash(agent *contracts.Agent) (string, error) {
	if agent == nil {
		return "", fmt.Errorf("crypto: spec hash: nil agent")
	}
	fields := specFields{
		Name:         agent.Name,
		Version:      agent.Version,
		RoleClass:    agent.RoleClass,
		SystemPrompt: agent.SystemPrompt,
		ModelID:      agent.ModelID,
		Temperature:  agent.Temperature,
	}
	if !agent.Anatomy.IsZero() {
		fields.Anatomy = json.RawMessage(agent.Anatomy)
	}
	h, err := canonicalize.CanonicalHash(fields)
	if err != nil {
		return "", fmt.Errorf("crypto: spec hash: %w", err)
	}
	return h, nil
}

// ComputePolicyHash returns the canonical hash of the enabled rules, ordered by ID.
func ComputePolicyHash(rules []contracts.PolicyRule) (string, error) {
	enabled := make([]ruleFields, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		enabled = append(enabled, ruleFields{
			ID:         r.ID,
			Name:       r.Name,
			Expression: r.Expression,
			Reason:     r.Reason,
			Field:      r.Field,
		})
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })

	h, err := canonicalize.CanonicalHash(enabled)
	if err != nil {
		return "", fmt.Errorf("crypto: policy hash: %w", err)
	}
	return h, nil
}

// ComputePolicyHash is a convenience wrapper around the package function.
func (c *Codec) ComputePolicyHash(rules []contracts.PolicyRule) (string, error) {
	return ComputePolicyHash(rules)
}

// Sign builds a proof over {authority, policyHash, signedAt, specHash} with the active key.
func (c *Codec) Sign(specHash, policyHash, authority string) (*contracts.ProofBundle, error) {
	signer, err := c.keys.Active()
	if err != nil {
		return nil, fmt.Errorf("crypto: sign: %w", err)
	}

	// Millisecond precision survives every storage round trip.
	bundle := &contracts.ProofBundle{
		PolicyHash: policyHash,
		SpecHash:   specHash,
		Authority:  authority,
		Algorithm:  signer.Algorithm(),
		KeyID:      signer.KeyID(),
		SignedAt:   c.now().UTC().Truncate(time.Millisecond),
	}

	payload, err := canonicalize.JCS(bundle.Payload())
	if err != nil {
		return nil, fmt.Errorf("crypto: sign: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("crypto: sign: %w", err)
	}
	bundle.Signature = sig
	return bundle, nil
}

// Verify reports whether the bundle's signature covers its declared fields.
// It returns false on any malformed input.
func (c *Codec) Verify(bundle *contracts.ProofBundle) bool {
	if bundle == nil || bundle.Signature == "" || bundle.SignedAt.IsZero() {
		return false
	}
	signer, ok := c.keys.Lookup(bundle.KeyID)
	if !ok {
		return false
	}
	if bundle.Algorithm != "" && bundle.Algorithm != signer.Algorithm() {
		return false
	}
	payload, err := canonicalize.JCS(bundle.Payload())
	if err != nil {
		return false
	}
	return signer.Verify(payload, bundle.Signature)
}
