package contracts

import "time"

// Signature algorithms understood by the proof codec.
const (
	AlgHMACSHA256 = "hmac-sha256"
	AlgEd25519    = "ed25519"
)

// ProofBundle attests that a specific frozen agent spec passed a specific policy.
//
// A bundle is valid for agent A iff SpecHash equals the spec hash of A,
// PolicyHash equals the workspace's current policy hash, Authority is not
// revoked and Signature verifies over the canonical payload.
type ProofBundle struct {
	AgentID    int64     `json:"agent_id"`
	PolicyHash string    `json:"policy_hash"`
	SpecHash   string    `json:"spec_hash"`
	Authority  string    `json:"authority"`
	Algorithm  string    `json:"algorithm"`
	KeyID      string    `json:"key_id,omitempty"`
	Signature  string    `json:"signature"`
	SignedAt   time.Time `json:"signed_at"`
}

// ProofPayload is the signed portion of a ProofBundle.
type ProofPayload struct {
	Authority  string `json:"authority"`
	PolicyHash string `json:"policyHash"`
	SignedAt   string `json:"signedAt"`
	SpecHash   string `json:"specHash"`
}

// Payload returns the signed fields of the bundle in their wire form.
func (b *ProofBundle) Payload() ProofPayload {
	return ProofPayload{
		Authority:  b.Authority,
		PolicyHash: b.PolicyHash,
		SignedAt:   b.SignedAt.UTC().Format(time.RFC3339Nano),
		SpecHash:   b.SpecHash,
	}
}
