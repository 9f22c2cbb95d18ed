package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/crypto"
	"github.com/Mindburn-Labs/agentgov/pkg/sandbox"
	"github.com/Mindburn-Labs/agentgov/pkg/store"
)

// Built-in interceptor names, in default execution order.
const (
	NameMode             = "mode"
	NameSandboxExpiry    = "sandbox_expiry"
	NameContainment      = "containment"
	NameProofPresence    = "proof_presence"
	NameSignerRevocation = "signer_revocation"
	NameSignature        = "signature"
	NameSpecHash         = "spec_hash"
	NamePolicyHash       = "policy_hash"
	NameGovernanceStatus = "governance_status"
)

// DefaultOrder is the built-in chain.
var DefaultOrder = []string{
	NameMode,
	NameSandboxExpiry,
	NameContainment,
	NameProofPresence,
	NameSignerRevocation,
	NameSignature,
	NameSpecHash,
	NamePolicyHash,
	NameGovernanceStatus,
}

var errNoAgent = errors.New("admission context has no agent")

func agentOf(ac *contracts.AdmissionContext) (*contracts.Agent, error) {
	if ac == nil || ac.Agent == nil {
		return nil, errNoAgent
	}
	return ac.Agent, nil
}

// modeInterceptor denies agents whose mode is neither sandbox nor governed.
type modeInterceptor struct{}

func (modeInterceptor) Name() string { return NameMode }

func (modeInterceptor) Intercept(_ context.Context, ac *contracts.AdmissionContext) (contracts.Decision, error) {
	agent, err := agentOf(ac)
	if err != nil {
		return contracts.Decision{}, err
	}
	switch agent.Mode {
	case contracts.ModeSandbox, contracts.ModeGoverned:
		return contracts.Allowed(), nil
	default:
		return contracts.Denied(contracts.CodeInvalidMode, fmt.Sprintf("unknown mode %q", agent.Mode)), nil
	}
}

type sandboxExpiryInterceptor struct{}

func (sandboxExpiryInterceptor) Name() string { return NameSandboxExpiry }

func (sandboxExpiryInterceptor) Intercept(_ context.Context, ac *contracts.AdmissionContext) (contracts.Decision, error) {
	agent, err := agentOf(ac)
	if err != nil {
		return contracts.Decision{}, err
	}
	if agent.Mode == contracts.ModeSandbox && sandbox.IsExpired(agent, ac.Timestamp) {
		return contracts.Denied(contracts.CodeSandboxExpired,
			fmt.Sprintf("sandbox expired at %s", agent.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"))), nil
	}
	return contracts.Allowed(), nil
}

type containmentInterceptor struct{}

func (containmentInterceptor) Name() string { return NameContainment }

func (containmentInterceptor) Intercept(_ context.Context, ac *contracts.AdmissionContext) (contracts.Decision, error) {
	agent, err := agentOf(ac)
	if err != nil {
		return contracts.Decision{}, err
	}
	if agent.Mode != contracts.ModeSandbox {
		return contracts.Allowed(), nil
	}
	violations := agent.SandboxConstraints.Violations()
	if len(violations) == 0 {
		return contracts.Allowed(), nil
	}
	reasons := make([]string, len(violations))
	for i, v := range violations {
		reasons[i] = v + " must be false in sandbox mode"
	}
	return contracts.Denied(contracts.CodeContainmentViolation, reasons...), nil
}

// proofPresenceInterceptor loads the latest proof of a governed agent into
// the context when the caller did not supply one.
type proofPresenceInterceptor struct {
	proofs store.ProofStore
}

func (proofPresenceInterceptor) Name() string { return NameProofPresence }

func (p proofPresenceInterceptor) Intercept(ctx context.Context, ac *contracts.AdmissionContext) (contracts.Decision, error) {
	agent, err := agentOf(ac)
	if err != nil {
		return contracts.Decision{}, err
	}
	if agent.Mode != contracts.ModeGoverned || ac.Proof != nil {
		return contracts.Allowed(), nil
	}
	if p.proofs == nil {
		return contracts.Denied(contracts.CodeProofMissing, "no proof bundle attached"), nil
	}
	proof, err := p.proofs.LatestProof(ctx, agent.ID)
	if errors.Is(err, contracts.ErrNotFound) {
		return contracts.Denied(contracts.CodeProofMissing, fmt.Sprintf("agent %d has no proof bundle", agent.ID)), nil
	}
	if err != nil {
		return contracts.Decision{}, fmt.Errorf("load proof: %w", err)
	}
	ac.Proof = proof
	return contracts.Allowed(), nil
}

// governedProof returns the proof of a governed agent, or nil for sandbox
// agents. A governed agent without a proof is an error here because
// proof_presence must have run first.
func governedProof(ac *contracts.AdmissionContext) (*contracts.ProofBundle, bool, error) {
	agent, err := agentOf(ac)
	if err != nil {
		return nil, false, err
	}
	if agent.Mode != contracts.ModeGoverned {
		return nil, false, nil
	}
	if ac.Proof == nil {
		return nil, true, errors.New("governed agent reached this check without a proof")
	}
	return ac.Proof, true, nil
}

type signerRevocationInterceptor struct {
	revocations crypto.RevocationList
}

func (signerRevocationInterceptor) Name() string { return NameSignerRevocation }

func (s signerRevocationInterceptor) Intercept(ctx context.Context, ac *contracts.AdmissionContext) (contracts.Decision, error) {
	proof, governed, err := governedProof(ac)
	if err != nil || !governed {
		return contracts.Allowed(), err
	}
	revoked, err := s.revocations.IsRevoked(ctx, proof.Authority)
	if err != nil {
		return contracts.Decision{}, fmt.Errorf("revocation lookup: %w", err)
	}
	if revoked {
		return contracts.Denied(contracts.CodeSignerRevoked, fmt.Sprintf("authority %q is revoked", proof.Authority)), nil
	}
	return contracts.Allowed(), nil
}

type signatureInterceptor struct {
	codec *crypto.Codec
}

func (signatureInterceptor) Name() string { return NameSignature }

func (s signatureInterceptor) Intercept(_ context.Context, ac *contracts.AdmissionContext) (contracts.Decision, error) {
	proof, governed, err := governedProof(ac)
	if err != nil || !governed {
		return contracts.Allowed(), err
	}
	if !s.codec.Verify(proof) {
		return contracts.Denied(contracts.CodeSignatureInvalid, "proof signature does not verify"), nil
	}
	return contracts.Allowed(), nil
}

type specHashInterceptor struct {
	codec *crypto.Codec
}

func (specHashInterceptor) Name() string { return NameSpecHash }

func (s specHashInterceptor) Intercept(_ context.Context, ac *contracts.AdmissionContext) (contracts.Decision, error) {
	proof, governed, err := governedProof(ac)
	if err != nil || !governed {
		return contracts.Allowed(), err
	}
	current, err := s.codec.ComputeSpecHash(ac.Agent)
	if err != nil {
		return contracts.Decision{}, err
	}
	if current != proof.SpecHash {
		return contracts.Denied(contracts.CodeSpecHashMismatch, "agent spec changed after the proof was signed"), nil
	}
	return contracts.Allowed(), nil
}

type policyHashInterceptor struct{}

func (policyHashInterceptor) Name() string { return NamePolicyHash }

func (policyHashInterceptor) Intercept(_ context.Context, ac *contracts.AdmissionContext) (contracts.Decision, error) {
	proof, governed, err := governedProof(ac)
	if err != nil || !governed {
		return contracts.Allowed(), err
	}
	if proof.PolicyHash != ac.PolicyHash {
		return contracts.Denied(contracts.CodePolicyHashMismatch,
			fmt.Sprintf("proof signed under policy %s, workspace policy is %s", proof.PolicyHash, ac.PolicyHash)), nil
	}
	return contracts.Allowed(), nil
}

// governanceStatusInterceptor denies governed agents that are not in a
// runnable status, even if the policy was later rolled back. Revalidation
// only invalidates an agent whose digest no longer matched the policy it
// was swept against, so an invalidated agent reports POLICY_HASH_MISMATCH.
type governanceStatusInterceptor struct{}

func (governanceStatusInterceptor) Name() string { return NameGovernanceStatus }

func (governanceStatusInterceptor) Intercept(_ context.Context, ac *contracts.AdmissionContext) (contracts.Decision, error) {
	agent, err := agentOf(ac)
	if err != nil {
		return contracts.Decision{}, err
	}
	if agent.Mode != contracts.ModeGoverned || agent.GovernanceStatus.Runnable() {
		return contracts.Allowed(), nil
	}
	if agent.GovernanceStatus.Invalidated() {
		return contracts.Denied(contracts.CodePolicyHashMismatch,
			fmt.Sprintf("governance status is %s: policy digest %s was revoked by revalidation", agent.GovernanceStatus, agent.PolicyDigest)), nil
	}
	return contracts.Denied(contracts.CodeGovernanceStatusInvalid,
		fmt.Sprintf("governance status is %s", agent.GovernanceStatus)), nil
}
