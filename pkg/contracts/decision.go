package contracts

import "time"

// Admission denial codes. Every deny carries at least one of these.
const (
	CodeSandboxExpired          = "SANDBOX_EXPIRED"
	CodeContainmentViolation    = "CONTAINMENT_VIOLATION"
	CodeProofMissing            = "PROOF_MISSING"
	CodeSpecHashMismatch        = "SPEC_HASH_MISMATCH"
	CodePolicyHashMismatch      = "POLICY_HASH_MISMATCH"
	CodeSignerRevoked           = "SIGNER_REVOKED"
	CodeSignatureInvalid        = "SIGNATURE_INVALID"
	CodeInterceptorError        = "INTERCEPTOR_ERROR"
	CodeInvalidMode             = "INVALID_MODE"
	CodeGovernanceStatusInvalid = "GOVERNANCE_STATUS_INVALID"
)

// Decision is the outcome of an admission interceptor or a whole chain.
type Decision struct {
	Allow      bool     `json:"allow"`
	Deny       bool     `json:"deny"`
	Reasons    []string `json:"reasons"`
	ErrorCodes []string `json:"error_codes"`
}

// Allowed returns an allow decision.
func Allowed() Decision {
	return Decision{Allow: true, Reasons: []string{}, ErrorCodes: []string{}}
}

// Denied returns a deny decision with one code and one or more reasons.
func Denied(code string, reasons ...string) Decision {
	if len(reasons) == 0 {
		reasons = []string{code}
	}
	return Decision{Deny: true, Reasons: reasons, ErrorCodes: []string{code}}
}

// AdmissionContext is the input to every admission interceptor.
type AdmissionContext struct {
	Agent       *Agent
	Proof       *ProofBundle
	WorkspaceID string
	PolicyHash  string
	Timestamp   time.Time
}
