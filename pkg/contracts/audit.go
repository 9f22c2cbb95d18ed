package contracts

import "time"

// Audit event codes.
const (
	EventPromotionSuccess      = "PROMOTION_SUCCESS"
	EventAdmissionDecision     = "ADMISSION_DECISION"
	EventPolicyRevalidation    = "POLICY_REVALIDATION"
	EventGovernanceInvalidated = "GOVERNANCE_INVALIDATED"
	EventAuthorityRevoked      = "AUTHORITY_REVOKED"
	EventAuthorityReinstated   = "AUTHORITY_REINSTATED"
)

// Decision values recorded on audit events.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// AuditEvent is an append-only governance record. Once logged it is never
// mutated or deleted by normal operation.
type AuditEvent struct {
	ID          string         `json:"id"`
	Sequence    uint64         `json:"sequence"`
	Code        string         `json:"code"`
	AgentID     *int64         `json:"agent_id,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	ActorID     string         `json:"actor_id,omitempty"`
	Decision    string         `json:"decision,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	PrevHash    string         `json:"prev_hash,omitempty"`
	Hash        string         `json:"hash,omitempty"`
}

// AgentRef returns a pointer suitable for AuditEvent.AgentID.
func AgentRef(id int64) *int64 {
	return &id
}
