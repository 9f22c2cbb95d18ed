package contracts

import (
	"bytes"
	"encoding/json"
	"time"
)

// Mode is the containment mode of an agent.
type Mode string

// Mode constants.
const (
	ModeSandbox  Mode = "sandbox"
	ModeGoverned Mode = "governed"
)

// GovernanceStatus is the mutable governance state of an agent.
type GovernanceStatus string

// GovernanceStatus constants.
const (
	StatusSandbox             GovernanceStatus = "SANDBOX"
	StatusGovernedValid       GovernanceStatus = "GOVERNED_VALID"
	StatusGovernedRestricted  GovernanceStatus = "GOVERNED_RESTRICTED"
	StatusGovernedInvalidated GovernanceStatus = "GOVERNED_INVALIDATED"
	StatusArchived            GovernanceStatus = "ARCHIVED"
)

// Runnable reports whether the status still permits a governed agent to start.
func (s GovernanceStatus) Runnable() bool {
	return s == StatusGovernedValid || s == StatusGovernedRestricted
}

// Invalidated reports whether the status is terminal for revalidation purposes.
func (s GovernanceStatus) Invalidated() bool {
	return s == StatusGovernedInvalidated || s == StatusArchived
}

// SandboxConstraints bounds what a sandbox agent may do.
// Only meaningful while the agent is in sandbox mode.
type SandboxConstraints struct {
	ExternalCalls    bool    `json:"external_calls"`
	PersistentWrites bool    `json:"persistent_writes"`
	MaxTokens        int     `json:"max_tokens"`
	DailyBudget      float64 `json:"daily_budget"`
}

// Violations lists the containment flags that are switched on.
func (c SandboxConstraints) Violations() []string {
	var out []string
	if c.ExternalCalls {
		out = append(out, "externalCalls")
	}
	if c.PersistentWrites {
		out = append(out, "persistentWrites")
	}
	return out
}

// Anatomy is the opaque agent configuration blob. It is validated against a
// JSON schema for the agent's role class when it enters the system and is
// otherwise carried verbatim.
type Anatomy json.RawMessage

// MarshalJSON implements json.Marshaler.
func (a Anatomy) MarshalJSON() ([]byte, error) {
	if len(a) == 0 {
		return []byte("null"), nil
	}
	return []byte(a), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Anatomy) UnmarshalJSON(data []byte) error {
	*a = append((*a)[:0], data...)
	return nil
}

// IsZero reports whether the anatomy is absent or JSON null.
func (a Anatomy) IsZero() bool {
	trimmed := bytes.TrimSpace(a)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Decode returns the anatomy as a generic JSON value (nil when absent).
func (a Anatomy) Decode() (any, error) {
	if a.IsZero() {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(a))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Agent is the identity and governance state of an autonomous agent.
type Agent struct {
	ID                 int64              `json:"id"`
	WorkspaceID        string             `json:"workspace_id"`
	Name               string             `json:"name"`
	Version            string             `json:"version"`
	Description        string             `json:"description,omitempty"`
	RoleClass          string             `json:"role_class"`
	SystemPrompt       string             `json:"system_prompt"`
	ModelID            string             `json:"model_id,omitempty"`
	Temperature        *float64           `json:"temperature,omitempty"`
	Anatomy            Anatomy            `json:"anatomy,omitempty"`
	Mode               Mode               `json:"mode"`
	GovernanceStatus   GovernanceStatus   `json:"governance_status"`
	SandboxConstraints SandboxConstraints `json:"sandbox_constraints"`
	ExpiresAt          *time.Time         `json:"expires_at,omitempty"`
	PolicyDigest       string             `json:"policy_digest,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.Temperature != nil {
		t := *a.Temperature
		c.Temperature = &t
	}
	if a.ExpiresAt != nil {
		e := *a.ExpiresAt
		c.ExpiresAt = &e
	}
	if a.Anatomy != nil {
		c.Anatomy = append(Anatomy(nil), a.Anatomy...)
	}
	return &c
}
