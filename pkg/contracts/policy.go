package contracts

import "time"

// PolicyRule is one workspace promotion rule. Expression is a CEL predicate
// over the draft agent; a false result denies promotion.
type PolicyRule struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Expression string `json:"expression" yaml:"expression"`
	Reason     string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Field      string `json:"field,omitempty" yaml:"field,omitempty"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`
}

// PolicySnapshot is the workspace-scoped policy in force at FetchedAt.
// A new snapshot invalidates every ProofBundle whose PolicyHash differs.
type PolicySnapshot struct {
	WorkspaceID string       `json:"workspace_id"`
	Hash        string       `json:"hash"`
	Rules       []PolicyRule `json:"rules"`
	FetchedAt   time.Time    `json:"fetched_at"`
}

// PolicyDeny is one violated promotion rule. It is a value, not an error,
// so callers can render every violation at once.
type PolicyDeny struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
	Field  string `json:"field,omitempty"`
}
