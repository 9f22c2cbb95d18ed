// Package store is the persistence collaborator of the governance core:
// agents, their append-only proof bundles, governance audit events and the
// authority revocation list.
//
// Two implementations are provided. MemoryStore serves tests and single-node
// development. SQLStore runs on database/sql with a sqlite (modernc) or
// postgres (lib/pq) dialect.
//
// Infrastructure failures (driver errors, deadlines) are returned as
// *contracts.RetryableError so callers can tell them apart from governance
// outcomes such as contracts.ErrNotFound.
package store

import (
	"context"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// AgentStore reads and writes agent records. Agents are never deleted.
type AgentStore interface {
	// CreateAgent inserts agent, assigning ID and timestamps. The stored
	// copy is returned.
	CreateAgent(ctx context.Context, agent *contracts.Agent) (*contracts.Agent, error)
	// GetAgent returns contracts.ErrNotFound when id is unknown.
	GetAgent(ctx context.Context, id int64) (*contracts.Agent, error)
	// UpdateAgent overwrites the spec fields of an existing agent. Governance
	// fields (mode, status, digest, constraints, expiry) are not touched.
	UpdateAgent(ctx context.Context, agent *contracts.Agent) error
	// UpdateAnatomy replaces the anatomy of a sandbox agent. It fails with
	// contracts.ErrInvalidMode if the agent is no longer in sandbox mode.
	UpdateAnatomy(ctx context.Context, id int64, anatomy contracts.Anatomy) (*contracts.Agent, error)
	// ListGovernedAgents returns every agent with mode governed, ordered by ID.
	ListGovernedAgents(ctx context.Context) ([]*contracts.Agent, error)
}

// ProofStore reads the append-only proofs collection.
type ProofStore interface {
	// LatestProof returns the most recent proof for agentID, or
	// contracts.ErrNotFound.
	LatestProof(ctx context.Context, agentID int64) (*contracts.ProofBundle, error)
	ListProofs(ctx context.Context, agentID int64) ([]*contracts.ProofBundle, error)
}

// AuditStore is the durable side of the governance audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, event *contracts.AuditEvent) error
	// RecentAudit returns up to limit events, newest first.
	RecentAudit(ctx context.Context, limit int) ([]*contracts.AuditEvent, error)
	// AuditByAgent returns an agent's events in sequence order.
	AuditByAgent(ctx context.Context, agentID int64) ([]*contracts.AuditEvent, error)
	// LastAudit returns the highest-sequence event, or nil when empty.
	LastAudit(ctx context.Context) (*contracts.AuditEvent, error)
}

// RevocationStore persists revoked signing authorities.
type RevocationStore interface {
	IsRevoked(ctx context.Context, authority string) (bool, error)
	RevokeAuthority(ctx context.Context, authority, reason string) error
	ReinstateAuthority(ctx context.Context, authority string) error
}

// Store is the full persistence contract.
type Store interface {
	AgentStore
	ProofStore
	AuditStore
	RevocationStore

	// CommitPromotion atomically freezes the agent's spec, marks it governed
	// and valid under agent.PolicyDigest, and appends proof. agent.UpdatedAt
	// must be the value loaded with the agent. It fails with
	// contracts.ErrConflict if the agent left sandbox mode or was written
	// after that load, and contracts.ErrNotFound if it does not exist.
	CommitPromotion(ctx context.Context, agent *contracts.Agent, proof *contracts.ProofBundle) error

	// TransitionStatus moves a governed agent from one status to another
	// only if its current status is still from. It reports whether the
	// transition happened.
	TransitionStatus(ctx context.Context, id int64, from, to contracts.GovernanceStatus) (bool, error)

	Close() error
}
