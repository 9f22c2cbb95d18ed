package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// MemoryStore is an in-process Store. Every read and write copies, so
// callers never alias stored state.
type MemoryStore struct {
	mu          sync.RWMutex
	nextID      int64
	agents      map[int64]*contracts.Agent
	proofs      map[int64][]*contracts.ProofBundle
	audit       []*contracts.AuditEvent
	revocations map[string]string
	now         func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[int64]*contracts.Agent),
		proofs:      make(map[int64][]*contracts.ProofBundle),
		revocations: make(map[string]string),
		now:         time.Now,
	}
}

func (s *MemoryStore) CreateAgent(ctx context.Context, agent *contracts.Agent) (*contracts.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Retryable("store: create agent", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	stored := agent.Clone()
	stored.ID = s.nextID
	now := s.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.agents[stored.ID] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id int64) (*contracts.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Retryable("store: get agent", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("store: agent %d: %w", id, contracts.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) UpdateAgent(ctx context.Context, agent *contracts.Agent) error {
	if err := ctx.Err(); err != nil {
		return contracts.Retryable("store: update agent", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.agents[agent.ID]
	if !ok {
		return fmt.Errorf("store: agent %d: %w", agent.ID, contracts.ErrNotFound)
	}
	next := cur.Clone()
	copySpec(next, agent)
	next.UpdatedAt = s.touch(cur.UpdatedAt)
	s.agents[agent.ID] = next
	return nil
}

func (s *MemoryStore) UpdateAnatomy(ctx context.Context, id int64, anatomy contracts.Anatomy) (*contracts.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Retryable("store: update anatomy", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("store: agent %d: %w", id, contracts.ErrNotFound)
	}
	if cur.Mode != contracts.ModeSandbox {
		return nil, fmt.Errorf("store: agent %d: %w", id, contracts.ErrInvalidMode)
	}
	next := cur.Clone()
	next.Anatomy = append(contracts.Anatomy(nil), anatomy...)
	next.UpdatedAt = s.touch(cur.UpdatedAt)
	s.agents[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListGovernedAgents(ctx context.Context) ([]*contracts.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Retryable("store: list governed", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*contracts.Agent, 0)
	for _, a := range s.agents {
		if a.Mode == contracts.ModeGoverned {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CommitPromotion(ctx context.Context, agent *contracts.Agent, proof *contracts.ProofBundle) error {
	if err := ctx.Err(); err != nil {
		return contracts.Retryable("store: commit promotion", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.agents[agent.ID]
	if !ok {
		return fmt.Errorf("store: agent %d: %w", agent.ID, contracts.ErrNotFound)
	}
	if cur.Mode != contracts.ModeSandbox {
		return fmt.Errorf("store: promote agent %d: %w", agent.ID, contracts.ErrConflict)
	}
	if !cur.UpdatedAt.Equal(agent.UpdatedAt) {
		return fmt.Errorf("store: promote agent %d: changed since it was loaded: %w", agent.ID, contracts.ErrConflict)
	}

	next := cur.Clone()
	copySpec(next, agent)
	next.Mode = contracts.ModeGoverned
	next.GovernanceStatus = contracts.StatusGovernedValid
	next.PolicyDigest = agent.PolicyDigest
	next.ExpiresAt = nil
	next.UpdatedAt = s.touch(cur.UpdatedAt)

	p := *proof
	p.AgentID = agent.ID
	s.agents[agent.ID] = next
	s.proofs[agent.ID] = append(s.proofs[agent.ID], &p)
	return nil
}

func (s *MemoryStore) TransitionStatus(ctx context.Context, id int64, from, to contracts.GovernanceStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, contracts.Retryable("store: transition status", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.agents[id]
	if !ok || cur.Mode != contracts.ModeGoverned || cur.GovernanceStatus != from {
		return false, nil
	}
	next := cur.Clone()
	next.GovernanceStatus = to
	next.UpdatedAt = s.touch(cur.UpdatedAt)
	s.agents[id] = next
	return true, nil
}

func (s *MemoryStore) LatestProof(ctx context.Context, agentID int64) (*contracts.ProofBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Retryable("store: latest proof", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps := s.proofs[agentID]
	if len(ps) == 0 {
		return nil, fmt.Errorf("store: proof for agent %d: %w", agentID, contracts.ErrNotFound)
	}
	p := *ps[len(ps)-1]
	return &p, nil
}

func (s *MemoryStore) ListProofs(ctx context.Context, agentID int64) ([]*contracts.ProofBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Retryable("store: list proofs", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*contracts.ProofBundle, 0, len(s.proofs[agentID]))
	for _, p := range s.proofs[agentID] {
		c := *p
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, event *contracts.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return contracts.Retryable("store: append audit", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, cloneEvent(event))
	return nil
}

func (s *MemoryStore) RecentAudit(ctx context.Context, limit int) ([]*contracts.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Retryable("store: recent audit", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*contracts.AuditEvent, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneEvent(s.audit[i]))
	}
	return out, nil
}

func (s *MemoryStore) AuditByAgent(ctx context.Context, agentID int64) ([]*contracts.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Retryable("store: audit by agent", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*contracts.AuditEvent, 0)
	for _, e := range s.audit {
		if e.AgentID != nil && *e.AgentID == agentID {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

func (s *MemoryStore) LastAudit(ctx context.Context) (*contracts.AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Retryable("store: last audit", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last *contracts.AuditEvent
	for _, e := range s.audit {
		if last == nil || e.Sequence > last.Sequence {
			last = e
		}
	}
	if last == nil {
		return nil, nil
	}
	return cloneEvent(last), nil
}

func (s *MemoryStore) IsRevoked(ctx context.Context, authority string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, contracts.Retryable("store: is revoked", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revocations[authority]
	return ok, nil
}

func (s *MemoryStore) RevokeAuthority(ctx context.Context, authority, reason string) error {
	if err := ctx.Err(); err != nil {
		return contracts.Retryable("store: revoke", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revocations[authority] = reason
	return nil
}

func (s *MemoryStore) ReinstateAuthority(ctx context.Context, authority string) error {
	if err := ctx.Err(); err != nil {
		return contracts.Retryable("store: reinstate", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.revocations, authority)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// copySpec copies the promotable spec fields (and description) from src to dst.
// touch returns the next UpdatedAt for a row last written at prev. It never
// repeats prev, so UpdatedAt works as a version for CommitPromotion.
func (s *MemoryStore) touch(prev time.Time) time.Time {
	now := s.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func copySpec(dst, src *contracts.Agent) {
	c := src.Clone()
	dst.Name = c.Name
	dst.Version = c.Version
	dst.Description = c.Description
	dst.RoleClass = c.RoleClass
	dst.SystemPrompt = c.SystemPrompt
	dst.ModelID = c.ModelID
	dst.Temperature = c.Temperature
	dst.Anatomy = c.Anatomy
}

func cloneEvent(e *contracts.AuditEvent) *contracts.AuditEvent {
	c := *e
	if e.AgentID != nil {
		c.AgentID = contracts.AgentRef(*e.AgentID)
	}
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
