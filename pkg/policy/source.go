// Package policy supplies workspace policy snapshots and evaluates the
// promotion rule set against a frozen agent spec.
//
// A snapshot's Hash identifies the active policy of a workspace. Every proof
// bundle records the hash it was signed under; a new hash invalidates every
// bundle that differs.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/crypto"
)

// Source supplies the current policy snapshot for a workspace.
type Source interface {
	FetchSnapshot(ctx context.Context, workspaceID string) (*contracts.PolicySnapshot, error)
}

// CurrentHash returns a lookup of the hash src currently serves for a
// workspace.
func CurrentHash(src Source) func(ctx context.Context, workspaceID string) (string, error) {
	return func(ctx context.Context, workspaceID string) (string, error) {
		snap, err := src.FetchSnapshot(ctx, workspaceID)
		if err != nil {
			return "", err
		}
		return snap.Hash, nil
	}
}

// NewSnapshot builds a snapshot for rules with its canonical hash.
func NewSnapshot(workspaceID string, rules []contracts.PolicyRule, fetchedAt time.Time) (*contracts.PolicySnapshot, error) {
	hash, err := crypto.ComputePolicyHash(rules)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return &contracts.PolicySnapshot{
		WorkspaceID: workspaceID,
		Hash:        hash,
		Rules:       append([]contracts.PolicyRule(nil), rules...),
		FetchedAt:   fetchedAt,
	}, nil
}

// StaticSource holds snapshots in memory. Workspaces without their own rule
// set get the default one.
type StaticSource struct {
	mu        sync.RWMutex
	snapshots map[string]*contracts.PolicySnapshot
	fallback  *contracts.PolicySnapshot
	now       func() time.Time
}

// NewStaticSource returns a source whose default rule set is rules.
func NewStaticSource(rules ...contracts.PolicyRule) (*StaticSource, error) {
	s := &StaticSource{snapshots: make(map[string]*contracts.PolicySnapshot), now: time.Now}
	if _, err := s.SetDefault(rules); err != nil {
		return nil, err
	}
	return s, nil
}

// Set replaces the rule set of workspaceID and returns the new snapshot.
func (s *StaticSource) Set(workspaceID string, rules []contracts.PolicyRule) (*contracts.PolicySnapshot, error) {
	snap, err := NewSnapshot(workspaceID, rules, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[workspaceID] = snap
	return cloneSnapshot(snap), nil
}

// SetDefault replaces the rule set used by workspaces without their own.
func (s *StaticSource) SetDefault(rules []contracts.PolicyRule) (*contracts.PolicySnapshot, error) {
	snap, err := NewSnapshot("", rules, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = snap
	return cloneSnapshot(snap), nil
}

func (s *StaticSource) FetchSnapshot(ctx context.Context, workspaceID string) (*contracts.PolicySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, contracts.Retryable("policy: fetch snapshot", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if snap, ok := s.snapshots[workspaceID]; ok {
		return cloneSnapshot(snap), nil
	}
	out := cloneSnapshot(s.fallback)
	out.WorkspaceID = workspaceID
	return out, nil
}

func cloneSnapshot(s *contracts.PolicySnapshot) *contracts.PolicySnapshot {
	c := *s
	c.Rules = append([]contracts.PolicyRule(nil), s.Rules...)
	return &c
}
