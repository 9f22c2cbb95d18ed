// Package promotion moves sandbox agents to governed mode.
//
// A promotion freezes the agent's spec, evaluates the promotion rule set
// against it, signs a proof over the spec hash and the workspace policy hash,
// and commits the governed agent together with its proof in one step.
// A denied promotion has no side effects.
package promotion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/agentgov/pkg/audit"
	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/crypto"
	"github.com/Mindburn-Labs/agentgov/pkg/observability"
	"github.com/Mindburn-Labs/agentgov/pkg/policy"
	"github.com/Mindburn-Labs/agentgov/pkg/sandbox"
)

// Store is the persistence the engine needs.
type Store interface {
	GetAgent(ctx context.Context, id int64) (*contracts.Agent, error)
	CommitPromotion(ctx context.Context, agent *contracts.Agent, proof *contracts.ProofBundle) error
}

// Result is the outcome of a promotion. Exactly one of (Agent, Proof) or
// Denies is set.
type Result struct {
	Allowed bool                   `json:"allowed"`
	Agent   *contracts.Agent       `json:"agent,omitempty"`
	Proof   *contracts.ProofBundle `json:"proof,omitempty"`
	Denies  []contracts.PolicyDeny `json:"denies,omitempty"`
}

// Engine runs promotions.
type Engine struct {
	store     Store
	source    policy.Source
	evaluator *policy.Evaluator
	codec     *crypto.Codec
	recorder  audit.Recorder
	metrics   *observability.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records promotion outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the wall clock used for sandbox expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires an Engine.
func NewEngine(st Store, source policy.Source, evaluator *policy.Evaluator, codec *crypto.Codec, recorder audit.Recorder, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		source:    source,
		evaluator: evaluator,
		codec:     codec,
		recorder:  recorder,
		now:       time.Now,
		logger:    slog.Default().With("component", "promotion"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Promote promotes agentID on behalf of actor, who becomes the proof's
// signing authority.
//
// Errors are reserved for callers' mistakes (contracts.ErrNotFound,
// contracts.ErrInvalidMode, contracts.ErrSandboxExpired,
// contracts.ErrConflict) and infrastructure failures. Policy violations come
// back as a Result with Allowed false.
func (e *Engine) Promote(ctx context.Context, agentID int64, actor string) (result *Result, err error) {
	ctx, done := observability.TrackOperation(ctx, "promotion.promote", observability.AttrAgentID.Int64(agentID))
	defer func() {
		done(err)
		switch {
		case err != nil:
			e.metrics.RecordPromotion(ctx, "error")
		case result.Allowed:
			e.metrics.RecordPromotion(ctx, "allowed")
		default:
			e.metrics.RecordPromotion(ctx, "denied")
		}
	}()

	if strings.TrimSpace(actor) == "" {
		return nil, fmt.Errorf("promotion: actor is required: %w", contracts.ErrInvalidInput)
	}

	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("promotion: %w", err)
	}
	if agent.Mode != contracts.ModeSandbox || agent.GovernanceStatus != contracts.StatusSandbox {
		return nil, fmt.Errorf("promotion: agent %d is %s/%s: %w",
			agentID, agent.Mode, agent.GovernanceStatus, contracts.ErrInvalidMode)
	}
	if sandbox.IsExpired(agent, e.now()) {
		return nil, fmt.Errorf("promotion: agent %d: %w", agentID, contracts.ErrSandboxExpired)
	}

	// The draft is frozen here. Nothing below mutates its spec fields.
	draft := agent.Clone()
	draft.Mode = contracts.ModeGoverned

	// Built-in rules need no snapshot, so an unreachable policy source still
	// yields their violations instead of an error.
	snapshot, fetchErr := e.source.FetchSnapshot(ctx, draft.WorkspaceID)
	if fetchErr != nil {
		snapshot = nil
	}
	if denies := e.evaluator.Evaluate(ctx, draft, snapshot); len(denies) > 0 {
		e.logger.InfoContext(ctx, "promotion denied",
			"agent_id", agentID, "workspace_id", draft.WorkspaceID, "actor", actor,
			"violations", len(denies), "policy_available", fetchErr == nil)
		return &Result{Allowed: false, Denies: denies}, nil
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("promotion: policy snapshot for %s: %w", draft.WorkspaceID, fetchErr)
	}

	specHash, err := e.codec.ComputeSpecHash(draft)
	if err != nil {
		return nil, fmt.Errorf("promotion: %w", err)
	}
	proof, err := e.codec.Sign(specHash, snapshot.Hash, actor)
	if err != nil {
		return nil, fmt.Errorf("promotion: %w", err)
	}
	proof.AgentID = agentID

	draft.GovernanceStatus = contracts.StatusGovernedValid
	draft.PolicyDigest = snapshot.Hash
	draft.ExpiresAt = nil
	if err := e.store.CommitPromotion(ctx, draft, proof); err != nil {
		return nil, fmt.Errorf("promotion: commit: %w", err)
	}

	e.recorder.Record(ctx, contracts.AuditEvent{
		Code:        contracts.EventPromotionSuccess,
		AgentID:     contracts.AgentRef(agentID),
		WorkspaceID: draft.WorkspaceID,
		ActorID:     actor,
		Decision:    contracts.DecisionAllow,
		Details: map[string]any{
			"spec_hash":   specHash,
			"policy_hash": snapshot.Hash,
			"authority":   proof.Authority,
			"key_id":      proof.KeyID,
			"algorithm":   proof.Algorithm,
		},
	})
	e.logger.InfoContext(ctx, "agent promoted",
		"agent_id", agentID, "workspace_id", draft.WorkspaceID, "actor", actor, "policy_hash", snapshot.Hash)

	return &Result{Allowed: true, Agent: draft, Proof: proof}, nil
}
