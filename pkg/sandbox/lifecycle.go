// Package sandbox creates and updates contained agents.
//
// A sandbox agent may never make external calls or persistent writes and
// lives for a bounded time. Both rules are enforced here at creation and
// update time and again by the admission chain at start time.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/store"
)

// DefaultTTL is how long a sandbox lives unless the caller asks for less.
const DefaultTTL = 30 * 24 * time.Hour

// CreateInput describes a new sandbox agent.
type CreateInput struct {
	WorkspaceID  string                       `json:"workspace_id"`
	Name         string                       `json:"name"`
	Version      string                       `json:"version"`
	Description  string                       `json:"description"`
	RoleClass    string                       `json:"role_class"`
	SystemPrompt string                       `json:"system_prompt"`
	ModelID      string                       `json:"model_id"`
	Temperature  *float64                     `json:"temperature,omitempty"`
	Anatomy      contracts.Anatomy            `json:"anatomy,omitempty"`
	Constraints  contracts.SandboxConstraints `json:"constraints"`
	ExpiresAt    *time.Time                   `json:"expires_at,omitempty"`
}

// Lifecycle owns sandbox creation and anatomy updates.
type Lifecycle struct {
	store   store.AgentStore
	schemas *AnatomySchemas
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(l *Lifecycle) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithSchemas sets the anatomy schema registry.
func WithSchemas(s *AnatomySchemas) Option {
	return func(l *Lifecycle) { l.schemas = s }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) { l.now = now }
}

// NewLifecycle creates a Lifecycle backed by st.
func NewLifecycle(st store.AgentStore, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		store:   st,
		schemas: NewAnatomySchemas(),
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  slog.Default().With("component", "sandbox"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateSandbox validates in and persists a new sandbox agent.
//
// Requests that switch on externalCalls or persistentWrites are rejected
// with *contracts.ContainmentViolationError and nothing is written.
func (l *Lifecycle) CreateSandbox(ctx context.Context, in CreateInput) (*contracts.Agent, error) {
	if v := in.Constraints.Violations(); len(v) > 0 {
		l.logger.WarnContext(ctx, "sandbox creation rejected",
			"workspace_id", in.WorkspaceID, "name", in.Name, "violations", strings.Join(v, ","))
		return nil, &contracts.ContainmentViolationError{Constraints: v}
	}
	if strings.TrimSpace(in.WorkspaceID) == "" || strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("sandbox: workspace and name are required: %w", contracts.ErrInvalidInput)
	}
	if in.Constraints.MaxTokens < 0 || in.Constraints.DailyBudget < 0 {
		return nil, fmt.Errorf("sandbox: maxTokens and dailyBudget must not be negative: %w", contracts.ErrInvalidInput)
	}
	if err := l.schemas.Validate(in.RoleClass, in.Anatomy); err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	now := l.now().UTC()
	expiresAt := now.Add(l.ttl)
	if in.ExpiresAt != nil {
		requested := in.ExpiresAt.UTC()
		if !requested.After(now) {
			return nil, fmt.Errorf("sandbox: expiresAt %s is not in the future: %w",
				requested.Format(time.RFC3339), contracts.ErrInvalidInput)
		}
		if requested.Before(expiresAt) {
			expiresAt = requested
		}
	}

	agent := &contracts.Agent{
		WorkspaceID:      in.WorkspaceID,
		Name:             in.Name,
		Version:          in.Version,
		Description:      in.Description,
		RoleClass:        in.RoleClass,
		SystemPrompt:     in.SystemPrompt,
		ModelID:          in.ModelID,
		Temperature:      in.Temperature,
		Anatomy:          in.Anatomy,
		Mode:             contracts.ModeSandbox,
		GovernanceStatus: contracts.StatusSandbox,
		SandboxConstraints: contracts.SandboxConstraints{
			ExternalCalls:    false,
			PersistentWrites: false,
			MaxTokens:        in.Constraints.MaxTokens,
			DailyBudget:      in.Constraints.DailyBudget,
		},
		ExpiresAt: &expiresAt,
	}

	created, err := l.store.CreateAgent(ctx, agent)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create: %w", err)
	}
	l.logger.InfoContext(ctx, "sandbox created",
		"agent_id", created.ID, "workspace_id", created.WorkspaceID, "expires_at", expiresAt)
	return created, nil
}

// UpdateSandbox replaces the anatomy of a live sandbox agent. No other field
// can change through this path.
func (l *Lifecycle) UpdateSandbox(ctx context.Context, id int64, anatomy contracts.Anatomy) (*contracts.Agent, error) {
	agent, err := l.store.GetAgent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("sandbox: update: %w", err)
	}
	if agent.Mode != contracts.ModeSandbox {
		return nil, fmt.Errorf("sandbox: agent %d is %s: %w", id, agent.Mode, contracts.ErrInvalidMode)
	}
	if IsExpired(agent, l.now()) {
		return nil, fmt.Errorf("sandbox: agent %d expired at %s: %w",
			id, agent.ExpiresAt.Format(time.RFC3339), contracts.ErrSandboxExpired)
	}
	if err := l.schemas.Validate(agent.RoleClass, anatomy); err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	updated, err := l.store.UpdateAnatomy(ctx, id, anatomy)
	if err != nil {
		return nil, fmt.Errorf("sandbox: update: %w", err)
	}
	return updated, nil
}

// IsExpired reports whether agent has an expiry that is already past at now.
func IsExpired(agent *contracts.Agent, now time.Time) bool {
	return agent != nil && agent.ExpiresAt != nil && now.After(*agent.ExpiresAt)
}
