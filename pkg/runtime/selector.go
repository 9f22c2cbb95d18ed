package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/agentgov/pkg/admission"
	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/observability"
)

// Admitter decides whether an agent may start.
type Admitter interface {
	Admit(ctx context.Context, agentID int64) admission.Admission
}

// DeniedError is returned by Start when admission denies the agent.
type DeniedError struct {
	AgentID  int64
	Decision contracts.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("runtime: agent %d denied: %s", e.AgentID, strings.Join(e.Decision.ErrorCodes, ","))
}

// Selector admits agents and routes them to an executor. Sandbox agents
// always run embedded; governed agents run remote when one is configured.
type Selector struct {
	admitter Admitter
	embedded Executor
	remote   Executor
	logger   *slog.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithRemote routes governed agents to exec.
func WithRemote(exec Executor) SelectorOption {
	return func(s *Selector) { s.remote = exec }
}

// NewSelector creates a Selector.
func NewSelector(admitter Admitter, embedded Executor, opts ...SelectorOption) *Selector {
	s := &Selector{
		admitter: admitter,
		embedded: embedded,
		logger:   slog.Default().With("component", "runtime"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start admits agentID and runs it. Nothing executes unless admission
// allows it.
func (s *Selector) Start(ctx context.Context, agentID int64) (run *Run, err error) {
	ctx, done := observability.TrackOperation(ctx, "runtime.start",
		observability.AttrAgentID.Int64(agentID))
	defer func() { done(err) }()

	adm := s.admitter.Admit(ctx, agentID)
	if !adm.Decision.Allow || adm.Decision.Deny || adm.Agent == nil {
		return nil, &DeniedError{AgentID: agentID, Decision: adm.Decision}
	}

	exec := s.pick(adm.Agent)
	run, err = exec.Execute(ctx, adm.Agent)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "agent run finished",
		"agent_id", agentID,
		"executor", exec.Name(),
		"success", run.Success,
	)
	return run, nil
}

func (s *Selector) pick(agent *contracts.Agent) Executor {
	if agent.Mode == contracts.ModeGoverned && s.remote != nil {
		return s.remote
	}
	return s.embedded
}
