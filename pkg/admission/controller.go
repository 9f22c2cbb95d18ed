package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/agentgov/pkg/audit"
	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/observability"
	"github.com/Mindburn-Labs/agentgov/pkg/policy"
)

// AgentReader loads agents for admission.
type AgentReader interface {
	GetAgent(ctx context.Context, id int64) (*contracts.Agent, error)
}

// Admission is the result of Controller.Admit. Agent is nil when the agent
// could not be loaded.
type Admission struct {
	Decision contracts.Decision `json:"decision"`
	Agent    *contracts.Agent   `json:"agent,omitempty"`
}

// Controller builds admission contexts and runs the chain for every
// attempt to start an agent.
type Controller struct {
	agents   AgentReader
	source   policy.Source
	chain    *Chain
	recorder audit.Recorder
	metrics  *observability.Metrics
	now      func() time.Time
	logger   *slog.Logger
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithMetrics records decisions on m.
func WithMetrics(m *observability.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the admission timestamp source.
func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// NewController wires a Controller.
func NewController(agents AgentReader, source policy.Source, chain *Chain, recorder audit.Recorder, opts ...ControllerOption) *Controller {
	c := &Controller{
		agents:   agents,
		source:   source,
		chain:    chain,
		recorder: recorder,
		now:      time.Now,
		logger:   slog.Default().With("component", "admission"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit decides whether agentID may start now. It never returns an error:
// failures become INTERCEPTOR_ERROR denies. Every decision is audited.
func (c *Controller) Admit(ctx context.Context, agentID int64) Admission {
	start := time.Now()
	ctx, done := observability.TrackOperation(ctx, "admission.admit", observability.AttrAgentID.Int64(agentID))

	ac, err := c.buildContext(ctx, agentID)
	var decision contracts.Decision
	if err != nil {
		c.logger.WarnContext(ctx, "admission context failed", "agent_id", agentID, "error", err)
		decision = contracts.Denied(contracts.CodeInterceptorError, err.Error())
	} else {
		decision = c.chain.Execute(ctx, ac)
	}

	result := Admission{Decision: decision}
	workspace, policyHash, mode := "", "", ""
	if ac != nil {
		result.Agent = ac.Agent
		workspace, policyHash, mode = ac.WorkspaceID, ac.PolicyHash, string(ac.Agent.Mode)
	}

	verdict, code := contracts.DecisionAllow, ""
	if decision.Deny {
		verdict, code = contracts.DecisionDeny, decision.ErrorCodes[0]
	}
	c.recorder.Record(ctx, contracts.AuditEvent{
		Code:        contracts.EventAdmissionDecision,
		AgentID:     contracts.AgentRef(agentID),
		WorkspaceID: workspace,
		Decision:    verdict,
		Reason:      strings.Join(decision.Reasons, "; "),
		Details: map[string]any{
			"error_codes": decision.ErrorCodes,
			"reasons":     decision.Reasons,
			"mode":        mode,
			"policy_hash": policyHash,
		},
	})
	c.metrics.RecordAdmission(ctx, verdict, code, time.Since(start).Seconds())
	done(nil)

	if decision.Deny {
		c.logger.InfoContext(ctx, "admission denied", "agent_id", agentID, "codes", decision.ErrorCodes)
	} else {
		c.logger.DebugContext(ctx, "admission allowed", "agent_id", agentID)
	}
	return result
}

// buildContext loads the agent and, for governed agents, the workspace's
// current policy hash. Sandbox agents are not bound to a policy.
func (c *Controller) buildContext(ctx context.Context, agentID int64) (*contracts.AdmissionContext, error) {
	agent, err := c.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %d: %w", agentID, err)
	}
	ac := &contracts.AdmissionContext{
		Agent:       agent,
		WorkspaceID: agent.WorkspaceID,
		Timestamp:   c.now().UTC(),
	}
	if agent.Mode == contracts.ModeGoverned {
		snapshot, err := c.source.FetchSnapshot(ctx, agent.WorkspaceID)
		if err != nil {
			return ac, fmt.Errorf("policy snapshot for %s: %w", agent.WorkspaceID, err)
		}
		ac.PolicyHash = snapshot.Hash
	}
	return ac, nil
}
