// Package revalidation sweeps governed agents after a policy change and
// moves every agent whose proof no longer matches the active policy out of
// a runnable status.
//
// Sweeps are idempotent. Each transition is a compare-and-set from the
// status the sweep observed, so a rerun or a concurrent sweep never moves
// or counts an agent twice.
package revalidation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/agentgov/pkg/audit"
	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/observability"
)

// DefaultConcurrency bounds the per-agent fan-out.
const DefaultConcurrency = 8

// Outcomes recorded per agent.
const (
	OutcomeValid       = "valid"
	OutcomeRestricted  = "restricted"
	OutcomeInvalidated = "invalidated"
	OutcomeSkipped     = "skipped"
)

// Store is the persistence a sweep needs.
type Store interface {
	ListGovernedAgents(ctx context.Context) ([]*contracts.Agent, error)
	TransitionStatus(ctx context.Context, id int64, from, to contracts.GovernanceStatus) (bool, error)
}

// Result is the per-agent detail of a sweep.
type Result struct {
	AgentID        int64                      `json:"agent_id"`
	WorkspaceID    string                     `json:"workspace_id"`
	Outcome        string                     `json:"outcome"`
	PreviousStatus contracts.GovernanceStatus `json:"previous_status"`
	NewStatus      contracts.GovernanceStatus `json:"new_status"`
	Reason         string                     `json:"reason,omitempty"`
}

// Summary aggregates a sweep. Invalidated counts only transitions made by
// this sweep. A sweep of every workspace against its own policy leaves
// PolicyHash empty and fills PolicyHashes by workspace instead.
type Summary struct {
	PolicyHash   string            `json:"policy_hash"`
	PolicyHashes map[string]string `json:"policy_hashes,omitempty"`
	Scope        string            `json:"scope"`
	Total        int               `json:"total"`
	Valid        int               `json:"valid"`
	Restricted   int               `json:"restricted"`
	Invalidated  int               `json:"invalidated"`
	Skipped      int               `json:"skipped"`
	Results      []Result          `json:"results"`
}

// Workflow runs revalidation sweeps.
type Workflow struct {
	store       Store
	recorder    audit.Recorder
	metrics     *observability.Metrics
	target      contracts.GovernanceStatus
	concurrency int
	actor       string
	logger      *slog.Logger
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithTarget sets the status mismatched agents move to. It must be
// ARCHIVED or GOVERNED_INVALIDATED.
func WithTarget(s contracts.GovernanceStatus) Option {
	return func(w *Workflow) { w.target = s }
}

// WithConcurrency bounds how many agents are transitioned at once.
func WithConcurrency(n int) Option {
	return func(w *Workflow) { w.concurrency = n }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// WithActor names the actor recorded on audit events. Defaults to "system".
func WithActor(actor string) Option {
	return func(w *Workflow) { w.actor = actor }
}

// NewWorkflow wires a Workflow.
func NewWorkflow(st Store, recorder audit.Recorder, opts ...Option) (*Workflow, error) {
	w := &Workflow{
		store:       st,
		recorder:    recorder,
		target:      contracts.StatusArchived,
		concurrency: DefaultConcurrency,
		actor:       "system",
		logger:      slog.Default().With("component", "revalidation"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if !w.target.Invalidated() {
		return nil, fmt.Errorf("revalidation: target status %q is runnable: %w", w.target, contracts.ErrInvalidInput)
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	return w, nil
}

// HashResolver returns the policy hash a workspace currently runs under.
type HashResolver func(ctx context.Context, workspaceID string) (string, error)

// ExecuteRevalidation checks every governed agent against policyHash.
func (w *Workflow) ExecuteRevalidation(ctx context.Context, policyHash string) (*Summary, error) {
	return w.sweep(ctx, policyHash, "all", nil)
}

// ExecuteWorkspace checks the governed agents of one workspace.
func (w *Workflow) ExecuteWorkspace(ctx context.Context, workspaceID, policyHash string) (*Summary, error) {
	return w.sweep(ctx, policyHash, "workspace:"+workspaceID, func(a *contracts.Agent) bool {
		return a.WorkspaceID == workspaceID
	})
}

// ExecuteFiltered checks the governed agents keep selects. scope labels the
// sweep in its summary and audit event.
func (w *Workflow) ExecuteFiltered(ctx context.Context, policyHash, scope string, keep func(*contracts.Agent) bool) (*Summary, error) {
	return w.sweep(ctx, policyHash, scope, keep)
}

// ExecuteCurrent checks every governed agent against the policy of its own
// workspace. Each workspace hash is resolved once, before any agent is
// transitioned, so a resolver failure leaves every agent untouched.
func (w *Workflow) ExecuteCurrent(ctx context.Context, resolve HashResolver) (summary *Summary, err error) {
	ctx, done := observability.TrackOperation(ctx, "revalidation.sweep", attribute.String("scope", "all"))
	defer func() { done(err) }()

	agents, err := w.list(ctx, nil)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string)
	for _, a := range agents {
		if !a.GovernanceStatus.Runnable() {
			continue
		}
		if _, ok := hashes[a.WorkspaceID]; ok {
			continue
		}
		h, err := resolve(ctx, a.WorkspaceID)
		if err != nil {
			return nil, fmt.Errorf("revalidation: resolve policy for workspace %q: %w", a.WorkspaceID, err)
		}
		if h == "" {
			return nil, fmt.Errorf("revalidation: workspace %q has no policy hash: %w", a.WorkspaceID, contracts.ErrInvalidInput)
		}
		hashes[a.WorkspaceID] = h
	}

	summary, err = w.run(ctx, agents, "all", func(a *contracts.Agent) string { return hashes[a.WorkspaceID] })
	if err != nil {
		return nil, err
	}
	summary.PolicyHashes = hashes
	w.report(ctx, summary)
	return summary, nil
}

func (w *Workflow) sweep(ctx context.Context, policyHash, scope string, keep func(*contracts.Agent) bool) (summary *Summary, err error) {
	if policyHash == "" {
		return nil, fmt.Errorf("revalidation: policy hash is required: %w", contracts.ErrInvalidInput)
	}
	ctx, done := observability.TrackOperation(ctx, "revalidation.sweep", attribute.String("scope", scope), attribute.String("policy_hash", policyHash))
	defer func() { done(err) }()

	agents, err := w.list(ctx, keep)
	if err != nil {
		return nil, err
	}
	summary, err = w.run(ctx, agents, scope, func(*contracts.Agent) string { return policyHash })
	if err != nil {
		return nil, err
	}
	summary.PolicyHash = policyHash
	w.report(ctx, summary)
	return summary, nil
}

func (w *Workflow) list(ctx context.Context, keep func(*contracts.Agent) bool) ([]*contracts.Agent, error) {
	agents, err := w.store.ListGovernedAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("revalidation: list governed agents: %w", err)
	}
	if keep == nil {
		return agents, nil
	}
	selected := agents[:0]
	for _, a := range agents {
		if keep(a) {
			selected = append(selected, a)
		}
	}
	return selected, nil
}

func (w *Workflow) run(ctx context.Context, agents []*contracts.Agent, scope string, hashFor func(*contracts.Agent) string) (*Summary, error) {
	results := make([]Result, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, agent := range agents {
		g.Go(func() error {
			r, err := w.revalidate(gctx, agent, hashFor(agent))
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("revalidation: %w", err)
	}

	summary := &Summary{Scope: scope, Total: len(results), Results: results}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeValid:
			summary.Valid++
		case OutcomeRestricted:
			summary.Restricted++
		case OutcomeInvalidated:
			summary.Invalidated++
		default:
			summary.Skipped++
		}
	}
	sort.Slice(summary.Results, func(i, j int) bool { return summary.Results[i].AgentID < summary.Results[j].AgentID })
	return summary, nil
}

func (w *Workflow) report(ctx context.Context, summary *Summary) {
	details := map[string]any{
		"policy_hash": summary.PolicyHash,
		"scope":       summary.Scope,
		"total":       summary.Total,
		"valid":       summary.Valid,
		"restricted":  summary.Restricted,
		"invalidated": summary.Invalidated,
		"skipped":     summary.Skipped,
	}
	if summary.PolicyHashes != nil {
		hashes := make(map[string]any, len(summary.PolicyHashes))
		for ws, h := range summary.PolicyHashes {
			hashes[ws] = h
		}
		details["policy_hashes"] = hashes
	}
	w.recorder.Record(ctx, contracts.AuditEvent{
		Code:    contracts.EventPolicyRevalidation,
		ActorID: w.actor,
		Reason:  fmt.Sprintf("revalidated %d agents (%s)", summary.Total, summary.Scope),
		Details: details,
	})
	w.logger.InfoContext(ctx, "revalidation complete",
		"policy_hash", summary.PolicyHash, "scope", summary.Scope, "total", summary.Total,
		"valid", summary.Valid, "restricted", summary.Restricted,
		"invalidated", summary.Invalidated, "skipped", summary.Skipped)
}

func (w *Workflow) revalidate(ctx context.Context, agent *contracts.Agent, policyHash string) (Result, error) {
	r := Result{
		AgentID:        agent.ID,
		WorkspaceID:    agent.WorkspaceID,
		PreviousStatus: agent.GovernanceStatus,
		NewStatus:      agent.GovernanceStatus,
	}

	if !agent.GovernanceStatus.Runnable() {
		r.Outcome = OutcomeSkipped
		r.Reason = fmt.Sprintf("status %s is not revalidated", agent.GovernanceStatus)
		return r, nil
	}

	if agent.PolicyDigest != "" && agent.PolicyDigest == policyHash {
		if agent.GovernanceStatus == contracts.StatusGovernedRestricted {
			r.Outcome = OutcomeRestricted
		} else {
			r.Outcome = OutcomeValid
		}
		return r, nil
	}

	reason := "policy digest does not match active policy"
	if agent.PolicyDigest == "" {
		reason = "agent has no policy digest"
	}

	moved, err := w.store.TransitionStatus(ctx, agent.ID, agent.GovernanceStatus, w.target)
	if err != nil {
		return r, fmt.Errorf("transition agent %d: %w", agent.ID, err)
	}
	if !moved {
		// Someone else changed the status after we listed the agent.
		r.Outcome = OutcomeSkipped
		r.Reason = "status changed concurrently"
		return r, nil
	}

	r.Outcome = OutcomeInvalidated
	r.NewStatus = w.target
	r.Reason = reason
	w.metrics.RecordTransition(ctx, string(w.target))
	w.recorder.Record(ctx, contracts.AuditEvent{
		Code:        contracts.EventGovernanceInvalidated,
		AgentID:     contracts.AgentRef(agent.ID),
		WorkspaceID: agent.WorkspaceID,
		ActorID:     w.actor,
		Decision:    contracts.DecisionDeny,
		Reason:      reason,
		Details: map[string]any{
			"previous_status": string(r.PreviousStatus),
			"new_status":      string(r.NewStatus),
			"policy_digest":   agent.PolicyDigest,
			"policy_hash":     policyHash,
		},
	})
	return r, nil
}
