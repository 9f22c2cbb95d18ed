package revalidation

import (
	"context"
	"log/slog"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// BundleIndex tells the trigger which workspaces have their own policy.
// *policy.BundleSource satisfies it.
type BundleIndex interface {
	HasBundle(workspaceID string) bool
}

// Trigger turns policy change notifications into sweeps. Its OnChange
// method matches policy.ChangeFunc.
type Trigger struct {
	workflow *Workflow
	bundles  BundleIndex
	logger   *slog.Logger
}

// NewTrigger returns a Trigger. bundles may be nil when every workspace
// shares one policy.
func NewTrigger(w *Workflow, bundles BundleIndex) *Trigger {
	return &Trigger{
		workflow: w,
		bundles:  bundles,
		logger:   slog.Default().With("component", "revalidation.trigger"),
	}
}

// OnChange sweeps the agents affected by a policy change. An empty
// workspaceID means the default policy changed, which affects every
// workspace without a bundle of its own.
func (t *Trigger) OnChange(ctx context.Context, workspaceID, oldHash, newHash string) {
	var (
		summary *Summary
		err     error
	)
	switch {
	case workspaceID != "":
		summary, err = t.workflow.ExecuteWorkspace(ctx, workspaceID, newHash)
	case t.bundles == nil:
		summary, err = t.workflow.ExecuteRevalidation(ctx, newHash)
	default:
		summary, err = t.workflow.ExecuteFiltered(ctx, newHash, "default", func(a *contracts.Agent) bool {
			return !t.bundles.HasBundle(a.WorkspaceID)
		})
	}
	if err != nil {
		t.logger.ErrorContext(ctx, "revalidation sweep failed",
			"workspace_id", workspaceID, "old_hash", oldHash, "new_hash", newHash, "error", err)
		return
	}
	t.logger.InfoContext(ctx, "policy change revalidated",
		"workspace_id", workspaceID, "old_hash", oldHash, "new_hash", newHash,
		"invalidated", summary.Invalidated)
}
