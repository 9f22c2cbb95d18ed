package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// Built-in promotion rule names.
const (
	RuleDescriptionRequired  = "description_required"
	RuleSystemPromptRequired = "system_prompt_required"
	RuleModelRequired        = "model_required"
	RuleTemperatureRange     = "temperature_range"
	RuleVersionSemver        = "version_semver"
)

// Temperature bounds accepted by the temperature_range rule.
const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
)

// Rule is a promotion check over the frozen draft. Check returns an empty
// reason when the draft passes.
type Rule struct {
	Name  string
	Field string
	Check func(agent *contracts.Agent) (reason string)
}

// Evaluator runs the promotion rule set: built-in rules, registered rules,
// then the enabled CEL rules of the workspace snapshot. It reports every
// violation, never only the first.
type Evaluator struct {
	mu     sync.RWMutex
	rules  []Rule
	cel    *celPrograms
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator with the built-in rules.
func NewEvaluator() (*Evaluator, error) {
	progs, err := newCELPrograms()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		rules:  builtinRules(),
		cel:    progs,
		logger: slog.Default().With("component", "policy.evaluator"),
	}, nil
}

// RegisterRule appends a custom rule. Names must be unique.
func (e *Evaluator) RegisterRule(r Rule) error {
	if r.Name == "" || r.Check == nil {
		return fmt.Errorf("policy: rule needs a name and a check: %w", contracts.ErrInvalidInput)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.rules {
		if existing.Name == r.Name {
			return fmt.Errorf("policy: rule %q already registered: %w", r.Name, contracts.ErrConflict)
		}
	}
	e.rules = append(e.rules, r)
	return nil
}

// Evaluate checks agent against every rule. snapshot may be nil, in which
// case only the Go rules run.
func (e *Evaluator) Evaluate(ctx context.Context, agent *contracts.Agent, snapshot *contracts.PolicySnapshot) []contracts.PolicyDeny {
	e.mu.RLock()
	rules := append([]Rule(nil), e.rules...)
	e.mu.RUnlock()

	denies := make([]contracts.PolicyDeny, 0)
	for _, r := range rules {
		if reason := r.Check(agent); reason != "" {
			denies = append(denies, contracts.PolicyDeny{Rule: r.Name, Reason: reason, Field: r.Field})
		}
	}
	if snapshot == nil {
		return denies
	}

	var input map[string]any
	var inputErr error
	for _, pr := range snapshot.Rules {
		if !pr.Enabled {
			continue
		}
		if input == nil && inputErr == nil {
			input, inputErr = celInput(agent)
		}
		if inputErr != nil {
			denies = append(denies, contracts.PolicyDeny{Rule: pr.ID, Reason: inputErr.Error(), Field: pr.Field})
			continue
		}
		ok, err := e.cel.eval(pr.Expression, input)
		switch {
		case err != nil:
			e.logger.WarnContext(ctx, "policy rule failed to evaluate",
				"rule", pr.ID, "workspace_id", snapshot.WorkspaceID, "error", err)
			denies = append(denies, contracts.PolicyDeny{Rule: pr.ID, Reason: fmt.Sprintf("rule %s: %v", pr.ID, err), Field: pr.Field})
		case !ok:
			denies = append(denies, contracts.PolicyDeny{Rule: pr.ID, Reason: ruleReason(pr), Field: pr.Field})
		}
	}
	return denies
}

// Validate compiles every enabled rule so bad bundles are refused before
// they replace a working rule set.
func (e *Evaluator) Validate(rules []contracts.PolicyRule) error {
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if _, err := e.cel.program(r.Expression); err != nil {
			return fmt.Errorf("policy: rule %s: %w", r.ID, err)
		}
	}
	return nil
}

func ruleReason(r contracts.PolicyRule) string {
	if r.Reason != "" {
		return r.Reason
	}
	name := r.Name
	if name == "" {
		name = r.ID
	}
	return fmt.Sprintf("%s not satisfied", name)
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:  RuleDescriptionRequired,
			Field: "description",
			Check: func(a *contracts.Agent) string {
				if strings.TrimSpace(a.Description) == "" {
					return "description is required"
				}
				return ""
			},
		},
		{
			Name:  RuleSystemPromptRequired,
			Field: "systemPrompt",
			Check: func(a *contracts.Agent) string {
				if strings.TrimSpace(a.SystemPrompt) == "" {
					return "system prompt is required"
				}
				return ""
			},
		},
		{
			Name:  RuleModelRequired,
			Field: "modelId",
			Check: func(a *contracts.Agent) string {
				if strings.TrimSpace(a.ModelID) == "" && strings.TrimSpace(a.RoleClass) == "" {
					return "a model id or role class is required"
				}
				return ""
			},
		},
		{
			Name:  RuleTemperatureRange,
			Field: "temperature",
			Check: func(a *contracts.Agent) string {
				if a.Temperature == nil {
					return ""
				}
				if t := *a.Temperature; t < MinTemperature || t > MaxTemperature {
					return fmt.Sprintf("temperature %g is outside [%g, %g]", t, MinTemperature, MaxTemperature)
				}
				return ""
			},
		},
		{
			Name:  RuleVersionSemver,
			Field: "version",
			Check: func(a *contracts.Agent) string {
				if a.Version == "" {
					return ""
				}
				if _, err := semver.NewVersion(a.Version); err != nil {
					return fmt.Sprintf("version %q is not a semantic version", a.Version)
				}
				return ""
			},
		},
	}
}
