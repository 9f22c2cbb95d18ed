package policy

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// celPrograms compiles workspace rule expressions once and caches the
// programs by expression text.
type celPrograms struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func newCELPrograms() (*celPrograms, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	return &celPrograms{env: env, prgCache: make(map[string]cel.Program)}, nil
}

func (c *celPrograms) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, hit := c.prgCache[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	c.prgCache[expr] = prg
	return prg, nil
}

func (c *celPrograms) eval(expr string, input map[string]any) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result is %s, not bool", out.Type().TypeName())
	}
	return val, nil
}

// celInput exposes the draft agent to rule expressions as `agent`.
// temperature is present only when set; test for it with has(agent.temperature).
func celInput(agent *contracts.Agent) (map[string]any, error) {
	fields := map[string]any{
		"workspaceId":  agent.WorkspaceID,
		"name":         agent.Name,
		"version":      agent.Version,
		"description":  agent.Description,
		"roleClass":    agent.RoleClass,
		"systemPrompt": agent.SystemPrompt,
		"modelId":      agent.ModelID,
		"maxTokens":    int64(agent.SandboxConstraints.MaxTokens),
		"dailyBudget":  agent.SandboxConstraints.DailyBudget,
		"anatomy":      map[string]any{},
	}
	if agent.Temperature != nil {
		fields["temperature"] = *agent.Temperature
	}
	if !agent.Anatomy.IsZero() {
		var anatomy any
		if err := json.Unmarshal(agent.Anatomy, &anatomy); err != nil {
			return nil, fmt.Errorf("decode anatomy: %w", err)
		}
		fields["anatomy"] = anatomy
	}
	return map[string]any{"agent": fields}, nil
}
