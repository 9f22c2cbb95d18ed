package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/util/resiliency"
)

// RemoteExecutor hands governed agents to a remote orchestrator at
// POST {base}/v1/runs.
type RemoteExecutor struct {
	baseURL string
	client  *resiliency.Client
}

// NewRemoteExecutor creates a RemoteExecutor for baseURL.
func NewRemoteExecutor(baseURL string, opts ...resiliency.Option) *RemoteExecutor {
	return &RemoteExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  resiliency.NewClient("runtime-remote", opts...),
	}
}

func (r *RemoteExecutor) Name() string { return "remote" }

type remoteRunRequest struct {
	Agent     *contracts.Agent `json:"agent"`
	InputHash string           `json:"input_hash"`
}

// Execute submits the agent. A 4xx answer from the orchestrator is a failed
// run; transport failures and exhausted retries are returned as errors.
func (r *RemoteExecutor) Execute(ctx context.Context, agent *contracts.Agent) (*Run, error) {
	if agent == nil {
		return nil, fmt.Errorf("runtime: remote: %w", contracts.ErrInvalidInput)
	}
	inputHash, err := hashJSON(agent)
	if err != nil {
		return nil, fmt.Errorf("runtime: remote: hash input: %w", err)
	}
	body, err := json.Marshal(remoteRunRequest{Agent: agent, InputHash: inputHash})
	if err != nil {
		return nil, fmt.Errorf("runtime: remote: encode: %w", err)
	}

	data, err := r.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/runs", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		var se *resiliency.StatusError
		if !contracts.IsRetryable(err) && errors.As(err, &se) {
			return &Run{
				AgentID:     agent.ID,
				WorkspaceID: agent.WorkspaceID,
				Executor:    r.Name(),
				InputHash:   inputHash,
				Error:       ClassifyError(r.Name(), err),
			}, nil
		}
		return nil, fmt.Errorf("runtime: remote run: %w", err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("runtime: remote: decode run: %w", err)
	}
	run.AgentID = agent.ID
	run.WorkspaceID = agent.WorkspaceID
	run.Executor = r.Name()
	run.InputHash = inputHash
	if run.Success && run.OutputHash == "" && len(run.Output) > 0 {
		run.OutputHash = hashBytes(run.Output)
	}
	return &run, nil
}
