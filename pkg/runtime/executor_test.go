package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/util/resiliency"
)

func testAgent(mode contracts.Mode) *contracts.Agent {
	return &contracts.Agent{ID: 7, WorkspaceID: "ws-1", Name: "triage", Version: "1.0.0", Mode: mode}
}

func TestEmbeddedExecutorSuccess(t *testing.T) {
	e := NewEmbeddedExecutor(func(ctx context.Context, a *contracts.Agent) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}, 5*time.Second)

	run, err := e.Execute(context.Background(), testAgent(contracts.ModeSandbox))
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Equal(t, "embedded", run.Executor)
	assert.Equal(t, int64(7), run.AgentID)
	assert.NotEmpty(t, run.ID)
	assert.Contains(t, run.InputHash, "sha256:")
	assert.Contains(t, run.OutputHash, "sha256:")
}

func TestEmbeddedExecutorStableInputHash(t *testing.T) {
	e := NewEmbeddedExecutor(func(context.Context, *contracts.Agent) (json.RawMessage, error) { return nil, nil }, time.Second)
	a, err := e.Execute(context.Background(), testAgent(contracts.ModeSandbox))
	require.NoError(t, err)
	b, err := e.Execute(context.Background(), testAgent(contracts.ModeSandbox))
	require.NoError(t, err)
	assert.Equal(t, a.InputHash, b.InputHash)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestEmbeddedExecutorError(t *testing.T) {
	e := NewEmbeddedExecutor(func(context.Context, *contracts.Agent) (json.RawMessage, error) {
		return nil, fmt.Errorf("load tool: %w", contracts.ErrNotFound)
	}, 5*time.Second)

	run, err := e.Execute(context.Background(), testAgent(contracts.ModeSandbox))
	require.NoError(t, err)
	assert.False(t, run.Success)
	require.NotNil(t, run.Error)
	assert.Equal(t, ErrCatNotFound, run.Error.Category)
	assert.Empty(t, run.OutputHash)
}

func TestEmbeddedExecutorTimeout(t *testing.T) {
	e := NewEmbeddedExecutor(func(ctx context.Context, _ *contracts.Agent) (json.RawMessage, error) {
		time.Sleep(20 * time.Millisecond)
		return json.RawMessage(`"late"`), nil
	}, time.Millisecond)

	run, err := e.Execute(context.Background(), testAgent(contracts.ModeSandbox))
	require.NoError(t, err)
	assert.False(t, run.Success)
	assert.Equal(t, ErrCatTimeout, run.Error.Category)
	assert.True(t, run.Error.Retryable)
}

func TestEmbeddedExecutorResults(t *testing.T) {
	e := NewEmbeddedExecutor(func(context.Context, *contracts.Agent) (json.RawMessage, error) { return nil, nil }, time.Second)
	e.maxHistory = 2
	for i := 0; i < 3; i++ {
		_, err := e.Execute(context.Background(), testAgent(contracts.ModeSandbox))
		require.NoError(t, err)
	}
	assert.Len(t, e.Results(), 2)

	_, err := e.Execute(context.Background(), nil)
	assert.ErrorIs(t, err, contracts.ErrInvalidInput)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err       error
		want      ErrorCategory
		retryable bool
	}{
		{context.DeadlineExceeded, ErrCatTimeout, true},
		{context.Canceled, ErrCatTransient, true},
		{contracts.ErrInvalidInput, ErrCatValidation, false},
		{contracts.Retryable("dial", errors.New("connection refused")), ErrCatTransient, true},
		{&resiliency.StatusError{StatusCode: http.StatusTooManyRequests}, ErrCatRateLimit, true},
		{&resiliency.StatusError{StatusCode: http.StatusForbidden}, ErrCatPermission, false},
		{&resiliency.StatusError{StatusCode: http.StatusNotFound}, ErrCatNotFound, false},
		{&resiliency.StatusError{StatusCode: http.StatusBadRequest}, ErrCatValidation, false},
		{errors.New("nil pointer"), ErrCatInternal, false},
	}
	for _, tt := range tests {
		got := ClassifyError("embedded", tt.err)
		assert.Equal(t, tt.want, got.Category, tt.err.Error())
		assert.Equal(t, tt.retryable, got.Retryable, tt.err.Error())
	}
}
