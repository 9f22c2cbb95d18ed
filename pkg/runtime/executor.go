// Package runtime starts admitted agents on an embedded or remote executor.
//
// Every run produces a Run envelope: stable input/output hashes and a
// consistent error taxonomy regardless of where the agent executed.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/util/resiliency"
)

// ErrorCategory classifies run failures consistently.
type ErrorCategory string

const (
	ErrCatTransient  ErrorCategory = "TRANSIENT"  // Retry may succeed
	ErrCatPermission ErrorCategory = "PERMISSION" // Auth/authz failure
	ErrCatRateLimit  ErrorCategory = "RATE_LIMIT" // Throttled
	ErrCatTimeout    ErrorCategory = "TIMEOUT"    // Timed out
	ErrCatValidation ErrorCategory = "VALIDATION" // Bad input
	ErrCatNotFound   ErrorCategory = "NOT_FOUND"  // Resource missing
	ErrCatInternal   ErrorCategory = "INTERNAL"   // Bug or unexpected
)

// ClassifiedError is a run failure with its taxonomy classification.
type ClassifiedError struct {
	Category  ErrorCategory `json:"category"`
	Code      string        `json:"code"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
	Executor  string        `json:"executor"`
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Run is the structured outcome of one agent execution.
type Run struct {
	ID          string           `json:"id"`
	AgentID     int64            `json:"agent_id"`
	WorkspaceID string           `json:"workspace_id"`
	Executor    string           `json:"executor"`
	Success     bool             `json:"success"`
	Output      json.RawMessage  `json:"output,omitempty"`
	Error       *ClassifiedError `json:"error,omitempty"`
	Duration    time.Duration    `json:"duration"`
	InputHash   string           `json:"input_hash"`
	OutputHash  string           `json:"output_hash,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
}

// Executor runs an admitted agent. A failed run is reported on the Run;
// the error return is reserved for failures to reach the executor at all.
type Executor interface {
	Name() string
	Execute(ctx context.Context, agent *contracts.Agent) (*Run, error)
}

// RunFunc is the in-process body of an embedded run.
type RunFunc func(ctx context.Context, agent *contracts.Agent) (json.RawMessage, error)

// EmbeddedExecutor runs agents in-process under a deadline.
type EmbeddedExecutor struct {
	mu         sync.Mutex
	fn         RunFunc
	timeout    time.Duration
	maxHistory int
	runs       []Run
	clock      func() time.Time
}

// NewEmbeddedExecutor creates an executor that calls fn with at most timeout.
func NewEmbeddedExecutor(fn RunFunc, timeout time.Duration) *EmbeddedExecutor {
	return &EmbeddedExecutor{
		fn:         fn,
		timeout:    timeout,
		maxHistory: 256,
		clock:      time.Now,
	}
}

// WithClock overrides clock for testing.
func (e *EmbeddedExecutor) WithClock(clock func() time.Time) *EmbeddedExecutor {
	e.clock = clock
	return e
}

func (e *EmbeddedExecutor) Name() string { return "embedded" }

// Execute runs the agent and records the result.
func (e *EmbeddedExecutor) Execute(ctx context.Context, agent *contracts.Agent) (*Run, error) {
	if agent == nil {
		return nil, fmt.Errorf("runtime: embedded: %w", contracts.ErrInvalidInput)
	}
	inputHash, err := hashJSON(agent)
	if err != nil {
		return nil, fmt.Errorf("runtime: embedded: hash input: %w", err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := e.clock()
	output, runErr := e.fn(ctx, agent)
	if runErr == nil && ctx.Err() != nil {
		// The body ignored its context; a late answer is still a timeout.
		runErr = ctx.Err()
	}

	run := &Run{
		ID:          uuid.NewString(),
		AgentID:     agent.ID,
		WorkspaceID: agent.WorkspaceID,
		Executor:    e.Name(),
		InputHash:   inputHash,
		Duration:    e.clock().Sub(start),
		StartedAt:   start,
	}
	if runErr != nil {
		run.Error = ClassifyError(e.Name(), runErr)
	} else {
		run.Success = true
		run.Output = output
		run.OutputHash = hashBytes(output)
	}

	e.mu.Lock()
	e.runs = append(e.runs, *run)
	if len(e.runs) > e.maxHistory {
		e.runs = e.runs[len(e.runs)-e.maxHistory:]
	}
	e.mu.Unlock()
	return run, nil
}

// Results returns the most recent runs, oldest first.
func (e *EmbeddedExecutor) Results() []Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := make([]Run, len(e.runs))
	copy(r, e.runs)
	return r
}

// ClassifyError maps a run failure to the taxonomy.
func ClassifyError(executor string, err error) *ClassifiedError {
	msg := err.Error()
	classified := func(cat ErrorCategory, code string, retryable bool) *ClassifiedError {
		return &ClassifiedError{Category: cat, Code: code, Message: msg, Retryable: retryable, Executor: executor}
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	var se *resiliency.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return classified(ErrCatRateLimit, "RATE_LIMITED", true)
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return classified(ErrCatPermission, "AUTH_FAILURE", false)
		case se.StatusCode == http.StatusNotFound:
			return classified(ErrCatNotFound, "NOT_FOUND", false)
		case se.StatusCode >= 500:
			return classified(ErrCatTransient, "UPSTREAM_UNAVAILABLE", true)
		default:
			return classified(ErrCatValidation, "VALIDATION", false)
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return classified(ErrCatTimeout, "TIMEOUT", true)
	case errors.Is(err, context.Canceled):
		return classified(ErrCatTransient, "CANCELED", true)
	case errors.Is(err, contracts.ErrNotFound):
		return classified(ErrCatNotFound, "NOT_FOUND", false)
	case errors.Is(err, contracts.ErrInvalidInput):
		return classified(ErrCatValidation, "VALIDATION", false)
	case contracts.IsRetryable(err):
		return classified(ErrCatTransient, "TRANSIENT", true)
	default:
		return classified(ErrCatInternal, "INTERNAL", false)
	}
}

func hashJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return hashBytes(data), nil
}

func hashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(h[:])
}
