package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Mindburn-Labs/agentgov/pkg/api"
	"github.com/Mindburn-Labs/agentgov/pkg/auth"
	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	var problem api.ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return problem
}

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	problem := decodeProblem(t, w)
	if problem.Status != 400 {
		t.Errorf("expected problem.status=400, got %d", problem.Status)
	}
	if problem.Type == "" {
		t.Error("expected problem type URI")
	}
	if problem.Detail != "field is missing" {
		t.Errorf("expected detail 'field is missing', got %q", problem.Detail)
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	problem := decodeProblem(t, w)
	if problem.Detail == "pq: connection refused to host=10.0.0.1" {
		t.Error("internal error details leaked to client")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestWriteUnauthorized_DefaultDetail(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteUnauthorized(w, "")

	if problem := decodeProblem(t, w); problem.Detail != "Authentication required" {
		t.Errorf("expected default detail, got %q", problem.Detail)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate challenge")
	}
}

func TestWriteErrorR_EnrichesWithRequestContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/v1/audit", nil)
	req = req.WithContext(auth.WithRequestID(req.Context(), "req-123"))
	w := httptest.NewRecorder()

	api.WriteErrorR(w, req, http.StatusBadRequest, "Bad Request", "bad input")

	problem := decodeProblem(t, w)
	if problem.Instance != "/api/v1/audit" {
		t.Fatalf("expected instance %q, got %q", "/api/v1/audit", problem.Instance)
	}
	if problem.TraceID != "req-123" {
		t.Fatalf("expected trace_id %q, got %q", "req-123", problem.TraceID)
	}
}

func TestWriteDenied_CarriesCodes(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/agents/1/admit", nil)
	w := httptest.NewRecorder()
	api.WriteDenied(w, req, http.StatusForbidden, contracts.Denied(contracts.CodePolicyHashMismatch, "policy changed"))

	problem := decodeProblem(t, w)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
	if len(problem.ErrorCodes) != 1 || problem.ErrorCodes[0] != contracts.CodePolicyHashMismatch {
		t.Errorf("expected POLICY_HASH_MISMATCH, got %v", problem.ErrorCodes)
	}
	if len(problem.Reasons) != 1 {
		t.Errorf("expected one reason, got %v", problem.Reasons)
	}
}

func TestWriteServiceError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("store: get agent 9: %w", contracts.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("sandbox: %w", contracts.ErrInvalidInput), http.StatusBadRequest},
		{&contracts.ContainmentViolationError{Constraints: []string{"externalCalls"}}, http.StatusUnprocessableEntity},
		{contracts.ErrInvalidMode, http.StatusConflict},
		{contracts.ErrSandboxExpired, http.StatusConflict},
		{contracts.ErrConflict, http.StatusConflict},
		{contracts.Retryable("policy: fetch", errors.New("timeout")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		api.WriteServiceError(w, httptest.NewRequest("GET", "/x", nil), tt.err)
		if w.Code != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, w.Code)
		}
	}
}
