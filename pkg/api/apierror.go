// Package api exposes the governance control plane over HTTP. Every error
// response is an RFC 7807 problem document.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/agentgov/pkg/auth"
	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

const problemTypeBase = "https://agentgov.mindburn.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID is the request ID of the failing request.
	TraceID string `json:"trace_id,omitempty"`
	// ErrorCodes carries the machine-readable governance codes of a denial.
	ErrorCodes []string `json:"error_codes,omitempty"`
	// Reasons carries the human-readable reasons of a denial.
	Reasons []string `json:"reasons,omitempty"`
	// Violations lists the policy rules that denied a promotion.
	Violations []contracts.PolicyDeny `json:"violations,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("%s%d", problemTypeBase, p.Status)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteErrorR writes an RFC 7807 response enriched with request context
// (trace_id from the request ID, instance from the request path).
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  auth.GetRequestID(r.Context()),
	})
}

// WriteDenied writes a governance denial. Status is 403 for admission and
// 422 for promotion.
func WriteDenied(w http.ResponseWriter, r *http.Request, status int, d contracts.Decision) {
	writeProblem(w, &ProblemDetail{
		Type:       problemTypeBase + "governance-denied",
		Title:      "Governance Denied",
		Status:     status,
		Detail:     "the request was denied by governance checks",
		Instance:   r.URL.Path,
		TraceID:    auth.GetRequestID(r.Context()),
		ErrorCodes: d.ErrorCodes,
		Reasons:    d.Reasons,
	})
}

// WriteServiceError maps a domain error to its HTTP status. Errors that
// match no sentinel are internal and never exposed.
func WriteServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, contracts.ErrContainmentViolation):
		writeProblem(w, &ProblemDetail{
			Title:    "Containment Violation",
			Status:   http.StatusUnprocessableEntity,
			Detail:   err.Error(),
			Instance: r.URL.Path,
			TraceID:  auth.GetRequestID(r.Context()),
		})
	case errors.Is(err, contracts.ErrNotFound):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, contracts.ErrInvalidInput):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, contracts.ErrInvalidMode),
		errors.Is(err, contracts.ErrSandboxExpired),
		errors.Is(err, contracts.ErrConflict):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	case contracts.IsRetryable(err):
		slog.Warn("dependency unavailable", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "5")
		WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "A dependency is temporarily unavailable.")
	default:
		WriteInternal(w, err)
	}
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="agentgov"`)
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
