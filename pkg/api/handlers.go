package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/agentgov/pkg/admission"
	"github.com/Mindburn-Labs/agentgov/pkg/audit"
	"github.com/Mindburn-Labs/agentgov/pkg/auth"
	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
	"github.com/Mindburn-Labs/agentgov/pkg/crypto"
	"github.com/Mindburn-Labs/agentgov/pkg/policy"
	"github.com/Mindburn-Labs/agentgov/pkg/promotion"
	"github.com/Mindburn-Labs/agentgov/pkg/revalidation"
	"github.com/Mindburn-Labs/agentgov/pkg/runtime"
	"github.com/Mindburn-Labs/agentgov/pkg/sandbox"
	"github.com/Mindburn-Labs/agentgov/pkg/store"
)

const maxBodyBytes = 1 << 20

// Deps are the services behind the HTTP surface. Runtime is optional; the
// start route answers 501 without it.
type Deps struct {
	Agents       store.AgentStore
	Sandboxes    *sandbox.Lifecycle
	Promoter     *promotion.Engine
	Admission    *admission.Controller
	Runtime      *runtime.Selector
	Revalidation *revalidation.Workflow
	Policy       policy.Source
	Audit        *audit.Logger
	Exporter     *audit.Exporter
	Revocations  crypto.RevocationList
}

// Server serves the governance API.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps, logger: slog.Default().With("component", "api")}
}

// Routes lists every route the server registers, in registration order.
var Routes = []string{
	"GET /health",
	"POST /api/v1/sandboxes",
	"PATCH /api/v1/sandboxes/{id}/anatomy",
	"GET /api/v1/agents/{id}",
	"POST /api/v1/agents/{id}/promote",
	"POST /api/v1/agents/{id}/admit",
	"POST /api/v1/agents/{id}/start",
	"GET /api/v1/agents/{id}/audit",
	"GET /api/v1/agents/{id}/audit/export",
	"POST /api/v1/policy/revalidate",
	"GET /api/v1/audit",
	"POST /api/v1/authorities/{authority}/revoke",
	"POST /api/v1/authorities/{authority}/reinstate",
}

// RegisterRoutes registers the API on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	handlers := []http.HandlerFunc{
		s.handleHealth,
		s.handleCreateSandbox,
		s.handleUpdateAnatomy,
		s.handleGetAgent,
		s.handlePromote,
		s.handleAdmit,
		s.handleStart,
		s.handleAgentAudit,
		s.handleExportAudit,
		s.handleRevalidate,
		s.handleRecentAudit,
		s.handleRevokeAuthority,
		s.handleReinstateAuthority,
	}
	for i, pattern := range Routes {
		mux.HandleFunc(pattern, handlers[i])
	}
}

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Handler returns the routed API wrapped in middleware, outermost first.
// Request IDs are always assigned before any of them runs.
func (s *Server) Handler(middleware ...Middleware) http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	var h http.Handler = mux
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return auth.RequestIDMiddleware(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.PermSandboxWrite)
	if !ok {
		return
	}
	var in sandbox.CreateInput
	if !decodeBody(w, r, &in) {
		return
	}
	if in.WorkspaceID == "" {
		in.WorkspaceID = p.GetWorkspaceID()
	}
	if in.WorkspaceID == auth.AllWorkspaces || !p.CanAccessWorkspace(in.WorkspaceID) {
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", "workspace not accessible")
		return
	}
	agent, err := s.deps.Sandboxes.CreateSandbox(r.Context(), in)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

type anatomyRequest struct {
	Anatomy contracts.Anatomy `json:"anatomy"`
}

func (s *Server) handleUpdateAnatomy(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.PermSandboxWrite)
	if !ok {
		return
	}
	agent, ok := s.loadAgent(w, r, p)
	if !ok {
		return
	}
	var req anatomyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	updated, err := s.deps.Sandboxes.UpdateSandbox(r.Context(), agent.ID, req.Anatomy)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, "")
	if !ok {
		return
	}
	agent, ok := s.loadAgent(w, r, p)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.PermAgentPromote)
	if !ok {
		return
	}
	agent, ok := s.loadAgent(w, r, p)
	if !ok {
		return
	}
	result, err := s.deps.Promoter.Promote(r.Context(), agent.ID, p.GetID())
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	if !result.Allowed {
		writeProblem(w, &ProblemDetail{
			Type:       problemTypeBase + "promotion-denied",
			Title:      "Promotion Denied",
			Status:     http.StatusUnprocessableEntity,
			Detail:     fmt.Sprintf("%d policy rule(s) denied the promotion", len(result.Denies)),
			Instance:   r.URL.Path,
			TraceID:    auth.GetRequestID(r.Context()),
			Violations: result.Denies,
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.PermAgentStart)
	if !ok {
		return
	}
	agent, ok := s.loadAgent(w, r, p)
	if !ok {
		return
	}
	adm := s.deps.Admission.Admit(r.Context(), agent.ID)
	if !adm.Decision.Allow || adm.Decision.Deny {
		WriteDenied(w, r, http.StatusForbidden, adm.Decision)
		return
	}
	writeJSON(w, http.StatusOK, adm)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.PermAgentStart)
	if !ok {
		return
	}
	if s.deps.Runtime == nil {
		WriteErrorR(w, r, http.StatusNotImplemented, "Not Implemented", "no runtime configured")
		return
	}
	agent, ok := s.loadAgent(w, r, p)
	if !ok {
		return
	}
	run, err := s.deps.Runtime.Start(r.Context(), agent.ID)
	var denied *runtime.DeniedError
	switch {
	case errors.As(err, &denied):
		WriteDenied(w, r, http.StatusForbidden, denied.Decision)
		return
	case err != nil:
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAgentAudit(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.PermAuditRead)
	if !ok {
		return
	}
	agent, ok := s.loadAgent(w, r, p)
	if !ok {
		return
	}
	s.flushAudit(r)
	events, err := s.deps.Audit.LogsByAgentFromStore(r.Context(), agent.ID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.PermAuditRead)
	if !ok {
		return
	}
	agent, ok := s.loadAgent(w, r, p)
	if !ok {
		return
	}
	s.flushAudit(r)
	pack, checksum, err := s.deps.Exporter.GeneratePack(r.Context(), agent.ID)
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="agent-%d-audit.zip"`, agent.ID))
	w.Header().Set("X-Checksum-SHA256", checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pack)
}

type revalidateRequest struct {
	WorkspaceID string `json:"workspace_id"`
	PolicyHash  string `json:"policy_hash"`
}

func (s *Server) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.PermPolicyRevalidate)
	if !ok {
		return
	}
	var req revalidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.WorkspaceID == "" && p.GetWorkspaceID() != auth.AllWorkspaces {
		req.WorkspaceID = p.GetWorkspaceID()
	}
	if req.WorkspaceID != "" && !p.CanAccessWorkspace(req.WorkspaceID) {
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", "workspace not accessible")
		return
	}
	var (
		summary *revalidation.Summary
		err     error
	)
	switch {
	case req.WorkspaceID == "" && req.PolicyHash == "":
		summary, err = s.deps.Revalidation.ExecuteCurrent(r.Context(), policy.CurrentHash(s.deps.Policy))
	case req.WorkspaceID == "":
		summary, err = s.deps.Revalidation.ExecuteRevalidation(r.Context(), req.PolicyHash)
	default:
		if req.PolicyHash == "" {
			req.PolicyHash, err = policy.CurrentHash(s.deps.Policy)(r.Context(), req.WorkspaceID)
			if err != nil {
				WriteServiceError(w, r, err)
				return
			}
		}
		summary, err = s.deps.Revalidation.ExecuteWorkspace(r.Context(), req.WorkspaceID, req.PolicyHash)
	}
	if err != nil {
		WriteServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	p, ok := s.authorize(w, r, auth.PermAuditRead)
	if !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	var events []contracts.AuditEvent
	if r.URL.Query().Get("source") == "store" {
		s.flushAudit(r)
		stored, err := s.deps.Audit.RecentLogsFromStore(r.Context(), limit)
		if err != nil {
			WriteServiceError(w, r, err)
			return
		}
		for _, e := range stored {
			events = append(events, *e)
		}
	} else {
		events = s.deps.Audit.RecentLogs(limit)
	}

	visible := make([]contracts.AuditEvent, 0, len(events))
	for _, e := range events {
		if e.WorkspaceID == "" && p.GetWorkspaceID() != auth.AllWorkspaces {
			continue
		}
		if e.WorkspaceID != "" && !p.CanAccessWorkspace(e.WorkspaceID) {
			continue
		}
		visible = append(visible, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": visible})
}

// flushAudit waits for queued events so durable reads see this process's
// own writes.
func (s *Server) flushAudit(r *http.Request) {
	if err := s.deps.Audit.Flush(r.Context()); err != nil {
		s.logger.WarnContext(r.Context(), "audit flush failed", "error", err)
	}
}

// authorize requires an authenticated principal holding perm. An empty
// perm only requires authentication.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, perm string) (auth.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return nil, false
	}
	if perm != "" && !p.HasPermission(perm) {
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", "missing permission "+perm)
		return nil, false
	}
	return p, true
}

// loadAgent resolves the {id} path value. Agents outside the principal's
// workspace are reported as missing.
func (s *Server) loadAgent(w http.ResponseWriter, r *http.Request, p auth.Principal) (*contracts.Agent, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "agent id must be a positive integer")
		return nil, false
	}
	agent, err := s.deps.Agents.GetAgent(r.Context(), id)
	if errors.Is(err, contracts.ErrNotFound) || (err == nil && !p.CanAccessWorkspace(agent.WorkspaceID)) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", fmt.Sprintf("agent %d not found", id))
		return nil, false
	}
	if err != nil {
		WriteServiceError(w, r, err)
		return nil, false
	}
	return agent, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
