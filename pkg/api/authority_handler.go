package api

import (
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/agentgov/pkg/auth"
	"github.com/Mindburn-Labs/agentgov/pkg/contracts"
)

// RevokeAuthorityRequest is the wire format for revoking a signing authority.
type RevokeAuthorityRequest struct {
	Reason string `json:"reason"`
}

// handleRevokeAuthority handles POST /api/v1/authorities/{authority}/revoke.
// Proofs signed by a revoked authority stop admitting on the next attempt.
func (s *Server) handleRevokeAuthority(w http.ResponseWriter, r *http.Request) {
	p, authority, ok := s.authorityRequest(w, r)
	if !ok {
		return
	}
	var req RevokeAuthorityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "reason is required")
		return
	}
	if err := s.deps.Revocations.Revoke(r.Context(), authority, req.Reason); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	s.deps.Audit.Record(r.Context(), contracts.AuditEvent{
		Code:     contracts.EventAuthorityRevoked,
		ActorID:  p.GetID(),
		Decision: contracts.DecisionDeny,
		Reason:   req.Reason,
		Details:  map[string]any{"authority": authority},
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "authority_revoked",
		"authority": authority,
	})
}

// handleReinstateAuthority handles POST /api/v1/authorities/{authority}/reinstate.
func (s *Server) handleReinstateAuthority(w http.ResponseWriter, r *http.Request) {
	p, authority, ok := s.authorityRequest(w, r)
	if !ok {
		return
	}
	if err := s.deps.Revocations.Reinstate(r.Context(), authority); err != nil {
		WriteServiceError(w, r, err)
		return
	}
	s.deps.Audit.Record(r.Context(), contracts.AuditEvent{
		Code:     contracts.EventAuthorityReinstated,
		ActorID:  p.GetID(),
		Decision: contracts.DecisionAllow,
		Details:  map[string]any{"authority": authority},
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "authority_reinstated",
		"authority": authority,
	})
}

// Authorities are global, so only principals bound to every workspace may
// manage them.
func (s *Server) authorityRequest(w http.ResponseWriter, r *http.Request) (auth.Principal, string, bool) {
	p, ok := s.authorize(w, r, auth.PermAuthorityManage)
	if !ok {
		return nil, "", false
	}
	if p.GetWorkspaceID() != auth.AllWorkspaces {
		WriteErrorR(w, r, http.StatusForbidden, "Forbidden", "authority management requires a global principal")
		return nil, "", false
	}
	authority := strings.TrimSpace(r.PathValue("authority"))
	if authority == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "authority is required")
		return nil, "", false
	}
	return p, authority, true
}
