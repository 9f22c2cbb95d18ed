package auth

import "slices"

// AllWorkspaces binds a principal to every workspace.
const AllWorkspaces = "*"

// Permissions checked by the API.
const (
	PermSandboxWrite     = "sandbox:write"
	PermAgentPromote     = "agent:promote"
	PermAgentStart       = "agent:start"
	PermPolicyRevalidate = "policy:revalidate"
	PermAuditRead        = "audit:read"
	PermAuthorityManage  = "authority:manage"
)

// Roles.
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
	RolePromoter  = "promoter"
	RoleOperator  = "operator"
	RoleAuditor   = "auditor"
)

var rolePermissions = map[string][]string{
	RoleDeveloper: {PermSandboxWrite, PermAgentStart, PermAuditRead},
	RolePromoter:  {PermAgentPromote, PermAuditRead},
	RoleOperator:  {PermAgentStart},
	RoleAuditor:   {PermAuditRead},
}

// Principal is the interface for any entity making a request (user,
// service account, system).
type Principal interface {
	GetID() string
	GetWorkspaceID() string
	GetRoles() []string
	HasPermission(perm string) bool
	// CanAccessWorkspace reports whether the principal may act on agents of
	// workspaceID.
	CanAccessWorkspace(workspaceID string) bool
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID          string
	WorkspaceID string
	Roles       []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetWorkspaceID() string {
	return b.WorkspaceID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

func (b *BasePrincipal) HasPermission(perm string) bool {
	for _, role := range b.Roles {
		if role == RoleAdmin || slices.Contains(rolePermissions[role], perm) {
			return true
		}
	}
	return false
}

func (b *BasePrincipal) CanAccessWorkspace(workspaceID string) bool {
	return b.WorkspaceID == AllWorkspaces || b.WorkspaceID == workspaceID
}
