package users

import "strings"

// Role is the job an actor performs in the inspection workflow.
type Role string

const (
	RoleInspector Role = "inspector"
	RoleEncargado Role = "encargado"
	RoleJefe      Role = "jefe"
	RoleAdmin     Role = "admin"
)

// Capability is an operation gated by role.
type Capability string

const (
	CapabilityView           Capability = "view"
	CapabilityEditDraft      Capability = "edit_draft"
	CapabilityConfirmDraft   Capability = "confirm_draft"
	CapabilityTakeOver       Capability = "take_over"
	CapabilityFinalize       Capability = "finalize"
	CapabilityDiscardDraft   Capability = "discard_draft"
	CapabilityConfigureQuota Capability = "configure_quota"
)

// Can reports whether role grants capability.
func Can(role Role, capability Capability) bool {
	if capability == CapabilityView {
		return role.Valid()
	}
	if role.Reviewer() {
		return capability == CapabilityConfirmDraft
	}
	switch role {
	case RoleAdmin:
		return capability == CapabilityEditDraft || capability == CapabilityFinalize ||
			capability == CapabilityDiscardDraft || capability == CapabilityConfigureQuota
	case RoleInspector:
		return capability == CapabilityEditDraft || capability == CapabilityTakeOver ||
			capability == CapabilityFinalize || capability == CapabilityDiscardDraft
	default:
		return false
	}
}

// ParseRole maps a role claim to a Role. Unknown values yield the empty role, which
// grants nothing.
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "inspector":
		return RoleInspector
	case "encargado", "supervisor":
		return RoleEncargado
	case "jefe", "chief":
		return RoleJefe
	case "admin", "administrador":
		return RoleAdmin
	default:
		return ""
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleInspector, RoleEncargado, RoleJefe, RoleAdmin:
		return true
	default:
		return false
	}
}

// Reviewer reports whether r co-signs drafts.
func (r Role) Reviewer() bool {
	return r == RoleEncargado || r == RoleJefe
}

// rolePrecedence orders roles when a session carries several.
var rolePrecedence = []Role{RoleAdmin, RoleJefe, RoleEncargado, RoleInspector}

// PrimaryRole picks the highest known role among raw claims.
func PrimaryRole(raw []string) Role {
	present := make(map[Role]struct{}, len(raw))
	for _, value := range raw {
		if role := ParseRole(value); role != "" {
			present[role] = struct{}{}
		}
	}
	for _, role := range rolePrecedence {
		if _, ok := present[role]; ok {
			return role
		}
	}
	return ""
}
