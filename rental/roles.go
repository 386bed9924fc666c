package rental

// =============================================================================
// ROLES - Project membership facts supplied by the identity collaborator
// =============================================================================

type Role string

const (
	RoleOwner          Role = "owner"
	RoleFinancialAdmin Role = "financial_admin"
	RoleTechnicalAdmin Role = "technical_admin"
	RoleMember         Role = "member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleFinancialAdmin, RoleTechnicalAdmin, RoleMember:
		return true
	}
	return false
}

// Membership links an actor to a project with one role.
type Membership struct {
	ProjectID string
	ActorID   string
	Role      Role
}

// The functions below are pure (role -> bool). Entry points never look roles
// up themselves; callers evaluate these and pass the booleans in.

// CanBook: any member may request reservations charged to the project.
func CanBook(m *Membership) bool {
	return m != nil && m.Role.Valid()
}

// CanManageAllocation: owners and financial admins edit the cost split.
func CanManageAllocation(m *Membership) bool {
	return m != nil && (m.Role == RoleOwner || m.Role == RoleFinancialAdmin)
}

// CanCancelForProject: owners and technical admins may cancel any of the
// project's reservations, not only their own.
func CanCancelForProject(m *Membership) bool {
	return m != nil && (m.Role == RoleOwner || m.Role == RoleTechnicalAdmin)
}
