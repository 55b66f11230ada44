package security

// Role is the single role carried by a bearer token.
type Role string

const (
	RoleSuperAdmin            Role = "SUPER_ADMIN"
	RolePropertyManager       Role = "PROPERTY_MANAGER"
	RoleMaintenanceSupervisor Role = "MAINTENANCE_SUPERVISOR"
	RoleFinanceManager        Role = "FINANCE_MANAGER"
	RoleTenant                Role = "TENANT"
	RoleVendor                Role = "VENDOR"
)

// Known reports whether r is one of the roles the backend issues.
// Unknown roles are kept verbatim so newer backends do not break older clients.
func (r Role) Known() bool {
	switch r {
	case RoleSuperAdmin, RolePropertyManager, RoleMaintenanceSupervisor,
		RoleFinanceManager, RoleTenant, RoleVendor:
		return true
	}
	return false
}

func (r Role) String() string { return string(r) }
