package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleBuyer      = "buyer"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsAdmin(role string) bool { return role == RoleAdmin || role == RoleSuperAdmin }

func Valid(role string) bool {
	switch role {
	case RoleBuyer, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}
