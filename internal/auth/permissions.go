package auth

// Permission represents a named capability in the system.
type Permission string

// Permission constants.
const (
	PermFleetRead       Permission = "fleet:read"
	PermTaskSubmit      Permission = "task:submit"
	PermInventoryManage Permission = "inventory:manage"
	PermFirmwareDeploy  Permission = "firmware:deploy"
	PermAuditRead       Permission = "audit:read"
)

// rolePermissions maps each role to its granted permissions.
// This is the single source of truth for the authorisation model.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermFleetRead,
	},
	RoleOperator: {
		PermFleetRead,
		PermTaskSubmit,
	},
	RoleAdmin: {
		PermFleetRead,
		PermTaskSubmit,
		PermInventoryManage,
		PermFirmwareDeploy,
		PermAuditRead,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == perm {
			return true
		}
	}
	return false
}
