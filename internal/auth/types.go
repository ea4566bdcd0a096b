package auth

import "errors"

// Role represents an authorisation tier.
type Role string

const (
	// RoleViewer can read fleet state but change nothing.
	RoleViewer Role = "viewer"

	// RoleOperator can submit resync, domain sync and reboot tasks.
	RoleOperator Role = "operator"

	// RoleAdmin can also change the inventory and deploy firmware.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Sentinel errors.
var (
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrInvalidRole  = errors.New("auth: invalid role")
	ErrNoSecret     = errors.New("auth: signing secret not configured")
)
