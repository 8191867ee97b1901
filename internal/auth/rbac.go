package auth

// capabilities maps a capability role to every role that grants it.
// Adding a role means touching this table only.
var capabilities = map[Role][]Role{
	RoleAdmin:    {RoleAdmin},
	RoleHR:       {RoleHR, RoleAdmin},
	RoleManager:  {RoleManager, RoleHR, RoleAdmin},
	RoleEmployee: {RoleEmployee, RoleManager, RoleHR, RoleAdmin},
}

// HasRole reports whether id holds role directly. A nil identity holds nothing.
func HasRole(id *Identity, role Role) bool {
	if id == nil {
		return false
	}
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether id holds at least one of roles.
func HasAnyRole(id *Identity, roles ...Role) bool {
	for _, role := range roles {
		if HasRole(id, role) {
			return true
		}
	}
	return false
}

// Can reports whether id has the capability of role, directly or through
// a role that implies it.
func Can(id *Identity, role Role) bool {
	return HasAnyRole(id, capabilities[role]...)
}

func IsAdmin(id *Identity) bool   { return Can(id, RoleAdmin) }
func IsHR(id *Identity) bool      { return Can(id, RoleHR) }
func IsManager(id *Identity) bool { return Can(id, RoleManager) }

// authorize distinguishes an unauthenticated caller from one lacking the capability.
func authorize(id *Identity, allowed func(*Identity) bool) error {
	if id == nil {
		return ErrUnauthorized
	}
	if !allowed(id) {
		return ErrForbidden
	}
	return nil
}
