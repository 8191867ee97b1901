package auth

import (
	"fmt"
	"strings"
	"time"
)

// Role is a closed set of directory roles.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleHR       Role = "HR"
	RoleManager  Role = "MANAGER"
	RoleEmployee Role = "EMPLOYEE"
)

// ParseRole accepts any casing of a known role.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(raw)))
	switch r {
	case RoleAdmin, RoleHR, RoleManager, RoleEmployee:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
}

// EmployeeStatus tracks employment lifecycle. Employees are never hard-deleted.
type EmployeeStatus string

const (
	StatusActive     EmployeeStatus = "ACTIVE"
	StatusOnLeave    EmployeeStatus = "ON_LEAVE"
	StatusTerminated EmployeeStatus = "TERMINATED"
)

// Employee is the identity anchor.
type Employee struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	FullName     string         `json:"full_name"`
	Status       EmployeeStatus `json:"status"`
	DepartmentID string         `json:"department_id,omitempty"`
	PositionID   string         `json:"position_id,omitempty"`
	ManagerID    string         `json:"manager_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Credentials are the authentication secrets and lockout state of one employee.
// An empty PasswordHash means the account signs in by email link only.
// BackupCodes hold SHA-256 digests, never the codes themselves.
type Credentials struct {
	ID                    string
	EmployeeID            string
	PasswordHash          string
	PasswordSetAt         *time.Time
	RequirePasswordChange bool
	TOTPEnabled           bool
	TOTPSecret            string
	BackupCodes           []string
	TOTPLastStep          int64
	FailedAttempts        int
	LockedUntil           *time.Time
	UpdatedAt             time.Time
}

// Locked reports whether a lockout window is open at now.
func (c Credentials) Locked(now time.Time) bool {
	return c.LockedUntil != nil && c.LockedUntil.After(now)
}

func (c *Credentials) clearTOTP() {
	c.TOTPEnabled = false
	c.TOTPSecret = ""
	c.BackupCodes = nil
	c.TOTPLastStep = 0
}

// LockoutState is the counter state after a failed attempt was recorded.
type LockoutState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// Session is the server-side record of an issued token. Only a prefix and
// a digest of the raw token are kept.
type Session struct {
	ID            string
	CredentialsID string
	TokenPrefix   string
	TokenHash     string
	Active        bool
	IssuedAt      time.Time
	ExpiresAt     time.Time
	RevokedAt     *time.Time
}

// LoginLink backs a single passwordless sign-in.
type LoginLink struct {
	ID         string
	EmployeeID string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// RoleAssignment grants one role to one employee.
type RoleAssignment struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employee_id"`
	Role       Role      `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
}

// Identity is a resolved, authenticated caller.
type Identity struct {
	Employee              Employee
	CredentialsID         string
	SessionID             string
	TokenPrefix           string
	Roles                 []Role
	RequirePasswordChange bool
}

// SystemIdentity is the actor used by operator tooling that runs with
// direct store access. It has no employee id, so audit rows record a NULL actor.
func SystemIdentity() *Identity {
	return &Identity{
		Employee: Employee{Email: "system", FullName: "system", Status: StatusActive},
		Roles:    []Role{RoleAdmin},
	}
}

// Issued is the result of a successful authentication. Token is the raw
// session token and is never persisted.
type Issued struct {
	Token    string
	Session  Session
	Identity Identity
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
