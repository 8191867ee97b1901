package auth

import (
	"context"
	"time"

	"peopledesk.org/internal/audit"
)

// Store describes persistence operations required by the auth subsystem.
// Every method is a single-record operation; implementations must make
// RecordFailedAttempt, ConsumeBackupCode, AdvanceTOTPStep and
// LoginLinkStore.Consume atomic.
type Store interface {
	Employees() EmployeeStore
	Credentials() CredentialStore
	Sessions() SessionStore
	LoginLinks() LoginLinkStore
	Roles() RoleStore
	Audit() audit.Store
}

// EmployeeStore reads the directory. Emails are stored normalised.
type EmployeeStore interface {
	FindByEmail(ctx context.Context, email string) (Employee, error)
	FindByID(ctx context.Context, id string) (Employee, error)
}

// CredentialStore manages credential records.
type CredentialStore interface {
	FindByEmployeeID(ctx context.Context, employeeID string) (Credentials, error)
	FindByID(ctx context.Context, id string) (Credentials, error)
	// Update writes password, rotation and 2FA fields. Lockout state and the
	// last accepted TOTP step are left alone, except that the step resets
	// when 2FA is disabled.
	Update(ctx context.Context, c Credentials) error
	// RecordFailedAttempt increments the counter unless a lockout is open
	// at now, engaging a lockout until now+lockFor when the counter reaches
	// threshold. A counter left over from an expired lockout starts again
	// at 1. Returns ErrAccountLocked when the lockout was already open.
	RecordFailedAttempt(ctx context.Context, id string, now time.Time, threshold int, lockFor time.Duration) (LockoutState, error)
	// ClearLockout resets the counter and lifts any lockout.
	ClearLockout(ctx context.Context, id string) error
	// ConsumeBackupCode removes digest from the list; false when absent.
	ConsumeBackupCode(ctx context.Context, id, digest string) (bool, error)
	// AdvanceTOTPStep stores step as the last accepted TOTP step when it is
	// later than the stored one; false means the step was already used.
	AdvanceTOTPStep(ctx context.Context, id string, step int64) (bool, error)
}

// SessionStore manages issued sessions. Rows are never deleted.
type SessionStore interface {
	Create(ctx context.Context, s Session) error
	FindActive(ctx context.Context, prefix string) (Session, error)
	RevokeByPrefix(ctx context.Context, credentialsID, prefix string, at time.Time) (int64, error)
}

// LoginLinkStore manages passwordless link records.
type LoginLinkStore interface {
	Create(ctx context.Context, link LoginLink) error
	// Find returns a link whether or not it is used or expired.
	// Returns ErrNotFound when no such link exists.
	Find(ctx context.Context, id string) (LoginLink, error)
	// Consume marks an unexpired, unconsumed link as used at at.
	// Returns ErrNotFound when no such link exists.
	Consume(ctx context.Context, id string, at time.Time) (LoginLink, error)
}

// RoleStore manages role assignments.
type RoleStore interface {
	ListAssignments(ctx context.Context, employeeID string) ([]RoleAssignment, error)
	Find(ctx context.Context, id string) (RoleAssignment, error)
	Create(ctx context.Context, employeeID string, role Role) (RoleAssignment, error)
	Delete(ctx context.Context, id string) error
}
