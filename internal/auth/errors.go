package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("auth: not found")
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrConflict     = errors.New("auth: conflict")
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
	ErrInternal     = errors.New("auth: internal error")

	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account locked")
	ErrTotpRequired       = errors.New("auth: two-factor code required")
	ErrInvalidTotp        = errors.New("auth: invalid two-factor code")
	ErrLinkExpired        = errors.New("auth: login link expired")
	ErrLinkInvalid        = errors.New("auth: login link invalid")

	ErrWeakPassword           = errors.New("auth: weak password")
	ErrInvalidCurrentPassword = errors.New("auth: current password is incorrect")
	ErrPasswordChangeRequired = errors.New("auth: password change required")

	ErrEmployeeNotFound    = fmt.Errorf("%w: employee", ErrNotFound)
	ErrCredentialsNotFound = fmt.Errorf("%w: credentials", ErrNotFound)
	ErrSelfLockout         = errors.New("auth: cannot remove your own ADMIN role")
)

// WeakPasswordError lists every policy class a candidate password misses.
type WeakPasswordError struct {
	Missing []string
}

func (e *WeakPasswordError) Error() string {
	return "password must contain " + strings.Join(e.Missing, ", ")
}

func (e *WeakPasswordError) Is(target error) bool {
	return target == ErrWeakPassword
}

func internal(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
