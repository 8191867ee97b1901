package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"peopledesk.org/internal/audit"
)

// ChangePassword replaces the caller's password. Accounts without a
// password may set a first one with an empty current password.
func (s *Service) ChangePassword(ctx context.Context, id *Identity, current, next string) error {
	if id == nil {
		return ErrUnauthorized
	}
	if err := CheckPasswordPolicy(next); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	creds, err := s.credentialsOf(ctx, id)
	if err != nil {
		return err
	}
	if creds.PasswordHash != "" || current != "" {
		if creds.PasswordHash == "" || VerifyPassword(creds.PasswordHash, current) != nil {
			return ErrInvalidCurrentPassword
		}
	}
	hash, err := HashPassword(next, s.bcryptCost)
	if err != nil {
		return internal("hash password", err)
	}
	now := s.now().UTC()
	firstPassword := creds.PasswordHash == ""
	creds.PasswordHash = hash
	creds.PasswordSetAt = &now
	creds.RequirePasswordChange = false
	creds.UpdatedAt = now
	if err := s.store.Credentials().Update(ctx, creds); err != nil {
		return internal("update credentials", err)
	}
	if err := s.store.Credentials().ClearLockout(ctx, creds.ID); err != nil {
		return internal("clear lockout", err)
	}
	s.record(ctx, id, audit.Event{
		Action:       audit.ActionPasswordChanged,
		ResourceType: "credentials",
		ResourceID:   creds.ID,
		NewValue:     map[string]any{"first_password": firstPassword},
	})
	return nil
}

// Enrollment is a pending 2FA setup. Ticket must be returned to confirm it.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
	Ticket string `json:"ticket"`
}

// BeginTOTPEnrollment generates a TOTP secret without storing it.
func (s *Service) BeginTOTPEnrollment(ctx context.Context, id *Identity) (Enrollment, error) {
	if id == nil {
		return Enrollment{}, ErrUnauthorized
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	creds, err := s.credentialsOf(ctx, id)
	if err != nil {
		return Enrollment{}, err
	}
	if creds.TOTPEnabled {
		return Enrollment{}, fmt.Errorf("%w: two-factor authentication is already enabled", ErrConflict)
	}
	key, err := generateTOTPKey(s.issuer, id.Employee.Email)
	if err != nil {
		return Enrollment{}, internal("generate totp key", err)
	}
	ticket, err := s.tickets.signEnrollment(id.Employee.ID, key.Secret(), s.now().UTC(), defaultEnrollmentTTL)
	if err != nil {
		return Enrollment{}, internal("sign enrollment", err)
	}
	return Enrollment{Secret: key.Secret(), URL: key.URL(), Ticket: ticket}, nil
}

// ConfirmTOTPEnrollment enables 2FA once code proves the authenticator is
// set up. The returned backup codes are shown once and never again.
func (s *Service) ConfirmTOTPEnrollment(ctx context.Context, id *Identity, ticket, code string) ([]string, error) {
	if id == nil {
		return nil, ErrUnauthorized
	}
	now := s.now().UTC()
	claims, err := s.tickets.parse(ticket, purposeEnrollment, now)
	if err != nil {
		return nil, fmt.Errorf("%w: enrollment ticket is invalid or expired", ErrInvalidInput)
	}
	if claims.Subject != id.Employee.ID || claims.TOTPSecret == "" {
		return nil, fmt.Errorf("%w: enrollment ticket is invalid or expired", ErrInvalidInput)
	}
	step, ok := matchTOTP(claims.TOTPSecret, strings.TrimSpace(code), now)
	if !ok {
		return nil, ErrInvalidTotp
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	creds, err := s.credentialsOf(ctx, id)
	if err != nil {
		return nil, err
	}
	if creds.TOTPEnabled {
		return nil, fmt.Errorf("%w: two-factor authentication is already enabled", ErrConflict)
	}
	codes, digests, err := newBackupCodes()
	if err != nil {
		return nil, internal("backup codes", err)
	}
	creds.TOTPEnabled = true
	creds.TOTPSecret = claims.TOTPSecret
	creds.BackupCodes = digests
	creds.UpdatedAt = now
	if err := s.store.Credentials().Update(ctx, creds); err != nil {
		return nil, internal("update credentials", err)
	}
	// The confirming code must not also work as a sign-in code.
	if _, err := s.store.Credentials().AdvanceTOTPStep(ctx, creds.ID, step); err != nil {
		return nil, internal("advance totp step", err)
	}
	s.record(ctx, id, audit.Event{
		Action:       audit.ActionTOTPEnabled,
		ResourceType: "credentials",
		ResourceID:   creds.ID,
		OldValue:     map[string]any{"totp_enabled": false},
		NewValue:     map[string]any{"totp_enabled": true},
	})
	return codes, nil
}

// DisableTOTP turns off the caller's 2FA after re-checking their password.
func (s *Service) DisableTOTP(ctx context.Context, id *Identity, currentPassword string) error {
	if id == nil {
		return ErrUnauthorized
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	creds, err := s.credentialsOf(ctx, id)
	if err != nil {
		return err
	}
	if creds.PasswordHash == "" || VerifyPassword(creds.PasswordHash, currentPassword) != nil {
		return ErrInvalidCurrentPassword
	}
	if !creds.TOTPEnabled {
		return nil
	}
	creds.clearTOTP()
	creds.UpdatedAt = s.now().UTC()
	if err := s.store.Credentials().Update(ctx, creds); err != nil {
		return internal("update credentials", err)
	}
	s.record(ctx, id, audit.Event{
		Action:       audit.ActionTOTPDisabled,
		ResourceType: "credentials",
		ResourceID:   creds.ID,
		OldValue:     map[string]any{"totp_enabled": true},
		NewValue:     map[string]any{"totp_enabled": false},
	})
	return nil
}

// EmergencyResult is returned by EmergencyDisable2FA.
type EmergencyResult struct {
	Employee    Employee `json:"employee"`
	TOTPEnabled bool     `json:"totpEnabled"`
}

// EmergencyDisable2FA clears 2FA for email when secret matches the
// configured break-glass secret. With no secret configured it always fails.
func (s *Service) EmergencyDisable2FA(ctx context.Context, email, secret string) (EmergencyResult, error) {
	if s.emergencySecret == "" || secret == "" || !secretsEqual(secret, s.emergencySecret) {
		return EmergencyResult{}, ErrUnauthorized
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	emp, err := s.store.Employees().FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return EmergencyResult{}, ErrEmployeeNotFound
		}
		return EmergencyResult{}, internal("find employee", err)
	}
	creds, err := s.store.Credentials().FindByEmployeeID(ctx, emp.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return EmergencyResult{}, ErrCredentialsNotFound
		}
		return EmergencyResult{}, internal("find credentials", err)
	}
	wasEnabled := creds.TOTPEnabled
	creds.clearTOTP()
	creds.UpdatedAt = s.now().UTC()
	if err := s.store.Credentials().Update(ctx, creds); err != nil {
		return EmergencyResult{}, internal("update credentials", err)
	}
	s.auditor.Record(ctx, audit.Event{
		ActorEmail:   audit.SystemActor,
		Action:       audit.ActionTOTPEmergencyDisable,
		ResourceType: "credentials",
		ResourceID:   creds.ID,
		OldValue:     map[string]any{"totp_enabled": wasEnabled},
		NewValue:     map[string]any{"totp_enabled": false},
		Metadata:     map[string]string{"employee_id": emp.ID, "review": "required"},
	})
	return EmergencyResult{Employee: emp, TOTPEnabled: false}, nil
}

// Unlock lifts a lockout and resets the failure counter.
func (s *Service) Unlock(ctx context.Context, actor *Identity, employeeID string) error {
	if err := authorize(actor, IsHR); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	creds, err := s.credentialsByEmployee(ctx, employeeID)
	if err != nil {
		return err
	}
	if err := s.store.Credentials().ClearLockout(ctx, creds.ID); err != nil {
		return internal("clear lockout", err)
	}
	s.record(ctx, actor, audit.Event{
		Action:       audit.ActionUnlock,
		ResourceType: "credentials",
		ResourceID:   creds.ID,
		OldValue:     map[string]any{"failed_attempts": creds.FailedAttempts},
		NewValue:     map[string]any{"failed_attempts": 0},
	})
	return nil
}

// RequirePasswordRotation forces the employee to choose a new password at next sign-in.
func (s *Service) RequirePasswordRotation(ctx context.Context, actor *Identity, employeeID string) error {
	if err := authorize(actor, IsHR); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	creds, err := s.credentialsByEmployee(ctx, employeeID)
	if err != nil {
		return err
	}
	if creds.RequirePasswordChange {
		return nil
	}
	creds.RequirePasswordChange = true
	creds.UpdatedAt = s.now().UTC()
	if err := s.store.Credentials().Update(ctx, creds); err != nil {
		return internal("update credentials", err)
	}
	s.record(ctx, actor, audit.Event{
		Action:       audit.ActionRotationRequired,
		ResourceType: "credentials",
		ResourceID:   creds.ID,
		NewValue:     map[string]any{"require_password_change": true},
	})
	return nil
}

// EmployeeByEmail looks up an employee for operator tooling.
func (s *Service) EmployeeByEmail(ctx context.Context, actor *Identity, email string) (Employee, error) {
	if err := authorize(actor, IsHR); err != nil {
		return Employee{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	emp, err := s.store.Employees().FindByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Employee{}, ErrEmployeeNotFound
		}
		return Employee{}, internal("find employee", err)
	}
	return emp, nil
}

func (s *Service) credentialsOf(ctx context.Context, id *Identity) (Credentials, error) {
	var (
		creds Credentials
		err   error
	)
	if id.CredentialsID != "" {
		creds, err = s.store.Credentials().FindByID(ctx, id.CredentialsID)
	} else {
		creds, err = s.store.Credentials().FindByEmployeeID(ctx, id.Employee.ID)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Credentials{}, ErrCredentialsNotFound
		}
		return Credentials{}, internal("find credentials", err)
	}
	return creds, nil
}

func (s *Service) credentialsByEmployee(ctx context.Context, employeeID string) (Credentials, error) {
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return Credentials{}, fmt.Errorf("%w: employee id is required", ErrInvalidInput)
	}
	if _, err := s.store.Employees().FindByID(ctx, employeeID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Credentials{}, ErrEmployeeNotFound
		}
		return Credentials{}, internal("find employee", err)
	}
	creds, err := s.store.Credentials().FindByEmployeeID(ctx, employeeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Credentials{}, ErrCredentialsNotFound
		}
		return Credentials{}, internal("find credentials", err)
	}
	return creds, nil
}
