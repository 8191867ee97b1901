package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"peopledesk.org/internal/audit"
	"peopledesk.org/internal/ids"
	"peopledesk.org/internal/mail"
	"peopledesk.org/internal/obs"
)

// LoginInput carries password credentials and an optional second factor.
// TOTPCode may also hold a backup code.
type LoginInput struct {
	Email    string
	Password string
	TOTPCode string
}

// Login verifies a password and second factor and issues a session.
func (s *Service) Login(ctx context.Context, in LoginInput) (Issued, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	email := NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		obs.ObserveLogin("invalid")
		return Issued{}, ErrInvalidCredentials
	}
	now := s.now().UTC()

	emp, creds, err := s.accountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.burnHash(in.Password)
			obs.ObserveLogin("invalid")
		}
		return Issued{}, err
	}
	if creds.PasswordHash == "" {
		s.burnHash(in.Password)
		obs.ObserveLogin("invalid")
		return Issued{}, ErrInvalidCredentials
	}
	if creds.Locked(now) {
		obs.ObserveLogin("locked")
		return Issued{}, ErrAccountLocked
	}
	if err := VerifyPassword(creds.PasswordHash, in.Password); err != nil {
		return Issued{}, s.rejectAttempt(ctx, emp, creds, now, ErrInvalidCredentials, "password")
	}
	if err := s.checkSecondFactor(ctx, emp, &creds, in.TOTPCode, now); err != nil {
		return Issued{}, err
	}
	return s.issue(ctx, emp, creds, now, "password")
}

// accountByEmail loads an employee able to sign in and their credentials.
// Every reason an account cannot sign in collapses to ErrInvalidCredentials.
func (s *Service) accountByEmail(ctx context.Context, email string) (Employee, Credentials, error) {
	emp, err := s.store.Employees().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Employee{}, Credentials{}, ErrInvalidCredentials
		}
		return Employee{}, Credentials{}, internal("find employee", err)
	}
	return s.accountFor(ctx, emp)
}

func (s *Service) accountFor(ctx context.Context, emp Employee) (Employee, Credentials, error) {
	if emp.Status == StatusTerminated {
		return Employee{}, Credentials{}, ErrInvalidCredentials
	}
	creds, err := s.store.Credentials().FindByEmployeeID(ctx, emp.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Employee{}, Credentials{}, ErrInvalidCredentials
		}
		return Employee{}, Credentials{}, internal("find credentials", err)
	}
	return emp, creds, nil
}

// checkSecondFactor enforces TOTP when enabled. A supplied code that is
// neither a fresh TOTP nor an unused backup code counts as a failed attempt.
// A TOTP code is accepted once; reusing it inside its window fails.
func (s *Service) checkSecondFactor(ctx context.Context, emp Employee, creds *Credentials, code string, now time.Time) error {
	if !creds.TOTPEnabled {
		return nil
	}
	code = strings.TrimSpace(code)
	if code == "" {
		obs.ObserveLogin("totp_required")
		return ErrTotpRequired
	}
	if step, ok := matchTOTP(creds.TOTPSecret, code, now); ok {
		fresh, err := s.store.Credentials().AdvanceTOTPStep(ctx, creds.ID, step)
		if err != nil {
			return internal("advance totp step", err)
		}
		if fresh {
			return nil
		}
		return s.rejectAttempt(ctx, emp, *creds, now, ErrInvalidTotp, "totp_reused")
	}
	if looksLikeBackupCode(code) {
		ok, err := s.store.Credentials().ConsumeBackupCode(ctx, creds.ID, digestBackupCode(code))
		if err != nil {
			return internal("consume backup code", err)
		}
		if ok {
			s.record(ctx, nil, audit.Event{
				ActorID:      emp.ID,
				ActorEmail:   emp.Email,
				Action:       audit.ActionBackupCodeUsed,
				ResourceType: "credentials",
				ResourceID:   creds.ID,
			})
			return nil
		}
	}
	return s.rejectAttempt(ctx, emp, *creds, now, ErrInvalidTotp, "totp")
}

// rejectAttempt records a failed attempt and returns cause, or
// ErrAccountLocked when a concurrent failure opened the lock first.
func (s *Service) rejectAttempt(ctx context.Context, emp Employee, creds Credentials, now time.Time, cause error, stage string) error {
	state, err := s.store.Credentials().RecordFailedAttempt(ctx, creds.ID, now, s.lockoutThreshold, s.lockoutDuration)
	if err != nil {
		if errors.Is(err, ErrAccountLocked) {
			obs.ObserveLogin("locked")
			return ErrAccountLocked
		}
		return internal("record failed attempt", err)
	}
	obs.ObserveLogin("invalid")
	s.record(ctx, nil, audit.Event{
		ActorID:      emp.ID,
		ActorEmail:   emp.Email,
		Action:       audit.ActionLoginFailed,
		ResourceType: "credentials",
		ResourceID:   creds.ID,
		NewValue:     map[string]any{"failed_attempts": state.FailedAttempts},
		Metadata:     map[string]string{"stage": stage},
	})
	if state.LockedUntil != nil {
		s.record(ctx, nil, audit.Event{
			ActorID:      emp.ID,
			ActorEmail:   emp.Email,
			Action:       audit.ActionLocked,
			ResourceType: "credentials",
			ResourceID:   creds.ID,
			NewValue:     map[string]any{"locked_until": state.LockedUntil.UTC().Format(time.RFC3339)},
		})
	}
	return cause
}

// issue clears lockout state and creates a session for a fully verified login.
func (s *Service) issue(ctx context.Context, emp Employee, creds Credentials, now time.Time, method string) (Issued, error) {
	if creds.FailedAttempts > 0 || creds.LockedUntil != nil {
		if err := s.store.Credentials().ClearLockout(ctx, creds.ID); err != nil {
			return Issued{}, internal("clear lockout", err)
		}
	}
	roles, err := s.rolesFor(ctx, emp.ID)
	if err != nil {
		return Issued{}, internal("list roles", err)
	}
	token, err := ids.Secret(tokenBytes)
	if err != nil {
		return Issued{}, internal("generate token", err)
	}
	prefix, _ := tokenPrefix(token)
	sess := Session{
		ID:            ids.NewAt(now),
		CredentialsID: creds.ID,
		TokenPrefix:   prefix,
		TokenHash:     hashToken(token),
		Active:        true,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.sessionTTL),
	}
	if err := s.store.Sessions().Create(ctx, sess); err != nil {
		return Issued{}, internal("create session", err)
	}
	obs.ObserveLogin("success")
	s.record(ctx, nil, audit.Event{
		ActorID:      emp.ID,
		ActorEmail:   emp.Email,
		Action:       audit.ActionLogin,
		ResourceType: "session",
		ResourceID:   sess.ID,
		Metadata:     map[string]string{"method": method},
	})
	return Issued{
		Token:   token,
		Session: sess,
		Identity: Identity{
			Employee:              emp,
			CredentialsID:         creds.ID,
			SessionID:             sess.ID,
			TokenPrefix:           prefix,
			Roles:                 roles,
			RequirePasswordChange: creds.RequirePasswordChange,
		},
	}, nil
}

// ResolveSession maps a raw token to the identity it was issued for.
// Any reason the token is unusable surfaces as ErrUnauthorized.
func (s *Service) ResolveSession(ctx context.Context, token string) (*Identity, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	prefix, ok := tokenPrefix(token)
	if !ok {
		return nil, ErrUnauthorized
	}
	sess, err := s.store.Sessions().FindActive(ctx, prefix)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, internal("find session", err)
	}
	now := s.now().UTC()
	if !sess.Active || !now.Before(sess.ExpiresAt) || !subtleCompare(sess.TokenHash, hashToken(strings.TrimSpace(token))) {
		return nil, ErrUnauthorized
	}
	creds, err := s.store.Credentials().FindByID(ctx, sess.CredentialsID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, internal("find credentials", err)
	}
	emp, err := s.store.Employees().FindByID(ctx, creds.EmployeeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, internal("find employee", err)
	}
	if emp.Status == StatusTerminated {
		return nil, ErrUnauthorized
	}
	roles, err := s.rolesFor(ctx, emp.ID)
	if err != nil {
		return nil, internal("list roles", err)
	}
	return &Identity{
		Employee:              emp,
		CredentialsID:         creds.ID,
		SessionID:             sess.ID,
		TokenPrefix:           prefix,
		Roles:                 roles,
		RequirePasswordChange: creds.RequirePasswordChange,
	}, nil
}

// Logout revokes the session behind token. It never fails; store errors are logged.
func (s *Service) Logout(ctx context.Context, token string) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	prefix, ok := tokenPrefix(token)
	if !ok {
		return
	}
	sess, err := s.store.Sessions().FindActive(ctx, prefix)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			obs.Warn("logout lookup failed", map[string]any{"error": err})
		}
		return
	}
	if !subtleCompare(sess.TokenHash, hashToken(strings.TrimSpace(token))) {
		return
	}
	n, err := s.store.Sessions().RevokeByPrefix(ctx, sess.CredentialsID, prefix, s.now().UTC())
	if err != nil {
		obs.Warn("logout revoke failed", map[string]any{"error": err, "session_id": sess.ID})
		return
	}
	obs.ObserveSessionsRevoked(n)

	event := audit.Event{
		ActorEmail:   audit.SystemActor,
		Action:       audit.ActionLogout,
		ResourceType: "session",
		ResourceID:   sess.ID,
	}
	if creds, err := s.store.Credentials().FindByID(ctx, sess.CredentialsID); err == nil {
		if emp, err := s.store.Employees().FindByID(ctx, creds.EmployeeID); err == nil {
			event.ActorID = emp.ID
			event.ActorEmail = emp.Email
		}
	}
	s.record(ctx, nil, event)
}

// RequestLoginLink mails a single-use sign-in link. Unknown or disabled
// accounts succeed silently without sending anything.
func (s *Service) RequestLoginLink(ctx context.Context, email, callbackURL string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	email = NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	emp, _, err := s.accountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return nil
		}
		return err
	}
	now := s.now().UTC()
	link := LoginLink{
		ID:         ids.NewAt(now),
		EmployeeID: emp.ID,
		ExpiresAt:  now.Add(s.linkTTL),
		CreatedAt:  now,
	}
	token, err := s.tickets.signLink(link.ID, emp.ID, now, s.linkTTL)
	if err != nil {
		return internal("sign link", err)
	}
	if err := s.store.LoginLinks().Create(ctx, link); err != nil {
		return internal("create login link", err)
	}

	q := url.Values{"token": {token}}
	if cb := SafeCallback(callbackURL); cb != "/" {
		q.Set("callbackUrl", cb)
	}
	msg := mail.Message{
		To:      emp.Email,
		Subject: "Your sign-in link",
		Body: fmt.Sprintf("Hello %s,\n\nUse this link to sign in. It expires in %d minutes and works once.\n\n%s/v1/auth/link/verify?%s\n",
			emp.FullName, int(s.linkTTL/time.Minute), s.baseURL, q.Encode()),
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		return internal("send login link", err)
	}
	s.record(ctx, nil, audit.Event{
		ActorID:      emp.ID,
		ActorEmail:   emp.Email,
		Action:       audit.ActionLinkRequested,
		ResourceType: "login_link",
		ResourceID:   link.ID,
	})
	return nil
}

// RedeemLoginLink exchanges a link token (plus TOTP when enabled) for a session.
func (s *Service) RedeemLoginLink(ctx context.Context, token, totpCode string) (Issued, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	now := s.now().UTC()
	claims, err := s.tickets.parse(token, purposeLoginLink, now)
	if err != nil {
		obs.ObserveLogin("link_invalid")
		return Issued{}, err
	}
	emp, err := s.store.Employees().FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Issued{}, ErrLinkInvalid
		}
		return Issued{}, internal("find employee", err)
	}
	emp, creds, err := s.accountFor(ctx, emp)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return Issued{}, ErrLinkInvalid
		}
		return Issued{}, err
	}
	if creds.Locked(now) {
		obs.ObserveLogin("locked")
		return Issued{}, ErrAccountLocked
	}
	// Nothing is consumed until the second factor passes, so a missing or
	// mistyped code leaves the link redeemable.
	link, err := s.store.LoginLinks().Find(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveLogin("link_invalid")
			return Issued{}, ErrLinkInvalid
		}
		return Issued{}, internal("find login link", err)
	}
	if link.EmployeeID != emp.ID || link.ConsumedAt != nil || !now.Before(link.ExpiresAt) {
		obs.ObserveLogin("link_invalid")
		return Issued{}, ErrLinkInvalid
	}
	if err := s.checkSecondFactor(ctx, emp, &creds, totpCode, now); err != nil {
		return Issued{}, err
	}
	if _, err := s.store.LoginLinks().Consume(ctx, claims.ID, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveLogin("link_invalid")
			return Issued{}, ErrLinkInvalid
		}
		return Issued{}, internal("consume login link", err)
	}
	return s.issue(ctx, emp, creds, now, "link")
}

// SafeCallback returns raw when it is a local absolute path, otherwise "/".
func SafeCallback(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	return raw
}
