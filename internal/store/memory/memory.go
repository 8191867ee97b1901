// Package memory is a mutex-guarded in-process implementation of auth.Store.
// It backs tests and the -dev mode of cmd/api.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"peopledesk.org/internal/audit"
	"peopledesk.org/internal/auth"
	"peopledesk.org/internal/ids"
)

// Store keeps every record in maps under one lock.
type Store struct {
	mu          sync.Mutex
	employees   map[string]auth.Employee
	credentials map[string]auth.Credentials
	sessions    map[string]auth.Session
	links       map[string]auth.LoginLink
	roles       map[string]auth.RoleAssignment
	events      []audit.Event
	now         func() time.Time
}

var _ auth.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		employees:   make(map[string]auth.Employee),
		credentials: make(map[string]auth.Credentials),
		sessions:    make(map[string]auth.Session),
		links:       make(map[string]auth.LoginLink),
		roles:       make(map[string]auth.RoleAssignment),
		now:         time.Now,
	}
}

func (s *Store) Employees() auth.EmployeeStore     { return employeeStore{s} }
func (s *Store) Credentials() auth.CredentialStore { return credentialStore{s} }
func (s *Store) Sessions() auth.SessionStore       { return sessionStore{s} }
func (s *Store) LoginLinks() auth.LoginLinkStore   { return linkStore{s} }
func (s *Store) Roles() auth.RoleStore             { return roleStore{s} }
func (s *Store) Audit() audit.Store                { return auditStore{s} }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// AddEmployee inserts emp, assigning an id when empty. Email is normalised.
func (s *Store) AddEmployee(emp auth.Employee) (auth.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	emp.Email = auth.NormalizeEmail(emp.Email)
	if emp.ID == "" {
		emp.ID = ids.New()
	}
	if emp.Status == "" {
		emp.Status = auth.StatusActive
	}
	for _, e := range s.employees {
		if e.Email == emp.Email || e.ID == emp.ID {
			return auth.Employee{}, fmt.Errorf("%w: employee %s", auth.ErrConflict, emp.Email)
		}
	}
	now := s.now().UTC()
	emp.CreatedAt, emp.UpdatedAt = now, now
	s.employees[emp.ID] = emp
	return emp, nil
}

// AddCredentials inserts c for an existing employee.
func (s *Store) AddCredentials(c auth.Credentials) (auth.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.employees[c.EmployeeID]; !ok {
		return auth.Credentials{}, auth.ErrEmployeeNotFound
	}
	for _, existing := range s.credentials {
		if existing.EmployeeID == c.EmployeeID {
			return auth.Credentials{}, fmt.Errorf("%w: credentials for %s", auth.ErrConflict, c.EmployeeID)
		}
	}
	if c.ID == "" {
		c.ID = ids.New()
	}
	c.BackupCodes = slices.Clone(c.BackupCodes)
	c.UpdatedAt = s.now().UTC()
	s.credentials[c.ID] = c
	return c, nil
}

// Events returns a copy of every recorded audit event, oldest first.
func (s *Store) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

type employeeStore struct{ s *Store }

func (e employeeStore) FindByEmail(_ context.Context, email string) (auth.Employee, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	email = auth.NormalizeEmail(email)
	for _, emp := range e.s.employees {
		if emp.Email == email {
			return emp, nil
		}
	}
	return auth.Employee{}, auth.ErrEmployeeNotFound
}

func (e employeeStore) FindByID(_ context.Context, id string) (auth.Employee, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	emp, ok := e.s.employees[id]
	if !ok {
		return auth.Employee{}, auth.ErrEmployeeNotFound
	}
	return emp, nil
}

type credentialStore struct{ s *Store }

func (c credentialStore) FindByEmployeeID(_ context.Context, employeeID string) (auth.Credentials, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, cr := range c.s.credentials {
		if cr.EmployeeID == employeeID {
			return copyCredentials(cr), nil
		}
	}
	return auth.Credentials{}, auth.ErrCredentialsNotFound
}

func (c credentialStore) FindByID(_ context.Context, id string) (auth.Credentials, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cr, ok := c.s.credentials[id]
	if !ok {
		return auth.Credentials{}, auth.ErrCredentialsNotFound
	}
	return copyCredentials(cr), nil
}

func (c credentialStore) Update(_ context.Context, cr auth.Credentials) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	stored, ok := c.s.credentials[cr.ID]
	if !ok {
		return auth.ErrCredentialsNotFound
	}
	next := copyCredentials(cr)
	next.FailedAttempts = stored.FailedAttempts
	next.LockedUntil = stored.LockedUntil
	next.TOTPLastStep = stored.TOTPLastStep
	if !next.TOTPEnabled {
		next.TOTPLastStep = 0
	}
	c.s.credentials[cr.ID] = next
	return nil
}

func (c credentialStore) RecordFailedAttempt(_ context.Context, id string, now time.Time, threshold int, lockFor time.Duration) (auth.LockoutState, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cr, ok := c.s.credentials[id]
	if !ok {
		return auth.LockoutState{}, auth.ErrCredentialsNotFound
	}
	if cr.Locked(now) {
		return auth.LockoutState{}, auth.ErrAccountLocked
	}
	if cr.LockedUntil != nil {
		cr.FailedAttempts = 0
		cr.LockedUntil = nil
	}
	cr.FailedAttempts++
	if cr.FailedAttempts >= threshold {
		until := now.Add(lockFor)
		cr.LockedUntil = &until
	}
	cr.UpdatedAt = now
	c.s.credentials[id] = cr
	return auth.LockoutState{FailedAttempts: cr.FailedAttempts, LockedUntil: cr.LockedUntil}, nil
}

func (c credentialStore) ClearLockout(_ context.Context, id string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cr, ok := c.s.credentials[id]
	if !ok {
		return auth.ErrCredentialsNotFound
	}
	cr.FailedAttempts = 0
	cr.LockedUntil = nil
	c.s.credentials[id] = cr
	return nil
}

func (c credentialStore) ConsumeBackupCode(_ context.Context, id, digest string) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cr, ok := c.s.credentials[id]
	if !ok {
		return false, auth.ErrCredentialsNotFound
	}
	i := slices.Index(cr.BackupCodes, digest)
	if i < 0 {
		return false, nil
	}
	cr.BackupCodes = slices.Delete(slices.Clone(cr.BackupCodes), i, i+1)
	c.s.credentials[id] = cr
	return true, nil
}

func (c credentialStore) AdvanceTOTPStep(_ context.Context, id string, step int64) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cr, ok := c.s.credentials[id]
	if !ok {
		return false, auth.ErrCredentialsNotFound
	}
	if !cr.TOTPEnabled || step <= cr.TOTPLastStep {
		return false, nil
	}
	cr.TOTPLastStep = step
	c.s.credentials[id] = cr
	return true, nil
}

func copyCredentials(c auth.Credentials) auth.Credentials {
	c.BackupCodes = slices.Clone(c.BackupCodes)
	return c
}

type sessionStore struct{ s *Store }

func (ss sessionStore) Create(_ context.Context, sess auth.Session) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	for _, existing := range ss.s.sessions {
		if existing.Active && existing.CredentialsID == sess.CredentialsID && existing.TokenPrefix == sess.TokenPrefix {
			return fmt.Errorf("%w: active session prefix", auth.ErrConflict)
		}
	}
	ss.s.sessions[sess.ID] = sess
	return nil
}

func (ss sessionStore) FindActive(_ context.Context, prefix string) (auth.Session, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	for _, sess := range ss.s.sessions {
		if sess.Active && sess.TokenPrefix == prefix {
			return sess, nil
		}
	}
	return auth.Session{}, auth.ErrNotFound
}

func (ss sessionStore) RevokeByPrefix(_ context.Context, credentialsID, prefix string, at time.Time) (int64, error) {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	var n int64
	for id, sess := range ss.s.sessions {
		if !sess.Active || sess.CredentialsID != credentialsID || sess.TokenPrefix != prefix {
			continue
		}
		sess.Active = false
		revoked := at
		sess.RevokedAt = &revoked
		ss.s.sessions[id] = sess
		n++
	}
	return n, nil
}

type linkStore struct{ s *Store }

func (l linkStore) Create(_ context.Context, link auth.LoginLink) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if _, ok := l.s.links[link.ID]; ok {
		return fmt.Errorf("%w: login link", auth.ErrConflict)
	}
	l.s.links[link.ID] = link
	return nil
}

func (l linkStore) Find(_ context.Context, id string) (auth.LoginLink, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	link, ok := l.s.links[id]
	if !ok {
		return auth.LoginLink{}, auth.ErrNotFound
	}
	return link, nil
}

func (l linkStore) Consume(_ context.Context, id string, at time.Time) (auth.LoginLink, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	link, ok := l.s.links[id]
	if !ok || link.ConsumedAt != nil || !at.Before(link.ExpiresAt) {
		return auth.LoginLink{}, auth.ErrNotFound
	}
	consumed := at
	link.ConsumedAt = &consumed
	l.s.links[id] = link
	return link, nil
}

type roleStore struct{ s *Store }

func (r roleStore) ListAssignments(_ context.Context, employeeID string) ([]auth.RoleAssignment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []auth.RoleAssignment
	for _, a := range r.s.roles {
		if a.EmployeeID == employeeID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r roleStore) Find(_ context.Context, id string) (auth.RoleAssignment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.roles[id]
	if !ok {
		return auth.RoleAssignment{}, auth.ErrNotFound
	}
	return a, nil
}

func (r roleStore) Create(_ context.Context, employeeID string, role auth.Role) (auth.RoleAssignment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.employees[employeeID]; !ok {
		return auth.RoleAssignment{}, auth.ErrEmployeeNotFound
	}
	for _, a := range r.s.roles {
		if a.EmployeeID == employeeID && a.Role == role {
			return auth.RoleAssignment{}, fmt.Errorf("%w: role already assigned", auth.ErrConflict)
		}
	}
	now := r.s.now().UTC()
	a := auth.RoleAssignment{ID: ids.NewAt(now), EmployeeID: employeeID, Role: role, CreatedAt: now}
	r.s.roles[a.ID] = a
	return a, nil
}

func (r roleStore) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.roles[id]; !ok {
		return auth.ErrNotFound
	}
	delete(r.s.roles, id)
	return nil
}

type auditStore struct{ s *Store }

func (a auditStore) Append(_ context.Context, event *audit.Event) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.events = append(a.s.events, *event)
	return nil
}

func (a auditStore) List(_ context.Context, limit int) ([]audit.Event, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	out := make([]audit.Event, 0, min(limit, len(a.s.events)))
	for i := len(a.s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, a.s.events[i])
	}
	return out, nil
}
