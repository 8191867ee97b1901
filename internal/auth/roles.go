package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"peopledesk.org/internal/audit"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// ListRoles returns the role assignments of an employee. HR and above.
func (s *Service) ListRoles(ctx context.Context, actor *Identity, employeeID string) ([]RoleAssignment, error) {
	if err := authorize(actor, IsHR); err != nil {
		return nil, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.employeeExists(ctx, employeeID); err != nil {
		return nil, err
	}
	assignments, err := s.store.Roles().ListAssignments(ctx, employeeID)
	if err != nil {
		return nil, internal("list roles", err)
	}
	return assignments, nil
}

// AssignRole grants role to an employee. Granting a held role returns the
// existing assignment and records nothing.
func (s *Service) AssignRole(ctx context.Context, actor *Identity, employeeID string, role Role) (RoleAssignment, error) {
	if err := authorize(actor, IsAdmin); err != nil {
		return RoleAssignment{}, err
	}
	if _, err := ParseRole(string(role)); err != nil {
		return RoleAssignment{}, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.employeeExists(ctx, employeeID); err != nil {
		return RoleAssignment{}, err
	}
	existing, err := s.store.Roles().ListAssignments(ctx, employeeID)
	if err != nil {
		return RoleAssignment{}, internal("list roles", err)
	}
	for _, a := range existing {
		if a.Role == role {
			return a, nil
		}
	}
	assignment, err := s.store.Roles().Create(ctx, employeeID, role)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return RoleAssignment{}, err
		}
		return RoleAssignment{}, internal("create role assignment", err)
	}
	s.record(ctx, actor, audit.Event{
		Action:       audit.ActionRoleAssign,
		ResourceType: "role_assignment",
		ResourceID:   assignment.ID,
		NewValue:     map[string]any{"employee_id": employeeID, "role": string(role)},
	})
	return assignment, nil
}

// RevokeRole deletes a role assignment of employeeID. An actor may never
// remove their own ADMIN assignment.
func (s *Service) RevokeRole(ctx context.Context, actor *Identity, employeeID, assignmentID string) error {
	if err := authorize(actor, IsAdmin); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	assignment, err := s.store.Roles().Find(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: role assignment", ErrNotFound)
		}
		return internal("find role assignment", err)
	}
	if assignment.EmployeeID != strings.TrimSpace(employeeID) {
		return fmt.Errorf("%w: role assignment", ErrNotFound)
	}
	if assignment.Role == RoleAdmin && assignment.EmployeeID == actor.Employee.ID {
		return ErrSelfLockout
	}
	if err := s.store.Roles().Delete(ctx, assignment.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: role assignment", ErrNotFound)
		}
		return internal("delete role assignment", err)
	}
	s.record(ctx, actor, audit.Event{
		Action:       audit.ActionRoleRevoke,
		ResourceType: "role_assignment",
		ResourceID:   assignment.ID,
		OldValue:     map[string]any{"employee_id": assignment.EmployeeID, "role": string(assignment.Role)},
	})
	return nil
}

// ListAuditEvents returns the newest audit events. HR and above.
func (s *Service) ListAuditEvents(ctx context.Context, actor *Identity, limit int) ([]audit.Event, error) {
	if err := authorize(actor, IsHR); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultAuditLimit
	case limit > maxAuditLimit:
		limit = maxAuditLimit
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	events, err := s.store.Audit().List(ctx, limit)
	if err != nil {
		return nil, internal("list audit events", err)
	}
	return events, nil
}

func (s *Service) employeeExists(ctx context.Context, employeeID string) error {
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return fmt.Errorf("%w: employee id is required", ErrInvalidInput)
	}
	if _, err := s.store.Employees().FindByID(ctx, employeeID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrEmployeeNotFound
		}
		return internal("find employee", err)
	}
	return nil
}
