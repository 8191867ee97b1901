package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"peopledesk.org/internal/auth"
	"peopledesk.org/internal/ids"
)

type roles struct{ db *sql.DB }

func (r roles) ListAssignments(ctx context.Context, employeeID string) ([]auth.RoleAssignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		select id, employee_id, role, created_at
		from role_assignments
		where employee_id = $1
		order by id
	`, employeeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []auth.RoleAssignment
	for rows.Next() {
		var a auth.RoleAssignment
		if err := rows.Scan(&a.ID, &a.EmployeeID, &a.Role, &a.CreatedAt); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assignments, nil
}

func (r roles) Find(ctx context.Context, id string) (auth.RoleAssignment, error) {
	var a auth.RoleAssignment
	err := r.db.QueryRowContext(ctx, `
		select id, employee_id, role, created_at
		from role_assignments
		where id = $1
	`, id).Scan(&a.ID, &a.EmployeeID, &a.Role, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RoleAssignment{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RoleAssignment{}, err
	}
	return a, nil
}

func (r roles) Create(ctx context.Context, employeeID string, role auth.Role) (auth.RoleAssignment, error) {
	var a auth.RoleAssignment
	row := r.db.QueryRowContext(ctx, `
		insert into role_assignments (id, employee_id, role)
		values ($1, $2, $3)
		returning id, employee_id, role, created_at
	`, ids.New(), employeeID, string(role))
	if err := row.Scan(&a.ID, &a.EmployeeID, &a.Role, &a.CreatedAt); err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return auth.RoleAssignment{}, fmt.Errorf("%w: role already assigned", auth.ErrConflict)
			case pgErrForeignKeyViolation:
				return auth.RoleAssignment{}, auth.ErrEmployeeNotFound
			}
		}
		return auth.RoleAssignment{}, err
	}
	return a, nil
}

func (r roles) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `delete from role_assignments where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrNotFound)
}
