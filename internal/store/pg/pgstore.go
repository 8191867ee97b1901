// Package pg implements auth.Store on PostgreSQL through database/sql and
// the pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"peopledesk.org/internal/audit"
	"peopledesk.org/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Employees() auth.EmployeeStore     { return employees{s.db} }
func (s *Store) Credentials() auth.CredentialStore { return credentials{s.db} }
func (s *Store) Sessions() auth.SessionStore       { return sessions{s.db} }
func (s *Store) LoginLinks() auth.LoginLinkStore   { return loginLinks{s.db} }
func (s *Store) Roles() auth.RoleStore             { return roles{s.db} }
func (s *Store) Audit() audit.Store                { return auditEvents{s.db} }

type employees struct{ db *sql.DB }

const employeeColumns = `id, email, full_name, status, coalesce(department_id, ''),
	coalesce(position_id, ''), coalesce(manager_id, ''), created_at, updated_at`

func (e employees) FindByEmail(ctx context.Context, email string) (auth.Employee, error) {
	row := e.db.QueryRowContext(ctx, `select `+employeeColumns+` from employees where lower(email) = $1`,
		auth.NormalizeEmail(email))
	return scanEmployee(row)
}

func (e employees) FindByID(ctx context.Context, id string) (auth.Employee, error) {
	row := e.db.QueryRowContext(ctx, `select `+employeeColumns+` from employees where id = $1`, id)
	return scanEmployee(row)
}

func scanEmployee(row *sql.Row) (auth.Employee, error) {
	var emp auth.Employee
	err := row.Scan(&emp.ID, &emp.Email, &emp.FullName, &emp.Status, &emp.DepartmentID,
		&emp.PositionID, &emp.ManagerID, &emp.CreatedAt, &emp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Employee{}, auth.ErrEmployeeNotFound
	}
	if err != nil {
		return auth.Employee{}, err
	}
	return emp, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// jsonOrNil marshals v, returning nil for an empty map so the column stays NULL.
func jsonOrNil(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return b, nil
}
