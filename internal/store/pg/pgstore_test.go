package pg

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"peopledesk.org/internal/audit"
	"peopledesk.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var credentialRow = []string{"id", "employee_id", "password_hash", "password_set_at", "require_password_change",
	"totp_enabled", "totp_secret", "backup_codes", "totp_last_step", "failed_attempts", "locked_until", "updated_at"}

func TestFindEmployeeByEmailNormalises(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("from employees where lower\\(email\\) = \\$1").
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "full_name", "status", "department_id",
			"position_id", "manager_id", "created_at", "updated_at"}).
			AddRow("emp-1", "alice@example.com", "Alice", "ACTIVE", "", "", "", now, now))
	mock.ExpectQuery("from employees where id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	emp, err := store.Employees().FindByEmail(context.Background(), " Alice@Example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if emp.ID != "emp-1" || emp.Status != auth.StatusActive {
		t.Fatalf("unexpected employee: %+v", emp)
	}
	if _, err := store.Employees().FindByID(context.Background(), "missing"); !errors.Is(err, auth.ErrEmployeeNotFound) {
		t.Fatalf("expected ErrEmployeeNotFound, got %v", err)
	}
}

func TestFindCredentialsDecodesNullableColumns(t *testing.T) {
	store, mock := newMock(t)
	locked := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from credentials where employee_id = \\$1").
		WithArgs("emp-1").
		WillReturnRows(sqlmock.NewRows(credentialRow).
			AddRow("cred-1", "emp-1", "", nil, true, true, "SECRET", []byte(`["d1","d2"]`), int64(57600000), 3, locked, locked))

	cr, err := store.Credentials().FindByEmployeeID(context.Background(), "emp-1")
	if err != nil {
		t.Fatalf("FindByEmployeeID: %v", err)
	}
	if cr.PasswordHash != "" || cr.PasswordSetAt != nil || !cr.RequirePasswordChange {
		t.Fatalf("unexpected password fields: %+v", cr)
	}
	if cr.TOTPLastStep != 57600000 {
		t.Fatalf("unexpected totp step: %d", cr.TOTPLastStep)
	}
	if len(cr.BackupCodes) != 2 || cr.FailedAttempts != 3 || cr.LockedUntil == nil || !cr.LockedUntil.Equal(locked) {
		t.Fatalf("unexpected lockout fields: %+v", cr)
	}
}

func TestUpdateCredentialsWritesEmptyCodeList(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("update credentials set").
		WithArgs("cred-1", sqlmock.AnyArg(), sqlmock.AnyArg(), false, false, nil, []byte("[]")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update credentials set").
		WillReturnResult(sqlmock.NewResult(0, 0))

	cr := auth.Credentials{ID: "cred-1", PasswordHash: "hash"}
	if err := store.Credentials().Update(context.Background(), cr); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := store.Credentials().Update(context.Background(), cr); !errors.Is(err, auth.ErrCredentialsNotFound) {
		t.Fatalf("expected ErrCredentialsNotFound, got %v", err)
	}
}

func TestUpdateCredentialsLeavesLockoutAlone(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherFunc(func(_, actual string) error {
		for _, col := range []string{"failed_attempts", "locked_until"} {
			if strings.Contains(actual, col) {
				return fmt.Errorf("update writes %s", col)
			}
		}
		return nil
	})))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	mock.ExpectExec("update credentials").WillReturnResult(sqlmock.NewResult(0, 1))

	past := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	cr := auth.Credentials{ID: "cred-1", PasswordHash: "hash", FailedAttempts: 1, LockedUntil: &past}
	if err := New(db).Credentials().Update(context.Background(), cr); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAdvanceTOTPStep(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	q := regexp.QuoteMeta("totp_enabled and totp_last_step < $2")

	mock.ExpectExec(q).WithArgs("cred-1", int64(100)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("cred-1", int64(100)).WillReturnResult(sqlmock.NewResult(0, 0))

	if ok, err := store.Credentials().AdvanceTOTPStep(ctx, "cred-1", 100); err != nil || !ok {
		t.Fatalf("first advance: %v %v", ok, err)
	}
	if ok, err := store.Credentials().AdvanceTOTPStep(ctx, "cred-1", 100); err != nil || ok {
		t.Fatalf("repeated advance: %v %v", ok, err)
	}
}

func TestRecordFailedAttempt(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	until := now.Add(15 * time.Minute)

	mock.ExpectQuery("update credentials set\\s+failed_attempts").
		WithArgs("cred-1", now, 5, until).
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}).AddRow(5, until))
	state, err := store.Credentials().RecordFailedAttempt(ctx, "cred-1", now, 5, 15*time.Minute)
	if err != nil {
		t.Fatalf("RecordFailedAttempt: %v", err)
	}
	if state.FailedAttempts != 5 || state.LockedUntil == nil || !state.LockedUntil.Equal(until) {
		t.Fatalf("unexpected state: %+v", state)
	}

	mock.ExpectQuery("update credentials set\\s+failed_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}))
	mock.ExpectQuery("select 1 from credentials where id = \\$1").
		WithArgs("cred-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	if _, err := store.Credentials().RecordFailedAttempt(ctx, "cred-1", now, 5, 15*time.Minute); !errors.Is(err, auth.ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	mock.ExpectQuery("update credentials set\\s+failed_attempts").
		WillReturnRows(sqlmock.NewRows([]string{"failed_attempts", "locked_until"}))
	mock.ExpectQuery("select 1 from credentials where id = \\$1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	if _, err := store.Credentials().RecordFailedAttempt(ctx, "gone", now, 5, 15*time.Minute); !errors.Is(err, auth.ErrCredentialsNotFound) {
		t.Fatalf("expected ErrCredentialsNotFound, got %v", err)
	}
}

func TestConsumeBackupCode(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	q := regexp.QuoteMeta("backup_codes @> jsonb_build_array($2::text)")

	mock.ExpectExec(q).WithArgs("cred-1", "digest").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("cred-1", "digest").WillReturnResult(sqlmock.NewResult(0, 0))

	if ok, err := store.Credentials().ConsumeBackupCode(ctx, "cred-1", "digest"); err != nil || !ok {
		t.Fatalf("first consume: %v %v", ok, err)
	}
	if ok, err := store.Credentials().ConsumeBackupCode(ctx, "cred-1", "digest"); err != nil || ok {
		t.Fatalf("second consume: %v %v", ok, err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Now().UTC()
	sess := auth.Session{ID: "s1", CredentialsID: "cred-1", TokenPrefix: "p", TokenHash: "h", Active: true, IssuedAt: now, ExpiresAt: now.Add(time.Hour)}

	mock.ExpectExec("insert into sessions").
		WithArgs("s1", "cred-1", "p", "h", true, now, sess.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into sessions").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectQuery("from sessions\\s+where token_prefix = \\$1 and is_active").
		WithArgs("p").
		WillReturnRows(sqlmock.NewRows([]string{"id", "credentials_id", "token_prefix", "token_hash", "is_active", "issued_at", "expires_at", "revoked_at"}).
			AddRow("s1", "cred-1", "p", "h", true, now, sess.ExpiresAt, nil))
	mock.ExpectExec("update sessions set is_active = false").
		WithArgs("cred-1", "p", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Sessions().Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Sessions().Create(ctx, sess); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, err := store.Sessions().FindActive(ctx, "p")
	if err != nil || got.ID != "s1" || got.RevokedAt != nil {
		t.Fatalf("FindActive: %+v %v", got, err)
	}
	n, err := store.Sessions().RevokeByPrefix(ctx, "cred-1", "p", now)
	if err != nil || n != 1 {
		t.Fatalf("RevokeByPrefix: %d %v", n, err)
	}
}

func TestConsumeLoginLinkOnce(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()
	mock.ExpectQuery("update login_links set consumed_at = \\$2").
		WithArgs("link-1", at).
		WillReturnRows(sqlmock.NewRows([]string{"id", "employee_id", "expires_at", "consumed_at", "created_at"}).
			AddRow("link-1", "emp-1", at.Add(time.Minute), at, at))
	mock.ExpectQuery("update login_links set consumed_at = \\$2").
		WithArgs("link-1", at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	link, err := store.LoginLinks().Consume(context.Background(), "link-1", at)
	if err != nil || link.EmployeeID != "emp-1" || link.ConsumedAt == nil {
		t.Fatalf("Consume: %+v %v", link, err)
	}
	if _, err := store.LoginLinks().Consume(context.Background(), "link-1", at); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindLoginLink(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()
	mock.ExpectQuery("from login_links where id = \\$1").
		WithArgs("link-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "employee_id", "expires_at", "consumed_at", "created_at"}).
			AddRow("link-1", "emp-1", at.Add(time.Minute), nil, at))
	mock.ExpectQuery("from login_links where id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	link, err := store.LoginLinks().Find(context.Background(), "link-1")
	if err != nil || link.EmployeeID != "emp-1" || link.ConsumedAt != nil {
		t.Fatalf("Find: %+v %v", link, err)
	}
	if _, err := store.LoginLinks().Find(context.Background(), "missing"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRoleAssignments(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectQuery("insert into role_assignments").
		WithArgs(sqlmock.AnyArg(), "emp-1", "HR").
		WillReturnRows(sqlmock.NewRows([]string{"id", "employee_id", "role", "created_at"}).AddRow("ra-1", "emp-1", "HR", now))
	mock.ExpectQuery("insert into role_assignments").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectQuery("insert into role_assignments").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectExec("delete from role_assignments where id = \\$1").
		WithArgs("ra-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	a, err := store.Roles().Create(ctx, "emp-1", auth.RoleHR)
	if err != nil || a.Role != auth.RoleHR {
		t.Fatalf("Create: %+v %v", a, err)
	}
	if _, err := store.Roles().Create(ctx, "emp-1", auth.RoleHR); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := store.Roles().Create(ctx, "ghost", auth.RoleHR); !errors.Is(err, auth.ErrEmployeeNotFound) {
		t.Fatalf("expected ErrEmployeeNotFound, got %v", err)
	}
	if err := store.Roles().Delete(ctx, "ra-1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuditAppendStoresNullActor(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectExec("insert into audit_events").
		WithArgs("ev-1", nil, "system", audit.ActionTOTPEmergencyDisable, "credentials", "cred-1",
			sqlmock.AnyArg(), sqlmock.AnyArg(), []byte("{}"), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("from audit_events\\s+order by created_at desc").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "actor_id", "actor_email", "action", "resource_type", "resource_id",
			"old_value", "new_value", "metadata", "created_at"}).
			AddRow("ev-1", nil, "system", audit.ActionTOTPEmergencyDisable, "credentials", "cred-1",
				[]byte(`{"totp_enabled":true}`), []byte(`{"totp_enabled":false}`), []byte(`{"request_id":"r1"}`), now))

	err := store.Audit().Append(context.Background(), &audit.Event{
		ID:           "ev-1",
		ActorEmail:   audit.SystemActor,
		Action:       audit.ActionTOTPEmergencyDisable,
		ResourceType: "credentials",
		ResourceID:   "cred-1",
		OldValue:     map[string]any{"totp_enabled": true},
		NewValue:     map[string]any{"totp_enabled": false},
		CreatedAt:    now,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	events, err := store.Audit().List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 1 || events[0].ActorID != "" || events[0].Metadata["request_id"] != "r1" || events[0].NewValue["totp_enabled"] != false {
		t.Fatalf("unexpected events: %+v", events)
	}
}
