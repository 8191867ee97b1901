package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"peopledesk.org/internal/auth"
)

type credentials struct{ db *sql.DB }

const credentialColumns = `id, employee_id, coalesce(password_hash, ''), password_set_at,
	require_password_change, totp_enabled, coalesce(totp_secret, ''), backup_codes,
	totp_last_step, failed_attempts, locked_until, updated_at`

func (c credentials) FindByEmployeeID(ctx context.Context, employeeID string) (auth.Credentials, error) {
	row := c.db.QueryRowContext(ctx, `select `+credentialColumns+` from credentials where employee_id = $1`, employeeID)
	return scanCredentials(row)
}

func (c credentials) FindByID(ctx context.Context, id string) (auth.Credentials, error) {
	row := c.db.QueryRowContext(ctx, `select `+credentialColumns+` from credentials where id = $1`, id)
	return scanCredentials(row)
}

func scanCredentials(row *sql.Row) (auth.Credentials, error) {
	var (
		cr          auth.Credentials
		passwordSet sql.NullTime
		lockedUntil sql.NullTime
		rawCodes    []byte
	)
	err := row.Scan(&cr.ID, &cr.EmployeeID, &cr.PasswordHash, &passwordSet,
		&cr.RequirePasswordChange, &cr.TOTPEnabled, &cr.TOTPSecret, &rawCodes,
		&cr.TOTPLastStep, &cr.FailedAttempts, &lockedUntil, &cr.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Credentials{}, auth.ErrCredentialsNotFound
	}
	if err != nil {
		return auth.Credentials{}, err
	}
	if len(rawCodes) > 0 {
		if err := json.Unmarshal(rawCodes, &cr.BackupCodes); err != nil {
			return auth.Credentials{}, fmt.Errorf("decode backup codes: %w", err)
		}
	}
	cr.PasswordSetAt = timePtr(passwordSet)
	cr.LockedUntil = timePtr(lockedUntil)
	return cr, nil
}

// Update never writes failed_attempts or locked_until: those belong to
// RecordFailedAttempt and ClearLockout, which may have run since cr was read.
func (c credentials) Update(ctx context.Context, cr auth.Credentials) error {
	codes := cr.BackupCodes
	if codes == nil {
		codes = []string{}
	}
	rawCodes, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("marshal backup codes: %w", err)
	}
	res, err := c.db.ExecContext(ctx, `
		update credentials set
			password_hash = $2,
			password_set_at = $3,
			require_password_change = $4,
			totp_enabled = $5,
			totp_secret = $6,
			backup_codes = $7,
			totp_last_step = case when $5 then totp_last_step else 0 end,
			updated_at = now()
		where id = $1
	`, cr.ID, nullIfEmpty(cr.PasswordHash), nullTime(cr.PasswordSetAt), cr.RequirePasswordChange,
		cr.TOTPEnabled, nullIfEmpty(cr.TOTPSecret), rawCodes)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrCredentialsNotFound)
}

// RecordFailedAttempt is one conditional statement: concurrent failures
// serialise on the row and at most one of them engages the lock.
func (c credentials) RecordFailedAttempt(ctx context.Context, id string, now time.Time, threshold int, lockFor time.Duration) (auth.LockoutState, error) {
	var (
		state       auth.LockoutState
		lockedUntil sql.NullTime
	)
	err := c.db.QueryRowContext(ctx, `
		update credentials set
			failed_attempts = case when locked_until is null then failed_attempts + 1 else 1 end,
			locked_until = case
				when (case when locked_until is null then failed_attempts + 1 else 1 end) >= $3::int then $4::timestamptz
				else null
			end,
			updated_at = $2::timestamptz
		where id = $1 and (locked_until is null or locked_until <= $2::timestamptz)
		returning failed_attempts, locked_until
	`, id, now, threshold, now.Add(lockFor)).Scan(&state.FailedAttempts, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		err = c.db.QueryRowContext(ctx, `select 1 from credentials where id = $1`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.LockoutState{}, auth.ErrCredentialsNotFound
		}
		if err != nil {
			return auth.LockoutState{}, err
		}
		return auth.LockoutState{}, auth.ErrAccountLocked
	}
	if err != nil {
		return auth.LockoutState{}, err
	}
	state.LockedUntil = timePtr(lockedUntil)
	return state, nil
}

func (c credentials) ClearLockout(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `
		update credentials set failed_attempts = 0, locked_until = null, updated_at = now()
		where id = $1
	`, id)
	if err != nil {
		return err
	}
	return expectOne(res, auth.ErrCredentialsNotFound)
}

func (c credentials) ConsumeBackupCode(ctx context.Context, id, digest string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		update credentials set backup_codes = backup_codes - $2::text, updated_at = now()
		where id = $1 and totp_enabled and backup_codes @> jsonb_build_array($2::text)
	`, id, digest)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c credentials) AdvanceTOTPStep(ctx context.Context, id string, step int64) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		update credentials set totp_last_step = $2, updated_at = now()
		where id = $1 and totp_enabled and totp_last_step < $2
	`, id, step)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
