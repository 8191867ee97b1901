package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"peopledesk.org/internal/auth"
)

type sessions struct{ db *sql.DB }

func (s sessions) Create(ctx context.Context, sess auth.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, credentials_id, token_prefix, token_hash, is_active, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, sess.ID, sess.CredentialsID, sess.TokenPrefix, sess.TokenHash, sess.Active, sess.IssuedAt, sess.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: active session prefix", auth.ErrConflict)
			case pgErrForeignKeyViolation:
				return auth.ErrCredentialsNotFound
			}
		}
		return err
	}
	return nil
}

func (s sessions) FindActive(ctx context.Context, prefix string) (auth.Session, error) {
	var (
		sess    auth.Session
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, credentials_id, token_prefix, token_hash, is_active, issued_at, expires_at, revoked_at
		from sessions
		where token_prefix = $1 and is_active
		order by issued_at desc
		limit 1
	`, prefix).Scan(&sess.ID, &sess.CredentialsID, &sess.TokenPrefix, &sess.TokenHash,
		&sess.Active, &sess.IssuedAt, &sess.ExpiresAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Session{}, err
	}
	sess.RevokedAt = timePtr(revoked)
	return sess, nil
}

func (s sessions) RevokeByPrefix(ctx context.Context, credentialsID, prefix string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update sessions set is_active = false, revoked_at = $3
		where credentials_id = $1 and token_prefix = $2 and is_active
	`, credentialsID, prefix, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type loginLinks struct{ db *sql.DB }

func (l loginLinks) Create(ctx context.Context, link auth.LoginLink) error {
	_, err := l.db.ExecContext(ctx, `
		insert into login_links (id, employee_id, expires_at, created_at)
		values ($1, $2, $3, $4)
	`, link.ID, link.EmployeeID, link.ExpiresAt, link.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: login link", auth.ErrConflict)
			case pgErrForeignKeyViolation:
				return auth.ErrEmployeeNotFound
			}
		}
		return err
	}
	return nil
}

func (l loginLinks) Find(ctx context.Context, id string) (auth.LoginLink, error) {
	var (
		link     auth.LoginLink
		consumed sql.NullTime
	)
	err := l.db.QueryRowContext(ctx, `
		select id, employee_id, expires_at, consumed_at, created_at
		from login_links where id = $1
	`, id).Scan(&link.ID, &link.EmployeeID, &link.ExpiresAt, &consumed, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.LoginLink{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.LoginLink{}, err
	}
	link.ConsumedAt = timePtr(consumed)
	return link, nil
}

func (l loginLinks) Consume(ctx context.Context, id string, at time.Time) (auth.LoginLink, error) {
	var (
		link     auth.LoginLink
		consumed sql.NullTime
	)
	err := l.db.QueryRowContext(ctx, `
		update login_links set consumed_at = $2
		where id = $1 and consumed_at is null and expires_at > $2
		returning id, employee_id, expires_at, consumed_at, created_at
	`, id, at).Scan(&link.ID, &link.EmployeeID, &link.ExpiresAt, &consumed, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.LoginLink{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.LoginLink{}, err
	}
	link.ConsumedAt = timePtr(consumed)
	return link, nil
}
