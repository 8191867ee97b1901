package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"peopledesk.org/internal/auth"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{auth.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
		{auth.ErrAccountLocked, http.StatusLocked, "account_locked"},
		{auth.ErrTotpRequired, http.StatusUnauthorized, "totp_required"},
		{auth.ErrInvalidTotp, http.StatusUnauthorized, "invalid_totp"},
		{auth.ErrLinkExpired, http.StatusGone, "link_expired"},
		{auth.ErrLinkInvalid, http.StatusBadRequest, "link_invalid"},
		{&auth.WeakPasswordError{Missing: []string{"a digit"}}, http.StatusBadRequest, "weak_password"},
		{auth.ErrInvalidCurrentPassword, http.StatusBadRequest, "invalid_current_password"},
		{auth.ErrPasswordChangeRequired, http.StatusForbidden, "password_change_required"},
		{auth.ErrSelfLockout, http.StatusConflict, "self_lockout"},
		{auth.ErrEmployeeNotFound, http.StatusNotFound, "employee_not_found"},
		{auth.ErrCredentialsNotFound, http.StatusNotFound, "credentials_not_found"},
		{fmt.Errorf("%w: role", auth.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: email is required", auth.ErrInvalidInput), http.StatusBadRequest, "invalid_input"},
		{auth.ErrConflict, http.StatusConflict, "conflict"},
		{auth.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{auth.ErrForbidden, http.StatusForbidden, "forbidden"},
		{fmt.Errorf("%w: find session: %w", auth.ErrInternal, errors.New("conn reset")), http.StatusInternalServerError, "internal"},
		{errors.New("unexpected"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		got := classify(tc.err)
		if got.status != tc.status || got.code != tc.code {
			t.Fatalf("classify(%v) = %d %s, want %d %s", tc.err, got.status, got.code, tc.status, tc.code)
		}
	}
}

func TestClassifyHidesInternalDetail(t *testing.T) {
	got := classify(fmt.Errorf("%w: find session: %w", auth.ErrInternal, errors.New("password=hunter2")))
	if got.message != "internal server error" {
		t.Fatalf("internal detail leaked: %q", got.message)
	}
}
