package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"peopledesk.org/internal/auth"
	"peopledesk.org/internal/obs"
)

// apiError is a resolved HTTP failure: status, stable code, client message.
type apiError struct {
	status  int
	code    string
	message string
}

// classify resolves a service error. More specific sentinels are matched first
// because several wrap a broader kind.
func classify(err error) apiError {
	var weak *auth.WeakPasswordError
	switch {
	case errors.As(err, &weak):
		return apiError{http.StatusBadRequest, "weak_password", weak.Error()}
	case errors.Is(err, auth.ErrInvalidCredentials):
		return apiError{http.StatusUnauthorized, "invalid_credentials", "invalid email or password"}
	case errors.Is(err, auth.ErrAccountLocked):
		return apiError{http.StatusLocked, "account_locked", "account is temporarily locked"}
	case errors.Is(err, auth.ErrTotpRequired):
		return apiError{http.StatusUnauthorized, "totp_required", "two-factor code required"}
	case errors.Is(err, auth.ErrInvalidTotp):
		return apiError{http.StatusUnauthorized, "invalid_totp", "invalid two-factor code"}
	case errors.Is(err, auth.ErrLinkExpired):
		return apiError{http.StatusGone, "link_expired", "login link has expired"}
	case errors.Is(err, auth.ErrLinkInvalid):
		return apiError{http.StatusBadRequest, "link_invalid", "login link is invalid"}
	case errors.Is(err, auth.ErrInvalidCurrentPassword):
		return apiError{http.StatusBadRequest, "invalid_current_password", "current password is incorrect"}
	case errors.Is(err, auth.ErrPasswordChangeRequired):
		return apiError{http.StatusForbidden, "password_change_required", "password change required"}
	case errors.Is(err, auth.ErrSelfLockout):
		return apiError{http.StatusConflict, "self_lockout", "cannot remove your own ADMIN role"}
	case errors.Is(err, auth.ErrEmployeeNotFound):
		return apiError{http.StatusNotFound, "employee_not_found", "employee not found"}
	case errors.Is(err, auth.ErrCredentialsNotFound):
		return apiError{http.StatusNotFound, "credentials_not_found", "no credentials found"}
	case errors.Is(err, auth.ErrNotFound):
		return apiError{http.StatusNotFound, "not_found", "resource not found"}
	case errors.Is(err, auth.ErrInvalidInput):
		return apiError{http.StatusBadRequest, "invalid_input", strings.TrimPrefix(err.Error(), "auth: ")}
	case errors.Is(err, auth.ErrConflict):
		return apiError{http.StatusConflict, "conflict", strings.TrimPrefix(err.Error(), "auth: ")}
	case errors.Is(err, auth.ErrUnauthorized):
		return apiError{http.StatusUnauthorized, "unauthorized", "authentication required"}
	case errors.Is(err, auth.ErrForbidden):
		return apiError{http.StatusForbidden, "forbidden", "insufficient role"}
	default:
		return apiError{http.StatusInternalServerError, "internal", "internal server error"}
	}
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.status >= http.StatusInternalServerError {
		obs.Error("request_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"error":      err,
		})
	}
	writeError(w, r, e.status, e.code, e.message)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
}
