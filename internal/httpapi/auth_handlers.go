package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"peopledesk.org/internal/auth"
	"peopledesk.org/internal/obs"
)

type loginRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	TOTPCode    string `json:"totpCode"`
	CallbackURL string `json:"callbackUrl"`
}

type identityResponse struct {
	Employee              auth.Employee `json:"employee"`
	Roles                 []auth.Role   `json:"roles"`
	RequirePasswordChange bool          `json:"requirePasswordChange"`
}

type loginResponse struct {
	identityResponse
	ExpiresAt   time.Time `json:"expiresAt"`
	CallbackURL string    `json:"callbackUrl"`
}

func identityView(id auth.Identity) identityResponse {
	roles := id.Roles
	if roles == nil {
		roles = []auth.Role{}
	}
	return identityResponse{
		Employee:              id.Employee,
		Roles:                 roles,
		RequirePasswordChange: id.RequirePasswordChange,
	}
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	issued, err := a.svc.Login(r.Context(), auth.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		TOTPCode: req.TOTPCode,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := a.startSession(w, issued); err != nil {
		handleServiceError(w, r, err)
		return
	}
	callback := takeCallback(r, req.CallbackURL)
	if issued.Identity.RequirePasswordChange {
		callback = "/change-password"
	}
	noStore(w)
	writeJSON(w, http.StatusOK, loginResponse{
		identityResponse: identityView(issued.Identity),
		ExpiresAt:        issued.Session.ExpiresAt,
		CallbackURL:      callback,
	})
}

type linkRequest struct {
	Email       string `json:"email"`
	CallbackURL string `json:"callbackUrl"`
}

// requestLink answers the same way for known and unknown addresses.
func (a *API) requestLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	callback := takeCallback(r, req.CallbackURL)
	if err := a.svc.RequestLoginLink(r.Context(), req.Email, callback); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

// verifyLink redeems an emailed link. GET comes from the mail client; when
// the account has 2FA the code form posts back here with the same token.
func (a *API) verifyLink(w http.ResponseWriter, r *http.Request) {
	var token, code, callback string
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			badRequest(w, r, err)
			return
		}
		token = r.PostForm.Get("token")
		code = r.PostForm.Get("totpCode")
		callback = r.PostForm.Get("callbackUrl")
	} else {
		q := r.URL.Query()
		token = q.Get("token")
		callback = q.Get("callbackUrl")
	}
	callback = auth.SafeCallback(callback)

	noStore(w)
	issued, err := a.svc.RedeemLoginLink(r.Context(), token, code)
	if err != nil {
		if errors.Is(err, auth.ErrTotpRequired) || (code != "" && errors.Is(err, auth.ErrInvalidTotp)) {
			a.renderLinkTOTP(w, r, token, callback, errors.Is(err, auth.ErrInvalidTotp))
			return
		}
		e := classify(err)
		if e.status >= http.StatusInternalServerError {
			handleServiceError(w, r, err)
			return
		}
		http.Redirect(w, r, "/login?error="+url.QueryEscape(e.code), http.StatusSeeOther)
		return
	}
	if err := a.startSession(w, issued); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if issued.Identity.RequirePasswordChange {
		callback = "/change-password"
	}
	http.Redirect(w, r, callback, http.StatusSeeOther)
}

// logout always ends on the login page with every auth cookie removed.
func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	if token := cookieValue(r, sessionCookie); token != "" {
		a.svc.Logout(r.Context(), token)
	}
	a.clearCookies(w)
	noStore(w)
	w.Header().Set("Clear-Site-Data", `"cache", "cookies", "storage"`)
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (a *API) changePassword(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := a.svc.ChangePassword(r.Context(), id, req.CurrentPassword, req.NewPassword); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "password_changed",
		"callbackUrl": takeCallback(r, ""),
	})
}

func (a *API) beginTOTP(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	enrollment, err := a.svc.BeginTOTPEnrollment(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

type confirmTOTPRequest struct {
	Ticket string `json:"ticket"`
	Code   string `json:"code"`
}

func (a *API) confirmTOTP(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	var req confirmTOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	codes, err := a.svc.ConfirmTOTPEnrollment(r.Context(), id, req.Ticket, req.Code)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"totpEnabled": true,
		"backupCodes": codes,
	})
}

type disableTOTPRequest struct {
	CurrentPassword string `json:"currentPassword"`
}

func (a *API) disableTOTP(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	var req disableTOTPRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := a.svc.DisableTOTP(r.Context(), id, req.CurrentPassword); err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"totpEnabled": false})
}

type emergencyRequest struct {
	Email  string `json:"email"`
	Secret string `json:"secret"`
}

// emergencyDisable2FA is the break-glass endpoint. Its error bodies are fixed
// strings so operator runbooks can match on them.
func (a *API) emergencyDisable2FA(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	res, err := a.svc.EmergencyDisable2FA(r.Context(), req.Email, req.Secret)
	switch {
	case err == nil:
		obs.Warn("emergency_2fa_disable", map[string]any{
			"request_id":  RequestIDFromContext(r.Context()),
			"employee_id": res.Employee.ID,
			"remote_ip":   clientIP(r),
		})
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "Unauthorized")
	case errors.Is(err, auth.ErrEmployeeNotFound):
		writeError(w, r, http.StatusNotFound, "employee_not_found", "Employee not found")
	case errors.Is(err, auth.ErrCredentialsNotFound):
		writeError(w, r, http.StatusNotFound, "credentials_not_found", "No credentials found")
	default:
		handleServiceError(w, r, err)
	}
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, identityView(*id))
}
