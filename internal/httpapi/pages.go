package httpapi

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"peopledesk.org/internal/auth"
	"peopledesk.org/internal/obs"
)

//go:embed templates/*.html
var templatesFS embed.FS

var pages = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

// loginErrors turns redirect error codes into messages. Unknown codes show nothing.
var loginErrors = map[string]string{
	"link_expired":   "That sign-in link has expired. Request a new one.",
	"link_invalid":   "That sign-in link is not valid or was already used.",
	"account_locked": "Too many failed attempts. Try again later.",
	"invalid_totp":   "The two-factor code was not accepted.",
	"invalid_input":  "That sign-in link is not valid or was already used.",
}

type pageData struct {
	Title       string
	Error       string
	CallbackURL string
	Token       string
	Required    bool
	Identity    *auth.Identity
}

func (a *API) render(w http.ResponseWriter, r *http.Request, status int, name string, data pageData) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		obs.Error("render_failed", map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"template":   name,
			"error":      err,
		})
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (a *API) loginPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a.render(w, r, http.StatusOK, "login.html", pageData{
		Title:       "Sign in",
		Error:       loginErrors[q.Get("error")],
		CallbackURL: takeCallback(r, q.Get("callbackUrl")),
	})
}

func (a *API) renderLinkTOTP(w http.ResponseWriter, r *http.Request, token, callback string, rejected bool) {
	data := pageData{
		Title:       "Two-factor authentication",
		Token:       token,
		CallbackURL: callback,
	}
	status := http.StatusOK
	if rejected {
		data.Error = loginErrors["invalid_totp"]
		status = http.StatusUnauthorized
	}
	a.render(w, r, status, "link_totp.html", data)
}

func (a *API) changePasswordPage(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	a.render(w, r, http.StatusOK, "change_password.html", pageData{
		Title:    "Change password",
		Required: id.RequirePasswordChange,
		Identity: id,
	})
}

func (a *API) homePage(w http.ResponseWriter, r *http.Request) {
	id, ok := a.requireIdentity(w, r)
	if !ok {
		return
	}
	a.render(w, r, http.StatusOK, "home.html", pageData{
		Title:    "PeopleDesk",
		Identity: id,
	})
}
