package httpapi

import (
	"crypto/hmac"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"peopledesk.org/internal/auth"
	"peopledesk.org/internal/ids"
)

const (
	sessionCookie  = "pd_session"
	csrfCookie     = "pd_csrf"
	callbackCookie = "pd_callback"
	csrfHeader     = "X-CSRF-Token"

	callbackTTL = 10 * time.Minute
)

type routeClass int

const (
	routeProtected routeClass = iota
	routePublic
	routeLoginOnly
)

var publicRoutes = map[string]bool{
	"/healthz":                        true,
	"/readyz":                         true,
	"/metrics":                        true,
	"/logout":                         true,
	"/v1/auth/login":                  true,
	"/v1/auth/link":                   true,
	"/v1/auth/link/verify":            true,
	"/v1/auth/logout":                 true,
	"/v1/admin/2fa/emergency-disable": true,
}

// rotationAllowed is everything an identity flagged for password rotation may reach.
var rotationAllowed = map[string]bool{
	"/change-password":  true,
	"/v1/auth/password": true,
	"/v1/me":            true,
	"/logout":           true,
	"/v1/auth/logout":   true,
}

func classifyRoute(path string) routeClass {
	switch {
	case publicRoutes[path]:
		return routePublic
	case path == "/login":
		return routeLoginOnly
	default:
		return routeProtected
	}
}

func isAPI(path string) bool { return strings.HasPrefix(path, "/v1/") }

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// withSession is the cookie fast path. It never touches the store: handlers
// resolve the session through requireIdentity.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := cookieValue(r, sessionCookie)
		switch classifyRoute(r.URL.Path) {
		case routePublic:
			next.ServeHTTP(w, r)
			return
		case routeLoginOnly:
			if token != "" {
				http.Redirect(w, r, "/", http.StatusSeeOther)
				return
			}
			noStore(w)
			next.ServeHTTP(w, r)
			return
		}

		noStore(w)
		if token == "" {
			a.unauthenticated(w, r)
			return
		}
		if isAPI(r.URL.Path) && !isSafeMethod(r.Method) && !csrfValid(r) {
			writeError(w, r, http.StatusForbidden, "csrf_failed", "missing or invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithToken(r.Context(), token)))
	})
}

// requireIdentity resolves the session behind the request. On failure it has
// already written the response and returns false.
func (a *API) requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	token, ok := auth.TokenFromContext(r.Context())
	if !ok {
		a.unauthenticated(w, r)
		return nil, false
	}
	id, err := a.svc.ResolveSession(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			a.clearCookies(w)
			a.unauthenticated(w, r)
			return nil, false
		}
		handleServiceError(w, r, err)
		return nil, false
	}
	if id.RequirePasswordChange && !rotationAllowed[r.URL.Path] {
		if isAPI(r.URL.Path) {
			handleServiceError(w, r, auth.ErrPasswordChangeRequired)
		} else {
			http.Redirect(w, r, "/change-password", http.StatusSeeOther)
		}
		return nil, false
	}
	return id, true
}

// unauthenticated answers 401 on the API and redirects pages to the login
// form, remembering where the caller was going.
func (a *API) unauthenticated(w http.ResponseWriter, r *http.Request) {
	if isAPI(r.URL.Path) {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}
	callback := auth.SafeCallback(r.URL.RequestURI())
	http.SetCookie(w, a.cookie(callbackCookie, callback, callbackTTL, true))
	http.Redirect(w, r, "/login?callbackUrl="+url.QueryEscape(callback), http.StatusSeeOther)
}

// startSession sets the session and CSRF cookies for a freshly issued session.
func (a *API) startSession(w http.ResponseWriter, issued auth.Issued) error {
	csrf, err := ids.Secret(32)
	if err != nil {
		return err
	}
	ttl := time.Until(issued.Session.ExpiresAt)
	if ttl <= 0 {
		ttl = a.svc.SessionTTL()
	}
	http.SetCookie(w, a.cookie(sessionCookie, issued.Token, ttl, true))
	http.SetCookie(w, a.cookie(csrfCookie, csrf, ttl, false))
	http.SetCookie(w, a.expired(callbackCookie, true))
	return nil
}

// takeCallback returns the remembered callback, falling back to explicit.
func takeCallback(r *http.Request, explicit string) string {
	if explicit != "" {
		return auth.SafeCallback(explicit)
	}
	return auth.SafeCallback(cookieValue(r, callbackCookie))
}

func (a *API) clearCookies(w http.ResponseWriter) {
	http.SetCookie(w, a.expired(sessionCookie, true))
	http.SetCookie(w, a.expired(csrfCookie, false))
	http.SetCookie(w, a.expired(callbackCookie, true))
}

func (a *API) cookie(name, value string, ttl time.Duration, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(ttl.Seconds()),
		HttpOnly: httpOnly,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func (a *API) expired(name string, httpOnly bool) *http.Cookie {
	c := a.cookie(name, "", 0, httpOnly)
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func csrfValid(r *http.Request) bool {
	want := cookieValue(r, csrfCookie)
	got := r.Header.Get(csrfHeader)
	if want == "" || got == "" {
		return false
	}
	return hmac.Equal([]byte(got), []byte(want))
}
