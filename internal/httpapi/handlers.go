package httpapi

import (
	"context"
	"net/http"
	"time"

	"peopledesk.org/internal/auth"
	"peopledesk.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Pinger is satisfied by the store implementations.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks readiness by pinging the store.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.Store.Ping(ctx)
}

// API is the HTTP layer: JSON endpoints under /v1, the sign-in pages and
// the operational endpoints.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string
	svc        *auth.Service

	secureCookies bool
	rateBurst     int
	ratePerSecond int
	maxBodyBytes  int64
}

// Option configures the API.
type Option func(*API)

// WithSecureCookies sets the Secure attribute on every cookie.
func WithSecureCookies(secure bool) Option {
	return func(a *API) { a.secureCookies = secure }
}

// WithRateLimit sets the per-client token bucket. Zero values disable limiting.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSecond = perSecond
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

func New(rp readinessChecker, version string, svc *auth.Service, opts ...Option) *API {
	a := &API{
		mux:           http.NewServeMux(),
		readyProbe:    rp,
		version:       version,
		svc:           svc,
		secureCookies: true,
		rateBurst:     20,
		ratePerSecond: 10,
		maxBodyBytes:  1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/metrics
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("POST /v1/auth/login", a.login)
	a.mux.HandleFunc("POST /v1/auth/link", a.requestLink)
	a.mux.HandleFunc("GET /v1/auth/link/verify", a.verifyLink)
	a.mux.HandleFunc("POST /v1/auth/link/verify", a.verifyLink)
	a.mux.HandleFunc("POST /v1/auth/logout", a.logout)
	a.mux.HandleFunc("GET /logout", a.logout)
	a.mux.HandleFunc("POST /v1/auth/password", a.changePassword)
	a.mux.HandleFunc("POST /v1/auth/2fa/setup", a.beginTOTP)
	a.mux.HandleFunc("POST /v1/auth/2fa/enable", a.confirmTOTP)
	a.mux.HandleFunc("POST /v1/auth/2fa/disable", a.disableTOTP)
	a.mux.HandleFunc("POST /v1/admin/2fa/emergency-disable", a.emergencyDisable2FA)
	a.mux.HandleFunc("GET /v1/me", a.me)

	// administration
	a.mux.HandleFunc("GET /v1/employees/{id}/roles", a.listRoles)
	a.mux.HandleFunc("POST /v1/employees/{id}/roles", a.assignRole)
	a.mux.HandleFunc("DELETE /v1/employees/{id}/roles/{assignmentID}", a.revokeRole)
	a.mux.HandleFunc("POST /v1/employees/{id}/unlock", a.unlock)
	a.mux.HandleFunc("POST /v1/employees/{id}/require-rotation", a.requireRotation)
	a.mux.HandleFunc("GET /v1/audit", a.listAudit)

	// pages
	a.mux.HandleFunc("GET /login", a.loginPage)
	a.mux.HandleFunc("GET /change-password", a.changePasswordPage)
	a.mux.HandleFunc("GET /{$}", a.homePage)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withSession(a.mux)
	h = obs.Instrument(h)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	if a.rateBurst > 0 && a.ratePerSecond > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	}
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		obs.Warn("not_ready", map[string]any{"error": err})
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}
