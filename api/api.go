// Package api exposes the authentication flow and administrative
// certificate operations over HTTP. Certificate verification input arrives
// as trusted headers from the TLS terminator; the second-factor gate wraps
// everything except explicitly exempted emergency routes.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/custodia/certauth/auth"
	"github.com/custodia/certauth/ca"
)

//go:embed openapi.yaml
var openapiSpec []byte

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	machine    *auth.Machine
	manager    *ca.Manager
	enrollment *auth.Enrollment
	verifier   *ca.Verifier

	audit       *auditLogger
	rateLimiter *codeRateLimiter

	trustedProxies []netip.Prefix
	exemptPrefixes []string
	adminToken     string
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events. If not set, a
// default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.audit = newAuditLogger(logger) }
}

// WithAlerts installs an anomaly alert callback fed by the audit stream.
func WithAlerts(fn AlertFunc) Option {
	return func(a *API) {
		if a.audit == nil {
			a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
		}
		a.audit.metrics = newMetricsCollector(fn)
	}
}

// WithVerifier lets the API classify certificate rejections for the audit
// stream. Without it rejections are still audited, just without the
// content-mismatch distinction.
func WithVerifier(verifier *ca.Verifier) Option {
	return func(a *API) { a.verifier = verifier }
}

// WithTrustedProxies sets the CIDR allowlist of TLS terminators whose
// certificate headers are honored. Empty means no headers are ever trusted.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithExemptPrefixes sets route prefixes excluded from the second-factor
// gate. Emergency routes authenticate by other means; they bypass the gate
// by policy here, never by special cases inside the state machine.
func WithExemptPrefixes(prefixes []string) Option {
	return func(a *API) { a.exemptPrefixes = prefixes }
}

// WithAdminToken sets the token required on administrative routes.
func WithAdminToken(token string) Option {
	return func(a *API) { a.adminToken = token }
}

// New creates a new API instance.
func New(machine *auth.Machine, manager *ca.Manager, enrollment *auth.Enrollment, opts ...Option) *API {
	a := &API{
		machine:     machine,
		manager:     manager,
		enrollment:  enrollment,
		rateLimiter: newCodeRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/certificate", a.PresentCertificate)
		r.Get("/session", a.SessionStage)
		r.Post("/enroll/begin", a.BeginEnrollment)
		r.Post("/enroll/confirm", a.ConfirmEnrollment)
		r.Post("/challenge", a.VerifyChallenge)
		r.Post("/logout", a.Logout)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(a.AdminAuth)
		r.Post("/authority", a.CreateAuthority)
		r.Get("/ca.pem", a.ExportCA)
		r.Get("/crl.pem", a.ExportCRL)
		r.Get("/certificates", a.ListCertificates)
		r.Get("/certificates/expiring", a.ExpiringCertificates)
		r.Post("/certificates", a.IssueCertificate)
		r.Post("/certificates/{serial}/revoke", a.RevokeCertificate)
		r.Post("/certificates/{serial}/renew", a.RenewCertificate)
		r.Post("/certificates/{serial}/bundle", a.ExportBundle)
		r.Post("/identities/{identityRef}/issue", a.IssueForIdentity)
		r.Post("/identities/{identityRef}/reset-second-factor", a.ResetSecondFactor)
	})

	// Everything below the gate requires a fully authenticated session,
	// except the configured exempt prefixes.
	r.Group(func(r chi.Router) {
		r.Use(a.SecondFactorGate)
		r.Get("/whoami", a.WhoAmI)
		r.Get("/emergency/status", a.EmergencyStatus)
	})

	return r
}

const sessionCookieName = "certauth_session"

func (a *API) sessionID(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	id := newSessionID()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(24 * time.Hour),
	})
	return id
}
