package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/custodia/certauth/auth"
	"github.com/custodia/certauth/internal/uuid"
)

// Headers supplied by the TLS terminator. They are honored only when the
// direct peer is inside the trusted proxy allowlist; otherwise the request
// is treated as carrying no certificate, which is a valid unauthenticated
// input, not an error.
const (
	headerClientVerify  = "X-Client-Verify"
	headerClientSerial  = "X-Client-Serial"
	headerClientHash    = "X-Client-Cert-Hash"
	headerClientSubject = "X-Client-Subject"

	verifySuccess = "SUCCESS"
)

func newSessionID() string {
	return uuid.New()
}

// certPresentation is the terminator's verdict for one request.
type certPresentation struct {
	Serial  int64
	Hash    string
	Subject string
}

// certificateFromHeaders extracts the terminator's certificate verdict, or
// nil when no certificate was presented or the peer is untrusted.
func (a *API) certificateFromHeaders(r *http.Request) *certPresentation {
	if !a.peerTrusted(r) {
		return nil
	}
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get(headerClientVerify)), verifySuccess) {
		return nil
	}
	serialHex := strings.TrimSpace(r.Header.Get(headerClientSerial))
	if serialHex == "" {
		return nil
	}
	serial, err := strconv.ParseInt(serialHex, 16, 64)
	if err != nil {
		return nil
	}
	return &certPresentation{
		Serial:  serial,
		Hash:    strings.ToLower(strings.TrimSpace(r.Header.Get(headerClientHash))),
		Subject: strings.TrimSpace(r.Header.Get(headerClientSubject)),
	}
}

// peerTrusted reports whether the request's direct peer is a configured TLS
// terminator. With no allowlist configured, no peer is trusted.
func (a *API) peerTrusted(r *http.Request) bool {
	if len(a.trustedProxies) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, prefix := range a.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// routeExempt reports whether the path falls under an exempt prefix.
// Emergency routes authenticate by a separate mechanism and bypass the
// second-factor gate by policy.
func (a *API) routeExempt(path string) bool {
	for _, prefix := range a.exemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// SecondFactorGate blocks requests whose session has not reached
// FULLY_AUTHENTICATED, except on exempt route prefixes.
func (a *API) SecondFactorGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.routeExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		session, ok := a.machine.Stage(cookie.Value)
		if !ok || session.Stage != auth.StageFullyAuthenticated {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		next.ServeHTTP(w, withSessionContext(r, session))
	})
}

// AdminAuth requires the configured admin token on administrative routes.
func (a *API) AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminToken == "" {
			writeError(w, http.StatusForbidden, "administrative API disabled")
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) != 1 {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIsSecure(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
