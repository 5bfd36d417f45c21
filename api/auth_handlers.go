package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/custodia/certauth/auth"
	"github.com/custodia/certauth/ca"
)

// PresentCertificate feeds the TLS terminator's verdict into the session
// state machine. A request without a certificate is a valid unauthenticated
// input; the session simply stays unverified.
func (a *API) PresentCertificate(w http.ResponseWriter, r *http.Request) {
	id := a.sessionID(w, r)

	cert := a.certificateFromHeaders(r)
	if cert == nil {
		if session, ok := a.machine.Stage(id); ok {
			writeJSON(w, http.StatusOK, sessionResponse(session))
			return
		}
		writeJSON(w, http.StatusOK, SessionResponse{SessionID: id, Stage: string(auth.StageUnverified)})
		return
	}

	session, err := a.machine.HandleCertificate(id, cert.Serial, cert.Hash, cert.Subject)
	if err != nil {
		mapError(w, err)
		return
	}
	if session.Stage == auth.StageRejected {
		a.auditRejection(r, cert)
		writeJSON(w, http.StatusUnauthorized, sessionResponse(session))
		return
	}
	a.audit.logIdentity(AuditCertPresented, r, session.IdentityRef,
		slog.Int64("serial", cert.Serial), slog.String("stage", string(session.Stage)))
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

// auditRejection classifies a rejected presentation for the audit stream. A
// content mismatch is its own event so the anomaly detector can alert on it.
func (a *API) auditRejection(r *http.Request, cert *certPresentation) {
	event := AuditCertRejected
	if a.verifier != nil {
		if result := a.verifier.Verify(cert.Serial, cert.Hash, cert.Subject); result.Outcome == ca.OutcomeHashMismatch {
			event = AuditHashMismatch
		}
	}
	a.audit.logFailure(event, r, "certificate verification failed", slog.Int64("serial", cert.Serial))
}

// SessionStage reports the session's current authentication stage.
func (a *API) SessionStage(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	session, ok := a.machine.Stage(cookie.Value)
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

// BeginEnrollment starts second-factor setup for the session's identity and
// returns the secret material for the authenticator app.
func (a *API) BeginEnrollment(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	session, ok := a.machine.Stage(cookie.Value)
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req EnrollRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	label := req.Label
	if label == "" {
		label = session.IdentityRef
	}

	material, err := a.machine.BeginEnrollment(cookie.Value, label)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logIdentity(AuditEnrollmentStarted, r, session.IdentityRef)
	writeJSON(w, http.StatusOK, EnrollmentResponse{
		Secret:     material.Secret,
		Token:      material.Token,
		OTPAuthURL: material.OTPAuthURL,
		ExpiresAt:  rfc3339(material.ExpiresAt),
	})
}

// ConfirmEnrollment submits the first code from the authenticator. Success
// activates the secret and fully authenticates the session in one step.
func (a *API) ConfirmEnrollment(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	existing, ok := a.machine.Stage(cookie.Value)
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ip := clientIP(r)
	if blocked, retryAfter := a.rateLimiter.check(existing.IdentityRef, ip); blocked {
		a.audit.logIdentity(AuditCodeRateLimited, r, existing.IdentityRef)
		writeRateLimited(w, retryAfter)
		return
	}

	session, err := a.machine.ConfirmEnrollment(cookie.Value, req.Token, req.Code)
	switch {
	case err == nil:
		a.rateLimiter.recordSuccess(existing.IdentityRef, ip)
		a.audit.logIdentity(AuditEnrollmentDone, r, session.IdentityRef)
		writeJSON(w, http.StatusOK, sessionResponse(session))
	case errors.Is(err, auth.ErrInvalidCode), errors.Is(err, auth.ErrAttemptLimitExceeded):
		a.rateLimiter.recordFailure(existing.IdentityRef, ip)
		a.audit.logFailure(AuditCodeFailure, r, "enrollment code rejected",
			slog.String("identity_ref", existing.IdentityRef))
		mapError(w, err)
	default:
		mapError(w, err)
	}
}

// VerifyChallenge submits a code for an already-enrolled identity.
func (a *API) VerifyChallenge(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	existing, ok := a.machine.Stage(cookie.Value)
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ip := clientIP(r)
	if blocked, retryAfter := a.rateLimiter.check(existing.IdentityRef, ip); blocked {
		a.audit.logIdentity(AuditCodeRateLimited, r, existing.IdentityRef)
		writeRateLimited(w, retryAfter)
		return
	}

	session, err := a.machine.VerifyChallenge(cookie.Value, req.Code)
	switch {
	case err == nil:
		a.rateLimiter.recordSuccess(existing.IdentityRef, ip)
		a.audit.logIdentity(AuditChallengePassed, r, session.IdentityRef)
		writeJSON(w, http.StatusOK, sessionResponse(session))
	case errors.Is(err, auth.ErrInvalidCode), errors.Is(err, auth.ErrAttemptLimitExceeded):
		a.rateLimiter.recordFailure(existing.IdentityRef, ip)
		a.audit.logFailure(AuditCodeFailure, r, "challenge code rejected",
			slog.String("identity_ref", existing.IdentityRef))
		mapError(w, err)
	default:
		mapError(w, err)
	}
}

// Logout destroys the session and clears the cookie.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if session, ok := a.machine.Stage(cookie.Value); ok {
			a.audit.logIdentity(AuditLogout, r, session.IdentityRef)
		}
		a.machine.Logout(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

// WhoAmI echoes the authenticated session attached by the gate.
func (a *API) WhoAmI(w http.ResponseWriter, r *http.Request) {
	session, ok := SessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

// EmergencyStatus reports which route prefixes bypass the second-factor
// gate. The route itself sits behind the gate unless listed, so operators
// can confirm the policy from both sides.
func (a *API) EmergencyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"exempt_prefixes": append([]string{}, a.exemptPrefixes...),
		"exempt":          a.routeExempt(r.URL.Path),
	})
}
