package api

import (
	"context"
	"net/http"
	"time"

	"github.com/custodia/certauth/auth"
)

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SessionResponse reports a session's authentication progress.
type SessionResponse struct {
	SessionID   string `json:"session_id"`
	Stage       string `json:"stage"`
	IdentityRef string `json:"identity_ref,omitempty"`
}

// EnrollmentResponse carries the material the user needs to finish setup.
type EnrollmentResponse struct {
	Secret     string `json:"secret"`
	Token      string `json:"token"`
	OTPAuthURL string `json:"otpauth_url"`
	ExpiresAt  string `json:"expires_at"`
}

// EnrollRequest starts enrollment. Label names the account inside the
// authenticator app; it defaults to the identity reference.
type EnrollRequest struct {
	Label string `json:"label,omitempty"`
}

// ConfirmRequest submits an enrollment code.
type ConfirmRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

// ChallengeRequest submits a challenge code.
type ChallengeRequest struct {
	Code string `json:"code"`
}

// AuthorityRequest creates a certificate authority.
type AuthorityRequest struct {
	CommonName         string `json:"common_name"`
	Organization       string `json:"organization,omitempty"`
	OrganizationalUnit string `json:"organizational_unit,omitempty"`
	Country            string `json:"country,omitempty"`
	ValidityYears      int    `json:"validity_years,omitempty"`
	Force              bool   `json:"force,omitempty"`
}

// AuthorityResponse describes a created authority.
type AuthorityResponse struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	NotAfter string `json:"not_after"`
}

// IssueRequest issues an end-entity certificate.
type IssueRequest struct {
	IdentityRef  string `json:"identity_ref"`
	CommonName   string `json:"common_name"`
	ValidityDays int    `json:"validity_days,omitempty"`
}

// IssueResponse returns the issued certificate and its private key.
type IssueResponse struct {
	Serial   int64  `json:"serial"`
	CertPEM  string `json:"cert_pem"`
	KeyPEM   string `json:"key_pem,omitempty"`
	NotAfter string `json:"not_after"`
}

// RevokeRequest revokes a certificate.
type RevokeRequest struct {
	Reason int `json:"reason,omitempty"`
}

// RenewRequest renews a certificate.
type RenewRequest struct {
	ValidityDays int `json:"validity_days,omitempty"`
}

// BundleRequest exports a PKCS#12 bundle.
type BundleRequest struct {
	Password string `json:"password"`
}

// IdentityIssueRequest is the post-creation issuance hook payload.
type IdentityIssueRequest struct {
	CommonName   string `json:"common_name"`
	ValidityDays int    `json:"validity_days,omitempty"`
}

func sessionResponse(s auth.Session) SessionResponse {
	return SessionResponse{
		SessionID:   s.ID,
		Stage:       string(s.Stage),
		IdentityRef: s.IdentityRef,
	}
}

func rfc3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

type sessionContextKey struct{}

func withSessionContext(r *http.Request, session auth.Session) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), sessionContextKey{}, session))
}

// SessionFromContext returns the authenticated session attached by the
// second-factor gate.
func SessionFromContext(ctx context.Context) (auth.Session, bool) {
	session, ok := ctx.Value(sessionContextKey{}).(auth.Session)
	return session, ok
}
