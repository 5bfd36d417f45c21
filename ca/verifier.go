package ca

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"time"
)

// Outcome is the result class of a verification.
type Outcome string

const (
	OutcomeUnknown          Outcome = "unknown"
	OutcomeRevoked          Outcome = "revoked"
	OutcomeExpired          Outcome = "expired"
	OutcomeHashMismatch     Outcome = "hash_mismatch"
	OutcomeIdentityMismatch Outcome = "identity_mismatch"
	OutcomeValid            Outcome = "valid"
)

// Result is the outcome of verifying a presented certificate. IdentityRef is
// set only for OutcomeValid.
type Result struct {
	Outcome     Outcome
	IdentityRef string
}

// Valid reports whether the result authorizes the request.
func (r Result) Valid() bool {
	return r.Outcome == OutcomeValid
}

// Verifier checks presented certificates against the registry. It is
// read-only over registry state and safe for concurrent use.
type Verifier struct {
	registry *Registry
	log      *slog.Logger
	now      func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock overrides the verifier's time source, for tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithVerifierLogger sets the verifier's logger.
func WithVerifierLogger(log *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.log = log }
}

// NewVerifier returns a Verifier over the given registry.
func NewVerifier(registry *Registry, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		registry: registry,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks that the certificate with the given serial was issued here,
// is unrevoked and unexpired, that its stored content hash matches the one
// presented by the TLS terminator, and that the presented subject matches
// the bound identity. Checks run in that order; the first failure wins.
//
// A hash mismatch means the bytes presented for a known serial are not the
// bytes this authority signed. That is a substitution signal and is logged
// as a security event, not a routine failure.
func (v *Verifier) Verify(serial int64, presentedHash, subjectClaim string) Result {
	cert, err := v.registry.Certificate(serial)
	if err != nil {
		if errors.Is(err, ErrUnknownCertificate) {
			return Result{Outcome: OutcomeUnknown}
		}
		v.log.Error("certificate lookup failed", "serial", serial, "error", err)
		return Result{Outcome: OutcomeUnknown}
	}

	if cert.Revoked {
		return Result{Outcome: OutcomeRevoked}
	}

	now := v.now().UTC()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return Result{Outcome: OutcomeExpired}
	}

	if subtle.ConstantTimeCompare([]byte(cert.ContentHash), []byte(presentedHash)) != 1 {
		v.log.Warn("certificate content hash mismatch",
			"event", "security",
			"serial", serial,
			"identity", cert.IdentityRef)
		return Result{Outcome: OutcomeHashMismatch}
	}

	if subjectClaim != cert.SubjectCN && subjectClaim != cert.SubjectDN {
		return Result{Outcome: OutcomeIdentityMismatch}
	}

	return Result{Outcome: OutcomeValid, IdentityRef: cert.IdentityRef}
}
