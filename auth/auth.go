// Package auth drives certificate-and-second-factor authentication: TOTP
// enrollment with atomic promote-and-authenticate, challenge verification,
// and the per-session state machine that sequences certificate verification,
// second factor, and full authorization.
package auth

import (
	"errors"
	"time"
)

// Storage scope for enrollment secrets.
const authScope = "auth"

const recordTypeSecret = "SECRET"

var (
	// ErrAlreadyEnrolled is returned by Begin when the identity already has
	// a confirmed second-factor secret.
	ErrAlreadyEnrolled = errors.New("identity already enrolled")

	// ErrNoPendingEnrollment is returned by Confirm when there is no pending
	// secret for the identity and token.
	ErrNoPendingEnrollment = errors.New("no pending enrollment")

	// ErrEnrollmentExpired is returned by Confirm when the pending secret's
	// setup window has passed.
	ErrEnrollmentExpired = errors.New("enrollment window expired")

	// ErrNotEnrolled is returned by VerifyChallenge when the identity has no
	// confirmed secret.
	ErrNotEnrolled = errors.New("identity not enrolled")

	// ErrInvalidCode is returned when a submitted code does not verify.
	// Retryable up to the attempt limit.
	ErrInvalidCode = errors.New("invalid code")

	// ErrAttemptLimitExceeded is returned when a session has used up its
	// code attempts. The session is forced to StageRejected.
	ErrAttemptLimitExceeded = errors.New("code attempt limit exceeded")

	// ErrStaleSession is returned when a session transition loses a
	// compare-and-swap race, e.g. two tabs confirming at once.
	ErrStaleSession = errors.New("stale session state")

	// ErrUnknownSession is returned when the session does not exist or has
	// expired.
	ErrUnknownSession = errors.New("unknown session")

	// ErrWrongStage is returned when an operation is invoked in a session
	// stage that does not permit it.
	ErrWrongStage = errors.New("operation not permitted in current session stage")
)

// Stage is a session's position in the authentication state machine.
type Stage string

const (
	StageUnverified         Stage = "UNVERIFIED"
	StageCertVerified       Stage = "CERT_VERIFIED"
	StagePendingEnrollment  Stage = "SECOND_FACTOR_PENDING_ENROLLMENT"
	StagePendingChallenge   Stage = "SECOND_FACTOR_PENDING_CHALLENGE"
	StageFullyAuthenticated Stage = "FULLY_AUTHENTICATED"
	StageRejected           Stage = "REJECTED"
)

// Session is the per-login-session authentication record. It lives only in
// the session store and is never persisted beyond the session's lifetime.
// Version is the compare-and-swap counter guarding stage transitions.
type Session struct {
	ID                   string    `json:"id"`
	IdentityRef          string    `json:"identity_ref"`
	Stage                Stage     `json:"stage"`
	SecondFactorVerified bool      `json:"second_factor_verified"`
	FailedAttempts       int       `json:"failed_attempts"`
	StageChangedAt       time.Time `json:"stage_changed_at"`
	ExpiresAt            time.Time `json:"expires_at"`
	Version              uint64    `json:"version"`
}
