package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/custodia/certauth/internal/uuid"
	"github.com/custodia/certauth/keystore"
	"github.com/custodia/certauth/storage"
)

const defaultPendingTTL = 10 * time.Minute

// How many times a read-modify-write may lose the CAS race before giving up.
const enrollmentRetries = 4

// identitySecret is the sealed per-identity second-factor record. Confirmed
// is write-once until explicitly reset; Pending holds an unconfirmed secret
// during the setup window.
type identitySecret struct {
	Confirmed     string    `json:"confirmed,omitempty"`
	Pending       string    `json:"pending,omitempty"`
	PendingToken  string    `json:"pending_token,omitempty"`
	PendingExpiry time.Time `json:"pending_expiry,omitempty"`
}

// Material is what Begin hands back for presentation to the user: the shared
// secret, the enrollment token to quote on Confirm, and a provisioning URL
// suitable for rendering as a scannable code.
type Material struct {
	Secret     string
	Token      string
	OTPAuthURL string
	ExpiresAt  time.Time
}

// Enrollment manages per-identity second-factor secrets. Pending secrets are
// promoted to confirmed atomically by Confirm; secret records are sealed
// under the keystore's master key.
type Enrollment struct {
	repo       storage.Repository
	keys       *keystore.Store
	now        func() time.Time
	pendingTTL time.Duration
}

// EnrollmentOption configures an Enrollment.
type EnrollmentOption func(*Enrollment)

// WithEnrollmentClock overrides the time source, for tests.
func WithEnrollmentClock(now func() time.Time) EnrollmentOption {
	return func(e *Enrollment) { e.now = now }
}

// WithPendingTTL sets the setup window for pending secrets.
func WithPendingTTL(ttl time.Duration) EnrollmentOption {
	return func(e *Enrollment) { e.pendingTTL = ttl }
}

// NewEnrollment returns an Enrollment over the given storage backend.
func NewEnrollment(repo storage.Repository, keys *keystore.Store, opts ...EnrollmentOption) *Enrollment {
	e := &Enrollment{
		repo:       repo,
		keys:       keys,
		now:        time.Now,
		pendingTTL: defaultPendingTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Enrollment) load(identityRef string) (identitySecret, uint64, bool, error) {
	env, err := e.repo.Get(authScope, recordTypeSecret, identityRef)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrScopeNotFound) {
			return identitySecret{}, 0, false, nil
		}
		return identitySecret{}, 0, false, fmt.Errorf("loading secret for %s: %w", identityRef, err)
	}
	data, err := e.keys.OpenIn(authScope, recordTypeSecret, identityRef, env)
	if err != nil {
		return identitySecret{}, 0, false, fmt.Errorf("opening secret for %s: %w", identityRef, err)
	}
	var rec identitySecret
	if err := json.Unmarshal(data, &rec); err != nil {
		return identitySecret{}, 0, false, fmt.Errorf("parsing secret for %s: %w", identityRef, err)
	}
	return rec, env.Version, true, nil
}

// saveCAS writes the record guarded by the version read earlier; version 0
// asserts the record did not exist.
func (e *Enrollment) saveCAS(identityRef string, rec identitySecret, expectedVersion uint64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	env, err := e.keys.SealIn(authScope, recordTypeSecret, identityRef, data, expectedVersion+1)
	if err != nil {
		return err
	}
	return e.repo.PutCAS(authScope, recordTypeSecret, identityRef, expectedVersion, env)
}

// Begin starts enrollment for an identity. It generates a fresh secret into
// the pending slot and returns it with an enrollment token; the secret is
// not active for challenge verification until Confirm promotes it. Fails
// with ErrAlreadyEnrolled if a confirmed secret exists.
func (e *Enrollment) Begin(identityRef, accountLabel string) (*Material, error) {
	for attempt := 0; attempt < enrollmentRetries; attempt++ {
		rec, version, _, err := e.load(identityRef)
		if err != nil {
			return nil, err
		}
		if rec.Confirmed != "" {
			return nil, ErrAlreadyEnrolled
		}

		secret, err := generateTOTPSecret()
		if err != nil {
			return nil, err
		}
		rec.Pending = secret
		rec.PendingToken = uuid.New()
		rec.PendingExpiry = e.now().Add(e.pendingTTL)

		if err := e.saveCAS(identityRef, rec, version); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				continue
			}
			return nil, err
		}
		return &Material{
			Secret:     secret,
			Token:      rec.PendingToken,
			OTPAuthURL: otpAuthURL(secret, accountLabel),
			ExpiresAt:  rec.PendingExpiry,
		}, nil
	}
	return nil, fmt.Errorf("beginning enrollment for %s: %w", identityRef, storage.ErrCASFailed)
}

// Confirm validates the code against the pending secret and, on success,
// promotes it to confirmed in the same guarded write. On a wrong code the
// pending secret stays pending and a retry with the correct code succeeds.
func (e *Enrollment) Confirm(identityRef, token, code string) error {
	for attempt := 0; attempt < enrollmentRetries; attempt++ {
		rec, version, found, err := e.load(identityRef)
		if err != nil {
			return err
		}
		if !found || rec.Pending == "" || rec.PendingToken != token {
			return ErrNoPendingEnrollment
		}
		if e.now().After(rec.PendingExpiry) {
			return ErrEnrollmentExpired
		}
		if !verifyTOTPCode(rec.Pending, code, e.now()) {
			return ErrInvalidCode
		}

		rec.Confirmed = rec.Pending
		rec.Pending = ""
		rec.PendingToken = ""
		rec.PendingExpiry = time.Time{}

		if err := e.saveCAS(identityRef, rec, version); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("confirming enrollment for %s: %w", identityRef, storage.ErrCASFailed)
}

// VerifyChallenge validates a code against the confirmed secret. It never
// mutates enrollment state.
func (e *Enrollment) VerifyChallenge(identityRef, code string) (bool, error) {
	rec, _, found, err := e.load(identityRef)
	if err != nil {
		return false, err
	}
	if !found || rec.Confirmed == "" {
		return false, ErrNotEnrolled
	}
	return verifyTOTPCode(rec.Confirmed, code, e.now()), nil
}

// IsEnrolled reports whether the identity has a confirmed secret.
func (e *Enrollment) IsEnrolled(identityRef string) (bool, error) {
	rec, _, found, err := e.load(identityRef)
	if err != nil {
		return false, err
	}
	return found && rec.Confirmed != "", nil
}

// Reset discards the identity's secrets, confirmed and pending. The identity
// must enroll again before passing the second factor.
func (e *Enrollment) Reset(identityRef string) error {
	err := e.repo.Delete(authScope, recordTypeSecret, identityRef)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrScopeNotFound) {
		return nil
	}
	return err
}
