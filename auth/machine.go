package auth

import (
	"errors"
	"log/slog"
	"time"

	"github.com/custodia/certauth/ca"
)

const (
	defaultAttemptLimit = 3
	defaultSessionTTL   = 12 * time.Hour
)

// Machine is the request-time authentication orchestrator. Given a
// certificate verdict from the TLS terminator it decides the session's next
// stage and drives it through enrollment or challenge to full
// authorization. All stage transitions are compare-and-swap guarded so
// concurrent requests for one session cannot double-transition.
type Machine struct {
	verifier   *ca.Verifier
	enrollment *Enrollment
	sessions   SessionStore
	log        *slog.Logger
	now        func() time.Time

	attemptLimit int
	sessionTTL   time.Duration

	// eligible, when set, gates identities that may authenticate at all.
	// Inactive identities are rejected before any second-factor work.
	eligible func(identityRef string) bool
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithMachineLogger sets the machine's logger.
func WithMachineLogger(log *slog.Logger) MachineOption {
	return func(m *Machine) { m.log = log }
}

// WithMachineClock overrides the time source, for tests.
func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// WithAttemptLimit sets how many wrong codes a session may submit before it
// is rejected.
func WithAttemptLimit(limit int) MachineOption {
	return func(m *Machine) { m.attemptLimit = limit }
}

// WithSessionTTL sets the session lifetime.
func WithSessionTTL(ttl time.Duration) MachineOption {
	return func(m *Machine) { m.sessionTTL = ttl }
}

// WithIdentityGate installs an eligibility check for identities.
func WithIdentityGate(eligible func(identityRef string) bool) MachineOption {
	return func(m *Machine) { m.eligible = eligible }
}

// NewMachine returns a Machine over the given verifier, enrollment and
// session store.
func NewMachine(verifier *ca.Verifier, enrollment *Enrollment, sessions SessionStore, opts ...MachineOption) *Machine {
	m := &Machine{
		verifier:     verifier,
		enrollment:   enrollment,
		sessions:     sessions,
		log:          slog.Default(),
		now:          time.Now,
		attemptLimit: defaultAttemptLimit,
		sessionTTL:   defaultSessionTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleCertificate processes a certificate presentation for a session. The
// CERT_VERIFIED stage resolves to its successor within the same call: a
// valid certificate lands the session in PENDING_ENROLLMENT,
// PENDING_CHALLENGE, or straight in FULLY_AUTHENTICATED when the session
// already passed the second factor. Any other verification outcome rejects
// the session.
func (m *Machine) HandleCertificate(sessionID string, serial int64, presentedHash, subjectClaim string) (Session, error) {
	existing, exists := m.sessions.Get(sessionID)
	if exists && (existing.Stage == StageFullyAuthenticated || existing.Stage == StageRejected) {
		// Terminal within the session; a rejected session requires fresh
		// credentials under a new session.
		return existing, nil
	}

	result := m.verifier.Verify(serial, presentedHash, subjectClaim)
	if !result.Valid() {
		if result.Outcome == ca.OutcomeHashMismatch {
			m.log.Warn("session rejected on certificate substitution signal",
				"event", "security", "session", sessionID, "serial", serial)
		}
		return m.transition(sessionID, existing, exists, func(s *Session) {
			s.Stage = StageRejected
		})
	}

	identityRef := result.IdentityRef
	if m.eligible != nil && !m.eligible(identityRef) {
		m.log.Info("rejected inactive identity", "session", sessionID, "identity", identityRef)
		return m.transition(sessionID, existing, exists, func(s *Session) {
			s.IdentityRef = identityRef
			s.Stage = StageRejected
		})
	}

	if exists && existing.SecondFactorVerified && existing.IdentityRef == identityRef {
		return m.transition(sessionID, existing, exists, func(s *Session) {
			s.Stage = StageFullyAuthenticated
		})
	}

	enrolled, err := m.enrollment.IsEnrolled(identityRef)
	if err != nil {
		return Session{}, err
	}
	next := StagePendingEnrollment
	if enrolled {
		next = StagePendingChallenge
	}
	return m.transition(sessionID, existing, exists, func(s *Session) {
		s.IdentityRef = identityRef
		s.Stage = next
	})
}

// transition applies mutate to the session and writes it back, CAS-guarded
// when the session already existed.
func (m *Machine) transition(sessionID string, existing Session, exists bool, mutate func(*Session)) (Session, error) {
	now := m.now()
	session := existing
	if !exists {
		session = Session{
			ID:        sessionID,
			Stage:     StageUnverified,
			ExpiresAt: now.Add(m.sessionTTL),
		}
	}
	mutate(&session)
	session.StageChangedAt = now

	if !exists {
		m.sessions.Put(sessionID, session)
		stored, _ := m.sessions.Get(sessionID)
		return stored, nil
	}
	if err := m.sessions.CompareAndSwap(sessionID, existing.Version, session); err != nil {
		return Session{}, err
	}
	session.Version = existing.Version + 1
	return session, nil
}

// BeginEnrollment starts second-factor enrollment for a session waiting in
// PENDING_ENROLLMENT. The returned material carries the secret and the
// token Confirm requires.
func (m *Machine) BeginEnrollment(sessionID, accountLabel string) (*Material, error) {
	session, ok := m.sessions.Get(sessionID)
	if !ok {
		return nil, ErrUnknownSession
	}
	if session.Stage == StageRejected {
		return nil, ErrAttemptLimitExceeded
	}
	if session.Stage != StagePendingEnrollment {
		return nil, ErrWrongStage
	}
	return m.enrollment.Begin(session.IdentityRef, accountLabel)
}

// ConfirmEnrollment validates the code against the session identity's
// pending secret. On success the secret is promoted and the session becomes
// FULLY_AUTHENTICATED in the same call; no separate challenge follows. A
// wrong code leaves the pending secret retryable and counts against the
// attempt limit.
func (m *Machine) ConfirmEnrollment(sessionID, token, code string) (Session, error) {
	session, ok := m.sessions.Get(sessionID)
	if !ok {
		return Session{}, ErrUnknownSession
	}
	if session.Stage == StageRejected {
		// Fail fast: the code is not even compared.
		return session, ErrAttemptLimitExceeded
	}
	if session.Stage != StagePendingEnrollment {
		return session, ErrWrongStage
	}

	err := m.enrollment.Confirm(session.IdentityRef, token, code)
	switch {
	case err == nil:
		return m.authenticate(sessionID, session)
	case errors.Is(err, ErrInvalidCode):
		return m.recordFailure(sessionID, session)
	default:
		return session, err
	}
}

// VerifyChallenge validates a code for a session in PENDING_CHALLENGE and
// authorizes it on success.
func (m *Machine) VerifyChallenge(sessionID, code string) (Session, error) {
	session, ok := m.sessions.Get(sessionID)
	if !ok {
		return Session{}, ErrUnknownSession
	}
	if session.Stage == StageRejected {
		return session, ErrAttemptLimitExceeded
	}
	if session.Stage != StagePendingChallenge {
		return session, ErrWrongStage
	}

	valid, err := m.enrollment.VerifyChallenge(session.IdentityRef, code)
	if err != nil {
		return session, err
	}
	if !valid {
		return m.recordFailure(sessionID, session)
	}
	return m.authenticate(sessionID, session)
}

// authenticate moves the session to FULLY_AUTHENTICATED and marks the
// second factor satisfied for the rest of the session's lifetime.
func (m *Machine) authenticate(sessionID string, session Session) (Session, error) {
	return m.transition(sessionID, session, true, func(s *Session) {
		s.Stage = StageFullyAuthenticated
		s.SecondFactorVerified = true
		s.FailedAttempts = 0
	})
}

func (m *Machine) recordFailure(sessionID string, session Session) (Session, error) {
	attempts := session.FailedAttempts + 1
	if attempts >= m.attemptLimit {
		updated, err := m.transition(sessionID, session, true, func(s *Session) {
			s.FailedAttempts = attempts
			s.Stage = StageRejected
		})
		if err != nil {
			return updated, err
		}
		m.log.Info("session rejected after code attempt limit",
			"session", sessionID, "identity", session.IdentityRef, "attempts", attempts)
		return updated, ErrAttemptLimitExceeded
	}
	updated, err := m.transition(sessionID, session, true, func(s *Session) {
		s.FailedAttempts = attempts
	})
	if err != nil {
		return updated, err
	}
	return updated, ErrInvalidCode
}

// Stage returns the session's current state.
func (m *Machine) Stage(sessionID string) (Session, bool) {
	return m.sessions.Get(sessionID)
}

// Logout destroys the session.
func (m *Machine) Logout(sessionID string) {
	m.sessions.Delete(sessionID)
}
