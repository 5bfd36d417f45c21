package auth

import (
	"testing"
	"time"

	"github.com/custodia/certauth/internal/util"
	"github.com/custodia/certauth/keystore"
	"github.com/custodia/certauth/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnrollment(t *testing.T, opts ...EnrollmentOption) *Enrollment {
	t.Helper()
	repo := memory.NewRepository()
	ks, err := keystore.Initialize(repo, "test passphrase", util.KDFProfileInteractive)
	require.NoError(t, err)
	return NewEnrollment(repo, ks, opts...)
}

func currentCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totpCodeAt(secret, time.Now())
	require.NoError(t, err)
	return code
}

func TestBeginAndConfirm(t *testing.T) {
	e := newTestEnrollment(t)

	material, err := e.Begin("user-1", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, material.Secret)
	assert.NotEmpty(t, material.Token)
	assert.Contains(t, material.OTPAuthURL, "otpauth://totp/")

	// The pending secret is not active for challenge verification.
	_, err = e.VerifyChallenge("user-1", currentCode(t, material.Secret))
	assert.ErrorIs(t, err, ErrNotEnrolled)

	require.NoError(t, e.Confirm("user-1", material.Token, currentCode(t, material.Secret)))

	enrolled, err := e.IsEnrolled("user-1")
	require.NoError(t, err)
	assert.True(t, enrolled)

	ok, err := e.VerifyChallenge("user-1", currentCode(t, material.Secret))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBeginFailsWhenAlreadyEnrolled(t *testing.T) {
	e := newTestEnrollment(t)

	material, err := e.Begin("user-1", "alice")
	require.NoError(t, err)
	require.NoError(t, e.Confirm("user-1", material.Token, currentCode(t, material.Secret)))

	_, err = e.Begin("user-1", "alice")
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
}

func TestConfirmWrongCodeLeavesPendingRetryable(t *testing.T) {
	e := newTestEnrollment(t)

	material, err := e.Begin("user-1", "alice")
	require.NoError(t, err)

	err = e.Confirm("user-1", material.Token, "000000")
	assert.ErrorIs(t, err, ErrInvalidCode)

	// The pending secret survived the wrong code; the correct one works.
	require.NoError(t, e.Confirm("user-1", material.Token, currentCode(t, material.Secret)))
}

func TestConfirmRequiresPendingSecret(t *testing.T) {
	e := newTestEnrollment(t)

	err := e.Confirm("user-1", "token", "123456")
	assert.ErrorIs(t, err, ErrNoPendingEnrollment)

	material, err := e.Begin("user-1", "alice")
	require.NoError(t, err)

	err = e.Confirm("user-1", "wrong-token", currentCode(t, material.Secret))
	assert.ErrorIs(t, err, ErrNoPendingEnrollment)
}

func TestConfirmExpiredWindow(t *testing.T) {
	current := time.Now()
	e := newTestEnrollment(t, WithEnrollmentClock(func() time.Time { return current }))

	material, err := e.Begin("user-1", "alice")
	require.NoError(t, err)

	current = current.Add(defaultPendingTTL + time.Minute)
	err = e.Confirm("user-1", material.Token, currentCode(t, material.Secret))
	assert.ErrorIs(t, err, ErrEnrollmentExpired)
}

func TestBeginOverwritesStalePending(t *testing.T) {
	e := newTestEnrollment(t)

	first, err := e.Begin("user-1", "alice")
	require.NoError(t, err)
	second, err := e.Begin("user-1", "alice")
	require.NoError(t, err)
	assert.NotEqual(t, first.Secret, second.Secret)

	// Only the latest pending secret confirms.
	err = e.Confirm("user-1", first.Token, currentCode(t, first.Secret))
	assert.ErrorIs(t, err, ErrNoPendingEnrollment)
	require.NoError(t, e.Confirm("user-1", second.Token, currentCode(t, second.Secret)))
}

func TestReset(t *testing.T) {
	e := newTestEnrollment(t)

	material, err := e.Begin("user-1", "alice")
	require.NoError(t, err)
	require.NoError(t, e.Confirm("user-1", material.Token, currentCode(t, material.Secret)))

	require.NoError(t, e.Reset("user-1"))
	enrolled, err := e.IsEnrolled("user-1")
	require.NoError(t, err)
	assert.False(t, enrolled)

	// After a reset the identity enrolls again.
	_, err = e.Begin("user-1", "alice")
	require.NoError(t, err)

	// Resetting an unknown identity is a no-op.
	require.NoError(t, e.Reset("user-2"))
}
