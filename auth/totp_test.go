package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTOTPRoundTrip(t *testing.T) {
	secret, err := generateTOTPSecret()
	require.NoError(t, err)
	assert.NotEmpty(t, secret)

	now := time.Now()
	code, err := totpCodeAt(secret, now)
	require.NoError(t, err)
	assert.Len(t, code, totpDigits)

	assert.True(t, verifyTOTPCode(secret, code, now))
	assert.True(t, verifyTOTPCode(secret, " "+code+" ", now), "whitespace is tolerated")
}

func TestTOTPWindow(t *testing.T) {
	secret, err := generateTOTPSecret()
	require.NoError(t, err)

	now := time.Now()
	previous, err := totpCodeAt(secret, now.Add(-totpPeriod*time.Second))
	require.NoError(t, err)
	assert.True(t, verifyTOTPCode(secret, previous, now), "one step of clock drift is accepted")

	stale, err := totpCodeAt(secret, now.Add(-3*totpPeriod*time.Second))
	require.NoError(t, err)
	assert.False(t, verifyTOTPCode(secret, stale, now))
}

func TestTOTPRejectsMalformedCodes(t *testing.T) {
	secret, err := generateTOTPSecret()
	require.NoError(t, err)

	now := time.Now()
	assert.False(t, verifyTOTPCode(secret, "", now))
	assert.False(t, verifyTOTPCode(secret, "12345", now))
	assert.False(t, verifyTOTPCode(secret, "abcdef", now))
	assert.False(t, verifyTOTPCode(secret, "1234567", now))
}

func TestOTPAuthURL(t *testing.T) {
	url := otpAuthURL("SECRET23", "alice")
	assert.Contains(t, url, "otpauth://totp/")
	assert.Contains(t, url, "Custodia")
	assert.Contains(t, url, "secret=SECRET23")
	assert.Contains(t, url, "digits=6")
	assert.Contains(t, url, "period=30")
}
