package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/custodia/certauth/internal/util"
)

// RFC 6238 parameters. Six SHA-1 digits on a 30-second step is what every
// mainstream authenticator app ships with, so that is what enrollment QR
// codes advertise.
const (
	totpSecretBytes = 20
	totpDigits      = 6
	totpPeriod      = 30
	totpWindow      = 1
	totpIssuer      = "Custodia"
)

// Secrets travel in otpauth URLs, which use unpadded base32.
var totpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func generateTOTPSecret() (string, error) {
	raw, err := util.RandomBytes(totpSecretBytes)
	if err != nil {
		return "", err
	}
	return totpEncoding.EncodeToString(raw), nil
}

// sanitizeTOTPCode strips the spacing users copy in from authenticator apps
// and returns ok=false unless exactly totpDigits decimal digits remain.
func sanitizeTOTPCode(code string) (string, bool) {
	code = strings.TrimSpace(strings.ReplaceAll(code, " ", ""))
	if len(code) != totpDigits {
		return "", false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return code, true
}

// verifyTOTPCode checks a submitted code against the secret, accepting one
// step of clock skew on either side.
func verifyTOTPCode(secret, code string, now time.Time) bool {
	code, ok := sanitizeTOTPCode(code)
	if !ok {
		return false
	}
	for step := -totpWindow; step <= totpWindow; step++ {
		at := now.Add(time.Duration(step*totpPeriod) * time.Second)
		expected, err := totpCodeAt(secret, at)
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

func totpCodeAt(secret string, at time.Time) (string, error) {
	key, err := totpEncoding.DecodeString(strings.ToUpper(secret))
	if err != nil {
		return "", err
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(at.Unix()/totpPeriod))

	mac := hmac.New(sha1.New, key)
	_, _ = mac.Write(counter[:])
	sum := mac.Sum(nil)

	// Dynamic truncation per RFC 4226 section 5.3.
	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", totpDigits, truncated%1000000), nil
}

// CodeAt computes the TOTP code for a secret at a given time. Exposed for
// clients that need to generate codes, such as provisioning tools.
func CodeAt(secret string, at time.Time) (string, error) {
	return totpCodeAt(secret, at)
}

func otpAuthURL(secret, accountLabel string) string {
	label := url.PathEscape(totpIssuer + ":" + accountLabel)
	values := url.Values{}
	values.Set("secret", secret)
	values.Set("issuer", totpIssuer)
	values.Set("algorithm", "SHA1")
	values.Set("digits", strconv.Itoa(totpDigits))
	values.Set("period", strconv.Itoa(totpPeriod))
	return "otpauth://totp/" + label + "?" + values.Encode()
}
