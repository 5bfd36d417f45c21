package util

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

// Named KDF profiles for different deployment scenarios.
const (
	KDFProfileInteractive = "interactive" // sub-second, dev/testing
	KDFProfileModerate    = "moderate"    // production default
	KDFProfileSensitive   = "sensitive"   // high-value signing keys
)

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        3,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

// Argon2idProfile returns the parameters for a named profile.
func Argon2idProfile(name string) (Argon2idParams, error) {
	switch name {
	case KDFProfileInteractive:
		return Argon2idParams{Time: 2, MemoryKiB: 19 * 1024, Parallelism: 1, KeyLen: 32}, nil
	case KDFProfileModerate:
		return DefaultArgon2idParams(), nil
	case KDFProfileSensitive:
		return Argon2idParams{Time: 4, MemoryKiB: 128 * 1024, Parallelism: 4, KeyLen: 32}, nil
	default:
		return Argon2idParams{}, fmt.Errorf("unknown KDF profile %q", name)
	}
}

// ValidateArgon2idParams checks that parameters read back from storage meet
// the minimum acceptable thresholds. Values below these bounds are treated
// as corrupted or downgraded metadata.
func ValidateArgon2idParams(p Argon2idParams) error {
	if p.Time < 1 {
		return fmt.Errorf("argon2id time cost %d below minimum 1", p.Time)
	}
	if p.MemoryKiB < 19*1024 {
		return fmt.Errorf("argon2id memory %d KiB below minimum %d", p.MemoryKiB, 19*1024)
	}
	if p.Parallelism < 1 {
		return fmt.Errorf("argon2id parallelism must be at least 1")
	}
	if p.KeyLen != 32 {
		return fmt.Errorf("argon2id key length must be 32 bytes")
	}
	return nil
}

// DeriveArgon2idKey derives a 32-byte key from an NFKD-normalized passphrase.
func DeriveArgon2idKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if err := ValidateArgon2idParams(params); err != nil {
		return nil, err
	}
	return argon2.IDKey([]byte(Normalize(passphrase)), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen), nil
}
