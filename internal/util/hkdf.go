package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFKeyLength is the size of every derived key, matching AES-256.
const HKDFKeyLength = 32

// HKDF derives a fixed-length key from seed material via HKDF-SHA256. The
// info parameter binds the derived key to its purpose, so a key derived for
// one record scope cannot open another scope's records.
func HKDF(seed, salt, info []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, salt, info)
	key := make([]byte, HKDFKeyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}
