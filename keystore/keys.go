package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/custodia/certauth/internal/util"
	"github.com/custodia/certauth/storage"
)

// GenerateKey creates a new ECDSA P-256 key pair, seals it, and stores it
// under the given ID. It fails if a key with that ID already exists.
func (s *Store) GenerateKey(keyID string) error {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating ECDSA P-256 key: %w", err)
	}
	return s.storeKey(keyID, priv)
}

func (s *Store) storeKey(keyID string, priv *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return err
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	defer util.WipeBytes(pemData)

	env, err := s.seal(recordTypeKey, keyID, pemData, 1)
	if err != nil {
		return err
	}
	if err := s.repo.PutCAS(Scope, recordTypeKey, keyID, 0, env); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("key %s already exists", keyID)
		}
		return fmt.Errorf("storing key %s: %w", keyID, err)
	}
	return nil
}

func (s *Store) loadKey(keyID string) (*ecdsa.PrivateKey, error) {
	env, err := s.repo.Get(Scope, recordTypeKey, keyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrScopeNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		return nil, fmt.Errorf("loading key %s: %w", keyID, err)
	}

	pemData, err := s.open(recordTypeKey, keyID, env)
	if err != nil {
		return nil, fmt.Errorf("opening key %s: %w", keyID, err)
	}
	defer util.WipeBytes(pemData)

	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("key %s: invalid PEM", keyID)
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

// Signer returns a crypto.Signer for the stored key.
func (s *Store) Signer(keyID string) (crypto.Signer, error) {
	return s.loadKey(keyID)
}

// ExportKeyPEM returns the private key as SEC1 "EC PRIVATE KEY" PEM. Callers
// exporting for bundle generation must treat the result as sensitive.
func (s *Store) ExportKeyPEM(keyID string) ([]byte, error) {
	env, err := s.repo.Get(Scope, recordTypeKey, keyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrScopeNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		return nil, fmt.Errorf("loading key %s: %w", keyID, err)
	}
	return s.open(recordTypeKey, keyID, env)
}

// DeleteKey removes the key from the store.
func (s *Store) DeleteKey(keyID string) error {
	err := s.repo.Delete(Scope, recordTypeKey, keyID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrScopeNotFound) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return err
}
