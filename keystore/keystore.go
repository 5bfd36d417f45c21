// Package keystore holds the certificate authority's private key material
// and issuance counters, encrypted at rest. A master key derived from an
// operator passphrase (argon2id) is kept in a memguard Enclave; individual
// records are sealed with an HKDF-derived record key and AAD binding each
// record to its type and ID.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/custodia/certauth/internal/util"
	"github.com/custodia/certauth/storage"
)

// Scope is the storage scope that holds all keystore records.
const Scope = "keystore"

const (
	recordTypeMeta    = "META"
	recordTypeCheck   = "CHECK"
	recordTypeKey     = "KEY"
	recordTypeCounter = "COUNTER"
)

const recordIDCurrent = "current"

// checkPlaintext is a fixed value sealed at initialization time. Failing to
// open it on a later Open means the passphrase is wrong.
var checkPlaintext = []byte("custodia-keystore-check-v1")

var (
	ErrAlreadyInitialized = errors.New("keystore already initialized")
	ErrNotInitialized     = errors.New("keystore not initialized")
	ErrWrongPassphrase    = errors.New("wrong keystore passphrase")
	ErrKeyNotFound        = errors.New("key not found")
)

// keystoreMeta is stored in the clear. It carries only the KDF inputs needed
// to re-derive the master key.
type keystoreMeta struct {
	Salt   []byte              `json:"salt"`
	Params util.Argon2idParams `json:"params"`
}

// Store provides sealed access to key material and counters. It is safe for
// concurrent use once opened.
type Store struct {
	repo   storage.Repository
	master *memguard.Enclave
}

// Initialize creates a new keystore protected by the given passphrase. The
// passphrase is NFKD-normalized before key derivation. It fails with
// ErrAlreadyInitialized if the keystore metadata record already exists.
func Initialize(repo storage.Repository, passphrase string, profile string) (*Store, error) {
	params, err := util.Argon2idProfile(profile)
	if err != nil {
		return nil, err
	}

	salt, err := util.RandomBytes(16)
	if err != nil {
		return nil, err
	}

	masterKey, err := util.DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return nil, err
	}

	s := &Store{
		repo:   repo,
		master: memguard.NewEnclave(masterKey),
	}

	metaData, err := json.Marshal(keystoreMeta{Salt: salt, Params: params})
	if err != nil {
		return nil, err
	}
	metaEnv := &storage.Envelope{Ver: 1, Scheme: "plaintext", Ciphertext: metaData, Version: 1}

	checkEnv, err := s.seal(recordTypeCheck, recordIDCurrent, checkPlaintext, 1)
	if err != nil {
		return nil, err
	}

	err = repo.Batch(Scope, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(recordTypeMeta, recordIDCurrent, 0, metaEnv); err != nil {
			return err
		}
		return tx.PutCAS(recordTypeCheck, recordIDCurrent, 0, checkEnv)
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return nil, ErrAlreadyInitialized
		}
		return nil, fmt.Errorf("initializing keystore: %w", err)
	}

	return s, nil
}

// Open unlocks an existing keystore. A wrong passphrase is detected by
// failing to open the check record and reported as ErrWrongPassphrase.
func Open(repo storage.Repository, passphrase string) (*Store, error) {
	metaEnv, err := repo.Get(Scope, recordTypeMeta, recordIDCurrent)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrScopeNotFound) {
			return nil, ErrNotInitialized
		}
		return nil, fmt.Errorf("loading keystore metadata: %w", err)
	}

	var meta keystoreMeta
	if err := json.Unmarshal(metaEnv.Ciphertext, &meta); err != nil {
		return nil, fmt.Errorf("parsing keystore metadata: %w", err)
	}
	if err := util.ValidateArgon2idParams(meta.Params); err != nil {
		return nil, fmt.Errorf("keystore metadata: %w", err)
	}

	masterKey, err := util.DeriveArgon2idKey(passphrase, meta.Salt, meta.Params)
	if err != nil {
		return nil, err
	}

	s := &Store{
		repo:   repo,
		master: memguard.NewEnclave(masterKey),
	}

	checkEnv, err := repo.Get(Scope, recordTypeCheck, recordIDCurrent)
	if err != nil {
		return nil, fmt.Errorf("loading keystore check record: %w", err)
	}
	plain, err := s.open(recordTypeCheck, recordIDCurrent, checkEnv)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	util.WipeBytes(plain)

	return s, nil
}

func aadFor(scope, recordType, recordID string) []byte {
	return []byte(scope + ":" + recordType + ":" + recordID)
}

// recordKey derives a per-scope record key from the master key. The caller
// must wipe the returned slice.
func (s *Store) recordKey(scope string) ([]byte, error) {
	buf, err := s.master.Open()
	if err != nil {
		return nil, fmt.Errorf("opening master key enclave: %w", err)
	}
	defer buf.Destroy()
	return util.HKDF(buf.Bytes(), nil, []byte("custodia/"+scope+"/records"))
}

// SealIn seals a record for an arbitrary storage scope under the keystore's
// master key. Other components (the certificate registry, enrollment secrets)
// use this so that all sensitive records share one encryption root.
func (s *Store) SealIn(scope, recordType, recordID string, plaintext []byte, version ...uint64) (*storage.Envelope, error) {
	recordKey, err := s.recordKey(scope)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(recordKey)
	return storage.SealRecord(recordKey, plaintext, aadFor(scope, recordType, recordID), version...)
}

// OpenIn opens a record previously sealed with SealIn for the same scope,
// type and ID.
func (s *Store) OpenIn(scope, recordType, recordID string, env *storage.Envelope) ([]byte, error) {
	recordKey, err := s.recordKey(scope)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(recordKey)
	return storage.OpenRecord(recordKey, env, aadFor(scope, recordType, recordID))
}

func (s *Store) seal(recordType, recordID string, plaintext []byte, version ...uint64) (*storage.Envelope, error) {
	return s.SealIn(Scope, recordType, recordID, plaintext, version...)
}

func (s *Store) open(recordType, recordID string, env *storage.Envelope) ([]byte, error) {
	return s.OpenIn(Scope, recordType, recordID, env)
}
