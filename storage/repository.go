// Package storage provides the storage abstraction layer for encrypted
// records: key material, certificate registry entries, and second-factor
// enrollment state all persist as sealed envelopes behind this interface.
package storage

import "errors"

var (
	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrScopeNotFound is returned when the referenced scope has never
	// been written to.
	ErrScopeNotFound = errors.New("scope not found")

	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides record operations within an atomic transaction.
// The scope is fixed for the batch, so methods don't take it.
type BatchTx interface {
	Put(recordType string, recordID string, envelope *Envelope) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for encrypted record storage. Records are
// grouped into scopes (one per subsystem: keystore, registry, enrollment)
// and addressed by (recordType, recordID) within a scope.
type Repository interface {
	Put(scope string, recordType string, recordID string, envelope *Envelope) error
	Get(scope string, recordType string, recordID string) (*Envelope, error)
	List(scope string, recordType string) ([]string, error)
	Delete(scope string, recordType string, recordID string) error

	// PutCAS writes the envelope only if the stored record's version equals
	// expectedVersion. An expectedVersion of 0 asserts the record does not
	// exist yet. Serial-counter allocation depends on these semantics.
	PutCAS(scope string, recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error

	// Batch executes fn atomically within one scope: either every write in
	// fn lands, or none do.
	Batch(scope string, fn func(tx BatchTx) error) error
}
