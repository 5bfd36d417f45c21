package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/custodia/certauth/storage"
)

// Serial 1 is reserved for the authority's own certificate, so leaf
// allocation starts at 2.
const firstLeafSerial = 2

// errSerialConflict is internal. Callers of NextSerial only ever see it
// wrapped after the retry budget is exhausted.
var errSerialConflict = errors.New("serial counter conflict")

const serialRetries = 20

type serialCounter struct {
	Next int64 `json:"next"`
}

// NextSerial atomically allocates the next certificate serial for an
// authority. Concurrent allocations are serialized through a CAS loop on the
// counter record; each serial is handed out exactly once.
func (s *Store) NextSerial(authorityID string) (int64, error) {
	for attempt := 0; attempt < serialRetries; attempt++ {
		serial, err := s.tryAllocateSerial(authorityID)
		if err == nil {
			return serial, nil
		}
		if !errors.Is(err, storage.ErrCASFailed) {
			return 0, err
		}
		// Jittered backoff before retrying a lost race, capped at 128ms.
		shift := attempt
		if shift > 6 {
			shift = 6
		}
		time.Sleep(time.Duration(rand.Intn(2<<shift)) * time.Millisecond)
	}
	return 0, fmt.Errorf("allocating serial for authority %s after %d attempts: %w", authorityID, serialRetries, errSerialConflict)
}

func (s *Store) tryAllocateSerial(authorityID string) (int64, error) {
	env, err := s.repo.Get(Scope, recordTypeCounter, authorityID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrScopeNotFound) {
		return s.initCounter(authorityID)
	}
	if err != nil {
		return 0, fmt.Errorf("loading serial counter for %s: %w", authorityID, err)
	}

	data, err := s.open(recordTypeCounter, authorityID, env)
	if err != nil {
		return 0, fmt.Errorf("opening serial counter for %s: %w", authorityID, err)
	}
	var counter serialCounter
	if err := json.Unmarshal(data, &counter); err != nil {
		return 0, fmt.Errorf("parsing serial counter for %s: %w", authorityID, err)
	}

	serial := counter.Next
	counter.Next++

	newEnv, err := s.sealCounter(authorityID, counter, env.Version+1)
	if err != nil {
		return 0, err
	}
	if err := s.repo.PutCAS(Scope, recordTypeCounter, authorityID, env.Version, newEnv); err != nil {
		return 0, err
	}
	return serial, nil
}

func (s *Store) initCounter(authorityID string) (int64, error) {
	counter := serialCounter{Next: firstLeafSerial + 1}
	env, err := s.sealCounter(authorityID, counter, 1)
	if err != nil {
		return 0, err
	}
	if err := s.repo.PutCAS(Scope, recordTypeCounter, authorityID, 0, env); err != nil {
		return 0, err
	}
	return firstLeafSerial, nil
}

// ResetSerial removes the counter for an authority. Called when the
// authority itself is replaced.
func (s *Store) ResetSerial(authorityID string) error {
	err := s.repo.Delete(Scope, recordTypeCounter, authorityID)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrScopeNotFound) {
		return nil
	}
	return err
}

func (s *Store) sealCounter(authorityID string, counter serialCounter, version uint64) (*storage.Envelope, error) {
	data, err := json.Marshal(counter)
	if err != nil {
		return nil, err
	}
	return s.seal(recordTypeCounter, authorityID, data, version)
}
