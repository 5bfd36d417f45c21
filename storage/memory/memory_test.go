package memory_test

import (
	"testing"

	"github.com/custodia/certauth/storage"
	"github.com/custodia/certauth/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(version uint64) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      []byte("0123456789ab"),
		Ciphertext: []byte("ciphertext"),
		Version:    version,
	}
}

func TestPutGet(t *testing.T) {
	repo := memory.NewRepository()

	require.NoError(t, repo.Put("registry", "CERT", "42", env(1)))

	got, err := repo.Get("registry", "CERT", "42")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), got.Ciphertext)

	// Mutating the returned envelope must not affect the stored copy.
	got.Ciphertext[0] = 'X'
	again, err := repo.Get("registry", "CERT", "42")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), again.Ciphertext)

	_, err = repo.Get("registry", "CERT", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = repo.Get("nope", "CERT", "42")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListFiltersByType(t *testing.T) {
	repo := memory.NewRepository()

	require.NoError(t, repo.Put("registry", "CERT", "2", env(1)))
	require.NoError(t, repo.Put("registry", "CERT", "3", env(1)))
	require.NoError(t, repo.Put("registry", "AUTHORITY", "root", env(1)))

	ids, err := repo.List("registry", "CERT")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"2", "3"}, ids)
}

func TestDelete(t *testing.T) {
	repo := memory.NewRepository()

	require.NoError(t, repo.Put("sessions", "SESSION", "a", env(1)))
	require.NoError(t, repo.Delete("sessions", "SESSION", "a"))
	assert.ErrorIs(t, repo.Delete("sessions", "SESSION", "a"), storage.ErrNotFound)
}

func TestPutCAS(t *testing.T) {
	repo := memory.NewRepository()

	// Version 0 asserts the record does not exist yet.
	require.NoError(t, repo.PutCAS("keystore", "COUNTER", "serial", 0, env(1)))
	assert.ErrorIs(t, repo.PutCAS("keystore", "COUNTER", "serial", 0, env(1)), storage.ErrCASFailed)

	// Matching version succeeds, stale version loses.
	require.NoError(t, repo.PutCAS("keystore", "COUNTER", "serial", 1, env(2)))
	assert.ErrorIs(t, repo.PutCAS("keystore", "COUNTER", "serial", 1, env(3)), storage.ErrCASFailed)

	got, err := repo.Get("keystore", "COUNTER", "serial")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
}

func TestBatchRollsBackOnError(t *testing.T) {
	repo := memory.NewRepository()
	require.NoError(t, repo.Put("registry", "CERT", "2", env(1)))

	err := repo.Batch("registry", func(tx storage.BatchTx) error {
		if err := tx.Put("CERT", "3", env(1)); err != nil {
			return err
		}
		return tx.PutCAS("CERT", "2", 99, env(100)) // wrong version
	})
	assert.ErrorIs(t, err, storage.ErrCASFailed)

	// The first write inside the failed batch must be gone.
	_, err = repo.Get("registry", "CERT", "3")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
