package bbolt_test

import (
	"path/filepath"
	"testing"

	"github.com/custodia/certauth/storage"
	bboltstorage "github.com/custodia/certauth/storage/bbolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *bboltstorage.Store {
	t.Helper()
	store, err := bboltstorage.NewRepositoryFromFile(filepath.Join(t.TempDir(), "certauth.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func env(version uint64) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      []byte("0123456789ab"),
		Ciphertext: []byte("ciphertext"),
		Version:    version,
	}
}

func TestPutGetDelete(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put("registry", "CERT", "42", env(1)))

	got, err := store.Get("registry", "CERT", "42")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), got.Ciphertext)
	assert.Equal(t, uint64(1), got.Version)

	_, err = store.Get("registry", "CERT", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.Get("unknown-scope", "CERT", "42")
	assert.ErrorIs(t, err, storage.ErrScopeNotFound)

	require.NoError(t, store.Delete("registry", "CERT", "42"))
	assert.ErrorIs(t, store.Delete("registry", "CERT", "42"), storage.ErrNotFound)
}

func TestListByPrefix(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put("registry", "CERT", "2", env(1)))
	require.NoError(t, store.Put("registry", "CERT", "10", env(1)))
	require.NoError(t, store.Put("registry", "AUTHORITY", "root", env(1)))

	ids, err := store.List("registry", "CERT")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"2", "10"}, ids)

	ids, err = store.List("empty-scope", "CERT")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPutCAS(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutCAS("keystore", "COUNTER", "serial", 0, env(1)))
	assert.ErrorIs(t, store.PutCAS("keystore", "COUNTER", "serial", 0, env(1)), storage.ErrCASFailed)

	require.NoError(t, store.PutCAS("keystore", "COUNTER", "serial", 1, env(2)))
	assert.ErrorIs(t, store.PutCAS("keystore", "COUNTER", "serial", 1, env(3)), storage.ErrCASFailed)
}

func TestBatchAtomicity(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Put("registry", "CERT", "2", env(1)))

	err := store.Batch("registry", func(tx storage.BatchTx) error {
		if err := tx.Put("CERT", "3", env(1)); err != nil {
			return err
		}
		return tx.PutCAS("CERT", "2", 99, env(100))
	})
	assert.ErrorIs(t, err, storage.ErrCASFailed)

	_, err = store.Get("registry", "CERT", "3")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "certauth.db")

	store, err := bboltstorage.NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Put("keystore", "KEY", "authority", env(3)))
	require.NoError(t, store.Close())

	reopened, err := bboltstorage.NewRepositoryFromFile(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("keystore", "KEY", "authority")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Version)
}
