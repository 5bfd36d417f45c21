package keystore_test

import (
	"crypto/ecdsa"
	"sync"
	"testing"

	"github.com/custodia/certauth/internal/util"
	"github.com/custodia/certauth/keystore"
	"github.com/custodia/certauth/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *keystore.Store {
	t.Helper()
	repo := memory.NewRepository()
	ks, err := keystore.Initialize(repo, "correct horse battery staple", util.KDFProfileInteractive)
	require.NoError(t, err)
	return ks
}

func TestInitializeAndOpen(t *testing.T) {
	repo := memory.NewRepository()

	_, err := keystore.Open(repo, "anything")
	assert.ErrorIs(t, err, keystore.ErrNotInitialized)

	_, err = keystore.Initialize(repo, "passphrase", util.KDFProfileInteractive)
	require.NoError(t, err)

	_, err = keystore.Initialize(repo, "passphrase", util.KDFProfileInteractive)
	assert.ErrorIs(t, err, keystore.ErrAlreadyInitialized)

	_, err = keystore.Open(repo, "passphrase")
	require.NoError(t, err)

	_, err = keystore.Open(repo, "wrong")
	assert.ErrorIs(t, err, keystore.ErrWrongPassphrase)
}

func TestInitializeRejectsUnknownProfile(t *testing.T) {
	repo := memory.NewRepository()
	_, err := keystore.Initialize(repo, "passphrase", "bogus")
	assert.Error(t, err)
}

func TestKeyLifecycle(t *testing.T) {
	ks := newTestStore(t)

	require.NoError(t, ks.GenerateKey("authority"))
	assert.Error(t, ks.GenerateKey("authority"), "duplicate key ID must be rejected")

	signer, err := ks.Signer("authority")
	require.NoError(t, err)
	_, ok := signer.(*ecdsa.PrivateKey)
	assert.True(t, ok, "expected an ECDSA signer")

	pemData, err := ks.ExportKeyPEM("authority")
	require.NoError(t, err)
	assert.Contains(t, string(pemData), "EC PRIVATE KEY")

	_, err = ks.Signer("missing")
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)

	require.NoError(t, ks.DeleteKey("authority"))
	_, err = ks.Signer("authority")
	assert.ErrorIs(t, err, keystore.ErrKeyNotFound)
}

func TestKeySurvivesReopen(t *testing.T) {
	repo := memory.NewRepository()
	ks, err := keystore.Initialize(repo, "passphrase", util.KDFProfileInteractive)
	require.NoError(t, err)
	require.NoError(t, ks.GenerateKey("authority"))

	reopened, err := keystore.Open(repo, "passphrase")
	require.NoError(t, err)
	_, err = reopened.Signer("authority")
	require.NoError(t, err)
}

func TestNextSerialSequence(t *testing.T) {
	ks := newTestStore(t)

	first, err := ks.NextSerial("root")
	require.NoError(t, err)
	assert.Equal(t, int64(2), first, "serial 1 is reserved for the authority certificate")

	second, err := ks.NextSerial("root")
	require.NoError(t, err)
	assert.Equal(t, int64(3), second)

	// Counters are per authority.
	other, err := ks.NextSerial("other")
	require.NoError(t, err)
	assert.Equal(t, int64(2), other)
}

func TestNextSerialConcurrentUniqueness(t *testing.T) {
	ks := newTestStore(t)

	const workers = 16
	const perWorker = 8

	var mu sync.Mutex
	seen := make(map[int64]bool)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				serial, err := ks.NextSerial("root")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[serial], "serial %d allocated twice", serial)
				seen[serial] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestResetSerial(t *testing.T) {
	ks := newTestStore(t)

	_, err := ks.NextSerial("root")
	require.NoError(t, err)

	require.NoError(t, ks.ResetSerial("root"))
	serial, err := ks.NextSerial("root")
	require.NoError(t, err)
	assert.Equal(t, int64(2), serial)

	// Resetting an absent counter is a no-op.
	require.NoError(t, ks.ResetSerial("never-used"))
}
