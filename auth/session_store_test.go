package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionStore(t *testing.T) {
	store := NewMemorySessionStore()

	_, ok := store.Get("missing")
	assert.False(t, ok)

	store.Put("s1", Session{ID: "s1", Stage: StageCertVerified, ExpiresAt: time.Now().Add(time.Hour)})
	session, ok := store.Get("s1")
	require.True(t, ok)
	assert.Equal(t, StageCertVerified, session.Stage)
	assert.Equal(t, uint64(1), session.Version, "Put seeds the CAS version")

	store.Delete("s1")
	_, ok = store.Get("s1")
	assert.False(t, ok)
}

func TestMemorySessionStoreExpiresAtRead(t *testing.T) {
	store := NewMemorySessionStore()
	store.Put("s1", Session{ID: "s1", ExpiresAt: time.Now().Add(10 * time.Millisecond)})

	store.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, ok := store.Get("s1")
	assert.False(t, ok, "expiry is enforced by timestamp comparison at read time")
}

func TestMemorySessionStoreCompareAndSwap(t *testing.T) {
	store := NewMemorySessionStore()

	err := store.CompareAndSwap("missing", 1, Session{})
	assert.ErrorIs(t, err, ErrUnknownSession)

	store.Put("s1", Session{ID: "s1", Stage: StagePendingChallenge, ExpiresAt: time.Now().Add(time.Hour)})

	updated := Session{ID: "s1", Stage: StageFullyAuthenticated, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.CompareAndSwap("s1", 1, updated))

	session, ok := store.Get("s1")
	require.True(t, ok)
	assert.Equal(t, StageFullyAuthenticated, session.Stage)
	assert.Equal(t, uint64(2), session.Version)

	// A writer holding the old version loses.
	err = store.CompareAndSwap("s1", 1, Session{ID: "s1", Stage: StageRejected})
	assert.ErrorIs(t, err, ErrStaleSession)
}
