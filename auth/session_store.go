package auth

import (
	"sync"
	"time"
)

// SessionStore abstracts per-session authentication state so the state
// machine's transition logic is testable independent of any backend.
// Implementations enforce expiry by timestamp comparison at read time; no
// background sweep is required for correctness.
type SessionStore interface {
	// Get retrieves a session by ID. Returns false if the session does not
	// exist or has expired.
	Get(id string) (Session, bool)
	// Put creates or replaces a session unconditionally.
	Put(id string, session Session)
	// CompareAndSwap replaces the session only if the stored version matches
	// expectedVersion, bumping the version on success. Returns
	// ErrStaleSession on a lost race and ErrUnknownSession if absent.
	CompareAndSwap(id string, expectedVersion uint64, session Session) error
	// Delete removes a session by ID.
	Delete(id string)
}

// MemorySessionStore is a thread-safe in-memory SessionStore. Sessions are
// lost on server restart, which is the intended lifetime.
type MemorySessionStore struct {
	mu   sync.RWMutex
	data map[string]Session
	now  func() time.Time
}

var _ SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates an in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		data: make(map[string]Session),
		now:  time.Now,
	}
}

func (s *MemorySessionStore) Get(id string) (Session, bool) {
	s.mu.RLock()
	session, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	if !session.ExpiresAt.IsZero() && s.now().After(session.ExpiresAt) {
		s.Delete(id)
		return Session{}, false
	}
	return session, true
}

func (s *MemorySessionStore) Put(id string, session Session) {
	s.mu.Lock()
	if session.Version == 0 {
		session.Version = 1
	}
	s.data[id] = session
	s.mu.Unlock()
}

func (s *MemorySessionStore) CompareAndSwap(id string, expectedVersion uint64, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.data[id]
	if !ok {
		return ErrUnknownSession
	}
	if existing.Version != expectedVersion {
		return ErrStaleSession
	}
	session.Version = expectedVersion + 1
	s.data[id] = session
	return nil
}

func (s *MemorySessionStore) Delete(id string) {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
}
