package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// codeRateLimiter throttles second-factor code submissions with exponential
// backoff. Two dimensions are tracked independently: per identity, so a
// targeted identity locks regardless of source, and per source IP, so one
// origin cannot spray codes across many identities. The state machine's own
// attempt limit still applies per session; the limiter defends the endpoint
// itself.
type codeRateLimiter struct {
	mu         sync.Mutex
	identities map[string]*attemptRecord
	ips        map[string]*attemptRecord
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// identityMaxFailures is the number of consecutive failures per identity
	// before lockout begins.
	identityMaxFailures = 5
	// ipMaxFailures is the per-IP equivalent; higher because one terminator
	// address fronts many users.
	ipMaxFailures = 20
	// baseLockout is the initial lockout duration once a limit is reached.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 15 * time.Minute
	// attemptExpiry is how long after the last failure before a record is
	// garbage-collected.
	attemptExpiry = 1 * time.Hour
)

func newCodeRateLimiter() *codeRateLimiter {
	return &codeRateLimiter{
		identities: make(map[string]*attemptRecord),
		ips:        make(map[string]*attemptRecord),
	}
}

// check returns true if the identity or source IP is currently locked out,
// along with how long the caller should wait. A zero duration means the
// request may proceed.
func (rl *codeRateLimiter) check(identityRef, ip string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if wait := lockedFor(rl.identities, identityRef, now); wait > 0 {
		return true, wait
	}
	if wait := lockedFor(rl.ips, ip, now); wait > 0 {
		return true, wait
	}
	return false, 0
}

func lockedFor(m map[string]*attemptRecord, key string, now time.Time) time.Duration {
	if key == "" {
		return 0
	}
	rec, ok := m[key]
	if !ok {
		return 0
	}
	// Expire stale records.
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(m, key)
		return 0
	}
	if now.Before(rec.lockedUntil) {
		return rec.lockedUntil.Sub(now)
	}
	return 0
}

// recordFailure increments both counters and applies exponential backoff
// once a limit is exceeded.
func (rl *codeRateLimiter) recordFailure(identityRef, ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if identityRef != "" {
		bump(rl.identities, identityRef, identityMaxFailures)
	}
	if ip != "" {
		bump(rl.ips, ip, ipMaxFailures)
	}
}

func bump(m map[string]*attemptRecord, key string, limit int) {
	rec, ok := m[key]
	if !ok {
		rec = &attemptRecord{}
		m[key] = rec
	}
	rec.failures++
	rec.lastFailure = time.Now()

	if rec.failures >= limit {
		// Exponential backoff: baseLockout * 2^(failures - limit)
		shift := rec.failures - limit
		lockout := baseLockout
		for i := 0; i < shift; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = time.Now().Add(lockout)
	}
}

// recordSuccess resets the counters after a successful verification.
func (rl *codeRateLimiter) recordSuccess(identityRef, ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.identities, identityRef)
	delete(rl.ips, ip)
}

// sweep removes expired records. Call periodically from a background goroutine.
func (rl *codeRateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for _, m := range []map[string]*attemptRecord{rl.identities, rl.ips} {
		for key, rec := range m {
			if now.Sub(rec.lastFailure) > attemptExpiry {
				delete(m, key)
			}
		}
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many failed attempts; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
