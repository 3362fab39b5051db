package session

import (
	"sync"
	"time"

	"github.com/atomic-mesh/abi-gateway/internal/gwerr"
)

// IdleTracker enforces each profile's max_idle window on top of the JWT's
// own exp-based expiry, grounded on the original implementation's
// assert_session_active idle check. It keys on the grant's jti claim.
type IdleTracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewIdleTracker creates an empty tracker.
func NewIdleTracker() *IdleTracker {
	return &IdleTracker{lastSeen: make(map[string]time.Time)}
}

// Touch records activity for jti at now and checks the profile's max_idle
// window against the previous activity, if any. It returns an
// Unauthenticated error if the session has been idle too long.
func (t *IdleTracker) Touch(jti string, profile string) error {
	p, ok := Profiles[profile]
	if !ok {
		return gwerr.Newf(gwerr.BadRequest, "unknown session profile: %s", profile)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if last, seen := t.lastSeen[jti]; seen && now.Sub(last) > p.MaxIdle {
		delete(t.lastSeen, jti)
		return gwerr.New(gwerr.Unauthenticated, "session expired due to idle timeout")
	}
	t.lastSeen[jti] = now
	return nil
}

// Forget removes jti's idle-tracking state, e.g. on explicit revocation.
func (t *IdleTracker) Forget(jti string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, jti)
}
