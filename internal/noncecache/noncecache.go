// Package noncecache implements the short-lived admission challenge store:
// at most one outstanding nonce per ae_id, consumed exactly once.
package noncecache

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"
)

// ErrExpired signals the nonce's TTL elapsed before it was consumed.
var ErrExpired = errors.New("noncecache: nonce expired")

// ErrMismatch signals a presented value that does not match the
// outstanding nonce for this ae_id.
var ErrMismatch = errors.New("noncecache: nonce mismatch")

type entry struct {
	value    [32]byte
	issuedAt time.Time
}

// Cache is a mutex-protected in-memory nonce store. Restart invalidates
// outstanding challenges, which is acceptable given the short TTL.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
}

// New creates a Cache with the given TTL (spec default: 120s).
func New(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[string]entry), ttl: ttl}
}

// Issue replaces any existing outstanding nonce for ae_id with a fresh
// random 32-byte value and returns it.
func (c *Cache) Issue(aeID string) ([32]byte, error) {
	var value [32]byte
	if _, err := rand.Read(value[:]); err != nil {
		return value, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[aeID] = entry{value: value, issuedAt: time.Now()}
	return value, nil
}

// Peek returns the outstanding nonce value for ae_id without consuming it,
// along with whether one is currently outstanding and unexpired. Callers
// that only hold a signature computed over the nonce bytes, not the value
// itself, use Peek to read the value to verify against and Delete to retire
// the slot, since Consume requires the candidate value up front.
func (c *Cache) Peek(aeID string) ([32]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[aeID]
	if !ok {
		return [32]byte{}, false
	}
	if time.Since(e.issuedAt) > c.ttl {
		delete(c.entries, aeID)
		return [32]byte{}, false
	}
	return e.value, true
}

// Delete removes any outstanding nonce for ae_id, burning it against reuse
// regardless of whether the caller ultimately accepted or rejected it.
func (c *Cache) Delete(aeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, aeID)
}

// Consume returns nil iff the presented value matches the outstanding,
// unexpired nonce for ae_id, removing the entry so it cannot be replayed.
// It returns ErrExpired when the TTL has elapsed, removing the stale entry,
// and ErrMismatch when no nonce is outstanding or a different value is
// presented. A mismatch leaves the entry in place, so a later Consume with
// the correct value within TTL still succeeds.
func (c *Cache) Consume(aeID string, value [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[aeID]
	if !ok {
		return ErrMismatch
	}
	if time.Since(e.issuedAt) > c.ttl {
		delete(c.entries, aeID)
		return ErrExpired
	}
	if e.value != value {
		return ErrMismatch
	}
	delete(c.entries, aeID)
	return nil
}
