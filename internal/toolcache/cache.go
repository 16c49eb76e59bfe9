// Package toolcache memoizes tool results for a short window so that
// near-simultaneous identical backend calls collapse into one. It is a
// best-effort dedupe, not a correctness cache: a miss only costs an
// extra search against the backend.
package toolcache

import (
	"sync"
	"time"
)

// DefaultTTL is the dedupe window. Long enough to absorb a model
// repeating a search across adjacent rounds, short enough that users
// never see stale results.
const DefaultTTL = 5 * time.Second

type entry struct {
	payload string
	expires time.Time
}

// Cache is a TTL-bounded result cache keyed by canonicalized tool call.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time // swapped in tests
}

// New creates a cache with the given TTL. A non-positive TTL uses DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the cached payload when the entry has not expired.
// Expired entries are deleted on read.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.payload, true
}

// Set stores payload with expiry = now + TTL.
func (c *Cache) Set(key, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{
		payload: payload,
		expires: c.now().Add(c.ttl),
	}
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartJanitor sweeps the cache at the given interval until done is
// closed. Without it the cache would grow without bound between reads.
func (c *Cache) StartJanitor(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}
