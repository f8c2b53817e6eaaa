package intake

import (
	"sync"
	"time"
)

// defaultMaxEntries bounds cache memory under a notification storm.
const defaultMaxEntries = 10000

// dedupCache is a bounded TTL cache of recently processed event keys. The
// check-and-insert is atomic so two goroutines racing on the same key agree
// on exactly one winner.
type dedupCache struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	window     time.Duration
	maxEntries int
	now        func() time.Time
}

func newDedupCache(window time.Duration) *dedupCache {
	return &dedupCache{
		entries:    make(map[string]time.Time),
		window:     window,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
	}
}

// seen records the key and reports whether it was already present within the
// window. The first caller for a key gets false, every later caller within
// the window gets true.
func (c *dedupCache) seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if expires, ok := c.entries[key]; ok && now.Before(expires) {
		return true
	}

	if len(c.entries) >= c.maxEntries {
		c.prune(now)
	}
	c.entries[key] = now.Add(c.window)
	return false
}

// forget removes the key so a later redelivery is not seen as a duplicate.
func (c *dedupCache) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// has reports whether the key is present and unexpired, without inserting.
func (c *dedupCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expires, ok := c.entries[key]
	return ok && c.now().Before(expires)
}

// prune drops expired entries, and if the cache is still full evicts the
// soonest-expiring ones. Caller holds the lock.
func (c *dedupCache) prune(now time.Time) {
	for key, expires := range c.entries {
		if !now.Before(expires) {
			delete(c.entries, key)
		}
	}
	// Still full after pruning: evict arbitrary entries to stay bounded.
	// The worst case is a repeated digest, not a lost one.
	for key := range c.entries {
		if len(c.entries) < c.maxEntries {
			break
		}
		delete(c.entries, key)
	}
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
