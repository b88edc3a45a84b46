package memory

import (
	"context"
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked keys so a stream of rotating
// sender identities cannot exhaust memory.
const maxTrackedKeys = 4096

type counterEntry struct {
	value     int64
	expiresAt time.Time
}

// Counters implements store.CounterStore and store.SetStore in memory.
// Safe for concurrent use.
type Counters struct {
	mu      sync.Mutex
	entries map[string]*counterEntry

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// NewCounters creates an empty bounded counter store.
func NewCounters() *Counters {
	return &Counters{entries: make(map[string]*counterEntry), Now: time.Now}
}

// Incr increments key and rearms its expiry.
func (c *Counters) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()
	c.pruneLocked(now)

	e, ok := c.entries[key]
	if !ok || !now.Before(e.expiresAt) {
		e = &counterEntry{}
		c.entries[key] = e
	}
	e.value++
	e.expiresAt = now.Add(ttl)
	return e.value, nil
}

// SetIfAbsent adds key unless a live entry already exists.
func (c *Counters) SetIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.Now()
	c.pruneLocked(now)

	if e, ok := c.entries[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	c.entries[key] = &counterEntry{value: 1, expiresAt: now.Add(ttl)}
	return true, nil
}

// Delete removes key.
func (c *Counters) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Ping always succeeds.
func (c *Counters) Ping(context.Context) error { return nil }

// pruneLocked drops expired entries when approaching the cap, then evicts
// arbitrary entries if still at the cap.
func (c *Counters) pruneLocked(now time.Time) {
	if len(c.entries) < maxTrackedKeys {
		return
	}
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	for len(c.entries) >= maxTrackedKeys {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
}
