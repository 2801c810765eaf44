package store

import (
	"context"
	"sync"
	"time"

	"github.com/jelmore/jelmore/internal/types"
)

// MemoryCache is an in-process TTL cache with the same contract as the Redis
// one. A janitor goroutine evicts expired entries; reads also check expiry so
// a stale entry is never returned between sweeps.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[types.SessionID]memoryEntry
	done    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryCache creates a MemoryCache whose janitor runs at the given
// interval.
func NewMemoryCache(sweepInterval time.Duration) *MemoryCache {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	c := &MemoryCache{
		entries: make(map[types.SessionID]memoryEntry),
		done:    make(chan struct{}),
	}
	go c.janitor(sweepInterval)
	return c
}

func (c *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for id, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Set stores a copy of data with the given TTL.
func (c *MemoryCache) Set(_ context.Context, id types.SessionID, data []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = memoryEntry{
		data:      append([]byte(nil), data...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Get returns the cached bytes, or ErrCacheMiss for absent or expired keys.
func (c *MemoryCache) Get(_ context.Context, id types.SessionID) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, types.ErrCacheMiss
	}
	return append([]byte(nil), e.data...), nil
}

// Delete evicts the key. Absent keys are not an error.
func (c *MemoryCache) Delete(_ context.Context, id types.SessionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

// Extend resets the TTL of a live entry, returning ErrCacheMiss otherwise.
func (c *MemoryCache) Extend(_ context.Context, id types.SessionID, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || time.Now().After(e.expiresAt) {
		return types.ErrCacheMiss
	}
	e.expiresAt = time.Now().Add(ttl)
	c.entries[id] = e
	return nil
}

// Close stops the janitor and drops all entries.
func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	c.entries = map[types.SessionID]memoryEntry{}
	c.mu.Unlock()
	return nil
}
