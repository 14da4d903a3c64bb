package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// MaxCacheSize is the default bound on cached compiled scripts.
const MaxCacheSize = 100

// Fingerprint returns the hex SHA-256 digest of raw script text. The digest
// is computed over the text as submitted, not the wrapped form.
func Fingerprint(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	prog     *goja.Program
	lastUsed time.Time
	useCount uint64
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

// ProgramCache is a content-addressed cache of compiled scripts keyed by
// script fingerprint, bounded by LRU eviction. Compiled programs are
// immutable, so a cached entry is shared by every engine that evaluates it;
// the evaluation itself materialises a fresh closure per runtime, keeping
// runtime-bound state out of the cache.
//
// The mutex covers only map access; callers compile outside of it.
type ProgramCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	maxSize int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewProgramCache creates a cache bounded to maxSize entries.
func NewProgramCache(maxSize int) *ProgramCache {
	if maxSize <= 0 {
		maxSize = MaxCacheSize
	}
	return &ProgramCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
	}
}

// Get returns the cached program for a fingerprint. A hit promotes the entry.
func (c *ProgramCache) Get(fingerprint string) (*goja.Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[fingerprint]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	entry.lastUsed = time.Now()
	entry.useCount++
	c.hits.Add(1)
	return entry.prog, true
}

// Put inserts a compiled program, evicting the least recently used entry
// when the cache is full. Ties on last use break deterministically by
// fingerprint order.
func (c *ProgramCache) Put(fingerprint string, prog *goja.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[fingerprint]; !ok && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[fingerprint] = &cacheEntry{prog: prog, lastUsed: time.Now()}
}

func (c *ProgramCache) evictLocked() {
	var victim string
	var oldest time.Time
	for fp, entry := range c.entries {
		if victim == "" || entry.lastUsed.Before(oldest) ||
			(entry.lastUsed.Equal(oldest) && fp < victim) {
			victim = fp
			oldest = entry.lastUsed
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

// Clear drops every entry. Counters are retained.
func (c *ProgramCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Size returns the number of cached entries.
func (c *ProgramCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of hit/miss counters and current size.
func (c *ProgramCache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.Size(),
	}
}
