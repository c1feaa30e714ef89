package du

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
)

const (
	// DefaultCacheTTL is the lifetime of cached du listings
	DefaultCacheTTL = 20 * time.Second
	// DefaultCacheCapacity bounds the number of cached listings
	DefaultCacheCapacity = 1024
)

type cacheKey struct {
	Path  string
	Depth int
	OneFS bool
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%s|%d|%t", k.Path, k.Depth, k.OneFS)
}

type cacheEntry struct {
	fetched time.Time
	rows    []Row
}

// Cache holds du listings keyed by (path, depth, one filesystem).
// Entries expire lazily on read. Concurrent misses for the same key are not coalesced, the last writer wins.
type Cache struct {
	lru *freelru.SyncedLRU[cacheKey, cacheEntry]
	ttl time.Duration
	now func() time.Time
}

// NewCache returns an empty Cache. A non-positive ttl selects DefaultCacheTTL.
func NewCache(ttl time.Duration) (*Cache, error) {
	lru, err := freelru.NewSynced[cacheKey, cacheEntry](DefaultCacheCapacity, func(k cacheKey) uint32 {
		return uint32(xxhash.Sum64String(k.String())) // nolint:gosec
	})
	if err != nil {
		return nil, fmt.Errorf("du cache can not be initialized: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{lru: lru, ttl: ttl, now: time.Now}, nil
}

// WithClock replaces the clock used to timestamp and expire entries
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// TTL returns the entry lifetime
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the rows cached for the key if they are younger than the TTL
func (c *Cache) Get(path string, depth int, oneFS bool) ([]Row, bool) {
	key := cacheKey{Path: filepath.Clean(path), Depth: depth, OneFS: oneFS}
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.fetched) >= c.ttl {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.rows, true
}

// Put stores rows for the key, replacing any previous entry
func (c *Cache) Put(path string, depth int, oneFS bool, rows []Row) {
	key := cacheKey{Path: filepath.Clean(path), Depth: depth, OneFS: oneFS}
	c.lru.Add(key, cacheEntry{fetched: c.now(), rows: rows})
}

// Len returns the number of cached entries, including expired ones not yet read
func (c *Cache) Len() int {
	return c.lru.Len()
}
