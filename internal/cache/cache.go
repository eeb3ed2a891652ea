// Package cache keeps the contents of small, frequently served files in
// memory.
package cache

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/dirserve/internal/metrics"
)

// Config sets the cache limits.
type Config struct {
	MaxEntries  int
	MaxFileSize int64
	TTL         time.Duration
}

// Cache is an LRU of file contents. An entry is only served while the
// file's modification time and size still match what was loaded.
type Cache struct {
	cfg   Config
	group singleflight.Group
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	size    int64
}

type entry struct {
	data       []byte
	modTime    time.Time
	size       int64
	loadedAt   time.Time
	lastAccess time.Time
}

// New creates a cache. A MaxEntries of zero disables caching.
func New(cfg Config) *Cache {
	return &Cache{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Cacheable reports whether a file of this size is eligible.
func (c *Cache) Cacheable(size int64) bool {
	return c != nil && c.cfg.MaxEntries > 0 && size > 0 && size <= c.cfg.MaxFileSize
}

// Get returns the contents of path, calling load on a miss. Concurrent
// misses for the same file version share one load. The returned slice
// must not be modified.
func (c *Cache) Get(path string, modTime time.Time, size int64, load func() ([]byte, error)) ([]byte, error) {
	if data, ok := c.lookup(path, modTime, size); ok {
		metrics.RecordCacheLookup(true)
		return data, nil
	}
	metrics.RecordCacheLookup(false)

	key := path + "\x00" + strconv.FormatInt(modTime.UnixNano(), 10) + "\x00" + strconv.FormatInt(size, 10)
	v, err, _ := c.group.Do(key, func() (any, error) {
		data, err := load()
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != size {
			return nil, fmt.Errorf("load %s: got %d bytes, want %d", path, len(data), size)
		}
		c.put(path, modTime, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) lookup(path string, modTime time.Time, size int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[path]
	if !ok {
		return nil, false
	}
	now := c.now()
	if !e.modTime.Equal(modTime) || e.size != size || (c.cfg.TTL > 0 && now.Sub(e.loadedAt) >= c.cfg.TTL) {
		c.remove(path, e)
		return nil, false
	}
	e.lastAccess = now
	return e.data, true
}

func (c *Cache) put(path string, modTime time.Time, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[path]; ok {
		c.remove(path, old)
	}
	for len(c.entries) >= c.cfg.MaxEntries {
		if !c.evictOldest() {
			break
		}
	}

	now := c.now()
	c.entries[path] = &entry{
		data:       data,
		modTime:    modTime,
		size:       int64(len(data)),
		loadedAt:   now,
		lastAccess: now,
	}
	c.size += int64(len(data))
	metrics.SetCacheBytes(c.size)
}

// Invalidate drops path from the cache.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[path]; ok {
		c.remove(path, e)
	}
}

// remove must be called with the lock held.
func (c *Cache) remove(path string, e *entry) {
	c.size -= e.size
	delete(c.entries, path)
	metrics.SetCacheBytes(c.size)
}

// evictOldest removes the least recently used entry.
// Must be called with lock held.
func (c *Cache) evictOldest() bool {
	var oldest *entry
	var oldestPath string

	for p, e := range c.entries {
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldest = e
			oldestPath = p
		}
	}
	if oldest == nil {
		return false
	}
	c.remove(oldestPath, oldest)
	return true
}

// Stats returns the number of entries and bytes held.
func (c *Cache) Stats() (count int, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), c.size
}
