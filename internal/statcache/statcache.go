// Package statcache implements the stat cache (C2): memoized exists/mtime
// lookups with explicit invalidation, no time-based eviction. The scheduler
// runs each step instance on its own goroutine, so the cache is shared
// across goroutines and every access is guarded by a mutex.
package statcache

import (
	"os"
	"sync"
	"time"
)

// Info is a cached stat result, or the "missing" sentinel (Exists == false).
type Info struct {
	Exists bool
	ModAt  time.Time // nanosecond mtime
	IsDir  bool
}

// Cache is the process-wide stat cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Info
	stat    func(string) (os.FileInfo, error)
}

// New returns an empty Cache backed by os.Stat.
func New() *Cache {
	return &Cache{
		entries: make(map[string]Info),
		stat:    os.Stat,
	}
}

// NewWithStat returns a Cache using a custom stat function, for tests.
func NewWithStat(stat func(string) (os.FileInfo, error)) *Cache {
	return &Cache{
		entries: make(map[string]Info),
		stat:    stat,
	}
}

// Stat returns the cached Info for path, populating it lazily on first access.
func (c *Cache) Stat(path string) Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.entries[path]; ok {
		return info
	}
	info := c.load(path)
	c.entries[path] = info
	return info
}

func (c *Cache) load(path string) Info {
	fi, err := c.stat(path)
	if err != nil {
		return Info{Exists: false}
	}
	return Info{Exists: true, ModAt: fi.ModTime(), IsDir: fi.IsDir()}
}

// Invalidate drops the cached entry for path, if any. Call whenever the
// engine itself modifies a path (touch, remove) or after an action
// completes for each of its declared/globbed output paths.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// InvalidateAll drops every cached entry in paths.
func (c *Cache) InvalidateAll(paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range paths {
		delete(c.entries, p)
	}
}

// Set overrides the cached entry for path, used to install a synthetic mtime
// (e.g. a phony target's max(input_mtime)+1ns) without touching the real
// filesystem.
func (c *Cache) Set(path string, info Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = info
}
