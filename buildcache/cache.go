package buildcache

import (
	"context"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/isdmx/funcbox/fingerprint"
	"github.com/isdmx/funcbox/sandbox"
)

// BuildFunc produces the artifact for one fingerprint.
type BuildFunc func(ctx context.Context) (sandbox.ArtifactHandle, error)

// EvictFunc is called, outside any cache lock, with every artifact removed
// from the cache.
type EvictFunc func(fp fingerprint.Fingerprint, artifact sandbox.ArtifactHandle)

// buildLock serialises builds of one fingerprint. refs counts the callers
// holding or waiting on it and is guarded by Cache.mu.
type buildLock struct {
	mu   sync.Mutex
	refs int
}

// Cache maps fingerprints to built artifacts.
//
// Built artifacts live in an LRU. Builds in flight are coordinated through a
// per-fingerprint lock that exists only while someone holds or waits on it.
type Cache struct {
	maxEntries int
	onEvict    EvictFunc

	artifacts *lru.Cache[fingerprint.Fingerprint, sandbox.ArtifactHandle]

	mu         sync.Mutex
	locks      map[fingerprint.Fingerprint]*buildLock
	discarding map[fingerprint.Fingerprint]int
}

// Option defines a functional option for Cache
type Option func(*Cache)

// WithMaxEntries bounds the number of built artifacts kept. Zero means
// unbounded.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		c.maxEntries = n
	}
}

// WithOnEvict registers a callback for evicted artifacts
func WithOnEvict(fn EvictFunc) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

// New creates an empty Cache
func New(opts ...Option) *Cache {
	c := &Cache{
		locks:      make(map[fingerprint.Fingerprint]*buildLock),
		discarding: make(map[fingerprint.Fingerprint]int),
	}
	for _, opt := range opts {
		opt(c)
	}

	size := c.maxEntries
	if size <= 0 {
		size = math.MaxInt
	}
	// only fails for a non-positive size
	c.artifacts, _ = lru.NewWithEvict(size, c.evicted)
	return c
}

// EnsureBuilt returns the artifact for fp, running build only if no successful
// build for fp is cached. warm is false only for the caller whose build
// produced the artifact. Errors from build are returned to that caller alone
// and are not cached; callers waiting on a failed build try again themselves.
func (c *Cache) EnsureBuilt(ctx context.Context, fp fingerprint.Fingerprint, build BuildFunc) (artifact sandbox.ArtifactHandle, warm bool, err error) {
	if artifact, ok := c.artifacts.Get(fp); ok {
		return artifact, true, nil
	}

	l := c.lock(fp)
	defer c.unlock(fp, l)

	// built by whoever held the lock before us
	if artifact, ok := c.artifacts.Get(fp); ok {
		return artifact, true, nil
	}
	if err := ctx.Err(); err != nil {
		return sandbox.ArtifactHandle{}, false, err
	}

	artifact, err = build(ctx)
	if err != nil {
		return sandbox.ArtifactHandle{}, false, err
	}
	c.artifacts.Add(fp, artifact)
	return artifact, false, nil
}

// Evict removes fp from the cache. In-flight builds for fp are unaffected.
func (c *Cache) Evict(fp fingerprint.Fingerprint) bool {
	return c.artifacts.Remove(fp)
}

// Discard removes fp without calling the evict callback. It is for artifacts
// the runtime has already lost, which must not be released a second time.
func (c *Cache) Discard(fp fingerprint.Fingerprint) bool {
	c.mu.Lock()
	c.discarding[fp]++
	c.mu.Unlock()

	removed := c.artifacts.Remove(fp)

	c.mu.Lock()
	if c.discarding[fp]--; c.discarding[fp] == 0 {
		delete(c.discarding, fp)
	}
	c.mu.Unlock()
	return removed
}

// Contains reports whether a successful build for fp is cached
func (c *Cache) Contains(fp fingerprint.Fingerprint) bool {
	return c.artifacts.Contains(fp)
}

// Len returns the number of cached artifacts
func (c *Cache) Len() int {
	return c.artifacts.Len()
}

func (c *Cache) lock(fp fingerprint.Fingerprint) *buildLock {
	c.mu.Lock()
	l, ok := c.locks[fp]
	if !ok {
		l = &buildLock{}
		c.locks[fp] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return l
}

func (c *Cache) unlock(fp fingerprint.Fingerprint, l *buildLock) {
	l.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, fp)
	}
}

func (c *Cache) evicted(fp fingerprint.Fingerprint, artifact sandbox.ArtifactHandle) {
	if c.onEvict == nil {
		return
	}
	c.mu.Lock()
	_, skip := c.discarding[fp]
	c.mu.Unlock()
	if !skip {
		c.onEvict(fp, artifact)
	}
}
