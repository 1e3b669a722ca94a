// Package cache provides a bounded in-memory key-value cache with TTL
// expiry, pluggable eviction and a single-flight guarantee: concurrent
// callers computing the same key share one underlying computation.
package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Strategy selects how entries are ranked for eviction.
type Strategy int

const (
	// LRU evicts the entries with the oldest last access.
	LRU Strategy = iota
	// LFU evicts the entries with the lowest access count.
	LFU
	// FIFO evicts the entries stored first.
	FIFO
)

// Config tunes a Cache. The zero value picks the documented defaults.
type Config struct {
	// TTL is how long an entry stays fresh after being stored.
	// Defaults to one minute.
	TTL time.Duration

	// MaxSize caps the number of entries. When reached, the lowest-ranked
	// tenth of the entries is evicted. Defaults to 128.
	MaxSize int

	// Strategy ranks entries for eviction. Defaults to LRU.
	Strategy Strategy

	// SweepInterval is the period of the background sweep removing expired
	// entries independently of access patterns. Defaults to the TTL.
	SweepInterval time.Duration
}

type entry[V any] struct {
	val         V
	storedAt    time.Time
	lastAccess  time.Time
	accessCount int64
}

// A Cache is a string-keyed value cache. Construct with New; the zero value is
// not usable.
type Cache[V any] struct {
	cfg    Config
	group  singleflight.Group
	done   chan struct{}
	closed sync.Once

	mu      sync.Mutex
	entries map[string]*entry[V]
	now     func() time.Time
}

// New returns a ready cache and starts its background sweeper. Call Stop when
// done to release the sweeper.
func New[V any](cfg Config) *Cache[V] {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Minute
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 128
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.TTL
	}
	c := &Cache[V]{
		cfg:     cfg,
		done:    make(chan struct{}),
		entries: make(map[string]*entry[V]),
		now:     time.Now,
	}
	go c.sweep()
	return c
}

// GetOrCompute returns the cached value for key, or runs supplier to produce
// and store it. Concurrent callers with the same key share a single in-flight
// supplier call. Supplier errors are not cached.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, supplier func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent flight may have stored the value between the lookup
		// above and acquiring the flight.
		if v, ok := c.get(key); ok {
			return v, nil
		}
		v, err := supplier(ctx)
		if err != nil {
			return nil, err
		}
		c.set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Len reports the number of entries, expired ones included until swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Invalidate drops the entry for key, if present.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Stop terminates the background sweeper. The cache stays usable; expired
// entries are then only dropped lazily on access.
func (c *Cache[V]) Stop() {
	c.closed.Do(func() { close(c.done) })
}

func (c *Cache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	now := c.now()
	if now.Sub(e.storedAt) >= c.cfg.TTL {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	e.lastAccess = now
	e.accessCount++
	return e.val, true
}

func (c *Cache[V]) set(key string, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[key] = &entry[V]{
		val:         val,
		storedAt:    now,
		lastAccess:  now,
		accessCount: 1,
	}
	if len(c.entries) >= c.cfg.MaxSize {
		c.evictLocked()
	}
}

// evictLocked removes the lowest-ranked tenth of the entries, at least one,
// according to the configured strategy.
func (c *Cache[V]) evictLocked() {
	type ranked struct {
		key string
		e   *entry[V]
	}
	all := make([]ranked, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, ranked{k, e})
	}
	slices.SortFunc(all, func(a, b ranked) int {
		switch c.cfg.Strategy {
		case LFU:
			switch {
			case a.e.accessCount < b.e.accessCount:
				return -1
			case a.e.accessCount > b.e.accessCount:
				return 1
			}
			return a.e.storedAt.Compare(b.e.storedAt)
		case FIFO:
			return a.e.storedAt.Compare(b.e.storedAt)
		default: // LRU
			return a.e.lastAccess.Compare(b.e.lastAccess)
		}
	})

	n := max(1, len(all)/10)
	for _, r := range all[:n] {
		delete(c.entries, r.key)
	}
}

func (c *Cache[V]) sweep() {
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.mu.Lock()
			now := c.now()
			for k, e := range c.entries {
				if now.Sub(e.storedAt) >= c.cfg.TTL {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
