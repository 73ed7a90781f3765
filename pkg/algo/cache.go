package algo

import (
	"errors"
	"sync"
	"time"

	"github.com/polisai/polis-relay/pkg/domain"
)

// Cache memoizes values per key through user supplied construct and destruct
// callbacks. Construction is single-flight: concurrent misses on the same key
// share one construct call. The cache itself carries no eviction policy;
// wrapping components call Remove, Clear or EvictIdle.
type Cache[K comparable, V any] struct {
	mu        sync.Mutex
	entries   map[K]*cacheEntry[V]
	construct func(K) (V, error)
	destruct  func(K, V) error
	now       func() time.Time
	stats     CacheStats
}

type cacheEntry[V any] struct {
	value      V
	lastAccess time.Time
	pending    bool
	ready      chan struct{}
	err        error
}

// CacheStats counts cache activity since creation. A Get that waits on a
// construction in flight counts as a hit once that construction succeeds.
type CacheStats struct {
	Hits       int64
	Misses     int64
	Constructs int64
	Failures   int64
	Destructs  int64
}

// NewCache creates a cache. destruct may be nil.
func NewCache[K comparable, V any](construct func(K) (V, error), destruct func(K, V) error) *Cache[K, V] {
	return &Cache[K, V]{
		entries:   make(map[K]*cacheEntry[V]),
		construct: construct,
		destruct:  destruct,
		now:       time.Now,
	}
}

// Get returns the value for key, constructing it on a miss.
func (c *Cache[K, V]) Get(key K) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if !e.pending {
			e.lastAccess = c.now()
			c.stats.Hits++
			v := e.value
			c.mu.Unlock()
			return v, nil
		}
		ready := e.ready
		c.mu.Unlock()

		<-ready
		if e.err != nil {
			var zero V
			return zero, e.err
		}
		c.mu.Lock()
		c.stats.Hits++
		e.lastAccess = c.now()
		v := e.value
		c.mu.Unlock()
		return v, nil
	}

	e := &cacheEntry[V]{pending: true, ready: make(chan struct{})}
	c.entries[key] = e
	c.stats.Misses++
	c.mu.Unlock()

	v, err := c.construct(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(e.ready)
	if err != nil {
		c.stats.Failures++
		if c.entries[key] == e {
			delete(c.entries, key)
		}
		e.err = &domain.ConstructionError{Component: "cache", Key: key, Err: err}
		var zero V
		return zero, e.err
	}
	c.stats.Constructs++
	e.value = v
	e.lastAccess = c.now()
	e.pending = false
	return v, nil
}

// Set stores value for key without calling construct. An existing value is
// destructed first.
func (c *Cache[K, V]) Set(key K, value V) error {
	err := c.Remove(key)
	c.mu.Lock()
	c.entries[key] = &cacheEntry[V]{value: value, lastAccess: c.now()}
	c.mu.Unlock()
	return err
}

// Peek returns the cached value without constructing or refreshing it.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.pending {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Has reports whether a constructed value exists for key.
func (c *Cache[K, V]) Has(key K) bool {
	_, ok := c.Peek(key)
	return ok
}

// Len returns the number of entries, including ones under construction.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Remove destructs and evicts the entry for key. A construction in flight is
// awaited first. The entry is evicted even when destruct fails.
func (c *Cache[K, V]) Remove(key K) error {
	for {
		c.mu.Lock()
		e, ok := c.entries[key]
		if !ok {
			c.mu.Unlock()
			return nil
		}
		if e.pending {
			ready := e.ready
			c.mu.Unlock()
			<-ready
			continue
		}
		delete(c.entries, key)
		c.mu.Unlock()
		return c.destroy(key, e.value)
	}
}

// Clear destructs and evicts every entry. Destruct failures are joined.
func (c *Cache[K, V]) Clear() error {
	var errs []error
	for _, key := range c.keys(func(*cacheEntry[V]) bool { return true }) {
		if err := c.Remove(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EvictIdle removes entries that were not accessed within maxIdle.
func (c *Cache[K, V]) EvictIdle(maxIdle time.Duration) (int, error) {
	deadline := c.now().Add(-maxIdle)
	keys := c.keys(func(e *cacheEntry[V]) bool {
		return !e.pending && e.lastAccess.Before(deadline)
	})
	var errs []error
	for _, key := range keys {
		if err := c.Remove(key); err != nil {
			errs = append(errs, err)
		}
	}
	return len(keys), errors.Join(errs...)
}

// Stats returns a snapshot of the counters.
func (c *Cache[K, V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache[K, V]) keys(match func(*cacheEntry[V]) bool) []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, len(c.entries))
	for k, e := range c.entries {
		if match(e) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *Cache[K, V]) destroy(key K, value V) error {
	c.mu.Lock()
	c.stats.Destructs++
	c.mu.Unlock()
	if c.destruct == nil {
		return nil
	}
	return c.destruct(key, value)
}
