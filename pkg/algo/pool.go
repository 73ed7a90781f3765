package algo

import (
	"fmt"
	"sync"

	"github.com/polisai/polis-relay/pkg/domain"
)

// ResourcePool hands out one reference-counted handle per key. The factory
// runs on the 0→1 transition and reclaim on the 1→0 transition; while the
// count is positive every allocator of the key receives the same handle.
type ResourcePool[K comparable, H comparable] struct {
	mu      sync.Mutex
	entries map[K]*poolEntry[H]
	factory func(K) (H, error)
	reclaim func(K, H) error
	stats   PoolStats
}

type poolEntry[H comparable] struct {
	handle  H
	refs    int
	pending bool
	ready   chan struct{}
	err     error
}

// PoolStats counts pool activity since creation.
type PoolStats struct {
	Allocations int64
	Frees       int64
	Created     int64
	Reclaimed   int64
	Live        int
}

// NewResourcePool creates a pool. reclaim may be nil.
func NewResourcePool[K comparable, H comparable](factory func(K) (H, error), reclaim func(K, H) error) *ResourcePool[K, H] {
	return &ResourcePool[K, H]{
		entries: make(map[K]*poolEntry[H]),
		factory: factory,
		reclaim: reclaim,
	}
}

// Allocate returns the handle for key and takes a reference on it.
func (p *ResourcePool[K, H]) Allocate(key K) (H, error) {
	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		if !e.pending {
			e.refs++
			p.stats.Allocations++
			h := e.handle
			p.mu.Unlock()
			return h, nil
		}
		e.refs++
		ready := e.ready
		p.mu.Unlock()

		<-ready
		if e.err != nil {
			var zero H
			return zero, e.err
		}
		p.mu.Lock()
		p.stats.Allocations++
		p.mu.Unlock()
		return e.handle, nil
	}

	e := &poolEntry[H]{refs: 1, pending: true, ready: make(chan struct{})}
	p.entries[key] = e
	p.mu.Unlock()

	h, err := p.factory(key)

	p.mu.Lock()
	defer p.mu.Unlock()
	defer close(e.ready)
	if err != nil {
		delete(p.entries, key)
		e.err = &domain.ConstructionError{Component: "resource pool", Key: key, Err: err}
		var zero H
		return zero, e.err
	}
	e.handle = h
	e.pending = false
	p.stats.Allocations++
	p.stats.Created++
	return h, nil
}

// Free drops one reference on key's handle. Freeing more often than
// allocating, or with a handle that is not the key's, fails with
// domain.ErrInvalidRelease.
func (p *ResourcePool[K, H]) Free(key K, handle H) error {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok || e.pending || e.refs <= 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: %v has no outstanding allocation", domain.ErrInvalidRelease, key)
	}
	if e.handle != handle {
		p.mu.Unlock()
		return fmt.Errorf("%w: handle %v does not belong to %v", domain.ErrInvalidRelease, handle, key)
	}
	e.refs--
	p.stats.Frees++
	if e.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.entries, key)
	p.stats.Reclaimed++
	p.mu.Unlock()

	if p.reclaim == nil {
		return nil
	}
	return p.reclaim(key, handle)
}

// Refs returns the outstanding reference count for key.
func (p *ResourcePool[K, H]) Refs(key K) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[key]; ok && !e.pending {
		return e.refs
	}
	return 0
}

// Stats returns a snapshot of the counters.
func (p *ResourcePool[K, H]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Live = len(p.entries)
	return s
}
