package algo

import (
	"sync"

	"github.com/polisai/polis-relay/pkg/domain"
)

// Balancer picks a target per call. Select and Deselect are paired: policies
// that track load count a selection as in flight until it is deselected.
type Balancer[T comparable] interface {
	Select() (T, error)
	Deselect(target T)
}

// RoundRobin cycles through a fixed ordered target list. Deselect is a no-op.
type RoundRobin[T comparable] struct {
	mu      sync.Mutex
	targets []T
	cursor  int
}

// NewRoundRobin creates a round-robin balancer over targets.
func NewRoundRobin[T comparable](targets ...T) *RoundRobin[T] {
	return &RoundRobin[T]{targets: append([]T(nil), targets...)}
}

// Select returns the target under the cursor and advances it.
func (b *RoundRobin[T]) Select() (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.targets) == 0 {
		var zero T
		return zero, domain.ErrNoTarget
	}
	t := b.targets[b.cursor%len(b.targets)]
	b.cursor = (b.cursor + 1) % len(b.targets)
	return t, nil
}

// Deselect does nothing; rotation carries no per-target state.
func (b *RoundRobin[T]) Deselect(T) {}

// Targets returns a copy of the target list.
func (b *RoundRobin[T]) Targets() []T {
	return append([]T(nil), b.targets...)
}

// WeightedRoundRobin spreads selections in proportion to target weights using
// the smooth weighted round-robin sequence. Ties go to the lowest index.
type WeightedRoundRobin[T comparable] struct {
	mu      sync.Mutex
	targets []T
	weights []int
	current []int
	total   int
}

// NewWeightedRoundRobin creates a weighted balancer. Targets with a
// non-positive weight are never selected.
func NewWeightedRoundRobin[T comparable](targets []T, weights []int) *WeightedRoundRobin[T] {
	b := &WeightedRoundRobin[T]{}
	for i, t := range targets {
		w := 1
		if i < len(weights) {
			w = weights[i]
		}
		if w <= 0 {
			continue
		}
		b.targets = append(b.targets, t)
		b.weights = append(b.weights, w)
		b.total += w
	}
	b.current = make([]int, len(b.targets))
	return b
}

// Select returns the next target in the weighted sequence.
func (b *WeightedRoundRobin[T]) Select() (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.targets) == 0 {
		var zero T
		return zero, domain.ErrNoTarget
	}
	best := 0
	for i := range b.targets {
		b.current[i] += b.weights[i]
		if b.current[i] > b.current[best] {
			best = i
		}
	}
	b.current[best] -= b.total
	return b.targets[best], nil
}

// Deselect is a no-op.
func (b *WeightedRoundRobin[T]) Deselect(T) {}

// LeastLoad selects the target with the fewest outstanding selections.
// Ties are broken by list order so selection stays reproducible.
type LeastLoad[T comparable] struct {
	mu      sync.Mutex
	targets []T
	load    []int
}

// NewLeastLoad creates a least-outstanding-requests balancer.
func NewLeastLoad[T comparable](targets ...T) *LeastLoad[T] {
	return &LeastLoad[T]{
		targets: append([]T(nil), targets...),
		load:    make([]int, len(targets)),
	}
}

// Select picks the least loaded target and counts it as in flight.
func (b *LeastLoad[T]) Select() (T, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.targets) == 0 {
		var zero T
		return zero, domain.ErrNoTarget
	}
	best := 0
	for i := 1; i < len(b.targets); i++ {
		if b.load[i] < b.load[best] {
			best = i
		}
	}
	b.load[best]++
	return b.targets[best], nil
}

// Deselect releases one in-flight selection of target. Unknown targets and
// targets without outstanding selections are ignored.
func (b *LeastLoad[T]) Deselect(target T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range b.targets {
		if t == target && b.load[i] > 0 {
			b.load[i]--
			return
		}
	}
}

// Load returns the in-flight count for target.
func (b *LeastLoad[T]) Load(target T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range b.targets {
		if t == target {
			return b.load[i]
		}
	}
	return 0
}

// NewSelectionCache returns a cache keyed by balancer whose values are the
// balancer's selection. Removing an entry deselects it, so a per-session
// selection cache keeps one target per balancer until Clear.
func NewSelectionCache[T comparable]() *Cache[Balancer[T], T] {
	return NewCache(
		func(b Balancer[T]) (T, error) { return b.Select() },
		func(b Balancer[T], t T) error {
			b.Deselect(t)
			return nil
		},
	)
}
