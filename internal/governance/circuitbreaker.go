package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit lets probe calls through.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the
	// circuit. Zero disables the breaker.
	MaxFailures int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenProbes is the number of successful probes that close the circuit.
	HalfOpenProbes int
}

// DefaultCircuitBreakerConfig returns the breaker used for upstream targets.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:    5,
		OpenTimeout:    10 * time.Second,
		HalfOpenProbes: 1,
	}
}

// CircuitBreaker stops calling a target after repeated failures and lets a
// limited number of probes through once the open period has passed.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     CircuitBreakerState
	config    CircuitBreakerConfig
	failures  int
	successes int
	inFlight  int
	openUntil time.Time
	changed   time.Time
	now       func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures < 0 {
		config.MaxFailures = 0
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 10 * time.Second
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 1
	}
	return &CircuitBreaker{
		state:   StateClosed,
		config:  config,
		changed: time.Now(),
		now:     time.Now,
	}
}

// ExecuteContext runs fn under breaker protection.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Record(err)
	return err
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.config.MaxFailures == 0 {
		return nil
	}

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		cb.inFlight++
		return nil
	case StateHalfOpen:
		if cb.inFlight >= cb.config.HalfOpenProbes {
			return ErrCircuitOpen
		}
		cb.inFlight++
		return nil
	default:
		return nil
	}
}

// Record feeds the outcome of an allowed call back into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.config.MaxFailures == 0 {
		return
	}

	if cb.state == StateHalfOpen {
		cb.inFlight--
		if err != nil {
			cb.transitionLocked(StateOpen)
			return
		}
		cb.successes++
		if cb.successes >= cb.config.HalfOpenProbes {
			cb.transitionLocked(StateClosed)
		}
		return
	}

	if err == nil {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.config.MaxFailures {
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(next CircuitBreakerState) {
	if cb.state == next {
		return
	}
	cb.state = next
	cb.changed = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0
	if next == StateOpen {
		cb.openUntil = cb.changed.Add(cb.config.OpenTimeout)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
}

// BreakerSet holds one circuit breaker per upstream target.
type BreakerSet struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates breakers on demand with config.
func NewBreakerSet(config CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{config: config, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for target, creating it if needed.
func (s *BreakerSet) Get(target string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[target]
	if !ok {
		cb = NewCircuitBreaker(s.config)
		s.breakers[target] = cb
	}
	return cb
}

// States returns the state of every known breaker.
func (s *BreakerSet) States() map[string]CircuitBreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CircuitBreakerState, len(s.breakers))
	for target, cb := range s.breakers {
		out[target] = cb.State()
	}
	return out
}
