package errors

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// Closed means calls flow normally.
	Closed CircuitState = iota
	// Open means the service is considered down and calls fail fast.
	Open
	// HalfOpen means a limited number of probe calls are let through.
	HalfOpen
)

// String returns the string representation of CircuitState.
func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Successful probes in half-open before closing
	Timeout          time.Duration // Cool-down before a probe is allowed
	MaxConcurrent    int           // Concurrent probes in half-open (0 = 1)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		MaxConcurrent:    1,
	}
}

// CircuitBreaker stops calling a service that keeps failing.
type CircuitBreaker struct {
	mu sync.Mutex

	name   string
	config CircuitBreakerConfig
	state  CircuitState
	now    func() time.Time

	failures         int
	successes        int
	openedAt         time.Time
	halfOpenRequests int

	onStateChange func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a circuit breaker identified by name.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  Closed,
		now:    time.Now,
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// OnStateChange sets a callback for state changes. It runs with the breaker locked.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed. A zero FailureThreshold disables the breaker.
func (cb *CircuitBreaker) Allow() error {
	if cb.config.FailureThreshold <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Open:
		wait := cb.config.Timeout - cb.now().Sub(cb.openedAt)
		if wait > 0 {
			return &CircuitOpenError{Name: cb.name, State: Open, RetryIn: wait}
		}
		cb.transitionTo(HalfOpen)
		cb.halfOpenRequests++
		return nil

	case HalfOpen:
		if cb.halfOpenRequests < cb.config.MaxConcurrent {
			cb.halfOpenRequests++
			return nil
		}
		return &CircuitOpenError{Name: cb.name, State: HalfOpen}
	}

	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		cb.failures = 0

	case HalfOpen:
		cb.successes++
		cb.releaseProbe()
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(Closed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		cb.failures++
		if cb.config.FailureThreshold > 0 && cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(Open)
		}

	case HalfOpen:
		cb.releaseProbe()
		cb.transitionTo(Open)
	}
}

func (cb *CircuitBreaker) releaseProbe() {
	cb.halfOpenRequests--
	if cb.halfOpenRequests < 0 {
		cb.halfOpenRequests = 0
	}
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState

	switch newState {
	case Closed:
		cb.failures = 0
		cb.successes = 0
		cb.halfOpenRequests = 0
	case Open:
		cb.openedAt = cb.now()
		cb.successes = 0
		cb.halfOpenRequests = 0
	case HalfOpen:
		cb.successes = 0
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, oldState, newState)
	}
}

// Reset puts the breaker back into the closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = Closed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	Name     string
	State    CircuitState
	Failures int
	OpenedAt time.Time
}

// Stats returns current statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:     cb.name,
		State:    cb.state,
		Failures: cb.failures,
		OpenedAt: cb.openedAt,
	}
}

// Execute runs fn through the breaker. Only errors for which counts returns
// true are recorded as failures; a nil counts treats every error as one.
func (cb *CircuitBreaker) Execute(fn func() error, counts func(error) bool) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil && (counts == nil || counts(err)) {
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return err
}

// CircuitOpenError is returned when a call is rejected by an open breaker.
type CircuitOpenError struct {
	Name    string
	State   CircuitState
	RetryIn time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("circuit breaker %q is %s, retry in %s", e.Name, e.State, e.RetryIn.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// IsCircuitOpen reports whether err was caused by an open breaker.
func IsCircuitOpen(err error) bool {
	var target *CircuitOpenError
	return As(err, &target)
}

// Breakers holds one circuit breaker per key, typically an endpoint name.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	onChange func(name string, from, to CircuitState)
}

// NewBreakers creates an empty breaker set.
func NewBreakers(config CircuitBreakerConfig) *Breakers {
	return &Breakers{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// OnStateChange sets the callback installed on every breaker created afterwards.
func (b *Breakers) OnStateChange(fn func(name string, from, to CircuitState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Get returns the breaker for key, creating it if needed.
func (b *Breakers) Get(key string) *CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[key]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok = b.breakers[key]; ok {
		return cb
	}

	cb = NewCircuitBreaker(key, b.config)
	cb.onStateChange = b.onChange
	b.breakers[key] = cb
	return cb
}

// AllStats returns statistics for every breaker, sorted by name.
func (b *Breakers) AllStats() []CircuitBreakerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := make([]CircuitBreakerStats, 0, len(b.breakers))
	for _, cb := range b.breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Reset closes every breaker.
func (b *Breakers) Reset() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, cb := range b.breakers {
		cb.Reset()
	}
}
