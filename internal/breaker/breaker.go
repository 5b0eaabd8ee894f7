// Package breaker tracks per-service health from recorded call outcomes
// and opens a circuit after a run of consecutive failures.
package breaker

import (
	"sync"
	"time"
)

const (
	defaultWindowSize       = 20
	defaultFailureThreshold = 3
	defaultOpenDuration     = 5 * time.Minute
)

// Outcome is one recorded call against a service.
type Outcome struct {
	Service  string
	Success  bool
	Duration time.Duration
	At       time.Time
}

// CircuitBreaker records recent outcomes per service and reports
// availability. A service opens when its last failureThreshold outcomes are
// all failures, and auto-resets once the open window passes.
//
// All methods are safe for concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	windowSize       int
	failureThreshold int
	openDuration     time.Duration
	outcomes         map[string][]Outcome
	openUntil        map[string]time.Time
	now              func() time.Time
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithWindowSize bounds the per-service outcome history.
func WithWindowSize(n int) Option {
	return func(b *CircuitBreaker) {
		if n > 0 {
			b.windowSize = n
		}
	}
}

// WithFailureThreshold sets how many consecutive failures open the circuit.
func WithFailureThreshold(n int) Option {
	return func(b *CircuitBreaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithOpenDuration sets how long an opened circuit stays open.
func WithOpenDuration(d time.Duration) Option {
	return func(b *CircuitBreaker) {
		if d > 0 {
			b.openDuration = d
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(b *CircuitBreaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates a CircuitBreaker with the given options.
func New(opts ...Option) *CircuitBreaker {
	b := &CircuitBreaker{
		windowSize:       defaultWindowSize,
		failureThreshold: defaultFailureThreshold,
		openDuration:     defaultOpenDuration,
		outcomes:         make(map[string][]Outcome),
		openUntil:        make(map[string]time.Time),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Record appends one call outcome for a service and opens the circuit when
// the trailing failure run reaches the threshold.
func (b *CircuitBreaker) Record(service string, success bool, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	window := append(b.outcomes[service], Outcome{
		Service:  service,
		Success:  success,
		Duration: duration,
		At:       b.now(),
	})
	if len(window) > b.windowSize {
		window = window[len(window)-b.windowSize:]
	}
	b.outcomes[service] = window

	if b.trailingFailures(window) >= b.failureThreshold {
		b.openUntil[service] = b.now().Add(b.openDuration)
	}
}

// IsAvailable reports whether the service's circuit is closed.
func (b *CircuitBreaker) IsAvailable(service string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	until, ok := b.openUntil[service]
	if !ok {
		return true
	}
	if b.now().After(until) {
		delete(b.openUntil, service)
		return true
	}
	return false
}

// Reset clears the open state and history for a service.
func (b *CircuitBreaker) Reset(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.openUntil, service)
	delete(b.outcomes, service)
}

// Outcomes returns a copy of the recorded window for a service.
func (b *CircuitBreaker) Outcomes(service string) []Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	window := b.outcomes[service]
	out := make([]Outcome, len(window))
	copy(out, window)
	return out
}

func (b *CircuitBreaker) trailingFailures(window []Outcome) int {
	count := 0
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Success {
			break
		}
		count++
	}
	return count
}
