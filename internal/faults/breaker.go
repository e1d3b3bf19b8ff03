package faults

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a breaker rejects a request while OPEN.
// It is classified NON_RECOVERABLE: callers must not retry, the breaker
// admits its own probe once the reset timeout elapses.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the current mode of a circuit breaker.
type BreakerState string

const (
	// BreakerClosed admits all requests and counts consecutive failures.
	BreakerClosed BreakerState = "CLOSED"

	// BreakerOpen rejects all requests until the reset timeout elapses.
	BreakerOpen BreakerState = "OPEN"

	// BreakerHalfOpen admits exactly one probe request; its outcome
	// decides whether the breaker closes again or re-opens.
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

const (
	// DefaultFailureThreshold trips the breaker after this many
	// consecutive failures.
	DefaultFailureThreshold = 5

	// DefaultResetTimeout is how long an open breaker waits before
	// admitting a probe.
	DefaultResetTimeout = 60 * time.Second
)

type (
	// BreakerConfig tunes circuit breaker behaviour. Zero values fall
	// back to the package defaults.
	BreakerConfig struct {
		FailureThreshold int
		ResetTimeout     time.Duration
		Logger           *slog.Logger
	}

	// CircuitBreaker guards one downstream service. All methods are safe
	// for concurrent use; state transitions are serialized by a mutex and
	// logged.
	CircuitBreaker struct {
		name             string
		failureThreshold int
		resetTimeout     time.Duration
		logger           *slog.Logger

		mu            sync.Mutex
		state         BreakerState
		failures      int
		openedAt      time.Time
		probeInFlight bool
	}

	// BreakerRegistry hands out one circuit breaker per downstream
	// service name. Lookups for the same name always return the same
	// breaker.
	BreakerRegistry struct {
		config BreakerConfig

		mu       sync.Mutex
		breakers map[string]*CircuitBreaker
	}
)

// NewCircuitBreaker creates a closed breaker for the named service.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	threshold := config.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}

	resetTimeout := config.ResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = DefaultResetTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &CircuitBreaker{
		name:             name,
		failureThreshold: threshold,
		resetTimeout:     resetTimeout,
		logger:           logger,
		state:            BreakerClosed,
	}
}

// Allow reports whether a request may proceed. While OPEN it fails fast
// with ErrCircuitOpen; once the reset timeout has elapsed it admits exactly
// one probe request in HALF_OPEN.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil

	case BreakerOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			return fmt.Errorf("%w: service %q", ErrCircuitOpen, b.name)
		}

		b.setState(BreakerHalfOpen)
		b.probeInFlight = true

		return nil

	case BreakerHalfOpen:
		if b.probeInFlight {
			return fmt.Errorf("%w: service %q probe in flight", ErrCircuitOpen, b.name)
		}

		b.probeInFlight = true

		return nil
	}

	return nil
}

// RecordSuccess resets the failure count. A successful HALF_OPEN probe
// closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probeInFlight = false

	if b.state == BreakerHalfOpen {
		b.setState(BreakerClosed)
	}
}

// RecordFailure counts a consecutive failure. The breaker trips OPEN
// exactly when the count reaches the failure threshold; a failed HALF_OPEN
// probe re-opens immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.probeInFlight = false
		b.openedAt = time.Now()
		b.setState(BreakerOpen)

	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.openedAt = time.Now()
			b.setState(BreakerOpen)
		}

	case BreakerOpen:
		// Failures reported while OPEN come from callers that skipped
		// Allow. The reset window stays anchored at the trip time.
	}
}

// Do wraps one call to a downstream service: it asks Allow, runs fn, and
// records the outcome. The ErrCircuitOpen fast path never invokes fn.
func (b *CircuitBreaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		b.RecordFailure()

		return err
	}

	b.RecordSuccess()

	return nil
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// setState transitions between states and logs the change. Callers hold
// b.mu.
func (b *CircuitBreaker) setState(next BreakerState) {
	if b.state == next {
		return
	}

	b.logger.Warn("circuit breaker state change",
		slog.String("service", b.name),
		slog.String("from", string(b.state)),
		slog.String("to", string(next)),
		slog.Int("consecutive_failures", b.failures),
	)

	b.state = next

	if next == BreakerClosed {
		b.failures = 0
	}
}

// NewBreakerRegistry creates an empty registry whose breakers share config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a service, creating it on first use.
func (r *BreakerRegistry) Get(service string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	breaker, ok := r.breakers[service]
	if !ok {
		breaker = NewCircuitBreaker(service, r.config)
		r.breakers[service] = breaker
	}

	return breaker
}
