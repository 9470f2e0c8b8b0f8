// Package resilience provides the failure-isolation building blocks shared
// by both broker clients: a circuit breaker for the stream session, jittered
// exponential backoff for reconnects and retries, and a supervisor that
// restarts panicked background loops.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker is open; callers
// must fail fast without attempting I/O.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// CircuitState is the breaker FSM state.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker opens after Threshold consecutive failures, stays open for
// Cooldown, then admits a single probe (half-open). Probe success closes
// the circuit; probe failure re-opens it for another cooldown.
type Breaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int // consecutive
	lastFailure time.Time
	threshold   int
	cooldown    time.Duration
	now         func() time.Time // injectable for tests

	onChange func(CircuitState) // optional, called outside failure hot path
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnChange registers a state-transition hook (e.g. a metrics gauge update).
// Must be set before the breaker is shared across goroutines.
func (b *Breaker) OnChange(fn func(CircuitState)) { b.onChange = fn }

// Allow reports whether an attempt may proceed. While open it returns
// ErrCircuitOpen until the cooldown elapses, at which point exactly one
// caller is admitted as the half-open probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if b.now().Sub(b.lastFailure) < b.cooldown {
			return ErrCircuitOpen
		}
		b.setStateLocked(CircuitHalfOpen)
		return nil
	case CircuitHalfOpen:
		// A probe is already in flight.
		return ErrCircuitOpen
	}
	return nil
}

// Success records a successful attempt and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.setStateLocked(CircuitClosed)
}

// Failure records a failed attempt. In the closed state the circuit opens
// once consecutive failures reach the threshold; a failed half-open probe
// re-opens immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case CircuitClosed:
		if b.failures >= b.threshold {
			b.setStateLocked(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.setStateLocked(CircuitOpen)
	}
}

// State returns the current FSM state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RetryIn returns how long until the next attempt may be admitted. Zero
// when the circuit is closed or already due for a probe.
func (b *Breaker) RetryIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitOpen {
		return 0
	}
	remaining := b.cooldown - b.now().Sub(b.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) setStateLocked(s CircuitState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

// setClock overrides the breaker clock in tests.
func (b *Breaker) setClock(now func() time.Time) { b.now = now }
