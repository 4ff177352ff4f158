package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker's mode.
type State int

const (
	// StateClosed lets every attempt through.
	StateClosed State = iota
	// StateOpen rejects attempts until the cool-down has passed.
	StateOpen
	// StateHalfOpen admits attempts again; one more failure reopens.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned (wrapped) while the circuit rejects attempts.
var ErrOpen = errors.New("circuit open")

// CircuitBreakerConfig configures a [CircuitBreaker].  Zero fields take
// the defaults noted on each.
type CircuitBreakerConfig struct {
	// MaxFailures consecutive failures open the circuit (default 5).
	MaxFailures int
	// ResetTimeout is how long the circuit stays open (default 30s).
	ResetTimeout time.Duration
	// HalfOpenMax successes in half-open state close it (default 1).
	HalfOpenMax int
	// OnStateChange observes transitions.  It runs under the lock.
	OnStateChange func(from, to State)
	// Now replaces time.Now.
	Now func() time.Time
}

// CircuitBreaker counts consecutive failures and, past a threshold,
// rejects attempts for a cool-down period.  An attempt may span many
// calls (a session reading several passwords), so callers report
// outcomes with Record and ask Allow before each new attempt.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      CircuitBreakerConfig
	state    State
	failures int
	// successes counts consecutive successes while half-open.
	successes int
	openedAt  time.Time
}

// NewCircuitBreaker creates a circuit breaker; nil selects the defaults.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	if cfg != nil {
		cb.cfg = *cfg
	}
	if cb.cfg.MaxFailures <= 0 {
		cb.cfg.MaxFailures = 5
	}
	if cb.cfg.ResetTimeout <= 0 {
		cb.cfg.ResetTimeout = 30 * time.Second
	}
	if cb.cfg.HalfOpenMax <= 0 {
		cb.cfg.HalfOpenMax = 1
	}
	if cb.cfg.Now == nil {
		cb.cfg.Now = time.Now
	}
	return cb
}

// Allow returns an error wrapping ErrOpen while attempts are rejected.
// An open circuit whose cool-down has elapsed moves to half-open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	left := cb.remaining()
	if left <= 0 {
		cb.transition(StateHalfOpen)
		return nil
	}
	return fmt.Errorf("%w: %d consecutive failures, retry in %v",
		ErrOpen, cb.failures, left.Round(time.Second))
}

// Record reports the outcome of one attempt; nil is a success.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.openedAt = cb.cfg.Now()
			cb.transition(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			cb.failures = 0
			cb.successes = 0
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

// Remaining is how long an open circuit keeps rejecting; zero unless
// the circuit is open.
func (cb *CircuitBreaker) Remaining() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	if left := cb.remaining(); left > 0 {
		return left
	}
	return 0
}

func (cb *CircuitBreaker) remaining() time.Duration {
	return cb.cfg.ResetTimeout - cb.cfg.Now().Sub(cb.openedAt)
}

// CurrentState returns the current state.  An open circuit whose
// cool-down has elapsed still reports open until the next Allow.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
