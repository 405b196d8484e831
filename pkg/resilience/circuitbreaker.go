// Package resilience guards calls to remote dependencies.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets a probe call through to test recovery.
	StateHalfOpen
)

// String returns the string representation of the state
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

// ErrCircuitBreakerOpen is returned when the circuit breaker rejects a call.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Name identifies the guarded dependency in state change notifications.
	Name string
	// MaxFailures is the number of consecutive failures that opens the circuit. Defaults to 5.
	MaxFailures int
	// CoolDown is how long the circuit stays open before a probe. Defaults to 30s.
	CoolDown time.Duration
	// OnStateChange, if set, is called after each transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker opens after consecutive failures and closes again after a successful probe.
type CircuitBreaker struct {
	cfg      BreakerConfig
	now      func() time.Time
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the circuit is open. While half-open only one probe runs at a time.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, ok := cb.acquire()
	if !ok {
		return ErrCircuitBreakerOpen
	}
	err := fn()
	cb.release(probe, err)
	return err
}

func (cb *CircuitBreaker) acquire() (probe bool, ok bool) {
	cb.mu.Lock()
	var from State
	changed := false
	defer func() {
		cb.mu.Unlock()
		if changed {
			cb.notify(from, StateHalfOpen)
		}
	}()

	switch cb.state {
	case StateClosed:
		return false, true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.CoolDown {
			return false, false
		}
		from, changed = cb.state, true
		cb.state = StateHalfOpen
		cb.probing = true
		return true, true
	default:
		if cb.probing {
			return false, false
		}
		cb.probing = true
		return true, true
	}
}

func (cb *CircuitBreaker) release(probe bool, err error) {
	cb.mu.Lock()
	from := cb.state
	if probe {
		cb.probing = false
	}
	switch {
	case err == nil:
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
		}
	case cb.state == StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = cb.now()
	default:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.failures = 0
		}
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state. An open circuit whose cool-down elapsed still reports open
// until the next call probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.probing = false
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
