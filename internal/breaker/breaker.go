package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Circuit is closed, requests allowed
	StateOpen                  // Circuit is open, requests blocked
	StateHalfOpen              // Circuit is half-open, probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned when the circuit is open and the timeout has not
// elapsed. RetryAfter tells the caller how long to wait before trying again.
type OpenError struct {
	Component  string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry after %.1fs",
		e.Component, e.RetryAfter.Seconds())
}

// Config represents circuit breaker configuration
type Config struct {
	FailureThreshold   int           // Consecutive failures to open circuit
	SuccessThreshold   int           // Consecutive successes to close circuit from half-open
	Timeout            time.Duration // Base time to wait before transitioning to half-open
	MaxTimeout         time.Duration // Upper bound for the backoff timeout
	ExponentialBackoff bool          // Double the timeout on every open
}

// Normalize fills zero fields with defaults.
func (c Config) Normalize() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 300 * time.Second
	}
	return c
}

// Breaker isolates a fallible dependency. All state mutations happen under
// a single mutex; one Breaker instance guards one component.
type Breaker struct {
	mu        sync.Mutex
	component string
	config    Config

	state          State
	failures       int // Consecutive failure count
	successes      int // Consecutive success count in half-open state
	openedAt       time.Time
	currentTimeout time.Duration

	now           func() time.Time
	onStateChange func(component string, from, to State)
}

// NewBreaker creates a circuit breaker for the named component.
func NewBreaker(component string, config Config) *Breaker {
	cfg := config.Normalize()
	return &Breaker{
		component:      component,
		config:         cfg,
		state:          StateClosed,
		currentTimeout: cfg.Timeout,
		now:            time.Now,
	}
}

// OnStateChange registers a callback invoked after every state transition.
// Used to keep the breaker state gauge current.
func (b *Breaker) OnStateChange(fn func(component string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// Guard executes fn under the breaker. When the circuit is open and the
// timeout has not elapsed it fails fast with *OpenError; otherwise fn runs
// and its outcome drives the state machine.
func (b *Breaker) Guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// allow checks whether a call may proceed, transitioning OPEN to HALF_OPEN
// once the current timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.currentTimeout {
		b.setState(StateHalfOpen)
		return nil
	}
	return &OpenError{Component: b.component, RetryAfter: b.currentTimeout - elapsed}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0

	switch b.state {
	case StateClosed:
		// A healthy closed circuit forgets past backoff.
		b.currentTimeout = b.config.Timeout
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		// Any failure while probing reopens the circuit.
		b.open()
	}
}

// open transitions to OPEN, stamping openedAt and growing the timeout when
// backoff is enabled. Callers hold the mutex.
func (b *Breaker) open() {
	b.openedAt = b.now()
	if b.config.ExponentialBackoff {
		b.currentTimeout = min(b.currentTimeout*2, b.config.MaxTimeout)
	}
	b.setState(StateOpen)

	log.Warn().
		Str("component", b.component).
		Int("failures", b.failures).
		Dur("timeout", b.currentTimeout).
		Msg("Circuit breaker opened")
}

// setState changes state and resets the per-state counters. Callers hold the
// mutex.
func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	from := b.state
	b.state = state

	switch state {
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.openedAt = time.Time{}
		b.currentTimeout = b.config.Timeout
		log.Info().Str("component", b.component).Msg("Circuit breaker closed, service recovered")
	case StateHalfOpen:
		b.failures = 0
		b.successes = 0
		log.Info().Str("component", b.component).Msg("Circuit breaker half-open, testing recovery")
	case StateOpen:
		b.successes = 0
	}

	if b.onStateChange != nil {
		b.onStateChange(b.component, from, state)
	}
}

// State returns the current circuit breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot used by collector health records.
type Stats struct {
	Component      string        `json:"component"`
	State          string        `json:"state"`
	Failures       int           `json:"failure_count"`
	Successes      int           `json:"success_count"`
	CurrentTimeout time.Duration `json:"current_timeout"`
	RetryAfter     time.Duration `json:"retry_after"`
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Component:      b.component,
		State:          b.state.String(),
		Failures:       b.failures,
		Successes:      b.successes,
		CurrentTimeout: b.currentTimeout,
	}
	if b.state == StateOpen {
		if remaining := b.currentTimeout - b.now().Sub(b.openedAt); remaining > 0 {
			s.RetryAfter = remaining
		}
	}
	return s
}

// Reset forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
}
