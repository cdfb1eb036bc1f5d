// Package circuit provides circuit breaker functionality for resilient
// agent-to-agent RPC calls.
package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

// Circuit breaker states for managing peer failure patterns.
const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // Probing whether the peer recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	OpenTimeout      time.Duration `json:"open_timeout"`      // Time to wait before probing half-open
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
}

// DefaultConfig provides reasonable defaults for circuit breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	OpenTimeout:      30 * time.Second,
	HalfOpenMaxCalls: 3,
}

// Error is returned when admission is denied: the circuit is open, or the
// half-open probe budget is exhausted. It is never retried.
type Error struct {
	Name  string
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// EventSink receives breaker state transition events. May be nil.
type EventSink interface {
	Event(name string, fields map[string]any)
}

// Breaker is a per-target failure state machine. The state check and the
// outcome recording are short critical sections; the guarded operation runs
// outside the lock so concurrent in-flight calls can share one breaker
// without serializing network work.
type Breaker struct {
	name   string
	config Config
	sink   EventSink

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailureTime time.Time
}

// New creates a new circuit breaker with the given configuration.
func New(name string, config Config, sink EventSink) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultConfig.OpenTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = DefaultConfig.HalfOpenMaxCalls
	}
	return &Breaker{
		name:   name,
		config: config,
		sink:   sink,
		state:  Closed,
	}
}

// Name returns the breaker key.
func (b *Breaker) Name() string { return b.name }

// Execute runs op under breaker admission control. If the circuit is open,
// or half-open with no probe budget left, op is never invoked and an *Error
// is returned. Otherwise op runs outside the lock and its outcome is
// recorded afterward; op's original error is returned unchanged.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := op(ctx)
	b.record(err == nil)
	return err
}

// admit evaluates and advances the state under the lock, denying the call
// when the breaker is open or the half-open budget is spent.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil

	case Open:
		// Lazy Open -> HalfOpen transition, checked at call time.
		if time.Since(b.lastFailureTime) >= b.config.OpenTimeout {
			b.transition(HalfOpen)
			b.halfOpenCalls++
			return nil
		}
		return &Error{Name: b.name, State: Open}

	case HalfOpen:
		// Hard cap: excess callers are rejected, never queued.
		if b.halfOpenCalls >= b.config.HalfOpenMaxCalls {
			return &Error{Name: b.name, State: HalfOpen}
		}
		b.halfOpenCalls++
		return nil

	default:
		return &Error{Name: b.name, State: b.state}
	}
}

// record updates counters and state from the outcome of an admitted call.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case Closed:
		b.failureCount = 0

	case HalfOpen:
		b.successCount++
		if b.successCount >= b.config.HalfOpenMaxCalls {
			b.transition(Closed)
		}
	}
}

func (b *Breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.transition(Open)
		}

	case HalfOpen:
		// Any failure in half-open immediately reopens the circuit.
		b.transition(Open)
	}
}

// transition moves to a new state and resets the per-state counters.
// Callers must hold b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to

	switch to {
	case Closed:
		b.failureCount = 0
		b.successCount = 0
		b.halfOpenCalls = 0
	case Open:
		b.successCount = 0
		b.halfOpenCalls = 0
	case HalfOpen:
		b.successCount = 0
		b.halfOpenCalls = 0
	}

	if b.sink != nil {
		b.sink.Event("circuit_state_change", map[string]any{
			"name": b.name,
			"from": from.String(),
			"to":   to.String(),
		})
	}
}

// GetState returns the current circuit breaker state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed and zeroes all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Closed {
		b.transition(Closed)
		return
	}
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenCalls = 0
}
