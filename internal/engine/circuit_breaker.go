package engine

import (
	"sync"
	"time"

	"github.com/rendis/casework/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-operation circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive engine failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a trial call is let through.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial calls allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the configuration used when none is given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// Breakers tracks one circuit per engine operation.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a registry with the given config.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil if a call to op may proceed, or a circuit_open error.
func (r *Breakers) Allow(op string) error {
	b := r.get(op)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		elapsed := r.now().Sub(b.lastFailure)
		if elapsed >= r.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"engine operation %q unavailable after %d consecutive failures", op, b.failures).
			WithDetails(map[string]any{
				"operation":            op,
				"consecutive_failures": b.failures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if b.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"engine operation %q is half-open: trial call in progress", op)
		}
		b.halfOpenAttempts++
	}
	return nil
}

// Success closes the circuit for op.
func (r *Breakers) Success(op string) {
	b := r.get(op)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
}

// Failure records a failed call and returns the resulting state.
func (r *Breakers) Failure(op string) CircuitState {
	b := r.get(op)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = r.now()
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

// State returns the current state of the circuit for op.
func (r *Breakers) State(op string) CircuitState {
	b := r.get(op)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && r.now().Sub(b.lastFailure) >= r.config.Cooldown {
		b.state = CircuitHalfOpen
		b.halfOpenAttempts = 0
	}
	return b.state
}

// Stats returns diagnostic information about the circuit for op.
func (r *Breakers) Stats(op string) map[string]any {
	b := r.get(op)
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"operation":            op,
		"state":                b.state.String(),
		"consecutive_failures": b.failures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *Breakers) get(op string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[op]
	if !ok {
		b = &breaker{state: CircuitClosed}
		r.breakers[op] = b
	}
	return b
}
