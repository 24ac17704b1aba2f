package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Probing recovery
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

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// SuccessThreshold is the number of consecutive half-open successes that close the circuit.
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig returns 5 failures, 60s cooldown, 3 successes.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		SuccessThreshold: 3,
	}
}

func (c *CircuitBreakerConfig) setDefaults() {
	d := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
}

// circuitBreaker tracks failure state for a single action.
type circuitBreaker struct {
	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
}

// CircuitBreakerRegistry manages per-action circuit breakers. It is owned by
// one Engine; nothing is shared between engines.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	config.setDefaults()
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// refresh moves an open breaker to half-open once its cooldown has elapsed.
// Caller holds cb.mu.
func (r *CircuitBreakerRegistry) refresh(cb *circuitBreaker) {
	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.consecutiveSuccesses = 0
	}
}

// AllowRequest checks whether a call to the given action may proceed.
// Returns nil if allowed, or a CIRCUIT_OPEN error while the circuit is open.
func (r *CircuitBreakerRegistry) AllowRequest(actionName string) error {
	cb := r.getOrCreate(actionName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	r.refresh(cb)
	if cb.state != CircuitOpen {
		return nil
	}
	remaining := r.config.Cooldown - r.now().Sub(cb.lastFailureTime)
	return schema.NewErrorf(schema.ErrCodeCircuitOpen,
		"circuit breaker open for action %q: %d consecutive failures", actionName, cb.consecutiveFailures).
		WithDetails(map[string]any{
			"action":               actionName,
			"consecutive_failures": cb.consecutiveFailures,
			"state":                cb.state.String(),
			"cooldown_remaining":   remaining.String(),
		})
}

// RecordSuccess records a successful call. A closed breaker forgets its
// failures; a half-open breaker closes after SuccessThreshold successes in a row.
func (r *CircuitBreakerRegistry) RecordSuccess(actionName string) CircuitState {
	cb := r.getOrCreate(actionName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	r.refresh(cb)
	switch cb.state {
	case CircuitHalfOpen:
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= r.config.SuccessThreshold {
			cb.state = CircuitClosed
			cb.consecutiveFailures = 0
			cb.consecutiveSuccesses = 0
		}
	case CircuitClosed:
		cb.consecutiveFailures = 0
	}
	return cb.state
}

// RecordFailure records a failed call and returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(actionName string) CircuitState {
	cb := r.getOrCreate(actionName)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	r.refresh(cb)
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0
	cb.lastFailureTime = r.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the current state of the circuit for an action.
func (r *CircuitBreakerRegistry) GetState(actionName string) CircuitState {
	cb := r.getOrCreate(actionName)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	r.refresh(cb)
	return cb.state
}

// OpenCircuits lists the actions whose circuit currently rejects calls.
func (r *CircuitBreakerRegistry) OpenCircuits() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	var open []string
	for _, name := range names {
		if r.GetState(name) == CircuitOpen {
			open = append(open, name)
		}
	}
	sort.Strings(open)
	return open
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(actionName string) map[string]any {
	cb := r.getOrCreate(actionName)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	r.refresh(cb)

	return map[string]any{
		"action":                actionName,
		"state":                 cb.state.String(),
		"consecutive_failures":  cb.consecutiveFailures,
		"consecutive_successes": cb.consecutiveSuccesses,
		"failure_threshold":     r.config.FailureThreshold,
		"cooldown":              r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(actionName string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[actionName]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[actionName] = cb
	}
	return cb
}
