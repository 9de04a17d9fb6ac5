package llm

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of a per-provider circuit breaker.
//
// # State Diagram
//
//	CLOSED ──[failures ≥ threshold within window]──► OPEN
//	   ▲                                              │
//	   │                                  [recovery timeout elapsed]
//	   │                                              ▼
//	   └──[all trials succeed]◄── HALF_OPEN ──[any trial fails]──► OPEN
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota

	// CircuitOpen means the circuit has tripped and calls fail fast.
	CircuitOpen

	// CircuitHalfOpen means a limited number of trial calls is allowed.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig controls how a breaker trips and recovers.
type BreakerConfig struct {
	// FailureThreshold is the failure count within FailureWindow that opens
	// the circuit. Default: 5.
	FailureThreshold int

	// FailureWindow bounds the failure count: failures older than the window
	// start a fresh count. Default: 60 seconds.
	FailureWindow time.Duration

	// RecoveryTimeout is how long an open circuit rejects calls before
	// moving to half-open. Default: 30 seconds.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is the trial budget in half-open. All trials must
	// succeed to close the circuit. Default: 2.
	HalfOpenMaxCalls int

	// OnStateChange is invoked asynchronously on every transition.
	OnStateChange func(provider string, from, to CircuitState)
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// BreakerSnapshot is a read-only view of one breaker, exposed by the
// health endpoint and by metrics.
type BreakerSnapshot struct {
	Provider     string    `json:"provider"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	WindowStart  time.Time `json:"window_start,omitzero"`
	OpenedAt     time.Time `json:"opened_at,omitzero"`
	TrialCount   int       `json:"half_open_trial_count"`
}

// CircuitBreaker isolates one provider's failures so an outage cannot
// cascade into total unavailability.
//
// # Thread Safety
//
// Safe for concurrent use. The mutex guards only in-memory state
// transitions; it is never held across a provider call.
type CircuitBreaker struct {
	provider string
	config   BreakerConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	windowStart time.Time
	openedAt    time.Time

	// halfOpenTrials counts trial calls admitted since entering half-open.
	// halfOpenSuccesses counts completed successful trials.
	halfOpenTrials    int
	halfOpenSuccesses int
}

// NewCircuitBreaker creates a closed breaker for a provider, applying
// defaults for zero config values.
func NewCircuitBreaker(provider string, config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = 60 * time.Second
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 2
	}
	return &CircuitBreaker{
		provider: provider,
		config:   config,
		state:    CircuitClosed,
	}
}

// Allow reports whether a call may proceed. In half-open it reserves one
// trial slot; the caller must follow up with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen)
			cb.halfOpenTrials = 1
			cb.halfOpenSuccesses = 0
			return nil
		}
		return ErrCircuitOpen

	case CircuitHalfOpen:
		if cb.halfOpenTrials < cb.config.HalfOpenMaxCalls {
			cb.halfOpenTrials++
			return nil
		}
		return ErrCircuitOpen

	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenMaxCalls {
			cb.reset()
			cb.transitionTo(CircuitClosed)
		}
	}
}

// RecordFailure registers a failed call, counting it within the current
// failure window. Any half-open trial failure reverts straight to open.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case CircuitClosed:
		if cb.windowStart.IsZero() || now.Sub(cb.windowStart) > cb.config.FailureWindow {
			cb.windowStart = now
			cb.failures = 0
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = now
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.openedAt = now
		cb.halfOpenTrials = 0
		cb.halfOpenSuccesses = 0
		cb.transitionTo(CircuitOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a read-only view for health endpoints.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Provider:     cb.provider,
		State:        cb.state.String(),
		FailureCount: cb.failures,
		WindowStart:  cb.windowStart,
		OpenedAt:     cb.openedAt,
		TrialCount:   cb.halfOpenTrials,
	}
}

// Reset forces the breaker back to closed, clearing all counts. Used by
// operators when a provider is known to be fixed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	old := cb.state
	cb.reset()
	cb.state = CircuitClosed
	if old != CircuitClosed && cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.provider, old, CircuitClosed)
	}
}

// reset clears counters. Caller holds the lock.
func (cb *CircuitBreaker) reset() {
	cb.failures = 0
	cb.windowStart = time.Time{}
	cb.openedAt = time.Time{}
	cb.halfOpenTrials = 0
	cb.halfOpenSuccesses = 0
}

// transitionTo changes state and fires the callback. Caller holds the lock.
func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	if cb.state == state {
		return
	}
	old := cb.state
	cb.state = state
	if cb.config.OnStateChange != nil {
		// Fired without the lock held to prevent deadlocks.
		go cb.config.OnStateChange(cb.provider, old, state)
	}
}

// =============================================================================
// Registry
// =============================================================================

// BreakerRegistry holds one breaker per provider id. Breakers are created
// lazily on first use, live for the whole process, and are never deleted.
type BreakerRegistry struct {
	defaultConfig BreakerConfig
	mu            sync.RWMutex
	breakers      map[string]*CircuitBreaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(defaultConfig BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		defaultConfig: defaultConfig,
		breakers:      make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a provider, creating it if needed.
func (r *BreakerRegistry) Get(provider string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[provider]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(provider, r.defaultConfig)
	r.breakers[provider] = cb
	return cb
}

// Snapshots returns the current view of every breaker.
func (r *BreakerRegistry) Snapshots() map[string]BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerSnapshot, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Snapshot()
	}
	return out
}

// ResetAll resets every breaker in the registry.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
