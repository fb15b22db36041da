package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/types"
)

// CircuitState is the breaker state.
type CircuitState int

const (
	// CircuitClosed allows all calls.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen allows probe calls after the timeout.
	CircuitHalfOpen
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

// BreakerConfig tunes the per-agent circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold int `json:"failure_threshold"`
	// Timeout is how long an open breaker rejects calls before
	// admitting a probe.
	Timeout time.Duration `json:"timeout"`
	// SuccessThreshold is the consecutive-success count in half-open
	// that closes the breaker.
	SuccessThreshold int `json:"success_threshold"`
}

// DefaultBreakerConfig returns the engine defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		SuccessThreshold: 2,
	}
}

// BreakerSnapshot is a point-in-time view of one breaker.
type BreakerSnapshot struct {
	AgentID         string       `json:"agent_id"`
	State           CircuitState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime *time.Time   `json:"last_failure_time,omitempty"`
	LastStateChange time.Time    `json:"last_state_change"`
}

// CircuitBreaker gates calls to one agent. State is process-local and
// resets on engine restart; failing agents get a grace period after
// every restart, which is intentional.
type CircuitBreaker struct {
	agentID         string
	config          BreakerConfig
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time
	logger          *zap.Logger
	onTransition    func(agentID string, from, to CircuitState)
	mu              sync.Mutex
}

// NewCircuitBreaker creates a breaker for one agent.
func NewCircuitBreaker(agentID string, config BreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		agentID:         agentID,
		config:          config,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
		logger:          logger.With(zap.String("agent_id", agentID)),
	}
}

// Allow reports whether a call to the agent may proceed. An open
// breaker whose timeout has elapsed transitions to half-open and admits
// the call as a probe; otherwise it returns a CIRCUIT_OPEN error
// without invoking anything.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Timeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.successes = 0
			return nil
		}
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("circuit open for agent %s: %d consecutive failures, retry after %v",
				cb.agentID, cb.failures, cb.config.Timeout-time.Since(cb.lastFailureTime)))

	case CircuitHalfOpen:
		return nil

	default:
		return types.NewError(types.ErrInternalError,
			fmt.Sprintf("unknown circuit state %d", cb.state))
	}
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed, fmt.Sprintf("%d consecutive successes in half-open", cb.successes))
			cb.failures = 0
			cb.successes = 0
		}
	}
}

// RecordFailure notes a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}

	case CircuitHalfOpen:
		// Any failure while probing re-opens the breaker.
		cb.successes = 0
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a point-in-time view for reporting.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := BreakerSnapshot{
		AgentID:         cb.agentID,
		State:           cb.state,
		FailureCount:    cb.failures,
		SuccessCount:    cb.successes,
		LastStateChange: cb.lastStateChange,
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		snap.LastFailureTime = &t
	}
	return snap
}

// Reset returns the breaker to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed, "manual reset")
	}
	cb.failures = 0
	cb.successes = 0
}

// transitionTo must be called with the mutex held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	if cb.onTransition != nil {
		// Callbacks run outside the breaker's own lock ordering
		// concerns via goroutine to avoid deadlock with callers.
		go cb.onTransition(cb.agentID, oldState, newState)
	}
}

// BreakerRegistry manages one breaker per agent, created lazily.
type BreakerRegistry struct {
	breakers     map[string]*CircuitBreaker
	config       BreakerConfig
	logger       *zap.Logger
	onTransition func(agentID string, from, to CircuitState)
	mu           sync.RWMutex
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(config BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// OnTransition registers a callback fired on every state change of any
// breaker in the registry. Must be set before first use.
func (r *BreakerRegistry) OnTransition(fn func(agentID string, from, to CircuitState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
}

// GetOrCreate returns the agent's breaker, creating it on first use.
func (r *BreakerRegistry) GetOrCreate(agentID string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[agentID]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentID]; ok {
		return cb
	}

	cb := NewCircuitBreaker(agentID, r.config, r.logger)
	cb.onTransition = r.onTransition
	r.breakers[agentID] = cb
	return cb
}

// Snapshots returns the state of every known breaker.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, cb := range r.breakers {
		snaps = append(snaps, cb.Snapshot())
	}
	return snaps
}

// ResetAll resets every breaker to closed.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}
