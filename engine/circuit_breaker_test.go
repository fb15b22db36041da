package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/types"
)

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          50 * time.Millisecond,
		SuccessThreshold: 2,
	}
}

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("agent-1", testBreakerConfig(), zap.NewNop())

	for i := 0; i < 4; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State(), "breaker tripped early at failure %d", i+1)
	}

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Allow()
	require.Error(t, err)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("agent-1", testBreakerConfig(), zap.NewNop())

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	cb.RecordSuccess()
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbeAndClose(t *testing.T) {
	cb := NewCircuitBreaker("agent-1", testBreakerConfig(), zap.NewNop())

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())
	require.Error(t, cb.Allow())

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitHalfOpen, cb.State(), "one success must not close the breaker")
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("agent-1", testBreakerConfig(), zap.NewNop())

	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, cb.Allow())
	require.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Allow()
	require.Error(t, err)
	assert.Equal(t, types.ErrCircuitOpen, types.GetErrorCode(err))
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("agent-1", testBreakerConfig(), zap.NewNop())
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())

	snap := cb.Snapshot()
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.SuccessCount)
}

func TestBreakerRegistry_GetOrCreateIsStable(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig(), zap.NewNop())

	a := r.GetOrCreate("agent-1")
	b := r.GetOrCreate("agent-1")
	c := r.GetOrCreate("agent-2")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Len(t, r.Snapshots(), 2)
}

func TestBreakerRegistry_GetOrCreateConcurrent(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig(), zap.NewNop())

	var wg sync.WaitGroup
	results := make([]*CircuitBreaker, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < 32; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestBreakerRegistry_OnTransition(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig(), zap.NewNop())

	var mu sync.Mutex
	var transitions []CircuitState
	r.OnTransition(func(agentID string, from, to CircuitState) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	cb := r.GetOrCreate("agent-1")
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 1 && transitions[0] == CircuitOpen
	}, time.Second, 10*time.Millisecond)
}

// TestProperty_BreakerConvergence drives a breaker with a random
// success/failure sequence and checks the state invariants hold at
// every step: closed never has threshold failures banked, and open
// always follows a failure.
func TestProperty_BreakerConvergence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("state machine invariants hold under any call sequence", prop.ForAll(
		func(outcomes []bool) bool {
			cfg := BreakerConfig{FailureThreshold: 3, Timeout: time.Hour, SuccessThreshold: 2}
			cb := NewCircuitBreaker("agent-p", cfg, zap.NewNop())

			for _, ok := range outcomes {
				allowed := cb.Allow() == nil
				if cb.State() == CircuitOpen && allowed {
					// Timeout is an hour; an open breaker must reject.
					return false
				}
				if !allowed {
					continue
				}
				if ok {
					cb.RecordSuccess()
				} else {
					cb.RecordFailure()
				}

				snap := cb.Snapshot()
				if snap.State == CircuitClosed && snap.FailureCount >= cfg.FailureThreshold {
					return false
				}
				if snap.State == CircuitOpen && snap.LastFailureTime == nil {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestBreakerRegistry_ResetAll(t *testing.T) {
	r := NewBreakerRegistry(testBreakerConfig(), zap.NewNop())
	for _, id := range []string{"a", "b", "c"} {
		cb := r.GetOrCreate(id)
		for i := 0; i < 5; i++ {
			cb.RecordFailure()
		}
		require.Equal(t, CircuitOpen, cb.State())
	}

	r.ResetAll()
	for _, snap := range r.Snapshots() {
		assert.Equal(t, CircuitClosed, snap.State)
	}
}
