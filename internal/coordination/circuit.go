package coordination

import (
	"sync"
	"time"

	"codenerd-orchestrator/internal/types"
)

// CircuitBreakers holds per-agent circuit breaker state in process memory
// (spec §5: "circuit-breaker counters live in the router's own process
// memory... a restart resets breakers to CLOSED").
type CircuitBreakers struct {
	mu        sync.Mutex
	breakers  map[string]*types.CircuitBreaker
	threshold int
	openFor   time.Duration
}

// NewCircuitBreakers constructs a CircuitBreakers with the given
// consecutive-failure threshold and OPEN duration (spec §6).
func NewCircuitBreakers(threshold int, openFor time.Duration) *CircuitBreakers {
	if threshold <= 0 {
		threshold = 5
	}
	if openFor <= 0 {
		openFor = 60 * time.Second
	}
	return &CircuitBreakers{
		breakers:  make(map[string]*types.CircuitBreaker),
		threshold: threshold,
		openFor:   openFor,
	}
}

func (c *CircuitBreakers) get(agentID string) *types.CircuitBreaker {
	b, ok := c.breakers[agentID]
	if !ok {
		b = &types.CircuitBreaker{AgentID: agentID, State: types.CircuitClosed}
		c.breakers[agentID] = b
	}
	return b
}

// IsOpen reports whether the breaker for agentID currently blocks routing.
// Expiry of an OPEN breaker moves it to HALF_OPEN as a side effect
// (spec §3).
func (c *CircuitBreakers) IsOpen(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.get(agentID)
	if b.State != types.CircuitOpen {
		return false
	}
	if time.Now().Before(b.OpenUntil) {
		return true
	}
	b.State = types.CircuitHalfOpen
	b.ConsecutiveFailures = 0
	return false
}

// RecordSuccess closes the breaker. A success while HALF_OPEN moves it to
// CLOSED (spec §3); a success while CLOSED is a no-op other than resetting
// the failure counter.
func (c *CircuitBreakers) RecordSuccess(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.get(agentID)
	b.State = types.CircuitClosed
	b.ConsecutiveFailures = 0
}

// RecordFailure increments the consecutive-failure count and opens the
// breaker once it reaches threshold. Any failure while HALF_OPEN returns
// immediately to OPEN (spec §3).
func (c *CircuitBreakers) RecordFailure(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.get(agentID)
	b.LastFailure = time.Now()

	if b.State == types.CircuitHalfOpen {
		b.State = types.CircuitOpen
		b.OpenUntil = time.Now().Add(c.openFor)
		return
	}

	b.ConsecutiveFailures++
	if b.ConsecutiveFailures >= c.threshold {
		b.State = types.CircuitOpen
		b.OpenUntil = time.Now().Add(c.openFor)
	}
}

// State returns a copy of the current breaker state for agentID, for
// diagnostics/statistics endpoints.
func (c *CircuitBreakers) State(agentID string) types.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.get(agentID)
}
