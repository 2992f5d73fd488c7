package coordination

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"codenerd-orchestrator/internal/reasoning"
	"codenerd-orchestrator/internal/store"
	"codenerd-orchestrator/internal/types"
)

// Strategy is one of the spec §4.2.3 routing strategies.
type Strategy string

const (
	StrategyRoundRobin     Strategy = "ROUND_ROBIN"
	StrategyLeastLoaded    Strategy = "LEAST_LOADED"
	StrategyWeightedRandom Strategy = "WEIGHTED_RANDOM"
	StrategyHealthAware    Strategy = "HEALTH_AWARE"
	StrategyPriorityBased  Strategy = "PRIORITY_BASED"
)

// fallbackOrder is tried, in order, by routeWithRetry when the primary
// strategy's candidate is unavailable (spec §4.2.3).
var fallbackOrder = map[Strategy][]Strategy{
	StrategyHealthAware:    {StrategyHealthAware, StrategyLeastLoaded, StrategyRoundRobin},
	StrategyLeastLoaded:    {StrategyLeastLoaded, StrategyHealthAware, StrategyRoundRobin},
	StrategyRoundRobin:     {StrategyRoundRobin, StrategyLeastLoaded, StrategyHealthAware},
	StrategyWeightedRandom: {StrategyWeightedRandom, StrategyHealthAware, StrategyLeastLoaded},
	StrategyPriorityBased:  {StrategyPriorityBased, StrategyHealthAware, StrategyLeastLoaded},
}

// RouteRequest is one routing decision input (spec §4.2.3).
type RouteRequest struct {
	TaskID               string
	TaskType              string
	Priority              types.Priority
	RequiredCapabilities  []string
	PreferredTags         []string
	Exclude               []string
	MaxRetries            int
	Timeout               time.Duration
	Strategy              Strategy
}

// RouteResult is the outcome of a routing decision (spec §4.2.3).
type RouteResult struct {
	Success  bool
	AgentID  string
	Strategy Strategy
	Reason   string
	Attempts int
}

// Router selects an agent for a task using one of the spec §4.2.3
// strategies, retries with fallbacks and backoff, and records outcomes for
// the circuit breaker. Grounded on the teacher's
// internal/shards/system/router.go shape (routing table + rate-limited
// dispatch loop) generalized from action->tool routing to task->agent
// routing, and the original's agent_router.py strategy set.
type Router struct {
	store     store.Store
	discovery *Discovery
	health    *HealthMonitor
	breakers  *CircuitBreakers
	reasoning *reasoning.Engine
	logger    *zap.Logger

	defaultStrategy Strategy

	mu      sync.Mutex
	cursors map[string]int // per task-type round-robin cursor
}

// NewRouter constructs a Router. reasoningEngine may be nil, in which case
// candidates() falls back to the plain containsAll capability check.
func NewRouter(st store.Store, discovery *Discovery, health *HealthMonitor, breakers *CircuitBreakers, reasoningEngine *reasoning.Engine, defaultStrategy Strategy, logger *zap.Logger) *Router {
	if defaultStrategy == "" {
		defaultStrategy = StrategyHealthAware
	}
	return &Router{
		store:           st,
		discovery:       discovery,
		health:          health,
		breakers:        breakers,
		reasoning:       reasoningEngine,
		defaultStrategy: defaultStrategy,
		logger:          logger,
		cursors:         make(map[string]int),
	}
}

type scoredCandidate struct {
	reg     types.AgentRegistration
	metrics *types.AgentMetrics
	score   float64
}

// candidates returns every ACTIVE agent of req.TaskType meeting req's
// capability/exclude/circuit constraints. Final eligibility (active status
// + capability coverage) is decided by the Mangle eligibility program when
// one is wired in, rather than by the containsAll check alone.
func (r *Router) candidates(ctx context.Context, req RouteRequest) ([]scoredCandidate, error) {
	ids, err := r.store.Members(ctx, store.AgentsByTypeKey(req.TaskType))
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}

	var out []scoredCandidate
	var facts []reasoning.Candidate
	for _, id := range ids {
		if containsStr(req.Exclude, id) {
			continue
		}
		reg, ok, err := r.discovery.Registration(ctx, id)
		if err != nil || !ok {
			continue
		}
		if r.breakers != nil && r.breakers.IsOpen(id) {
			continue
		}
		metrics, err := r.health.Metrics(ctx, id)
		if err != nil || metrics.Status == types.HealthOffline {
			continue
		}
		out = append(out, scoredCandidate{reg: reg, metrics: metrics})

		caps := make(map[string]bool, len(reg.Capabilities))
		for _, c := range reg.Capabilities {
			caps[c] = true
		}
		facts = append(facts, reasoning.Candidate{
			AgentID:      id,
			Active:       reg.Status == types.AgentRegActive,
			Capabilities: caps,
		})
	}

	if r.reasoning == nil {
		filtered := out[:0]
		for _, c := range out {
			if c.reg.Status == types.AgentRegActive && containsAll(c.reg.Capabilities, req.RequiredCapabilities) {
				filtered = append(filtered, c)
			}
		}
		return filtered, nil
	}

	eligibleIDs, err := r.reasoning.Eligible(facts, req.RequiredCapabilities)
	if err != nil {
		return nil, fmt.Errorf("evaluate eligibility: %w", err)
	}
	eligibleSet := make(map[string]bool, len(eligibleIDs))
	for _, id := range eligibleIDs {
		eligibleSet[id] = true
	}
	filtered := out[:0]
	for _, c := range out {
		if eligibleSet[c.reg.ID] {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

// Route performs a single routing attempt using strategy (or the router's
// default if unset). It never blocks beyond the store reads it performs
// (spec §4.2.3: "Router never blocks; all waits are bounded").
func (r *Router) Route(ctx context.Context, req RouteRequest, strategy Strategy) RouteResult {
	if strategy == "" {
		strategy = r.defaultStrategy
	}

	candidates, err := r.candidates(ctx, req)
	if err != nil {
		return r.record(ctx, req, RouteResult{Success: false, Strategy: strategy, Reason: "candidate_lookup_failed"})
	}
	if len(candidates) == 0 {
		return r.record(ctx, req, RouteResult{Success: false, Strategy: strategy, Reason: "no_candidates"})
	}

	var chosen *scoredCandidate
	switch strategy {
	case StrategyRoundRobin:
		chosen = r.pickRoundRobin(req.TaskType, candidates)
	case StrategyLeastLoaded:
		chosen = pickLeastLoaded(candidates)
	case StrategyWeightedRandom:
		chosen = pickWeightedRandom(candidates)
	case StrategyPriorityBased:
		chosen = pickPriorityBased(candidates, req.Priority)
	default:
		chosen = pickHealthAware(candidates, req)
	}

	if chosen == nil {
		return r.record(ctx, req, RouteResult{Success: false, Strategy: strategy, Reason: "no_candidates"})
	}

	return r.record(ctx, req, RouteResult{Success: true, AgentID: chosen.reg.ID, Strategy: strategy})
}

func (r *Router) pickRoundRobin(taskType string, candidates []scoredCandidate) *scoredCandidate {
	r.mu.Lock()
	idx := r.cursors[taskType]
	r.cursors[taskType] = idx + 1
	r.mu.Unlock()

	c := candidates[idx%len(candidates)]
	return &c
}

func pickLeastLoaded(candidates []scoredCandidate) *scoredCandidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.metrics.CurrentLoad < best.metrics.CurrentLoad {
			best = c
		}
	}
	return &best
}

func pickWeightedRandom(candidates []scoredCandidate) *scoredCandidate {
	var total float64
	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		w := math.Max(1, c.metrics.OverallScore)
		weights[i] = w
		total += w
	}
	target := rand.Float64() * total
	var acc float64
	for i, w := range weights {
		acc += w
		if target <= acc {
			c := candidates[i]
			return &c
		}
	}
	c := candidates[len(candidates)-1]
	return &c
}

func pickPriorityBased(candidates []scoredCandidate, priority types.Priority) *scoredCandidate {
	sorted := make([]scoredCandidate, len(candidates))
	copy(sorted, candidates)
	sortByPriorityAsc(sorted)

	if priority == types.PriorityCritical {
		return &sorted[0]
	}
	top := sorted
	if len(top) > 3 {
		top = top[:3]
	}
	return pickLeastLoaded(top)
}

func sortByPriorityAsc(c []scoredCandidate) {
	for i := 1; i < len(c); i++ {
		j := i
		for j > 0 && c[j-1].reg.Priority > c[j].reg.Priority {
			c[j-1], c[j] = c[j], c[j-1]
			j--
		}
	}
}

// pickHealthAware implements the spec §4.2.3 composite score.
func pickHealthAware(candidates []scoredCandidate, req RouteRequest) *scoredCandidate {
	var best *scoredCandidate
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		loadFrac := 0.0
		if c.reg.MaxConcurrentTasks > 0 {
			loadFrac = float64(c.metrics.CurrentLoad) / float64(c.reg.MaxConcurrentTasks)
		}
		responseTimeScore := math.Max(0, 100-c.metrics.AvgResponseTimeMs/10)

		score := 0.4*c.metrics.OverallScore +
			0.3*(1-loadFrac)*100 +
			0.2*c.metrics.ReliabilityScore +
			0.1*responseTimeScore

		score += priorityBonus(c.reg.Priority)
		score += float64(len(intersect(c.reg.Tags, req.PreferredTags))) * 10

		if best == nil || score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best
}

// priorityBonus rewards lower-numbered (preferred) agents; the bonus is
// derived from the candidate's own declared priority so it differentiates
// agents within one routing decision.
func priorityBonus(agentPriority int) float64 {
	return float64(1000-agentPriority) / 100
}

// record appends the decision to the routing-decisions stream. It does not
// touch the circuit breaker: selecting a candidate is not a task outcome,
// so feeding success/failure here would trip breakers on routing noise
// rather than on agents that actually fail their work. Real outcomes are
// reported through RecordOutcome once a task completes or fails (spec
// §4.2.3, scenario S6).
func (r *Router) record(ctx context.Context, req RouteRequest, res RouteResult) RouteResult {
	fields := store.Fields{
		"task_id":  req.TaskID,
		"strategy": string(res.Strategy),
		"success":  fmt.Sprintf("%t", res.Success),
		"reason":   res.Reason,
		"agent_id": res.AgentID,
	}
	if _, err := r.store.Append(ctx, store.StreamRoutingDecisions, fields); err != nil && r.logger != nil {
		r.logger.Warn("record routing decision failed", zap.Error(err))
	}
	return res
}

// RecordOutcome reports the real result of a task an agent was routed to,
// feeding the circuit breaker from execution outcomes rather than routing
// selection (spec §4.2.3). The executor calls this from CompleteTask and
// FailTask once a task reaches a terminal state.
func (r *Router) RecordOutcome(agentID string, success bool) {
	if r.breakers == nil || agentID == "" {
		return
	}
	if success {
		r.breakers.RecordSuccess(agentID)
	} else {
		r.breakers.RecordFailure(agentID)
	}
}

// RouteWithRetry tries the primary strategy's fallback chain with
// exponential backoff bounded by req.Timeout as an overall budget
// (spec §4.2.3, §5).
func (r *Router) RouteWithRetry(ctx context.Context, req RouteRequest) RouteResult {
	strategy := req.Strategy
	if strategy == "" {
		strategy = r.defaultStrategy
	}
	chain, ok := fallbackOrder[strategy]
	if !ok {
		chain = []Strategy{strategy}
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	deadline := time.Time{}
	if req.Timeout > 0 {
		deadline = time.Now().Add(req.Timeout)
	}

	var last RouteResult
	for attempt := 0; attempt < maxRetries; attempt++ {
		s := chain[attempt%len(chain)]
		last = r.Route(ctx, req, s)
		last.Attempts = attempt + 1
		if last.Success {
			return last
		}

		if attempt == maxRetries-1 {
			break
		}
		backoff := time.Duration(math.Min(math.Pow(2, float64(attempt)), 10)) * time.Second
		if !deadline.IsZero() && time.Now().Add(backoff).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			last.Reason = "context_canceled"
			return last
		case <-time.After(backoff):
		}
	}
	if last.Reason == "" {
		last.Reason = types.ErrRoutingFailed
	}
	return last
}
