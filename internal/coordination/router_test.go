package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codenerd-orchestrator/internal/store"
	"codenerd-orchestrator/internal/types"
)

func newTestRouter(t *testing.T, strategy Strategy) (*Router, *Discovery, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	health := NewHealthMonitor(st, HealthConfig{}, nil)
	discovery := NewDiscovery(st, health, DiscoveryConfig{}, nil)
	breakers := NewCircuitBreakers(3, time.Minute)
	router := NewRouter(st, discovery, health, breakers, nil, strategy, nil)
	return router, discovery, st
}

func registerAndHeartbeat(t *testing.T, d *Discovery, h *HealthMonitor, id, agentType string, caps []string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, d.Register(ctx, types.AgentRegistration{
		ID: id, Type: agentType, Capabilities: caps, MaxConcurrentTasks: 5,
	}))
	require.NoError(t, h.Heartbeat(ctx, id))
}

func TestRouteHealthAwareNoCandidates(t *testing.T) {
	router, _, _ := newTestRouter(t, StrategyHealthAware)
	res := router.Route(context.Background(), RouteRequest{TaskType: "coding"}, "")
	require.False(t, res.Success)
	require.Equal(t, "no_candidates", res.Reason)
}

func TestRouteHealthAwarePicksRegisteredAgent(t *testing.T) {
	router, d, _ := newTestRouter(t, StrategyHealthAware)
	registerAndHeartbeat(t, d, router.health, "a1", "coding", []string{"go"})

	res := router.Route(context.Background(), RouteRequest{TaskType: "coding", RequiredCapabilities: []string{"go"}}, "")
	require.True(t, res.Success)
	require.Equal(t, "a1", res.AgentID)
}

func TestRouteFiltersMissingCapability(t *testing.T) {
	router, d, _ := newTestRouter(t, StrategyHealthAware)
	registerAndHeartbeat(t, d, router.health, "a1", "coding", []string{"python"})

	res := router.Route(context.Background(), RouteRequest{TaskType: "coding", RequiredCapabilities: []string{"go"}}, "")
	require.False(t, res.Success)
}

func TestRouteRoundRobinCyclesCandidates(t *testing.T) {
	router, d, _ := newTestRouter(t, StrategyRoundRobin)
	registerAndHeartbeat(t, d, router.health, "a1", "coding", []string{"go"})
	registerAndHeartbeat(t, d, router.health, "a2", "coding", []string{"go"})

	req := RouteRequest{TaskType: "coding", RequiredCapabilities: []string{"go"}}
	first := router.Route(context.Background(), req, StrategyRoundRobin)
	second := router.Route(context.Background(), req, StrategyRoundRobin)
	require.True(t, first.Success)
	require.True(t, second.Success)
	require.NotEqual(t, first.AgentID, second.AgentID)
}

func TestRouteLeastLoadedPicksLowerLoad(t *testing.T) {
	router, d, _ := newTestRouter(t, StrategyLeastLoaded)
	registerAndHeartbeat(t, d, router.health, "a1", "coding", []string{"go"})
	registerAndHeartbeat(t, d, router.health, "a2", "coding", []string{"go"})

	ctx := context.Background()
	require.NoError(t, router.health.RecordTaskStart(ctx, "a1", "t1"))
	require.NoError(t, router.health.RecordTaskStart(ctx, "a1", "t2"))

	res := router.Route(ctx, RouteRequest{TaskType: "coding", RequiredCapabilities: []string{"go"}}, StrategyLeastLoaded)
	require.True(t, res.Success)
	require.Equal(t, "a2", res.AgentID)
}

func TestRouteHealthAwarePrefersLowerAgentPriority(t *testing.T) {
	router, d, _ := newTestRouter(t, StrategyHealthAware)
	ctx := context.Background()

	// Identical health and load; only the declared agent priority differs
	// (lower is preferred).
	require.NoError(t, d.Register(ctx, types.AgentRegistration{
		ID: "a-low", Type: "coding", Capabilities: []string{"go"}, MaxConcurrentTasks: 5, Priority: 10,
	}))
	require.NoError(t, d.Register(ctx, types.AgentRegistration{
		ID: "a-high", Type: "coding", Capabilities: []string{"go"}, MaxConcurrentTasks: 5, Priority: 500,
	}))
	require.NoError(t, router.health.Heartbeat(ctx, "a-low"))
	require.NoError(t, router.health.Heartbeat(ctx, "a-high"))

	res := router.Route(ctx, RouteRequest{TaskType: "coding", RequiredCapabilities: []string{"go"}}, "")
	require.True(t, res.Success)
	require.Equal(t, "a-low", res.AgentID)
}

func TestRouteSkipsOpenCircuitBreaker(t *testing.T) {
	router, d, _ := newTestRouter(t, StrategyHealthAware)
	registerAndHeartbeat(t, d, router.health, "a1", "coding", []string{"go"})
	router.breakers.RecordFailure("a1")
	router.breakers.RecordFailure("a1")
	router.breakers.RecordFailure("a1")

	res := router.Route(context.Background(), RouteRequest{TaskType: "coding", RequiredCapabilities: []string{"go"}}, "")
	require.False(t, res.Success)
}

func TestRouteWithRetrySucceedsAfterFallback(t *testing.T) {
	router, d, _ := newTestRouter(t, StrategyHealthAware)
	registerAndHeartbeat(t, d, router.health, "a1", "coding", []string{"go"})

	res := router.RouteWithRetry(context.Background(), RouteRequest{
		TaskType: "coding", RequiredCapabilities: []string{"go"}, MaxRetries: 2,
	})
	require.True(t, res.Success)
}

func TestRouteRecordsDecisionStream(t *testing.T) {
	router, d, st := newTestRouter(t, StrategyHealthAware)
	registerAndHeartbeat(t, d, router.health, "a1", "coding", []string{"go"})

	router.Route(context.Background(), RouteRequest{TaskID: "t1", TaskType: "coding", RequiredCapabilities: []string{"go"}}, "")

	entries, err := st.ReadFrom(context.Background(), store.StreamRoutingDecisions, 0, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "t1", entries[0].Fields["task_id"])
	require.Equal(t, "true", entries[0].Fields["success"])
}
