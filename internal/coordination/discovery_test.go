package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codenerd-orchestrator/internal/store"
	"codenerd-orchestrator/internal/types"
)

func newTestDiscovery(t *testing.T) (*Discovery, *HealthMonitor, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	health := NewHealthMonitor(st, HealthConfig{}, nil)
	return NewDiscovery(st, health, DiscoveryConfig{AgentTimeout: 50 * time.Millisecond}, nil), health, st
}

func TestRegisterAndFindBest(t *testing.T) {
	d, _, _ := newTestDiscovery(t)
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, types.AgentRegistration{
		ID: "a1", Type: "coding", Capabilities: []string{"go", "python"}, MaxConcurrentTasks: 5,
	}))

	reg, ok, err := d.Registration(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.AgentRegActive, reg.Status)

	best, err := d.FindBest(ctx, "coding", []string{"go"}, nil, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, best)
	require.Equal(t, "a1", best.ID)
}

func TestFindBestExcludesMissingCapability(t *testing.T) {
	d, _, _ := newTestDiscovery(t)
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, types.AgentRegistration{
		ID: "a1", Type: "coding", Capabilities: []string{"python"},
	}))

	best, err := d.FindBest(ctx, "coding", []string{"go"}, nil, nil, nil)
	require.NoError(t, err)
	require.Nil(t, best)
}

func TestDeregisterIsIdempotent(t *testing.T) {
	d, _, st := newTestDiscovery(t)
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, types.AgentRegistration{ID: "a1", Type: "coding", Capabilities: []string{"go"}}))
	require.NoError(t, d.Deregister(ctx, "a1"))
	require.NoError(t, d.Deregister(ctx, "a1"))

	reg, ok, err := d.Registration(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.AgentRegInactive, reg.Status)

	members, err := st.Members(ctx, store.CapabilityAgentsKey("go"))
	require.NoError(t, err)
	require.NotContains(t, members, "a1")
}

func TestReregisterDropsStaleCapabilities(t *testing.T) {
	d, _, st := newTestDiscovery(t)
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, types.AgentRegistration{ID: "a1", Type: "coding", Capabilities: []string{"go", "python"}}))
	require.NoError(t, d.Register(ctx, types.AgentRegistration{ID: "a1", Type: "coding", Capabilities: []string{"go"}}))

	members, err := st.Members(ctx, store.CapabilityAgentsKey("python"))
	require.NoError(t, err)
	require.NotContains(t, members, "a1")

	members, err = st.Members(ctx, store.CapabilityAgentsKey("go"))
	require.NoError(t, err)
	require.Contains(t, members, "a1")
}

func TestCleanupOnceDeregistersStaleAgents(t *testing.T) {
	d, _, _ := newTestDiscovery(t)
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, types.AgentRegistration{ID: "a1", Type: "coding", Capabilities: []string{"go"}}))
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, d.cleanupOnce(ctx))

	reg, ok, err := d.Registration(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.AgentRegInactive, reg.Status)
}

func TestRegisterAfterDeregisterClearsInactiveStatusIndex(t *testing.T) {
	d, _, st := newTestDiscovery(t)
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, types.AgentRegistration{ID: "a1", Type: "coding", Capabilities: []string{"go"}}))
	require.NoError(t, d.Deregister(ctx, "a1"))

	members, err := st.Members(ctx, store.AgentsByStatusKey(string(types.AgentRegInactive)))
	require.NoError(t, err)
	require.Contains(t, members, "a1")

	require.NoError(t, d.Register(ctx, types.AgentRegistration{ID: "a1", Type: "coding", Capabilities: []string{"go"}}))

	members, err = st.Members(ctx, store.AgentsByStatusKey(string(types.AgentRegInactive)))
	require.NoError(t, err)
	require.NotContains(t, members, "a1")

	members, err = st.Members(ctx, store.AgentsByStatusKey(string(types.AgentRegActive)))
	require.NoError(t, err)
	require.Contains(t, members, "a1")
}

func TestFindAllRanksByScoreDescending(t *testing.T) {
	d, health, _ := newTestDiscovery(t)
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, types.AgentRegistration{ID: "a1", Type: "coding", Capabilities: []string{"go"}, MaxConcurrentTasks: 10}))
	require.NoError(t, d.Register(ctx, types.AgentRegistration{ID: "a2", Type: "coding", Capabilities: []string{"go"}, MaxConcurrentTasks: 10}))

	require.NoError(t, health.RecordTaskStart(ctx, "a1", "t1"))
	require.NoError(t, health.RecordTaskStart(ctx, "a1", "t2"))
	require.NoError(t, health.RecordTaskStart(ctx, "a1", "t3"))

	regs, err := d.FindAll(ctx, "coding", []string{"go"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, regs, 2)
	require.Equal(t, "a2", regs[0].ID) // lower load scores higher
}
