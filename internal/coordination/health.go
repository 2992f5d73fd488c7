// Package coordination implements the Agent Coordination Plane (spec §4.2):
// health monitoring, discovery, and routing with circuit breaking, all
// operating over the shared C1 state store rather than in-memory object
// graphs (spec §5's shared-resource policy).
package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"codenerd-orchestrator/internal/store"
	"codenerd-orchestrator/internal/types"
)

// HealthConfig carries the subset of spec §6 options the health monitor
// consults.
type HealthConfig struct {
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	OfflineThreshold    time.Duration
}

// HealthMonitor recomputes per-agent health scores on a periodic loop
// (spec §4.2.1), grounded on the teacher's BackgroundObserverManager
// shape (internal/shards/observer_manager.go): a named background loop
// guarded by a mutex-protected map, emitting events only on transition.
type HealthMonitor struct {
	store  store.Store
	cfg    HealthConfig
	logger *zap.Logger

	mu         sync.Mutex
	lastStatus map[string]types.HealthStatus
}

// NewHealthMonitor constructs a HealthMonitor bound to st.
func NewHealthMonitor(st store.Store, cfg HealthConfig, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		store:      st,
		cfg:        cfg,
		logger:     logger,
		lastStatus: make(map[string]types.HealthStatus),
	}
}

// Run drives the periodic health-check loop until ctx is canceled
// (spec §5: every long-running loop accepts a cancellation signal),
// scheduled with an `@every` cron spec the way the teacher schedules its
// background observers.
func (h *HealthMonitor) Run(ctx context.Context) {
	interval := h.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	runCronLoop(ctx, interval, h.logger, "health tick", func() error {
		return h.tick(ctx)
	})
}

func (h *HealthMonitor) tick(ctx context.Context) error {
	ids, err := h.store.Members(ctx, store.AgentsAllKey())
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	for _, id := range ids {
		if err := h.recompute(ctx, id); err != nil && h.logger != nil {
			h.logger.Warn("recompute agent health failed", zap.String("agent", id), zap.Error(err))
		}
	}
	return nil
}

// recompute implements the spec §4.2.1 scoring rules for one agent.
func (h *HealthMonitor) recompute(ctx context.Context, agentID string) error {
	metrics, err := h.loadMetrics(ctx, agentID)
	if err != nil {
		return err
	}

	now := time.Now()
	offline := h.cfg.OfflineThreshold
	if offline <= 0 {
		offline = 120 * time.Second
	}
	heartbeat := h.cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	silence := now.Sub(metrics.LastHeartbeat)
	var status types.HealthStatus
	if metrics.LastHeartbeat.IsZero() || silence > offline {
		status = types.HealthOffline
		metrics.AvailabilityScore = 0
	} else {
		metrics.PerformanceScore = performanceScore(metrics)
		metrics.ReliabilityScore = reliabilityScore(metrics)
		metrics.AvailabilityScore = availabilityScore(silence, heartbeat, offline)
		metrics.OverallScore = metrics.Overall()
		status = types.DeriveStatus(metrics.OverallScore)
	}
	metrics.Status = status

	if err := h.saveMetrics(ctx, metrics); err != nil {
		return err
	}

	h.mu.Lock()
	prev, seen := h.lastStatus[agentID]
	h.lastStatus[agentID] = status
	h.mu.Unlock()

	if !seen || prev != status {
		if err := h.store.RemoveFromSet(ctx, store.AgentsByStatusKey(string(prev)), agentID); err != nil {
			return err
		}
		if err := h.store.AddToSet(ctx, store.AgentsByStatusKey(string(status)), agentID); err != nil {
			return err
		}
		_, err := h.store.Append(ctx, store.StreamAgentHealthEvents, store.Fields{
			"event_type": "status_changed",
			"agent_id":   agentID,
			"from":       string(prev),
			"to":         string(status),
			"overall":    fmt.Sprintf("%.2f", metrics.OverallScore),
			"timestamp":  now.Format(time.RFC3339Nano),
		})
		if err != nil {
			return fmt.Errorf("emit status_changed: %w", err)
		}
	}
	return nil
}

// performanceScore averages response-time score and load score
// (spec §4.2.1).
func performanceScore(m *types.AgentMetrics) float64 {
	rtScore := 100 - maxf(0, m.AvgResponseTimeMs/1000-1)*10
	rtScore = maxf(0, rtScore)

	var loadScore float64 = 100
	if m.MaxConcurrency > 0 {
		loadScore = maxf(0, 100-float64(m.CurrentLoad)/float64(m.MaxConcurrency)*50)
	}
	return (rtScore + loadScore) / 2
}

func reliabilityScore(m *types.AgentMetrics) float64 {
	if m.TotalTasks == 0 {
		return 100
	}
	return float64(m.SuccessfulTasks) / float64(m.TotalTasks) * 100
}

func availabilityScore(silence, heartbeat, offline time.Duration) float64 {
	switch {
	case silence <= heartbeat:
		return 100
	case silence <= 2*heartbeat:
		return 75
	case silence <= offline:
		return 50
	default:
		return 0
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// RecordTaskStart increments load and records the start timestamp used for
// the response-time EMA (spec §4.2.1).
func (h *HealthMonitor) RecordTaskStart(ctx context.Context, agentID, taskID string) error {
	metrics, err := h.loadMetrics(ctx, agentID)
	if err != nil {
		return err
	}
	metrics.CurrentLoad++
	if metrics.LastTaskStart == nil {
		metrics.LastTaskStart = make(map[string]time.Time)
	}
	metrics.LastTaskStart[taskID] = time.Now()
	return h.saveMetrics(ctx, metrics)
}

// RecordTaskCompletion decrements load, updates counters and the response
// time EMA (alpha=0.1), and clears the start timestamp (spec §4.2.1).
func (h *HealthMonitor) RecordTaskCompletion(ctx context.Context, agentID, taskID string, success bool, failErr error) error {
	metrics, err := h.loadMetrics(ctx, agentID)
	if err != nil {
		return err
	}

	start, ok := metrics.LastTaskStart[taskID]
	if ok {
		delete(metrics.LastTaskStart, taskID)
	}

	if metrics.CurrentLoad > 0 {
		metrics.CurrentLoad--
	}
	metrics.TotalTasks++
	if success {
		metrics.SuccessfulTasks++
	} else {
		metrics.FailedTasks++
		metrics.RecentErrorCount++
		metrics.DailyErrorCount++
	}

	if ok {
		const alpha = 0.1
		elapsedMs := float64(time.Since(start).Milliseconds())
		if metrics.AvgResponseTimeMs == 0 {
			metrics.AvgResponseTimeMs = elapsedMs
		} else {
			metrics.AvgResponseTimeMs = alpha*elapsedMs + (1-alpha)*metrics.AvgResponseTimeMs
		}
	}
	metrics.LastHeartbeat = time.Now()

	return h.saveMetrics(ctx, metrics)
}

// Heartbeat updates last-seen for liveness tracking without affecting task
// counters.
func (h *HealthMonitor) Heartbeat(ctx context.Context, agentID string) error {
	metrics, err := h.loadMetrics(ctx, agentID)
	if err != nil {
		return err
	}
	metrics.LastHeartbeat = time.Now()
	return h.saveMetrics(ctx, metrics)
}

// Metrics returns the current metrics snapshot for agentID.
func (h *HealthMonitor) Metrics(ctx context.Context, agentID string) (*types.AgentMetrics, error) {
	return h.loadMetrics(ctx, agentID)
}

func (h *HealthMonitor) loadMetrics(ctx context.Context, agentID string) (*types.AgentMetrics, error) {
	fields, ok, err := h.store.Get(ctx, store.AgentMetricsKey(agentID))
	if err != nil {
		return nil, fmt.Errorf("load metrics %s: %w", agentID, err)
	}
	m := &types.AgentMetrics{AgentID: agentID, Status: types.HealthInitializing}
	if !ok {
		return m, nil
	}
	if err := json.Unmarshal([]byte(fields["blob"]), m); err != nil {
		return nil, fmt.Errorf("unmarshal metrics %s: %w", agentID, err)
	}
	return m, nil
}

func (h *HealthMonitor) saveMetrics(ctx context.Context, m *types.AgentMetrics) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metrics %s: %w", m.AgentID, err)
	}
	return h.store.Put(ctx, store.AgentMetricsKey(m.AgentID), store.Fields{
		"blob":         string(data),
		"current_load": strconv.Itoa(m.CurrentLoad),
	})
}
