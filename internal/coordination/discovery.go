package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"codenerd-orchestrator/internal/store"
	"codenerd-orchestrator/internal/types"
)

// DiscoveryConfig carries the spec §6 options the discovery service
// consults.
type DiscoveryConfig struct {
	DiscoveryInterval time.Duration
	CleanupInterval   time.Duration
	AgentTimeout      time.Duration
}

// Discovery implements agent registration, capability indexing, and the
// scan/cleanup loops of spec §4.2.2, grounded on the teacher's
// internal/shards/matching.go AgentRegistry (capability index maintenance)
// and the original's agent_discovery.py scan/cleanup cadence.
type Discovery struct {
	store  store.Store
	health *HealthMonitor
	cfg    DiscoveryConfig
	logger *zap.Logger

	lastAnnouncementID int64
}

// NewDiscovery constructs a Discovery bound to st and health.
func NewDiscovery(st store.Store, health *HealthMonitor, cfg DiscoveryConfig, logger *zap.Logger) *Discovery {
	return &Discovery{store: st, health: health, cfg: cfg, logger: logger}
}

// announcement mirrors the spec §6 agent-announcement stream entry shape.
type announcement struct {
	Type               string   `json:"type"`
	AgentID            string   `json:"agent_id"`
	AgentType          string   `json:"agent_type"`
	Capabilities       []string `json:"capabilities"`
	Version            string   `json:"version"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	Priority           int      `json:"priority"`
	Tags               []string `json:"tags"`
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	Endpoint           string   `json:"endpoint"`
}

// RunScan consumes the agent-announcements stream until ctx is canceled,
// scheduled with an `@every` cron spec (spec §5's cancellable loops).
func (d *Discovery) RunScan(ctx context.Context) {
	interval := d.cfg.DiscoveryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	runCronLoop(ctx, interval, d.logger, "discovery scan", func() error {
		return d.scanOnce(ctx)
	})
}

func (d *Discovery) scanOnce(ctx context.Context) error {
	entries, err := d.store.ReadFrom(ctx, store.StreamAgentAnnouncements, d.lastAnnouncementID, 500, 0)
	if err != nil {
		return fmt.Errorf("read announcements: %w", err)
	}
	for _, e := range entries {
		d.lastAnnouncementID = e.ID
		ann := decodeAnnouncement(e.Fields)
		if ann.AgentID == "" {
			continue
		}
		switch ann.Type {
		case "registration":
			if err := d.Register(ctx, toRegistration(ann)); err != nil && d.logger != nil {
				d.logger.Warn("register from announcement failed", zap.Error(err))
			}
		case "heartbeat":
			if err := d.Heartbeat(ctx, ann.AgentID); err != nil && d.logger != nil {
				d.logger.Warn("heartbeat from announcement failed", zap.Error(err))
			}
		case "deregistration":
			if err := d.Deregister(ctx, ann.AgentID); err != nil && d.logger != nil {
				d.logger.Warn("deregister from announcement failed", zap.Error(err))
			}
		}
	}
	return nil
}

func decodeAnnouncement(fields store.Fields) announcement {
	var a announcement
	a.Type = fields["type"]
	a.AgentID = fields["agent_id"]
	a.AgentType = fields["agent_type"]
	a.Version = fields["version"]
	a.Host = fields["host"]
	a.Endpoint = fields["endpoint"]
	a.MaxConcurrentTasks, _ = strconv.Atoi(fields["max_concurrent_tasks"])
	a.Priority, _ = strconv.Atoi(fields["priority"])
	a.Port, _ = strconv.Atoi(fields["port"])
	if caps, ok := fields["capabilities"]; ok {
		_ = json.Unmarshal([]byte(caps), &a.Capabilities)
	}
	if tags, ok := fields["tags"]; ok {
		_ = json.Unmarshal([]byte(tags), &a.Tags)
	}
	return a
}

func toRegistration(a announcement) types.AgentRegistration {
	return types.AgentRegistration{
		ID:                 a.AgentID,
		Type:               a.AgentType,
		Capabilities:       a.Capabilities,
		Version:            a.Version,
		MaxConcurrentTasks: a.MaxConcurrentTasks,
		Priority:           a.Priority,
		Tags:               a.Tags,
		Host:               a.Host,
		Port:               a.Port,
		Endpoint:           a.Endpoint,
	}
}

// RunCleanup marks stale registrations as deregistered every CleanupInterval
// (spec §4.2.2).
func (d *Discovery) RunCleanup(ctx context.Context) {
	interval := d.cfg.CleanupInterval
	if interval <= 0 {
		interval = 300 * time.Second
	}
	runCronLoop(ctx, interval, d.logger, "discovery cleanup", func() error {
		return d.cleanupOnce(ctx)
	})
}

// runCronLoop schedules fn on an `@every interval` cron spec until ctx is
// canceled, grounded on the teacher's BackgroundObserverManager cadence
// (internal/shards/observer_manager.go) generalized to a single shared
// helper instead of one bespoke ticker loop per background task.
func runCronLoop(ctx context.Context, interval time.Duration, logger *zap.Logger, name string, fn func() error) {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := fn(); err != nil && logger != nil {
			logger.Warn(name+" failed", zap.Error(err))
		}
	})
	if err != nil {
		if logger != nil {
			logger.Error("schedule "+name+" failed", zap.Error(err))
		}
		return
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func (d *Discovery) cleanupOnce(ctx context.Context) error {
	timeout := d.cfg.AgentTimeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	ids, err := d.store.Members(ctx, store.AgentsAllKey())
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	now := time.Now()
	for _, id := range ids {
		reg, ok, err := d.loadRegistration(ctx, id)
		if err != nil || !ok || reg.Status != types.AgentRegActive {
			continue
		}
		if now.Sub(reg.LastSeen) > timeout {
			if err := d.Deregister(ctx, id); err != nil && d.logger != nil {
				d.logger.Warn("cleanup deregister failed", zap.String("agent", id), zap.Error(err))
			}
		}
	}
	return nil
}

// Register persists reg, updates the capability index, initializes health,
// and emits agent_registered (spec §4.2.2). Re-registering the same id
// updates fields without duplicating capability-index entries (spec §8
// idempotence law).
func (d *Discovery) Register(ctx context.Context, reg types.AgentRegistration) error {
	existing, existed, err := d.loadRegistration(ctx, reg.ID)
	if err != nil {
		return err
	}
	if existed {
		// Drop stale capability entries before re-adding so the index
		// reflects only the latest declared set.
		for _, cap := range existing.Capabilities {
			if !containsStr(reg.Capabilities, cap) {
				_ = d.store.RemoveFromSet(ctx, store.CapabilityAgentsKey(cap), reg.ID)
			}
		}
		// A reactivated agent (e.g. reconnecting after Deregister left it
		// INACTIVE) must leave its old status set before joining ACTIVE's,
		// or the by-status index holds it under two statuses at once.
		if existing.Status != types.AgentRegActive {
			if err := d.store.RemoveFromSet(ctx, store.AgentsByStatusKey(string(existing.Status)), reg.ID); err != nil {
				return err
			}
		}
	}

	now := time.Now()
	reg.Status = types.AgentRegActive
	reg.LastSeen = now
	if !existed {
		reg.RegisteredAt = now
	} else {
		reg.RegisteredAt = existing.RegisteredAt
	}

	if err := d.saveRegistration(ctx, reg); err != nil {
		return err
	}

	if err := d.store.AddToSet(ctx, store.AgentsAllKey(), reg.ID); err != nil {
		return err
	}
	if err := d.store.AddToSet(ctx, store.AgentsByTypeKey(reg.Type), reg.ID); err != nil {
		return err
	}
	if err := d.store.AddToSet(ctx, store.AgentsByStatusKey(string(types.AgentRegActive)), reg.ID); err != nil {
		return err
	}
	for _, cap := range reg.Capabilities {
		if err := d.store.AddToSet(ctx, store.CapabilityAgentsKey(cap), reg.ID); err != nil {
			return err
		}
	}

	if d.health != nil {
		if _, err := d.health.loadMetrics(ctx, reg.ID); err != nil {
			return err
		}
		if err := d.health.Heartbeat(ctx, reg.ID); err != nil {
			return err
		}
	}

	_, err = d.store.Append(ctx, store.StreamAgentDiscoveryEvents, store.Fields{
		"event_type": "agent_registered",
		"agent_id":   reg.ID,
		"agent_type": reg.Type,
		"timestamp":  now.Format(time.RFC3339Nano),
	})
	return err
}

// Heartbeat refreshes last-seen without touching the capability index.
func (d *Discovery) Heartbeat(ctx context.Context, agentID string) error {
	reg, ok, err := d.loadRegistration(ctx, agentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("heartbeat: unknown agent %s", agentID)
	}
	reg.LastSeen = time.Now()
	if err := d.saveRegistration(ctx, reg); err != nil {
		return err
	}
	if d.health != nil {
		return d.health.Heartbeat(ctx, agentID)
	}
	return nil
}

// Deregister reverses the capability-index delta and emits
// agent_deregistered. Idempotent (spec §8).
func (d *Discovery) Deregister(ctx context.Context, agentID string) error {
	reg, ok, err := d.loadRegistration(ctx, agentID)
	if err != nil {
		return err
	}
	if !ok || reg.Status == types.AgentRegInactive {
		return nil
	}

	prevStatus := reg.Status
	reg.Status = types.AgentRegInactive
	if err := d.saveRegistration(ctx, reg); err != nil {
		return err
	}

	if err := d.store.RemoveFromSet(ctx, store.AgentsByStatusKey(string(prevStatus)), agentID); err != nil {
		return err
	}
	if err := d.store.AddToSet(ctx, store.AgentsByStatusKey(string(types.AgentRegInactive)), agentID); err != nil {
		return err
	}
	for _, cap := range reg.Capabilities {
		if err := d.store.RemoveFromSet(ctx, store.CapabilityAgentsKey(cap), agentID); err != nil {
			return err
		}
	}

	_, err = d.store.Append(ctx, store.StreamAgentDiscoveryEvents, store.Fields{
		"event_type": "agent_deregistered",
		"agent_id":   agentID,
		"timestamp":  time.Now().Format(time.RFC3339Nano),
	})
	return err
}

// FindBest returns the highest-scoring ACTIVE agent of agentType whose
// capabilities are a superset of required and whose circuit breaker (if
// supplied) is not OPEN (spec §4.2.2).
func (d *Discovery) FindBest(ctx context.Context, agentType string, required, preferredTags, exclude []string, breakers *CircuitBreakers) (*types.AgentRegistration, error) {
	candidateIDs, err := d.store.Members(ctx, store.AgentsByTypeKey(agentType))
	if err != nil {
		return nil, fmt.Errorf("list agents of type %s: %w", agentType, err)
	}

	var best *types.AgentRegistration
	var bestScore float64
	for _, id := range candidateIDs {
		if containsStr(exclude, id) {
			continue
		}
		reg, ok, err := d.loadRegistration(ctx, id)
		if err != nil || !ok || reg.Status != types.AgentRegActive {
			continue
		}
		if !containsAll(reg.Capabilities, required) {
			continue
		}
		if breakers != nil && breakers.IsOpen(id) {
			continue
		}

		metrics, err := d.health.Metrics(ctx, id)
		if err != nil {
			continue
		}
		if metrics.Status == types.HealthOffline {
			continue
		}

		score := scoreCandidate(reg, metrics, preferredTags)
		if best == nil || score > bestScore {
			r := reg
			best = &r
			bestScore = score
		}
	}
	return best, nil
}

// FindAll returns every ACTIVE agent of agentType meeting required/exclude,
// sorted by the spec §4.2.2 discovery score descending. Used by the
// agent-discovery HTTP endpoint, which returns a ranked list rather than a
// single pick.
func (d *Discovery) FindAll(ctx context.Context, agentType string, required, preferredTags, exclude []string) ([]types.AgentRegistration, error) {
	candidateIDs, err := d.store.Members(ctx, store.AgentsByTypeKey(agentType))
	if err != nil {
		return nil, fmt.Errorf("list agents of type %s: %w", agentType, err)
	}

	type scored struct {
		reg   types.AgentRegistration
		score float64
	}
	var out []scored
	for _, id := range candidateIDs {
		if containsStr(exclude, id) {
			continue
		}
		reg, ok, err := d.loadRegistration(ctx, id)
		if err != nil || !ok || reg.Status != types.AgentRegActive {
			continue
		}
		if !containsAll(reg.Capabilities, required) {
			continue
		}
		metrics, err := d.health.Metrics(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, scored{reg: reg, score: scoreCandidate(reg, metrics, preferredTags)})
	}

	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1].score < out[j].score {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	regs := make([]types.AgentRegistration, len(out))
	for i, s := range out {
		regs[i] = s.reg
	}
	return regs, nil
}

// scoreCandidate implements the spec §4.2.2 discovery score.
func scoreCandidate(reg types.AgentRegistration, metrics *types.AgentMetrics, preferredTags []string) float64 {
	score := float64(1000-reg.Priority) / 10
	score += metrics.OverallScore

	var headroom float64 = 1
	if reg.MaxConcurrentTasks > 0 {
		headroom = 1 - float64(metrics.CurrentLoad)/float64(reg.MaxConcurrentTasks)
	}
	score += headroom * 20

	score += float64(len(intersect(reg.Tags, preferredTags))) * 10

	if metrics.Status == types.HealthUnhealthy {
		score -= 50
	}
	return score
}

func (d *Discovery) loadRegistration(ctx context.Context, agentID string) (types.AgentRegistration, bool, error) {
	fields, ok, err := d.store.Get(ctx, store.AgentRegistrationKey(agentID))
	if err != nil {
		return types.AgentRegistration{}, false, fmt.Errorf("load registration %s: %w", agentID, err)
	}
	if !ok {
		return types.AgentRegistration{}, false, nil
	}
	var reg types.AgentRegistration
	if err := json.Unmarshal([]byte(fields["blob"]), &reg); err != nil {
		return types.AgentRegistration{}, false, fmt.Errorf("unmarshal registration %s: %w", agentID, err)
	}
	return reg, true, nil
}

func (d *Discovery) saveRegistration(ctx context.Context, reg types.AgentRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registration %s: %w", reg.ID, err)
	}
	return d.store.Put(ctx, store.AgentRegistrationKey(reg.ID), store.Fields{"blob": string(data)})
}

func containsStr(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !containsStr(have, w) {
			return false
		}
	}
	return true
}

func intersect(a, b []string) []string {
	var out []string
	for _, x := range a {
		if containsStr(b, x) {
			out = append(out, x)
		}
	}
	return out
}

// Registration returns the registration record for agentID, if any.
func (d *Discovery) Registration(ctx context.Context, agentID string) (types.AgentRegistration, bool, error) {
	return d.loadRegistration(ctx, agentID)
}

// ParseJSONStrings is a small helper for HTTP handlers decoding capability
// / tag lists carried as a comma-separated query parameter.
func ParseJSONStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
