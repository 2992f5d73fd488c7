package store

import "fmt"

// Key helpers centralize the persisted key layout from spec §6 so every
// component constructs keys the same way instead of hand-formatting
// strings at each call site.

func JobKey(jobID string) string            { return fmt.Sprintf("job:%s", jobID) }
func JobTasksKey(jobID string) string        { return fmt.Sprintf("job:%s:tasks", jobID) }
func JobsByStatusKey(status string) string   { return fmt.Sprintf("jobs:status:%s", status) }
func JobsAllKey() string                     { return "jobs:all" }

func TaskKey(taskID string) string             { return fmt.Sprintf("task:%s", taskID) }
func TaskDependenciesKey(taskID string) string  { return fmt.Sprintf("task:%s:dependencies", taskID) }
func TaskDependentsKey(taskID string) string    { return fmt.Sprintf("task:%s:dependents", taskID) }
func TasksByStatusKey(status string) string     { return fmt.Sprintf("tasks:status:%s", status) }
func TasksByAgentTypeKey(agentType string) string { return fmt.Sprintf("tasks:agent:%s", agentType) }

func FeatureKey(featureID string) string { return fmt.Sprintf("feature:%s", featureID) }

func AgentRegistrationKey(agentID string) string { return fmt.Sprintf("agent:registration:%s", agentID) }
func AgentMetricsKey(agentID string) string      { return fmt.Sprintf("agent:%s:metrics", agentID) }
func AgentsAllKey() string                       { return "agents:all" }
func AgentsByTypeKey(agentType string) string    { return fmt.Sprintf("agents:type:%s", agentType) }
func AgentsByStatusKey(status string) string     { return fmt.Sprintf("agents:status:%s", status) }
func CapabilityAgentsKey(capability string) string {
	return fmt.Sprintf("capability:%s:agents", capability)
}

func RoutingStatisticsKey() string { return "routing:statistics" }

// Streams used by the core (spec §4.1).
const (
	StreamGlobalJobEvents    = "orchestrator:job-events"
	StreamAgentHealthEvents  = "orchestrator:agent-health-events"
	StreamAgentDiscoveryEvents = "orchestrator:agent-discovery-events"
	StreamRoutingDecisions   = "orchestrator:routing-decisions"
	StreamAgentAnnouncements = "orchestrator:agent-announcements"
	StreamTaskResults        = "orchestrator:task-results"
)

// JobStream returns the per-job event stream name.
func JobStream(jobID string) string { return fmt.Sprintf("job-stream:%s", jobID) }
