// Package types holds the shared domain model for the orchestrator: jobs,
// tasks, features, agents, and the wire-level event/request shapes every
// other component constructs or consumes (spec §3, §6).
package types

import "time"

// JobStatus is the lifecycle status of a Job (spec §3).
type JobStatus string

const (
	JobPlanning  JobStatus = "PLANNING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobCanceled  JobStatus = "CANCELED"
)

// IsTerminal reports whether status is absorbing.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// Priority is a job priority band (spec §3).
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Job is the top-level user request and its resulting DAG of tasks.
type Job struct {
	ID          string
	UserRequest string
	Status      JobStatus
	TaskIDs     []string
	Priority    Priority
	Tags        []string
	FailReason  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskStatus is the lifecycle status of a Task (spec §3).
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// IsTerminal reports whether status is absorbing.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one node of a job's DAG (spec §3).
type Task struct {
	ID             string
	JobID          string
	AgentType      string
	Status         TaskStatus
	Description    string
	Dependencies   []string
	Result         map[string]any
	Error          *TaskError
	AssignedAgent  string
	UseTDD         bool
	FeatureID      string
	CreatedAt      time.Time
	QueuedAt       time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
}

// TaskError is the error payload persisted on a failed task (spec §4.4, §7).
type TaskError struct {
	Category string
	Message  string
}

// Known executor-level error categories (spec §4.4).
const (
	ErrAgentUnavailable     = "agent_unavailable"
	ErrRoutingFailed        = "routing_failed"
	ErrAgentError           = "agent_error"
	ErrPlanCycle            = "plan_cycle"
	ErrPlanUnknownAgent     = "plan_unknown_agent"
	ErrDependencyUnsatisfied = "dependency_unsatisfied"
	ErrTimeout              = "timeout"
	ErrStoreUnavailable     = "store_unavailable"
	ErrInternal             = "internal_error"
)

// Known agent types accepted by the planner translation step (spec §3).
var KnownAgentTypes = map[string]bool{
	"spec":      true,
	"design":    true,
	"coding":    true,
	"test":      true,
	"review":    true,
	"executor":  true,
	"planner":   true,
	"designer":  true,
	"validator": true,
}

// JobProgress is the counters embedded in job_status_changed events (spec §4.4).
type JobProgress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Running    int     `json:"running"`
	Pending    int     `json:"pending"`
	Percentage float64 `json:"percentage"`
}

// ProgressSummary is an optional, human-oriented companion to JobProgress
// (§12 supplemented feature): a plain-language description plus a
// linear-rate ETA derived from elapsed time and tasks finished so far.
// The ETA field is omitted when there isn't enough signal yet to estimate
// a rate.
type ProgressSummary struct {
	Description               string  `json:"description"`
	ElapsedSeconds            float64 `json:"elapsed_seconds"`
	EstimatedRemainingSeconds float64 `json:"estimated_remaining_seconds,omitempty"`
}

// PlannedTask is one entry of the planner's output, prior to id minting
// (spec §4.4). Dependencies reference other entries by index, or already
// resolved by id.
type PlannedTask struct {
	AgentType    string   `json:"agent_type"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies"`
	UseTDD       bool     `json:"use_tdd"`
}

// PlannerResult is the structured decision of a planner-type agent.
type PlannerResult struct {
	Features                 []PlannedFeature  `json:"features"`
	ProjectType               string            `json:"project_type"`
	TechnicalRequirements     []string          `json:"technical_requirements"`
	NonFunctionalRequirements []string          `json:"non_functional_requirements"`
	Tasks                     []PlannedTask     `json:"tasks"`
}

// PlannedFeature is one feature entry inside a planner's structured result
// (spec §6).
type PlannedFeature struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Components   []string `json:"components"`
	TestCriteria []string `json:"test_criteria"`
	Complexity   string   `json:"complexity"`
	Dependencies []string `json:"dependencies"`
}
