package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codenerd-orchestrator/internal/coordination"
	"codenerd-orchestrator/internal/store"
	"codenerd-orchestrator/internal/streamname"
	"codenerd-orchestrator/internal/tdd"
	"codenerd-orchestrator/internal/types"
)

// Executor is the job/task DAG driver (spec §4.4). It receives explicit
// references to its collaborators rather than reaching for module-level
// globals (spec §9's "recast as explicit construction").
type Executor struct {
	store        store.Store
	router       *coordination.Router
	health       *coordination.HealthMonitor
	tddEngine    *tdd.Engine
	vectorMemory store.VectorMemory // optional; nil or disabled is always safe
	logger       *zap.Logger

	resultCursor int64 // last task-results stream id consumed by RunResultConsumer
}

// New constructs an Executor. vectorMemory may be nil; a nil or disabled
// collaborator simply means planning tasks get no related-context hint.
func New(st store.Store, router *coordination.Router, health *coordination.HealthMonitor, tddEngine *tdd.Engine, vectorMemory store.VectorMemory, logger *zap.Logger) *Executor {
	return &Executor{store: st, router: router, health: health, tddEngine: tddEngine, vectorMemory: vectorMemory, logger: logger}
}

// CreateJob persists a PLANNING job and enqueues its first task (spec
// §4.4). When expandRequirements is set, that first task is a
// requirements_expander task rather than the planner directly: its
// completion (handled in handleRequirementsExpansionCompletion) replaces
// the job's description with the expander's elaborated output before the
// planner task is created (§12 supplemented feature, grounded on the
// original's requirements_expander.py). Omitted, job creation behaves
// exactly as spec.md §4.4 describes.
func (e *Executor) CreateJob(ctx context.Context, userRequest string, priority types.Priority, tags []string, expandRequirements bool) (*types.Job, error) {
	if priority == "" {
		priority = types.PriorityNormal
	}
	now := time.Now()
	job := &types.Job{
		ID:          uuid.NewString(),
		UserRequest: userRequest,
		Status:      types.JobPlanning,
		Priority:    priority,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	description := userRequest
	if related := e.relatedContext(ctx, userRequest); related != "" {
		description = userRequest + "\n\nRelated context from prior jobs:\n" + related
	}

	firstTask := &types.Task{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		AgentType:   "planner",
		Status:      types.TaskPending,
		Description: description,
		CreatedAt:   now,
	}
	if expandRequirements {
		firstTask.AgentType = "requirements_expander"
	}
	job.TaskIDs = []string{firstTask.ID}

	if err := e.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if err := e.saveTask(ctx, firstTask); err != nil {
		return nil, err
	}
	if err := e.store.AddToSet(ctx, store.JobTasksKey(job.ID), firstTask.ID); err != nil {
		return nil, err
	}
	if err := e.store.AddToSet(ctx, store.TasksByAgentTypeKey(firstTask.AgentType), firstTask.ID); err != nil {
		return nil, err
	}
	if err := e.store.AddToSet(ctx, store.TasksByStatusKey(string(types.TaskPending)), firstTask.ID); err != nil {
		return nil, err
	}

	if err := e.Enqueue(ctx, firstTask.ID); err != nil {
		return nil, err
	}

	e.indexJobContext(ctx, job.ID, userRequest)
	return job, nil
}

// addPlannerTask creates and enqueues the planner task for an already
// persisted job on the post-expansion path
// (handleRequirementsExpansionCompletion); CreateJob builds its own first
// task inline.
func (e *Executor) addPlannerTask(ctx context.Context, job *types.Job, description string) error {
	planTask := &types.Task{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		AgentType:   "planner",
		Status:      types.TaskPending,
		Description: description,
		CreatedAt:   time.Now(),
	}
	job.TaskIDs = append(job.TaskIDs, planTask.ID)
	if err := e.saveJob(ctx, job); err != nil {
		return err
	}
	if err := e.saveTask(ctx, planTask); err != nil {
		return err
	}
	if err := e.store.AddToSet(ctx, store.JobTasksKey(job.ID), planTask.ID); err != nil {
		return err
	}
	if err := e.store.AddToSet(ctx, store.TasksByAgentTypeKey(planTask.AgentType), planTask.ID); err != nil {
		return err
	}
	if err := e.store.AddToSet(ctx, store.TasksByStatusKey(string(types.TaskPending)), planTask.ID); err != nil {
		return err
	}
	return e.Enqueue(ctx, planTask.ID)
}

// ProcessPlannerResult translates a completed planner task's structured
// output into a task DAG, saves the tasks, and enqueues every task whose
// dependency set is empty (spec §4.4). On translation failure the job is
// marked FAILED with the reason carried by the PlanError.
func (e *Executor) ProcessPlannerResult(ctx context.Context, jobID string, planned []types.PlannedTask) error {
	tasks, err := planToTasks(jobID, planned)
	if err != nil {
		reason := types.ErrInternal
		if pe, ok := err.(*PlanError); ok {
			reason = pe.Reason
		}
		return e.failJob(ctx, jobID, reason)
	}

	job, ok, err := e.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("processPlannerResult: unknown job %s", jobID)
	}
	// A plan landing after the job already reached a terminal state is
	// stale: terminal states are absorbing (spec §3), so drop it.
	if job.Status.IsTerminal() {
		return nil
	}

	for _, t := range tasks {
		t.CreatedAt = time.Now()
		if err := e.saveTask(ctx, t); err != nil {
			return err
		}
		job.TaskIDs = append(job.TaskIDs, t.ID)
		if err := e.store.AddToSet(ctx, store.JobTasksKey(jobID), t.ID); err != nil {
			return err
		}
		if err := e.store.AddToSet(ctx, store.TasksByAgentTypeKey(t.AgentType), t.ID); err != nil {
			return err
		}
		if err := e.store.AddToSet(ctx, store.TasksByStatusKey(string(types.TaskPending)), t.ID); err != nil {
			return err
		}
		for _, dep := range t.Dependencies {
			if err := e.store.AddToSet(ctx, store.TaskDependentsKey(dep), t.ID); err != nil {
				return err
			}
			if err := e.store.AddToSet(ctx, store.TaskDependenciesKey(t.ID), dep); err != nil {
				return err
			}
		}
	}

	if err := e.moveJobStatus(ctx, job, types.JobRunning); err != nil {
		return err
	}
	if err := e.emitJobStatusChanged(ctx, job); err != nil {
		return err
	}

	for _, t := range tasks {
		if len(t.Dependencies) == 0 {
			if err := e.Enqueue(ctx, t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkJobCompletion implements the spec §4.4 job-completion rule: any
// FAILED task fails the job; all-COMPLETED completes it; otherwise the
// job is left unchanged.
func (e *Executor) checkJobCompletion(ctx context.Context, jobID string) error {
	job, ok, err := e.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok || job.Status.IsTerminal() {
		return nil
	}

	taskIDs, err := e.store.Members(ctx, store.JobTasksKey(jobID))
	if err != nil {
		return fmt.Errorf("list job tasks %s: %w", jobID, err)
	}

	var progress types.JobProgress
	progress.Total = len(taskIDs)
	anyFailed := false
	for _, id := range taskIDs {
		t, ok, err := e.loadTask(ctx, id)
		if err != nil || !ok {
			continue
		}
		switch t.Status {
		case types.TaskCompleted:
			progress.Completed++
		case types.TaskFailed:
			progress.Failed++
			anyFailed = true
		case types.TaskRunning:
			progress.Running++
		case types.TaskPending, types.TaskQueued:
			progress.Pending++
		}
	}
	if progress.Total > 0 {
		progress.Percentage = float64(progress.Completed+progress.Failed) / float64(progress.Total) * 100
	}

	var newStatus types.JobStatus
	switch {
	case anyFailed:
		newStatus = types.JobFailed
	case progress.Total > 0 && progress.Completed == progress.Total:
		newStatus = types.JobCompleted
	default:
		return nil
	}

	if err := e.moveJobStatus(ctx, job, newStatus); err != nil {
		return err
	}
	return e.emitJobStatusChangedWithProgress(ctx, job, progress)
}

func (e *Executor) failJob(ctx context.Context, jobID, reason string) error {
	job, ok, err := e.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("failJob: unknown job %s", jobID)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.FailReason = reason
	if err := e.moveJobStatus(ctx, job, types.JobFailed); err != nil {
		return err
	}
	return e.emitJobStatusChanged(ctx, job)
}

func (e *Executor) emitJobStatusChanged(ctx context.Context, job *types.Job) error {
	return e.emitJobStatusChangedWithProgress(ctx, job, types.JobProgress{})
}

func (e *Executor) emitJobStatusChangedWithProgress(ctx context.Context, job *types.Job, progress types.JobProgress) error {
	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	summaryJSON, err := json.Marshal(progressSummary(job, progress))
	if err != nil {
		return fmt.Errorf("marshal progress summary: %w", err)
	}
	fields := store.Fields{
		"event_type":       "job_status_changed",
		"job_id":           job.ID,
		"status":           string(job.Status),
		"progress":         string(progressJSON),
		"progress_summary": string(summaryJSON),
		"timestamp":        time.Now().Format(time.RFC3339Nano),
	}
	if _, err := e.store.Append(ctx, store.StreamGlobalJobEvents, fields); err != nil {
		return fmt.Errorf("emit job_status_changed (global): %w", err)
	}
	if _, err := e.store.Append(ctx, store.JobStream(job.ID), fields); err != nil {
		return fmt.Errorf("emit job_status_changed (per-job): %w", err)
	}
	return nil
}

// progressSummary derives a plain-language description and a linear-rate
// ETA from progress and the job's age (§12 supplemented feature, grounded
// on the original's progress_monitor.py). The rate is finished-tasks per
// elapsed-second; with no finished tasks yet there's nothing to project
// from, so the ETA field is left zero (omitted by its `omitempty` tag).
func progressSummary(job *types.Job, progress types.JobProgress) types.ProgressSummary {
	elapsed := time.Since(job.CreatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	summary := types.ProgressSummary{
		Description:    fmt.Sprintf("%d/%d tasks finished", progress.Completed+progress.Failed, progress.Total),
		ElapsedSeconds: elapsed,
	}

	finished := progress.Completed + progress.Failed
	remaining := progress.Total - finished
	if finished > 0 && remaining > 0 && elapsed > 0 {
		rate := float64(finished) / elapsed
		summary.EstimatedRemainingSeconds = float64(remaining) / rate
	}
	return summary
}

func (e *Executor) loadJob(ctx context.Context, jobID string) (*types.Job, bool, error) {
	fields, ok, err := e.store.Get(ctx, store.JobKey(jobID))
	if err != nil {
		return nil, false, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !ok {
		return nil, false, nil
	}
	var job types.Job
	if err := json.Unmarshal([]byte(fields["blob"]), &job); err != nil {
		return nil, false, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, true, nil
}

func (e *Executor) saveJob(ctx context.Context, job *types.Job) error {
	job.UpdatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := e.store.Put(ctx, store.JobKey(job.ID), store.Fields{"blob": string(data)}); err != nil {
		return err
	}
	if err := e.store.AddToSet(ctx, store.JobsAllKey(), job.ID); err != nil {
		return err
	}
	return e.store.AddToSet(ctx, store.JobsByStatusKey(string(job.Status)), job.ID)
}

func (e *Executor) loadTask(ctx context.Context, taskID string) (*types.Task, bool, error) {
	fields, ok, err := e.store.Get(ctx, store.TaskKey(taskID))
	if err != nil {
		return nil, false, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if !ok {
		return nil, false, nil
	}
	var t types.Task
	if err := json.Unmarshal([]byte(fields["blob"]), &t); err != nil {
		return nil, false, fmt.Errorf("unmarshal task %s: %w", taskID, err)
	}
	return &t, true, nil
}

func (e *Executor) saveTask(ctx context.Context, t *types.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return e.store.Put(ctx, store.TaskKey(t.ID), store.Fields{"blob": string(data)})
}

// moveTaskStatus transitions a task to newStatus, updating the
// tasks-by-status index (spec §4's index maintenance discipline).
func (e *Executor) moveTaskStatus(ctx context.Context, t *types.Task, newStatus types.TaskStatus) error {
	old := t.Status
	t.Status = newStatus
	if err := e.saveTask(ctx, t); err != nil {
		return err
	}
	if err := e.store.RemoveFromSet(ctx, store.TasksByStatusKey(string(old)), t.ID); err != nil {
		return err
	}
	return e.store.AddToSet(ctx, store.TasksByStatusKey(string(newStatus)), t.ID)
}

// moveJobStatus transitions job to newStatus, updating the
// jobs-by-status index the same way moveTaskStatus does for tasks.
func (e *Executor) moveJobStatus(ctx context.Context, job *types.Job, newStatus types.JobStatus) error {
	old := job.Status
	job.Status = newStatus
	if err := e.saveJob(ctx, job); err != nil {
		return err
	}
	return e.store.RemoveFromSet(ctx, store.JobsByStatusKey(string(old)), job.ID)
}

// CancelJob marks a non-terminal job CANCELED (spec §3: terminal states
// are absorbing, so canceling a COMPLETED or FAILED job is a no-op).
// PENDING tasks of a canceled job are never dispatched, because Enqueue
// returns early for a terminal job; in-flight tasks run to their own
// terminal state and are retained for auditability.
func (e *Executor) CancelJob(ctx context.Context, jobID string) (*types.Job, bool, error) {
	job, ok, err := e.loadJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	if job.Status.IsTerminal() {
		return job, true, nil
	}
	if err := e.moveJobStatus(ctx, job, types.JobCanceled); err != nil {
		return nil, false, err
	}
	if err := e.emitJobStatusChanged(ctx, job); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// GetJob returns a job snapshot for HTTP/streaming consumers.
func (e *Executor) GetJob(ctx context.Context, jobID string) (*types.Job, bool, error) {
	return e.loadJob(ctx, jobID)
}

// GetTask returns a task snapshot for HTTP/streaming consumers.
func (e *Executor) GetTask(ctx context.Context, taskID string) (*types.Task, bool, error) {
	return e.loadTask(ctx, taskID)
}

// JobTaskIDs returns the ordered task id set persisted for jobID.
func (e *Executor) JobTaskIDs(ctx context.Context, jobID string) ([]string, error) {
	return e.store.Members(ctx, store.JobTasksKey(jobID))
}

// ListJobIDs returns every known job id, for the paged job-listing HTTP
// endpoint.
func (e *Executor) ListJobIDs(ctx context.Context) ([]string, error) {
	return e.store.Members(ctx, store.JobsAllKey())
}

// streamForAgentType exposes the canonical naming rule for callers
// constructing agent dispatch payloads (spec §9: one canonical naming
// rule per environment).
func streamForAgentType(agentType string) string {
	return streamname.ForAgentType(agentType)
}
