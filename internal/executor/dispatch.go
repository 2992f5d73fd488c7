package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codenerd-orchestrator/internal/coordination"
	"codenerd-orchestrator/internal/store"
	"codenerd-orchestrator/internal/types"
)

// Enqueue transitions a PENDING task to QUEUED, routes it through the
// coordination plane, and appends a work item to the agent's canonical
// input stream (spec §4.4 "Dispatch"). Enqueueing a task that is not
// PENDING is a no-op (spec §8 idempotence law).
func (e *Executor) Enqueue(ctx context.Context, taskID string) error {
	t, ok, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok || t.Status != types.TaskPending {
		return nil
	}

	priority := types.PriorityNormal
	if job, ok, err := e.loadJob(ctx, t.JobID); err == nil && ok {
		// A canceled (or otherwise terminal) job dispatches nothing
		// further; its remaining PENDING tasks stay PENDING for audit.
		if job.Status.IsTerminal() {
			return nil
		}
		if job.Priority != "" {
			priority = job.Priority
		}
	}
	req := coordination.RouteRequest{
		TaskID:   t.ID,
		TaskType: t.AgentType,
		Priority: priority,
		Timeout:  30 * time.Second,
	}
	result := e.router.RouteWithRetry(ctx, req)
	if !result.Success {
		return e.FailTask(ctx, taskID, result.Reason, fmt.Sprintf("routing failed after %d attempts", result.Attempts))
	}

	t.QueuedAt = time.Now()
	t.AssignedAgent = result.AgentID
	if err := e.moveTaskStatus(ctx, t, types.TaskQueued); err != nil {
		return err
	}

	metadata := map[string]any{"use_tdd": t.UseTDD}
	if t.UseTDD && t.AgentType == "coding" {
		metadata["tdd_step"] = stepTestsWritten
	}
	payload := map[string]any{
		"task_id":               t.ID,
		"job_id":                t.JobID,
		"agent_type":            t.AgentType,
		"description":           t.Description,
		"required_capabilities": req.RequiredCapabilities,
		"metadata":              metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal dispatch payload for %s: %w", t.ID, err)
	}

	if _, err := e.store.Append(ctx, streamForAgentType(t.AgentType), store.Fields{
		"task_id": t.ID,
		"agent":   result.AgentID,
		"payload": string(body),
	}); err != nil {
		return fmt.Errorf("append dispatch work item: %w", err)
	}

	if err := e.health.RecordTaskStart(ctx, result.AgentID, t.ID); err != nil {
		return err
	}

	return e.emitTaskStatusChanged(ctx, t)
}

// StartTask transitions a QUEUED task to RUNNING, recording the
// transition's timestamp monotonically (spec §4.4 "Execution", §5
// ordering guarantee).
func (e *Executor) StartTask(ctx context.Context, taskID string) error {
	t, ok, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok || t.Status != types.TaskQueued {
		return nil
	}
	t.StartedAt = time.Now()
	if err := e.moveTaskStatus(ctx, t, types.TaskRunning); err != nil {
		return err
	}
	return e.emitTaskStatusChanged(ctx, t)
}

// CompleteTask records a successful result, advances the dependents'
// readiness, and runs the job-completion check (spec §4.4 "Execution").
func (e *Executor) CompleteTask(ctx context.Context, taskID string, result map[string]any) error {
	t, ok, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok || t.Status.IsTerminal() {
		return nil
	}

	t.Result = result
	t.CompletedAt = time.Now()
	if err := e.moveTaskStatus(ctx, t, types.TaskCompleted); err != nil {
		return err
	}

	if err := e.health.RecordTaskCompletion(ctx, t.AssignedAgent, t.ID, true, nil); err != nil {
		return err
	}
	if e.router != nil {
		e.router.RecordOutcome(t.AssignedAgent, true)
	}
	if err := e.emitTaskStatusChanged(ctx, t); err != nil {
		return err
	}
	if err := e.emitTaskCompleted(ctx, t); err != nil {
		return err
	}

	if t.AgentType == "planner" {
		if err := e.handlePlannerCompletion(ctx, t); err != nil {
			return err
		}
	}
	if t.AgentType == "requirements_expander" {
		if err := e.handleRequirementsExpansionCompletion(ctx, t); err != nil {
			return err
		}
	}

	if err := e.enqueueReadyDependents(ctx, t.ID); err != nil {
		return err
	}
	return e.checkJobCompletion(ctx, t.JobID)
}

// FailTask records a failure, classified per spec §4.4's error taxonomy,
// and runs the job-completion check.
func (e *Executor) FailTask(ctx context.Context, taskID, category, message string) error {
	t, ok, err := e.loadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok || t.Status.IsTerminal() {
		return nil
	}

	t.Error = &types.TaskError{Category: category, Message: message}
	t.CompletedAt = time.Now()
	if err := e.moveTaskStatus(ctx, t, types.TaskFailed); err != nil {
		return err
	}

	if t.AssignedAgent != "" {
		if err := e.health.RecordTaskCompletion(ctx, t.AssignedAgent, t.ID, false, fmt.Errorf("%s: %s", category, message)); err != nil {
			return err
		}
		if e.router != nil {
			e.router.RecordOutcome(t.AssignedAgent, false)
		}
	}
	if err := e.emitTaskStatusChanged(ctx, t); err != nil {
		return err
	}
	if err := e.emitTaskFailed(ctx, t); err != nil {
		return err
	}

	return e.checkJobCompletion(ctx, t.JobID)
}

// enqueueReadyDependents walks T's dependents via the reverse set index
// and enqueues any that became ready (spec §4.4 "Ready-set discipline").
func (e *Executor) enqueueReadyDependents(ctx context.Context, taskID string) error {
	dependents, err := e.store.Members(ctx, store.TaskDependentsKey(taskID))
	if err != nil {
		return fmt.Errorf("list dependents of %s: %w", taskID, err)
	}
	for _, depID := range dependents {
		dep, ok, err := e.loadTask(ctx, depID)
		if err != nil || !ok {
			continue
		}
		if dep.Status != types.TaskPending {
			continue
		}
		allDone, err := e.dependenciesCompleted(ctx, dep)
		if err != nil {
			return err
		}
		if allDone {
			if err := e.Enqueue(ctx, dep.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) dependenciesCompleted(ctx context.Context, t *types.Task) (bool, error) {
	for _, depID := range t.Dependencies {
		dep, ok, err := e.loadTask(ctx, depID)
		if err != nil {
			return false, err
		}
		if !ok || dep.Status != types.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// handlePlannerCompletion decodes the planner's structured result and
// drives plan translation (spec §4.4 "Planning -> DAG").
func (e *Executor) handlePlannerCompletion(ctx context.Context, planTask *types.Task) error {
	raw, ok := planTask.Result["tasks"]
	if !ok {
		// No task list: nothing further to schedule; treat as a
		// planning-only job and leave completion to fall through the
		// normal all-tasks-completed rule.
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("re-marshal planner tasks: %w", err)
	}
	var planned []types.PlannedTask
	if err := json.Unmarshal(data, &planned); err != nil {
		return fmt.Errorf("decode planner tasks: %w", err)
	}
	return e.ProcessPlannerResult(ctx, planTask.JobID, planned)
}

// handleRequirementsExpansionCompletion takes a requirements_expander
// task's elaborated output and creates the planner task from it (§12
// supplemented feature). A missing or empty expansion falls back to the
// task's original description rather than blocking the job.
func (e *Executor) handleRequirementsExpansionCompletion(ctx context.Context, expandTask *types.Task) error {
	job, ok, err := e.loadJob(ctx, expandTask.JobID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("handleRequirementsExpansionCompletion: unknown job %s", expandTask.JobID)
	}

	description := expandTask.Description
	if expanded, ok := expandTask.Result["expanded_description"].(string); ok && expanded != "" {
		description = expanded
	}
	return e.addPlannerTask(ctx, job, description)
}

func (e *Executor) emitTaskStatusChanged(ctx context.Context, t *types.Task) error {
	fields := store.Fields{
		"event_type": "task_status_changed",
		"task_id":    t.ID,
		"job_id":     t.JobID,
		"status":     string(t.Status),
		"timestamp":  time.Now().Format(time.RFC3339Nano),
	}
	_, err := e.store.Append(ctx, store.JobStream(t.JobID), fields)
	return err
}

func (e *Executor) emitTaskCompleted(ctx context.Context, t *types.Task) error {
	resultJSON, err := json.Marshal(t.Result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	_, err = e.store.Append(ctx, store.JobStream(t.JobID), store.Fields{
		"event_type": "task_completed",
		"task_id":    t.ID,
		"job_id":     t.JobID,
		"result":     string(resultJSON),
		"timestamp":  time.Now().Format(time.RFC3339Nano),
	})
	return err
}

func (e *Executor) emitTaskFailed(ctx context.Context, t *types.Task) error {
	_, err := e.store.Append(ctx, store.JobStream(t.JobID), store.Fields{
		"event_type": "task_failed",
		"task_id":    t.ID,
		"job_id":     t.JobID,
		"category":   t.Error.Category,
		"message":    t.Error.Message,
		"timestamp":  time.Now().Format(time.RFC3339Nano),
	})
	return err
}
