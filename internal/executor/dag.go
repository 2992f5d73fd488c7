// Package executor implements the Job/Task Executor (spec §4.4): plan
// translation, the task DAG's ready-set discipline, dispatch through the
// coordination plane, and the job-completion rule. Grounded on the
// teacher's internal/campaign/orchestrator.go /
// orchestrator_execution.go / orchestrator_tasks.go (dependency sets as
// task:T:dependents, idempotent enqueue) and decomposer.go (plan -> task
// translation), cross-checked against the original's
// src/orchestrator/main.py enqueue_task.
package executor

import (
	"fmt"

	"github.com/google/uuid"

	"codenerd-orchestrator/internal/types"
)

// planToTasks translates a planner's task list into concrete Task records
// with minted ids and resolved dependency ids (spec §4.4). Dependencies
// that are plain integers (as strings) are interpreted as indices into the
// planned list; anything else is assumed to already be a resolved id
// (unsupported here since a fresh plan never references pre-existing
// ids — kept for forward compatibility with replanning).
func planToTasks(jobID string, planned []types.PlannedTask) ([]*types.Task, error) {
	ids := make([]string, len(planned))
	for i := range planned {
		ids[i] = uuid.NewString()
	}

	tasks := make([]*types.Task, len(planned))
	for i, p := range planned {
		if !types.KnownAgentTypes[p.AgentType] {
			return nil, &PlanError{Reason: types.ErrPlanUnknownAgent, Detail: p.AgentType}
		}

		deps := make([]string, 0, len(p.Dependencies))
		for _, d := range p.Dependencies {
			idx, err := indexOf(d, len(planned))
			if err == nil {
				deps = append(deps, ids[idx])
				continue
			}
			deps = append(deps, d)
		}

		tasks[i] = &types.Task{
			ID:           ids[i],
			JobID:        jobID,
			AgentType:    p.AgentType,
			Status:       types.TaskPending,
			Description:  p.Description,
			Dependencies: deps,
			UseTDD:       p.UseTDD,
		}
	}

	if err := detectCycle(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// indexOf parses d as a plain integer index, returning an error if it is
// not (in which case the caller treats d as a resolved id).
func indexOf(d string, n int) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(d, "%d", &idx); err != nil {
		return 0, err
	}
	if idx < 0 || idx >= n {
		return 0, fmt.Errorf("dependency index %d out of range", idx)
	}
	return idx, nil
}

// detectCycle runs a DFS over the dependency graph and rejects any cycle
// (spec §4.4: "cycles are rejected").
func detectCycle(tasks []*types.Task) error {
	byID := make(map[string]*types.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return &PlanError{Reason: types.ErrPlanCycle, Detail: id}
		}
		state[id] = visiting
		if t, ok := byID[id]; ok {
			for _, dep := range t.Dependencies {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		state[id] = done
		return nil
	}

	for _, t := range tasks {
		if err := visit(t.ID); err != nil {
			return err
		}
	}
	return nil
}

// PlanError is returned when plan translation fails, carrying the
// spec §4.4 reason code that becomes the job's FAILED reason.
type PlanError struct {
	Reason string
	Detail string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}
