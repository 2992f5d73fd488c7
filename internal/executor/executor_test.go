package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codenerd-orchestrator/internal/coordination"
	"codenerd-orchestrator/internal/store"
	"codenerd-orchestrator/internal/tdd"
	"codenerd-orchestrator/internal/types"
)

// testRig bundles an Executor with its store and coordination plane for
// exercising dispatch end to end against an in-memory SQLite store.
type testRig struct {
	exec      *Executor
	store     store.Store
	discovery *coordination.Discovery
	health    *coordination.HealthMonitor
	router    *coordination.Router
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	health := coordination.NewHealthMonitor(st, coordination.HealthConfig{}, nil)
	discovery := coordination.NewDiscovery(st, health, coordination.DiscoveryConfig{}, nil)
	breakers := coordination.NewCircuitBreakers(5, time.Minute)
	router := coordination.NewRouter(st, discovery, health, breakers, nil, coordination.StrategyHealthAware, nil)
	tddEngine := tdd.NewEngine(st)

	exec := New(st, router, health, tddEngine, nil, nil)
	return &testRig{exec: exec, store: st, discovery: discovery, health: health, router: router}
}

func (r *testRig) registerAgent(t *testing.T, id, agentType string, caps []string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.discovery.Register(ctx, types.AgentRegistration{
		ID: id, Type: agentType, Capabilities: caps, MaxConcurrentTasks: 5,
	}))
	require.NoError(t, r.health.Heartbeat(ctx, id))
}

func TestCreateJobEnqueuesPlannerTask(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "planner-1", "planner", nil)
	ctx := context.Background()

	job, err := rig.exec.CreateJob(ctx, "build a todo app", types.PriorityNormal, nil, false)
	require.NoError(t, err)
	require.Equal(t, types.JobPlanning, job.Status)
	require.Len(t, job.TaskIDs, 1)

	task, ok, err := rig.exec.GetTask(ctx, job.TaskIDs[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.TaskQueued, task.Status)
	require.Equal(t, "planner-1", task.AssignedAgent)
}

func TestCreateJobFailsPlanTaskWhenNoPlannerAvailable(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	job, err := rig.exec.CreateJob(ctx, "build a todo app", "", nil, false)
	require.NoError(t, err)

	task, ok, err := rig.exec.GetTask(ctx, job.TaskIDs[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.TaskFailed, task.Status)
}

func TestCreateJobWithExpandRequirementsRunsExpanderBeforePlanner(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "expander-1", "requirements_expander", nil)
	rig.registerAgent(t, "planner-1", "planner", nil)
	ctx := context.Background()

	job, err := rig.exec.CreateJob(ctx, "terse request", "", nil, true)
	require.NoError(t, err)
	require.Len(t, job.TaskIDs, 1)

	expandTask, ok, err := rig.exec.GetTask(ctx, job.TaskIDs[0])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "requirements_expander", expandTask.AgentType)
	require.Equal(t, types.TaskQueued, expandTask.Status)

	require.NoError(t, rig.exec.CompleteTask(ctx, expandTask.ID, map[string]any{
		"expanded_description": "a much more detailed requirements document",
	}))

	updatedJob, ok, err := rig.exec.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, updatedJob.TaskIDs, 2)

	planTask, ok, err := rig.exec.GetTask(ctx, updatedJob.TaskIDs[1])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "planner", planTask.AgentType)
	require.Equal(t, "a much more detailed requirements document", planTask.Description)
	require.Equal(t, types.TaskQueued, planTask.Status)
	require.Equal(t, "planner-1", planTask.AssignedAgent)
}

func TestProcessPlannerResultBuildsDAGAndEnqueuesReadyTasks(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "planner-1", "planner", nil)
	rig.registerAgent(t, "coder-1", "coding", nil)
	rig.registerAgent(t, "reviewer-1", "review", nil)
	ctx := context.Background()

	job, err := rig.exec.CreateJob(ctx, "build a todo app", "", nil, false)
	require.NoError(t, err)

	planned := []types.PlannedTask{
		{AgentType: "coding", Description: "write the handler"},
		{AgentType: "review", Description: "review the handler", Dependencies: []string{"0"}},
	}
	require.NoError(t, rig.exec.ProcessPlannerResult(ctx, job.ID, planned))

	taskIDs, err := rig.exec.JobTaskIDs(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, taskIDs, 3) // planner task + 2 planned tasks

	updatedJob, ok, err := rig.exec.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.JobRunning, updatedJob.Status)
}

func TestProcessPlannerResultRejectsCycle(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "planner-1", "planner", nil)
	ctx := context.Background()

	job, err := rig.exec.CreateJob(ctx, "build a todo app", "", nil, false)
	require.NoError(t, err)

	planned := []types.PlannedTask{
		{AgentType: "coding", Description: "a", Dependencies: []string{"1"}},
		{AgentType: "coding", Description: "b", Dependencies: []string{"0"}},
	}
	require.NoError(t, rig.exec.ProcessPlannerResult(ctx, job.ID, planned))

	updatedJob, ok, err := rig.exec.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.JobFailed, updatedJob.Status)
	require.Equal(t, types.ErrPlanCycle, updatedJob.FailReason)
}

func TestCompleteTaskEnqueuesReadyDependent(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "planner-1", "planner", nil)
	rig.registerAgent(t, "coder-1", "coding", nil)
	rig.registerAgent(t, "reviewer-1", "review", nil)
	ctx := context.Background()

	job, err := rig.exec.CreateJob(ctx, "build a todo app", "", nil, false)
	require.NoError(t, err)
	planned := []types.PlannedTask{
		{AgentType: "coding", Description: "write the handler"},
		{AgentType: "review", Description: "review the handler", Dependencies: []string{"0"}},
	}
	require.NoError(t, rig.exec.ProcessPlannerResult(ctx, job.ID, planned))

	taskIDs, err := rig.exec.JobTaskIDs(ctx, job.ID)
	require.NoError(t, err)

	var codingTaskID, reviewTaskID string
	for _, id := range taskIDs {
		task, _, _ := rig.exec.GetTask(ctx, id)
		switch task.AgentType {
		case "coding":
			codingTaskID = id
		case "review":
			reviewTaskID = id
		}
	}
	require.NotEmpty(t, codingTaskID)
	require.NotEmpty(t, reviewTaskID)

	reviewTask, _, _ := rig.exec.GetTask(ctx, reviewTaskID)
	require.Equal(t, types.TaskPending, reviewTask.Status)

	require.NoError(t, rig.exec.StartTask(ctx, codingTaskID))
	require.NoError(t, rig.exec.CompleteTask(ctx, codingTaskID, map[string]any{"ok": true}))

	reviewTask, _, _ = rig.exec.GetTask(ctx, reviewTaskID)
	require.Equal(t, types.TaskQueued, reviewTask.Status)
	require.Equal(t, "reviewer-1", reviewTask.AssignedAgent)
}

// TestFailTaskTripsCircuitBreakerOnRealOutcomes exercises the real
// task-failure path end to end: FailTask (not a manual breaker call)
// must be what opens the breaker, so that an agent selected for one task
// but repeatedly failing its actual work stops being routed to.
func TestFailTaskTripsCircuitBreakerOnRealOutcomes(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "planner-1", "planner", nil)
	rig.registerAgent(t, "coder-1", "coding", nil)
	ctx := context.Background()

	job, err := rig.exec.CreateJob(ctx, "build a todo app", "", nil, false)
	require.NoError(t, err)

	planned := make([]types.PlannedTask, 5)
	for i := range planned {
		planned[i] = types.PlannedTask{AgentType: "coding", Description: "task"}
	}
	require.NoError(t, rig.exec.ProcessPlannerResult(ctx, job.ID, planned))

	taskIDs, err := rig.exec.JobTaskIDs(ctx, job.ID)
	require.NoError(t, err)
	var codingIDs []string
	for _, id := range taskIDs {
		task, _, _ := rig.exec.GetTask(ctx, id)
		if task.AgentType == "coding" {
			codingIDs = append(codingIDs, id)
		}
	}
	require.Len(t, codingIDs, 5)
	for _, id := range codingIDs {
		task, _, _ := rig.exec.GetTask(ctx, id)
		require.Equal(t, "coder-1", task.AssignedAgent, "the only registered coding agent must have been assigned")
		require.NoError(t, rig.exec.FailTask(ctx, id, types.ErrAgentError, "simulated task failure"))
	}

	// 5 real, distinct task failures against the same agent reach the
	// default consecutive-failure threshold: a 6th routing attempt for
	// coding, with coder-1 the only candidate, must now be refused.
	res := rig.router.Route(ctx, coordination.RouteRequest{TaskID: "t-refused", TaskType: "coding"}, "")
	require.False(t, res.Success)
	require.Equal(t, "no_candidates", res.Reason)
}

func TestJobCompletesWhenAllTasksComplete(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "planner-1", "planner", nil)
	rig.registerAgent(t, "coder-1", "coding", nil)
	ctx := context.Background()

	job, err := rig.exec.CreateJob(ctx, "build a todo app", "", nil, false)
	require.NoError(t, err)

	// Drive the planner task through the real completion path: its
	// structured result is translated into the DAG before the
	// job-completion check runs.
	plannerTaskID := job.TaskIDs[0]
	require.NoError(t, rig.exec.StartTask(ctx, plannerTaskID))
	require.NoError(t, rig.exec.CompleteTask(ctx, plannerTaskID, map[string]any{
		"tasks": []map[string]any{
			{"agent_type": "coding", "description": "write the handler"},
		},
	}))

	taskIDs, err := rig.exec.JobTaskIDs(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, taskIDs, 2)
	var codingTaskID string
	for _, id := range taskIDs {
		task, _, _ := rig.exec.GetTask(ctx, id)
		if task.AgentType == "coding" {
			codingTaskID = id
		}
	}

	require.NoError(t, rig.exec.StartTask(ctx, codingTaskID))
	require.NoError(t, rig.exec.CompleteTask(ctx, codingTaskID, map[string]any{"ok": true}))

	updatedJob, ok, err := rig.exec.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.JobCompleted, updatedJob.Status)
}

func TestJobFailsWhenAnyTaskFails(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "planner-1", "planner", nil)
	rig.registerAgent(t, "coder-1", "coding", nil)
	ctx := context.Background()

	job, err := rig.exec.CreateJob(ctx, "build a todo app", "", nil, false)
	require.NoError(t, err)
	require.NoError(t, rig.exec.ProcessPlannerResult(ctx, job.ID, []types.PlannedTask{
		{AgentType: "coding", Description: "write the handler"},
	}))

	taskIDs, err := rig.exec.JobTaskIDs(ctx, job.ID)
	require.NoError(t, err)
	var codingTaskID string
	for _, id := range taskIDs {
		task, _, _ := rig.exec.GetTask(ctx, id)
		if task.AgentType == "coding" {
			codingTaskID = id
		}
	}

	require.NoError(t, rig.exec.FailTask(ctx, codingTaskID, types.ErrAgentError, "boom"))

	updatedJob, ok, err := rig.exec.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.JobFailed, updatedJob.Status)
}

func TestCancelJobMarksJobCanceledAndStopsDispatch(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "planner-1", "planner", nil)
	rig.registerAgent(t, "coder-1", "coding", nil)
	rig.registerAgent(t, "reviewer-1", "review", nil)
	ctx := context.Background()

	job, err := rig.exec.CreateJob(ctx, "cancel me", "", nil, false)
	require.NoError(t, err)
	require.NoError(t, rig.exec.ProcessPlannerResult(ctx, job.ID, []types.PlannedTask{
		{AgentType: "coding", Description: "write the handler"},
		{AgentType: "review", Description: "review the handler", Dependencies: []string{"0"}},
	}))

	canceled, ok, err := rig.exec.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.JobCanceled, canceled.Status)

	// Canceling again is a no-op on an absorbed terminal state.
	again, ok, err := rig.exec.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.JobCanceled, again.Status)

	// Completing the in-flight coding task must not enqueue its dependent:
	// the job is terminal, so the review task stays PENDING.
	taskIDs, err := rig.exec.JobTaskIDs(ctx, job.ID)
	require.NoError(t, err)
	var codingTaskID, reviewTaskID string
	for _, id := range taskIDs {
		task, _, _ := rig.exec.GetTask(ctx, id)
		switch task.AgentType {
		case "coding":
			codingTaskID = id
		case "review":
			reviewTaskID = id
		}
	}
	require.NoError(t, rig.exec.StartTask(ctx, codingTaskID))
	require.NoError(t, rig.exec.CompleteTask(ctx, codingTaskID, map[string]any{"ok": true}))

	reviewTask, _, _ := rig.exec.GetTask(ctx, reviewTaskID)
	require.Equal(t, types.TaskPending, reviewTask.Status)

	finalJob, _, _ := rig.exec.GetJob(ctx, job.ID)
	require.Equal(t, types.JobCanceled, finalJob.Status)
}

func TestCancelJobUnknownJob(t *testing.T) {
	rig := newTestRig(t)
	_, ok, err := rig.exec.CancelJob(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSweepTimeoutsFailsOverdueTask(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "planner-1", "planner", nil)
	rig.registerAgent(t, "coder-1", "coding", nil)
	ctx := context.Background()

	job, err := rig.exec.CreateJob(ctx, "slow task", "", nil, false)
	require.NoError(t, err)
	require.NoError(t, rig.exec.ProcessPlannerResult(ctx, job.ID, []types.PlannedTask{
		{AgentType: "coding", Description: "never finishes"},
	}))

	taskIDs, err := rig.exec.JobTaskIDs(ctx, job.ID)
	require.NoError(t, err)
	var codingTaskID string
	for _, id := range taskIDs {
		task, _, _ := rig.exec.GetTask(ctx, id)
		if task.AgentType == "coding" {
			codingTaskID = id
		}
	}
	require.NoError(t, rig.exec.StartTask(ctx, codingTaskID))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, rig.exec.sweepTimeoutsOnce(ctx, 10*time.Millisecond))

	task, ok, err := rig.exec.GetTask(ctx, codingTaskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.TaskFailed, task.Status)
	require.Equal(t, types.ErrTimeout, task.Error.Category)
}

func TestSweepTimeoutsLeavesFreshTasksAlone(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "planner-1", "planner", nil)
	rig.registerAgent(t, "coder-1", "coding", nil)
	ctx := context.Background()

	job, err := rig.exec.CreateJob(ctx, "fast task", "", nil, false)
	require.NoError(t, err)
	require.NoError(t, rig.exec.ProcessPlannerResult(ctx, job.ID, []types.PlannedTask{
		{AgentType: "coding", Description: "in progress"},
	}))

	require.NoError(t, rig.exec.sweepTimeoutsOnce(ctx, time.Hour))

	taskIDs, err := rig.exec.JobTaskIDs(ctx, job.ID)
	require.NoError(t, err)
	for _, id := range taskIDs {
		task, _, _ := rig.exec.GetTask(ctx, id)
		if task.AgentType == "coding" {
			require.Equal(t, types.TaskQueued, task.Status)
		}
	}
}

func TestEnqueueIsNoOpForNonPendingTask(t *testing.T) {
	rig := newTestRig(t)
	rig.registerAgent(t, "planner-1", "planner", nil)
	rig.registerAgent(t, "coder-1", "coding", nil)
	ctx := context.Background()

	job, err := rig.exec.CreateJob(ctx, "x", "", nil, false)
	require.NoError(t, err)
	require.NoError(t, rig.exec.ProcessPlannerResult(ctx, job.ID, []types.PlannedTask{
		{AgentType: "coding", Description: "y"},
	}))

	taskIDs, err := rig.exec.JobTaskIDs(ctx, job.ID)
	require.NoError(t, err)
	var codingTaskID string
	for _, id := range taskIDs {
		task, _, _ := rig.exec.GetTask(ctx, id)
		if task.AgentType == "coding" {
			codingTaskID = id
		}
	}
	before, _, err := rig.exec.GetTask(ctx, codingTaskID)
	require.NoError(t, err)

	require.NoError(t, rig.exec.Enqueue(ctx, codingTaskID))
	after, _, err := rig.exec.GetTask(ctx, codingTaskID)
	require.NoError(t, err)
	require.Equal(t, before.AssignedAgent, after.AssignedAgent)
}
