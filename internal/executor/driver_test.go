package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"codenerd-orchestrator/internal/store"
	"codenerd-orchestrator/internal/types"
)

func TestConsumeResultsOnceAdvancesCursorAndAppliesEvents(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	rig.registerAgent(t, "planner-1", "planner", nil)
	rig.registerAgent(t, "coder-1", "coding", nil)

	job, err := rig.exec.CreateJob(ctx, "drive me", "", nil, false)
	require.NoError(t, err)
	require.NoError(t, rig.exec.ProcessPlannerResult(ctx, job.ID, []types.PlannedTask{
		{AgentType: "coding", Description: "plain task"},
	}))
	taskIDs, err := rig.exec.JobTaskIDs(ctx, job.ID)
	require.NoError(t, err)
	var taskID string
	for _, id := range taskIDs {
		task, _, _ := rig.exec.GetTask(ctx, id)
		if task.AgentType == "coding" {
			taskID = id
		}
	}

	_, err = rig.store.Append(ctx, store.StreamTaskResults, store.Fields{"task_id": taskID, "event": "started"})
	require.NoError(t, err)
	_, err = rig.store.Append(ctx, store.StreamTaskResults, store.Fields{
		"task_id": taskID, "event": "completed", "result": `{"output":"ok"}`,
	})
	require.NoError(t, err)

	require.NoError(t, rig.exec.consumeResultsOnce(ctx))

	task, ok, err := rig.exec.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.TaskCompleted, task.Status)
	require.NotZero(t, rig.exec.resultCursor)

	// A second pass with no new entries is a no-op.
	cursorBefore := rig.exec.resultCursor
	require.NoError(t, rig.exec.consumeResultsOnce(ctx))
	require.Equal(t, cursorBefore, rig.exec.resultCursor)
}

func TestHandleResultEntryIgnoresUnknownEvent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	require.NoError(t, rig.exec.handleResultEntry(ctx, store.Fields{"task_id": "nonexistent", "event": "pinged"}))
}

func TestHandleResultEntryIgnoresEmptyTaskID(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	require.NoError(t, rig.exec.handleResultEntry(ctx, store.Fields{"event": "started"}))
}
