package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"codenerd-orchestrator/internal/store"
	"codenerd-orchestrator/internal/types"
)

// RunResultConsumer is the spec §5 "per-job executor driver" loop: it
// tails the task-results stream agents append their outcomes to and
// drives the task state machine (StartTask/CompleteTask/FailTask, or the
// TDD sub-step sequence) from whatever it finds. Scheduled with an
// `@every` cron spec, the same way the coordination plane schedules its
// background loops.
func (e *Executor) RunResultConsumer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := e.consumeResultsOnce(ctx); err != nil && e.logger != nil {
			e.logger.Warn("consume task results failed", zap.Error(err))
		}
	})
	if err != nil {
		if e.logger != nil {
			e.logger.Error("schedule task-result consumer failed", zap.Error(err))
		}
		return
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func (e *Executor) consumeResultsOnce(ctx context.Context) error {
	entries, err := e.store.ReadFrom(ctx, store.StreamTaskResults, e.resultCursor, 500, 0)
	if err != nil {
		return fmt.Errorf("read task results: %w", err)
	}
	for _, entry := range entries {
		e.resultCursor = entry.ID
		if err := e.handleResultEntry(ctx, entry.Fields); err != nil && e.logger != nil {
			e.logger.Warn("handle task result failed",
				zap.String("task_id", entry.Fields["task_id"]), zap.Error(err))
		}
	}
	return nil
}

// handleResultEntry interprets one agent-reported outcome (spec §6's
// agent protocol response, carried over the results stream rather than a
// direct call since the core never calls an agent collaborator directly).
func (e *Executor) handleResultEntry(ctx context.Context, fields store.Fields) error {
	taskID := fields["task_id"]
	if taskID == "" {
		return nil
	}
	switch fields["event"] {
	case "started":
		return e.StartTask(ctx, taskID)
	case "failed":
		category := fields["error_category"]
		if category == "" {
			category = types.ErrAgentError
		}
		return e.FailTask(ctx, taskID, category, fields["error_message"])
	case "completed":
		t, ok, err := e.loadTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !ok || t.Status.IsTerminal() {
			return nil
		}
		if t.UseTDD && t.AgentType == "coding" {
			return e.advanceTDD(ctx, t, fields["tdd_step"], fields)
		}
		return e.CompleteTask(ctx, taskID, decodeResultPayload(fields))
	default:
		return nil
	}
}

// RunTimeoutWatchdog fails tasks that have sat QUEUED or RUNNING past
// taskTimeout without reaching a terminal state (spec §5: "Agent
// invocations receive a per-task deadline; on deadline expiry, the task
// is marked FAILED with category timeout"). Scheduled like the other
// background loops.
func (e *Executor) RunTimeoutWatchdog(ctx context.Context, interval, taskTimeout time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if taskTimeout <= 0 {
		taskTimeout = 300 * time.Second
	}
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := e.sweepTimeoutsOnce(ctx, taskTimeout); err != nil && e.logger != nil {
			e.logger.Warn("sweep task timeouts failed", zap.Error(err))
		}
	})
	if err != nil {
		if e.logger != nil {
			e.logger.Error("schedule timeout watchdog failed", zap.Error(err))
		}
		return
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

func (e *Executor) sweepTimeoutsOnce(ctx context.Context, taskTimeout time.Duration) error {
	for _, status := range []types.TaskStatus{types.TaskQueued, types.TaskRunning} {
		ids, err := e.store.Members(ctx, store.TasksByStatusKey(string(status)))
		if err != nil {
			return fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, id := range ids {
			t, ok, err := e.loadTask(ctx, id)
			if err != nil || !ok || t.Status != status {
				continue
			}
			since := t.StartedAt
			if t.Status == types.TaskQueued {
				since = t.QueuedAt
			}
			if since.IsZero() || time.Since(since) <= taskTimeout {
				continue
			}
			if err := e.FailTask(ctx, id, types.ErrTimeout,
				fmt.Sprintf("no terminal result within %s", taskTimeout)); err != nil && e.logger != nil {
				e.logger.Warn("fail timed-out task failed", zap.String("task_id", id), zap.Error(err))
			}
		}
	}
	return nil
}

func decodeResultPayload(fields store.Fields) map[string]any {
	raw, ok := fields["result"]
	if !ok || raw == "" {
		return map[string]any{"output": fields["output"]}
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return map[string]any{"output": raw}
	}
	return result
}
