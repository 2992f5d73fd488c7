package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"codenerd-orchestrator/internal/store"
	"codenerd-orchestrator/internal/tdd"
	"codenerd-orchestrator/internal/types"
)

// maxImplementRetries bounds how many implement/run-tests-final cycles a
// single feature may go through before the task is failed; it is also
// passed as the retry policy's MaxRetries and caps review rejections. It
// is a fixed constant, independent of NewRetryPolicy's own default of 3.
const maxImplementRetries = 5

// TDD sub-step names carried in a task-results entry's tdd_step field and
// echoed back as the next dispatched step (spec §4.4 "TDD-aware tasks").
const (
	stepTestsWritten   = "tests_written"
	stepTestsRunInit   = "tests_run_initial"
	stepImplemented    = "implemented"
	stepTestsRunFinal  = "tests_run_final"
	stepReview         = "review"
)

// advanceTDD drives one step of the write-tests -> run-tests-initial ->
// implement -> run-tests-final -> review cycle for a coding task with
// use_tdd=true (spec §4.4). The task stays RUNNING across every sub-step;
// it only reaches COMPLETED when the underlying feature reaches GREEN.
func (e *Executor) advanceTDD(ctx context.Context, t *types.Task, step string, fields store.Fields) error {
	if t.FeatureID == "" {
		f, err := e.tddEngine.NewFeature(ctx, uuid.NewString(), t.JobID, t.ID, taskTitle(t), t.Description)
		if err != nil {
			return fmt.Errorf("start feature for task %s: %w", t.ID, err)
		}
		t.FeatureID = f.ID
		if err := e.saveTask(ctx, t); err != nil {
			return err
		}
	}

	switch step {
	case stepTestsWritten:
		fileCount, _ := strconv.Atoi(fields["test_file_count"])
		funcCount, _ := strconv.Atoi(fields["test_func_count"])
		if _, err := e.tddEngine.WriteTests(ctx, t.FeatureID, fileCount, funcCount); err != nil {
			return err
		}
		return e.dispatchTDDStep(ctx, t, stepTestsRunInit, "")

	case stepTestsRunInit:
		if err := e.recordTestRun(ctx, t.FeatureID, fields); err != nil {
			return err
		}
		return e.dispatchTDDStep(ctx, t, stepImplemented, "")

	case stepImplemented:
		// Nothing from this step is persisted; enterYellow takes the
		// implementation summary from the run-tests-final result that
		// confirms a clean pass.
		return e.dispatchTDDStep(ctx, t, stepTestsRunFinal, "")

	case stepTestsRunFinal:
		return e.handleTestsRunFinal(ctx, t, fields)

	case stepReview:
		return e.handleReview(ctx, t, fields)

	default:
		return fmt.Errorf("unknown tdd step %q for task %s", step, t.ID)
	}
}

func (e *Executor) recordTestRun(ctx context.Context, featureID string, fields store.Fields) error {
	f, ok, err := e.tddEngine.Load(ctx, featureID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("record test run: unknown feature %s", featureID)
	}
	attempt := len(f.TestRuns) + 1
	passed, _ := strconv.Atoi(fields["passed"])
	failed, _ := strconv.Atoi(fields["failed"])
	execMs, _ := strconv.Atoi(fields["exec_time_ms"])
	if _, err := e.tddEngine.RunTestsInitial(ctx, featureID, attempt, passed, failed, time.Duration(execMs)*time.Millisecond); err != nil {
		return err
	}
	if raw, ok := fields["failing_tests"]; ok && raw != "" {
		var failing []string
		if err := json.Unmarshal([]byte(raw), &failing); err == nil {
			if _, err := e.tddEngine.RecordFailingTests(ctx, featureID, failing); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Executor) handleTestsRunFinal(ctx context.Context, t *types.Task, fields store.Fields) error {
	if err := e.recordTestRun(ctx, t.FeatureID, fields); err != nil {
		return err
	}
	f, ok, err := e.tddEngine.Load(ctx, t.FeatureID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tests_run_final: unknown feature %s", t.FeatureID)
	}
	last := f.TestRuns[len(f.TestRuns)-1]

	if last.Failed > 0 {
		if f.ImplementAttempts >= maxImplementRetries {
			return e.FailTask(ctx, t.ID, types.ErrAgentError,
				fmt.Sprintf("tdd retries exhausted for feature %s after %d implement attempts", f.ID, f.ImplementAttempts))
		}
		failure := tdd.Failure{
			Category: tdd.CategoryTestFailure,
			Message:  fields["summary"],
		}
		if raw, ok := fields["test_outputs"]; ok && raw != "" {
			_ = json.Unmarshal([]byte(raw), &failure.TestOutputs)
		}
		f, err = e.tddEngine.RecordImplementFailure(ctx, t.FeatureID, failure.Message)
		if err != nil {
			return err
		}
		retry := tdd.NewRetryPolicy(maxImplementRetries, 2)
		if n := len(f.FailureMessages); n > 1 {
			retry.SeedHistory(f.FailureMessages[:n-1], tdd.CategoryTestFailure)
		}
		// ImplementAttempts now counts this failure too; the prior-attempt
		// count is what shouldRetry's attempt argument means.
		if !retry.ShouldRetry(failure, f.ImplementAttempts-1) {
			return e.FailTask(ctx, t.ID, types.ErrAgentError,
				fmt.Sprintf("tdd retries exhausted for feature %s: %s", f.ID, failure.Message))
		}
		hints := tdd.DeriveHints(failure)
		prompt := tdd.RetryPrompt(failure, hints, tdd.Summarize(f.TestRuns))
		return e.dispatchTDDStep(ctx, t, stepImplemented, prompt)
	}

	if _, err := e.tddEngine.EnterYellow(ctx, t.FeatureID, fields["implementation_summary"]); err != nil {
		return err
	}
	return e.dispatchTDDStep(ctx, t, stepReview, "")
}

func (e *Executor) handleReview(ctx context.Context, t *types.Task, fields store.Fields) error {
	approved := fields["approved"] == "true"
	f, err := e.tddEngine.ReviewResult(ctx, t.FeatureID, approved, fields["feedback"])
	if err != nil {
		return err
	}
	if !approved {
		if f.ReviewAttempts >= maxImplementRetries {
			return e.FailTask(ctx, t.ID, types.ErrAgentError,
				fmt.Sprintf("feature %s rejected after %d review attempts", f.ID, f.ReviewAttempts))
		}
		return e.dispatchTDDStep(ctx, t, stepImplemented, "")
	}

	f, err = e.tddEngine.EnterGreen(ctx, t.FeatureID)
	if err != nil {
		return err
	}
	return e.CompleteTask(ctx, t.ID, map[string]any{"feature_id": f.ID, "phase": string(f.Phase)})
}

// dispatchTDDStep re-appends a work item for the next sub-step to the
// task's already-assigned agent, without re-routing: every sub-step of
// one feature's cycle is handled by the same agent instance (spec §4.4
// describes the sequence as one composite task, not five independent
// routing decisions).
func (e *Executor) dispatchTDDStep(ctx context.Context, t *types.Task, step, retryPrompt string) error {
	payload := map[string]any{
		"task_id":     t.ID,
		"job_id":      t.JobID,
		"agent_type":  t.AgentType,
		"description": t.Description,
		"metadata": map[string]any{
			"use_tdd":      true,
			"tdd_step":     step,
			"feature_id":   t.FeatureID,
			"retry_prompt": retryPrompt,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal tdd dispatch payload for %s: %w", t.ID, err)
	}
	_, err = e.store.Append(ctx, streamForAgentType(t.AgentType), store.Fields{
		"task_id": t.ID,
		"agent":   t.AssignedAgent,
		"payload": string(body),
	})
	if err != nil {
		return fmt.Errorf("append tdd dispatch work item: %w", err)
	}
	return nil
}

func taskTitle(t *types.Task) string {
	if len(t.Description) <= 80 {
		return t.Description
	}
	return t.Description[:80]
}
