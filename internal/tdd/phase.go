// Package tdd implements the per-feature TDD phase state machine (spec
// §4.3): RED -> YELLOW -> GREEN/RED -> COMPLETE, with phase-duration
// metrics, a transition log, and the retry/hint machinery feeding failed
// RED iterations. Grounded on the teacher's internal/campaign/
// orchestrator_phases.go (phase/task tracking) generalized from Mangle
// phase facts to an explicit Go state machine, cross-checked against
// Flagship's tdd_orchestrator/phase_manager.py for the edge semantics.
package tdd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"codenerd-orchestrator/internal/store"
)

// Phase is one state of the per-feature machine (spec §3, §4.3).
type Phase string

const (
	PhaseRed      Phase = "RED"
	PhaseYellow   Phase = "YELLOW"
	PhaseGreen    Phase = "GREEN"
	PhaseComplete Phase = "COMPLETE"
)

// Transition is one recorded (from, to, timestamp) edge (spec §3).
type Transition struct {
	From      Phase     `json:"from"`
	To        Phase     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// TestRunRecord is one attempt's outcome (spec §3's "test-execution
// history").
type TestRunRecord struct {
	Attempt  int           `json:"attempt"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	ExecTime time.Duration `json:"exec_time"`
	At       time.Time     `json:"at"`
}

// Feature is the TDD unit inside a coding task (spec §3).
type Feature struct {
	ID          string `json:"id"`
	JobID       string `json:"job_id"`
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description"`

	Phase Phase `json:"phase"`

	Transitions    []Transition            `json:"transitions"`
	PhaseDurations map[Phase]time.Duration `json:"phase_durations"`
	PhaseEnteredAt time.Time               `json:"phase_entered_at"`

	TestFixIterations int `json:"test_fix_iterations"`
	ReviewAttempts    int `json:"review_attempts"`

	// ImplementAttempts counts failed implement/run-tests-final rounds
	// within the current RED cycle; unlike TestFixIterations it advances
	// on every failed final run, so it can bound the retry loop even
	// before the feature has ever reached YELLOW. Reset when a clean pass
	// ends the cycle.
	ImplementAttempts int `json:"implement_attempts,omitempty"`

	TestsWritten     bool `json:"tests_written"`
	TestFileCount    int  `json:"test_file_count"`
	TestFuncCount    int  `json:"test_func_count"`

	TestRuns []TestRunRecord `json:"test_runs"`

	FailingTests    []string `json:"failing_tests"`
	PersistentFails []string `json:"persistent_fails"`

	// FailureMessages is the rolling window (last three) of implement
	// attempt failures, persisted so stagnation detection spans separately
	// constructed retry policies.
	FailureMessages []string `json:"failure_messages,omitempty"`

	PreviousFeedback []string `json:"previous_feedback"`

	ImplementationSummary string `json:"implementation_summary"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Engine drives Feature state transitions and persists them through the
// state store (C3 is the sole owner of feature records, spec §3).
type Engine struct {
	store store.Store
}

// NewEngine constructs an Engine bound to st.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// legalEdges is the transition table enforced by every operation below
// (spec §4.3 diagram).
var legalEdges = map[Phase][]Phase{
	PhaseRed:    {PhaseYellow},
	PhaseYellow: {PhaseGreen, PhaseRed},
	PhaseGreen:  {PhaseComplete},
}

func isLegal(from, to Phase) bool {
	for _, t := range legalEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// NewFeature creates and persists a feature in its initial RED phase
// (spec §4.3: "Initial phase is RED").
func (e *Engine) NewFeature(ctx context.Context, id, jobID, taskID, title, description string) (*Feature, error) {
	now := time.Now()
	f := &Feature{
		ID:             id,
		JobID:          jobID,
		TaskID:         taskID,
		Title:          title,
		Description:    description,
		Phase:          PhaseRed,
		PhaseDurations: make(map[Phase]time.Duration),
		PhaseEnteredAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return f, e.save(ctx, f)
}

// Load returns the persisted feature record for id.
func (e *Engine) Load(ctx context.Context, id string) (*Feature, bool, error) {
	fields, ok, err := e.store.Get(ctx, store.FeatureKey(id))
	if err != nil {
		return nil, false, fmt.Errorf("load feature %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	var f Feature
	if err := json.Unmarshal([]byte(fields["blob"]), &f); err != nil {
		return nil, false, fmt.Errorf("unmarshal feature %s: %w", id, err)
	}
	if f.PhaseDurations == nil {
		f.PhaseDurations = make(map[Phase]time.Duration)
	}
	return &f, true, nil
}

func (e *Engine) save(ctx context.Context, f *Feature) error {
	f.UpdatedAt = time.Now()
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal feature %s: %w", f.ID, err)
	}
	return e.store.Put(ctx, store.FeatureKey(f.ID), store.Fields{
		"blob":  string(data),
		"phase": string(f.Phase),
	})
}

// transition validates and applies a (from, to) edge: closes the previous
// phase's timer, opens the new one, and appends to the transition log
// (spec §4.3 (a)-(c)).
func (f *Feature) transition(to Phase) error {
	from := f.Phase
	if from == PhaseComplete {
		return fmt.Errorf("feature %s is COMPLETE, no further transitions", f.ID)
	}
	if !isLegal(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}

	now := time.Now()
	if !f.PhaseEnteredAt.IsZero() {
		f.PhaseDurations[from] += now.Sub(f.PhaseEnteredAt)
	}
	f.Transitions = append(f.Transitions, Transition{From: from, To: to, Timestamp: now})
	f.Phase = to
	f.PhaseEnteredAt = now
	return nil
}

// EnterRed transitions to RED, either as the initial state (handled by
// NewFeature) or after a review rejection (spec §4.3).
func (e *Engine) EnterRed(ctx context.Context, id string) (*Feature, error) {
	f, ok, err := e.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("enterRed: unknown feature %s", id)
	}
	if f.Phase == PhaseYellow {
		if err := f.transition(PhaseRed); err != nil {
			return nil, err
		}
	}
	return f, e.save(ctx, f)
}

// WriteTests records test artifact counts and marks TestsWritten
// (spec §4.3).
func (e *Engine) WriteTests(ctx context.Context, id string, fileCount, funcCount int) (*Feature, error) {
	f, ok, err := e.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("writeTests: unknown feature %s", id)
	}
	f.TestFileCount = fileCount
	f.TestFuncCount = funcCount
	f.TestsWritten = true
	return f, e.save(ctx, f)
}

// RunTestsInitial records one test-execution attempt's result (spec §4.3).
// The canonical RED flow observes failed > 0 at least once; callers feeding
// a clean pass on attempt 1 are recorded as-is (not rejected here — the
// invariant is a property checked at the scenario level, per spec §8 S4).
func (e *Engine) RunTestsInitial(ctx context.Context, id string, attempt, passed, failed int, execTime time.Duration) (*Feature, error) {
	f, ok, err := e.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("runTestsInitial: unknown feature %s", id)
	}
	f.TestRuns = append(f.TestRuns, TestRunRecord{
		Attempt:  attempt,
		Passed:   passed,
		Failed:   failed,
		ExecTime: execTime,
		At:       time.Now(),
	})
	return f, e.save(ctx, f)
}

// RecordFailingTests replaces the failing-test set with the latest run's
// failures and accumulates tests failing in consecutive runs into the
// persistent-failure set.
func (e *Engine) RecordFailingTests(ctx context.Context, id string, failing []string) (*Feature, error) {
	f, ok, err := e.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("recordFailingTests: unknown feature %s", id)
	}
	prev := f.FailingTests
	f.FailingTests = failing
	for _, name := range failing {
		if containsName(prev, name) && !containsName(f.PersistentFails, name) {
			f.PersistentFails = append(f.PersistentFails, name)
		}
	}
	return f, e.save(ctx, f)
}

// RecordImplementFailure appends message to the feature's rolling failure
// window.
func (e *Engine) RecordImplementFailure(ctx context.Context, id, message string) (*Feature, error) {
	f, ok, err := e.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("recordImplementFailure: unknown feature %s", id)
	}
	f.ImplementAttempts++
	f.FailureMessages = append(f.FailureMessages, message)
	if len(f.FailureMessages) > 3 {
		f.FailureMessages = f.FailureMessages[len(f.FailureMessages)-3:]
	}
	return f, e.save(ctx, f)
}

func containsName(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// EnterYellow transitions RED->YELLOW. Only permitted when the last
// recorded test run has failed=0 (spec §4.3). Re-entering YELLOW from RED
// (i.e. this is not the feature's first RED->YELLOW) increments
// TestFixIterations.
func (e *Engine) EnterYellow(ctx context.Context, id, implementationSummary string) (*Feature, error) {
	f, ok, err := e.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("enterYellow: unknown feature %s", id)
	}
	if len(f.TestRuns) == 0 || f.TestRuns[len(f.TestRuns)-1].Failed != 0 {
		return nil, fmt.Errorf("enterYellow: last test run for %s did not pass clean", id)
	}

	reentry := hasRedToYellow(f.Transitions)
	if err := f.transition(PhaseYellow); err != nil {
		return nil, err
	}
	if reentry {
		f.TestFixIterations++
	}
	f.ImplementAttempts = 0
	f.ImplementationSummary = implementationSummary
	return f, e.save(ctx, f)
}

func hasRedToYellow(transitions []Transition) bool {
	for _, t := range transitions {
		if t.From == PhaseRed && t.To == PhaseYellow {
			return true
		}
	}
	return false
}

// ReviewResult records a reviewer decision: approved transitions to GREEN
// and clears YELLOW context; rejected transitions back to RED and
// preserves feedback for the next cycle (spec §4.3).
func (e *Engine) ReviewResult(ctx context.Context, id string, approved bool, feedback string) (*Feature, error) {
	f, ok, err := e.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("reviewResult: unknown feature %s", id)
	}

	f.ReviewAttempts++
	if approved {
		if err := f.transition(PhaseGreen); err != nil {
			return nil, err
		}
		// Clear the YELLOW context; the accumulated feedback history is
		// kept on the record for audit.
		f.ImplementationSummary = ""
	} else {
		if feedback != "" {
			f.PreviousFeedback = append(f.PreviousFeedback, feedback)
		}
		if err := f.transition(PhaseRed); err != nil {
			return nil, err
		}
	}
	return f, e.save(ctx, f)
}

// EnterGreen completes the feature's cycle: GREEN -> COMPLETE
// (spec §4.3: "terminal-for-cycle").
func (e *Engine) EnterGreen(ctx context.Context, id string) (*Feature, error) {
	f, ok, err := e.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("enterGreen: unknown feature %s", id)
	}
	if err := f.transition(PhaseComplete); err != nil {
		return nil, err
	}
	return f, e.save(ctx, f)
}
