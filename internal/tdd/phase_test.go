package tdd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"codenerd-orchestrator/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewEngine(st)
}

func TestNewFeatureStartsRed(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	f, err := e.NewFeature(ctx, "f1", "j1", "t1", "widget", "build a widget")
	require.NoError(t, err)
	require.Equal(t, PhaseRed, f.Phase)
	require.Empty(t, f.Transitions)
}

func TestFullCycleToComplete(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.NewFeature(ctx, "f1", "j1", "t1", "widget", "build a widget")
	require.NoError(t, err)

	_, err = e.WriteTests(ctx, "f1", 1, 3)
	require.NoError(t, err)

	_, err = e.RunTestsInitial(ctx, "f1", 1, 0, 3, time.Second)
	require.NoError(t, err)

	_, err = e.RunTestsInitial(ctx, "f1", 2, 3, 0, time.Second)
	require.NoError(t, err)

	f, err := e.EnterYellow(ctx, "f1", "implemented the widget")
	require.NoError(t, err)
	require.Equal(t, PhaseYellow, f.Phase)

	f, err = e.ReviewResult(ctx, "f1", true, "")
	require.NoError(t, err)
	require.Equal(t, PhaseGreen, f.Phase)
	require.Equal(t, 1, f.ReviewAttempts)

	f, err = e.EnterGreen(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, PhaseComplete, f.Phase)
}

func TestEnterYellowRejectsDirtyTestRun(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.NewFeature(ctx, "f1", "j1", "t1", "widget", "build a widget")
	require.NoError(t, err)
	_, err = e.RunTestsInitial(ctx, "f1", 1, 0, 2, time.Second)
	require.NoError(t, err)

	_, err = e.EnterYellow(ctx, "f1", "")
	require.Error(t, err)
}

func TestReviewRejectionReturnsToRedAndKeepsFeedback(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.NewFeature(ctx, "f1", "j1", "t1", "widget", "build a widget")
	require.NoError(t, err)
	_, err = e.RunTestsInitial(ctx, "f1", 1, 3, 0, time.Second)
	require.NoError(t, err)
	_, err = e.EnterYellow(ctx, "f1", "first pass")
	require.NoError(t, err)

	f, err := e.ReviewResult(ctx, "f1", false, "missing edge case handling")
	require.NoError(t, err)
	require.Equal(t, PhaseRed, f.Phase)
	require.Equal(t, []string{"missing edge case handling"}, f.PreviousFeedback)
}

func TestReentryToYellowIncrementsTestFixIterations(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.NewFeature(ctx, "f1", "j1", "t1", "widget", "build a widget")
	require.NoError(t, err)
	_, err = e.RunTestsInitial(ctx, "f1", 1, 3, 0, time.Second)
	require.NoError(t, err)
	f, err := e.EnterYellow(ctx, "f1", "first pass")
	require.NoError(t, err)
	require.Equal(t, 0, f.TestFixIterations)

	_, err = e.ReviewResult(ctx, "f1", false, "nope")
	require.NoError(t, err)

	_, err = e.RunTestsInitial(ctx, "f1", 2, 3, 0, time.Second)
	require.NoError(t, err)
	f, err = e.EnterYellow(ctx, "f1", "second pass")
	require.NoError(t, err)
	require.Equal(t, 1, f.TestFixIterations)
}

func TestRecordFailingTestsAccumulatesPersistentFails(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.NewFeature(ctx, "f1", "j1", "t1", "widget", "build a widget")
	require.NoError(t, err)

	f, err := e.RecordFailingTests(ctx, "f1", []string{"TestAdd", "TestSub"})
	require.NoError(t, err)
	require.Equal(t, []string{"TestAdd", "TestSub"}, f.FailingTests)
	require.Empty(t, f.PersistentFails)

	// TestSub fails again in the next run: it becomes persistent. TestAdd
	// recovered and drops out of the failing set.
	f, err = e.RecordFailingTests(ctx, "f1", []string{"TestSub"})
	require.NoError(t, err)
	require.Equal(t, []string{"TestSub"}, f.FailingTests)
	require.Equal(t, []string{"TestSub"}, f.PersistentFails)
}

func TestRecordImplementFailureKeepsRollingWindow(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.NewFeature(ctx, "f1", "j1", "t1", "widget", "build a widget")
	require.NoError(t, err)

	var f *Feature
	for _, msg := range []string{"one", "two", "three", "four"} {
		f, err = e.RecordImplementFailure(ctx, "f1", msg)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"two", "three", "four"}, f.FailureMessages)
	require.Equal(t, 4, f.ImplementAttempts)

	// A clean pass ends the cycle and resets the attempt counter.
	_, err = e.RunTestsInitial(ctx, "f1", 1, 2, 0, time.Second)
	require.NoError(t, err)
	f, err = e.EnterYellow(ctx, "f1", "finally clean")
	require.NoError(t, err)
	require.Equal(t, 0, f.ImplementAttempts)
}

func TestTransitionFromCompleteIsRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.NewFeature(ctx, "f1", "j1", "t1", "widget", "build a widget")
	require.NoError(t, err)
	_, err = e.RunTestsInitial(ctx, "f1", 1, 3, 0, time.Second)
	require.NoError(t, err)
	_, err = e.EnterYellow(ctx, "f1", "pass")
	require.NoError(t, err)
	_, err = e.ReviewResult(ctx, "f1", true, "")
	require.NoError(t, err)
	_, err = e.EnterGreen(ctx, "f1")
	require.NoError(t, err)

	_, err = e.EnterYellow(ctx, "f1", "oops")
	require.Error(t, err)
}
