package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kkpan11/ipyflow/internal/cells"
	"github.com/kkpan11/ipyflow/internal/ctxlog"
	"github.com/kkpan11/ipyflow/internal/session"
)

// fakeRunner records dispatches and lets tests fake the in-flight count.
type fakeRunner struct {
	batches  [][]cells.ID
	inflight int
	err      error
}

func (f *fakeRunner) ExecuteSequence(_ context.Context, batch []cells.Cell) error {
	ids := make([]cells.ID, len(batch))
	for i, c := range batch {
		ids[i] = c.ID
	}
	f.batches = append(f.batches, ids)
	return f.err
}

func (f *fakeRunner) InFlight() int { return f.inflight }

func (f *fakeRunner) dispatched() []cells.ID {
	var all []cells.ID
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ctxlog.WithLogger(context.Background(), logger)
}

func intp(n int) *int { return &n }

func doc(t *testing.T, list ...cells.Cell) *cells.Document {
	t.Helper()
	d, err := cells.NewDocument(list)
	require.NoError(t, err)
	return d
}

func codeCell(id cells.ID, counter *int) cells.Cell {
	return cells.Cell{ID: id, Kind: cells.Code, Counter: counter}
}

func TestStep_IncrementalDispatchesExactlyOneCell(t *testing.T) {
	t.Parallel()
	nb := doc(t, codeCell("a", nil), codeCell("b", nil))
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)

	out, err := sched.Step(testCtx(t), st, &Response{
		Settings:   map[string]string{"exec_mode": "reactive", "reactivity_mode": "incremental"},
		ReadyCells: []cells.ID{"a", "b"},
	})

	require.NoError(t, err)
	require.Len(t, out.Dispatched, 1, "incremental policy must dispatch at most one cell")
	assert.Equal(t, cells.ID("a"), out.Dispatched[0])
	assert.Equal(t, cells.ID("a"), st.PendingCell)
	assert.Equal(t, cells.ID("a"), st.ActiveCell)
	assert.Equal(t, session.PhaseExecuting, st.Phase)
	assert.True(t, st.IsReactivelyExecuting)
}

func TestStep_InOrderPicksFirstEncounteredNotLowestOrdinal(t *testing.T) {
	t.Parallel()
	// Six cells at ordinals 0..5; the kernel announces readiness for the
	// cells at ordinals 2, 5 and 1 in that order.
	nb := doc(t,
		codeCell("c0", nil), codeCell("c1", nil), codeCell("c2", nil),
		codeCell("c3", nil), codeCell("c4", nil), codeCell("c5", nil),
	)
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)

	out, err := sched.Step(testCtx(t), st, &Response{
		Settings:   map[string]string{"exec_mode": "reactive", "reactivity_mode": "incremental"},
		FlowOrder:  "in_order",
		ReadyCells: []cells.ID{"c2", "c5", "c1"},
	})

	require.NoError(t, err)
	require.Len(t, out.Dispatched, 1)
	assert.Equal(t, cells.ID("c2"), out.Dispatched[0],
		"in-order flow takes the first candidate as announced, not the lowest ordinal")
}

func TestStep_StrictScheduleAlsoTakesFirstEncountered(t *testing.T) {
	t.Parallel()
	nb := doc(t, codeCell("a", intp(9)), codeCell("b", intp(1)))
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)

	out, err := sched.Step(testCtx(t), st, &Response{
		Settings:     map[string]string{"exec_mode": "reactive", "reactivity_mode": "incremental"},
		ExecSchedule: "strict",
		ReadyCells:   []cells.ID{"a", "b"},
	})

	require.NoError(t, err)
	require.Len(t, out.Dispatched, 1)
	assert.Equal(t, cells.ID("a"), out.Dispatched[0],
		"strict scheduling must not fall through to the counter tie-break")
}

func TestStep_LowestCounterWinsWithoutOrderingConstraints(t *testing.T) {
	t.Parallel()
	nb := doc(t, codeCell("five", intp(5)), codeCell("three", intp(3)))
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)

	out, err := sched.Step(testCtx(t), st, &Response{
		Settings:   map[string]string{"exec_mode": "reactive", "reactivity_mode": "incremental"},
		ReadyCells: []cells.ID{"five", "three"},
	})

	require.NoError(t, err)
	require.Len(t, out.Dispatched, 1)
	assert.Equal(t, cells.ID("three"), out.Dispatched[0])
}

func TestStep_NeverExecutedCellDoesNotDisplaceChosenCandidate(t *testing.T) {
	t.Parallel()
	nb := doc(t, codeCell("ran", intp(5)), codeCell("fresh", nil))
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)

	out, err := sched.Step(testCtx(t), st, &Response{
		Settings:   map[string]string{"exec_mode": "reactive", "reactivity_mode": "incremental"},
		ReadyCells: []cells.ID{"ran", "fresh"},
	})

	require.NoError(t, err)
	require.Len(t, out.Dispatched, 1)
	assert.Equal(t, cells.ID("ran"), out.Dispatched[0],
		"a null counter is not-yet-seen and must not override a real counter")
}

func TestStep_NormalModeDoesNotAutoRunReadyCells(t *testing.T) {
	t.Parallel()
	nb := doc(t, codeCell("a", nil))
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)

	out, err := sched.Step(testCtx(t), st, &Response{
		Settings:   map[string]string{"exec_mode": "normal", "reactivity_mode": "incremental"},
		ReadyCells: []cells.ID{"a"},
	})

	require.NoError(t, err)
	assert.Empty(t, out.Dispatched)
	assert.True(t, out.Settled)
	assert.False(t, out.NeedsCleanup, "a cascade that never went reactive needs no kernel cleanup")
}

func TestStep_ForcedCellRunsEvenInNormalMode(t *testing.T) {
	t.Parallel()
	nb := doc(t, codeCell("a", nil))
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)

	out, err := sched.Step(testCtx(t), st, &Response{
		Settings:            map[string]string{"exec_mode": "normal", "reactivity_mode": "incremental"},
		ForcedReactiveCells: []cells.ID{"a"},
	})

	require.NoError(t, err)
	assert.Equal(t, []cells.ID{"a"}, out.Dispatched)
}

func TestStep_ErrorHaltsWithoutClearingForced(t *testing.T) {
	t.Parallel()
	nb := doc(t, codeCell("a", nil), codeCell("b", nil))
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)
	ctx := testCtx(t)

	// Round 1: a forced cell dispatches.
	out, err := sched.Step(ctx, st, &Response{
		Settings:            map[string]string{"exec_mode": "reactive", "reactivity_mode": "incremental"},
		ForcedReactiveCells: []cells.ID{"a"},
	})
	require.NoError(t, err)
	require.Equal(t, []cells.ID{"a"}, out.Dispatched)

	// Round 2: the execution failed. Ready cells are announced but none
	// may be picked, and the accumulated forced set must survive.
	out, err = sched.Step(ctx, st, &Response{
		Settings:              map[string]string{"exec_mode": "reactive", "reactivity_mode": "incremental"},
		ReadyCells:            []cells.ID{"b"},
		LastExecutedCellID:    "a",
		LastExecutionWasError: true,
	})
	require.NoError(t, err)
	assert.True(t, out.Halted)
	assert.Empty(t, out.Dispatched)
	assert.Empty(t, st.PendingCell)
	assert.Equal(t, session.PhaseIdle, st.Phase)
	assert.True(t, st.ForcedReactiveCells.Has("a"),
		"an error round halts the cascade but is not a settling round")
}

func TestStep_SettleClearsAccumulatorsAndReactiveFlag(t *testing.T) {
	t.Parallel()
	nb := doc(t, codeCell("a", nil), codeCell("b", nil))
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)
	ctx := testCtx(t)

	// Round 1: b becomes newly ready and dispatches reactively.
	out, err := sched.Step(ctx, st, &Response{
		Settings:      map[string]string{"exec_mode": "reactive", "reactivity_mode": "incremental"},
		NewReadyCells: []cells.ID{"b"},
	})
	require.NoError(t, err)
	require.Equal(t, []cells.ID{"b"}, out.Dispatched)

	// Round 2: b completed, nothing else to do. The cascade settles.
	out, err = sched.Step(ctx, st, &Response{
		Settings:           map[string]string{"exec_mode": "reactive", "reactivity_mode": "incremental"},
		LastExecutedCellID: "b",
	})
	require.NoError(t, err)
	assert.True(t, out.Settled)
	assert.True(t, out.NeedsCleanup, "a reactively-driven cascade must trigger kernel cleanup on settle")
	assert.Zero(t, st.NewReadyCells.Len())
	assert.Zero(t, st.ForcedReactiveCells.Len())
	assert.Zero(t, st.ExecutedReactiveReadyCells.Len())
	assert.False(t, st.IsReactivelyExecuting)
	assert.Equal(t, session.PhaseIdle, st.Phase)
}

func TestStep_BatchExecutesClosureInOrdinalOrderExactlyOnce(t *testing.T) {
	t.Parallel()
	// Dependency graph: a -> b, a -> c, b -> d.
	nb := doc(t, codeCell("a", nil), codeCell("b", nil), codeCell("c", nil), codeCell("d", nil))
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)
	ctx := testCtx(t)
	children := map[cells.ID][]cells.ID{"a": {"b", "c"}, "b": {"d"}}
	settings := map[string]string{"exec_mode": "reactive", "reactivity_mode": "batch"}

	// Round 1: a is forced; the whole forward closure dispatches in one shot.
	out, err := sched.Step(ctx, st, &Response{
		Settings:            settings,
		Children:            children,
		ForcedReactiveCells: []cells.ID{"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, []cells.ID{"a", "b", "c", "d"}, out.Dispatched)

	// Completion rounds: while cells remain in flight the scheduler must
	// neither re-dispatch nor settle.
	for i, id := range []cells.ID{"a", "b", "c"} {
		run.inflight = 3 - i
		out, err = sched.Step(ctx, st, &Response{
			Settings:              settings,
			Children:              children,
			ForcedReactiveCells:   []cells.ID{"a"},
			LastExecutedCellID:    id,
			IsReactivelyExecuting: true,
		})
		require.NoError(t, err)
		assert.Empty(t, out.Dispatched, "completion of %s must not re-dispatch", id)
		assert.False(t, out.Settled, "completion of %s must not settle early", id)
	}

	// Final completion: nothing in flight, cascade settles.
	run.inflight = 0
	out, err = sched.Step(ctx, st, &Response{
		Settings:              settings,
		Children:              children,
		LastExecutedCellID:    "d",
		IsReactivelyExecuting: true,
	})
	require.NoError(t, err)
	assert.True(t, out.Settled)

	// Every cell ran exactly once across the whole cascade.
	counts := map[cells.ID]int{}
	for _, id := range run.dispatched() {
		counts[id]++
	}
	assert.Equal(t, map[cells.ID]int{"a": 1, "b": 1, "c": 1, "d": 1}, counts)
}

func TestStep_UnknownReactivityModeIsFailSafeNoOp(t *testing.T) {
	t.Parallel()
	nb := doc(t, codeCell("a", nil))
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)

	out, err := sched.Step(testCtx(t), st, &Response{
		Settings:   map[string]string{"exec_mode": "reactive", "reactivity_mode": "spooky"},
		ReadyCells: []cells.ID{"a"},
	})

	require.NoError(t, err)
	assert.Empty(t, out.Dispatched)
	assert.False(t, out.Settled)
	// The round was rejected before mutating anything.
	assert.Zero(t, st.ReadyCells.Len())
	assert.Equal(t, session.ReactivityIncremental, st.Settings.ReactivityMode)
	assert.Equal(t, session.PhaseIdle, st.Phase)
}

func TestStep_TopLevelFlagsWinOverSettingsMap(t *testing.T) {
	t.Parallel()
	// With any_order flow the counter-3 cell wins; with in_order flow the
	// first announced cell wins. The settings map says any_order while the
	// top-level field says in_order, so the pick reveals which won.
	nb := doc(t, codeCell("five", intp(5)), codeCell("three", intp(3)))
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)

	out, err := sched.Step(testCtx(t), st, &Response{
		Settings: map[string]string{
			"exec_mode":       "reactive",
			"reactivity_mode": "incremental",
			"flow_order":      "any_order",
		},
		FlowOrder:  "in_order",
		ReadyCells: []cells.ID{"five", "three"},
	})

	require.NoError(t, err)
	require.Len(t, out.Dispatched, 1)
	assert.Equal(t, cells.ID("five"), out.Dispatched[0])
	assert.Equal(t, session.FlowInOrder, st.Settings.FlowOrder)
}

func TestStep_SkipsCellsAlreadyExecutedThisCascade(t *testing.T) {
	t.Parallel()
	nb := doc(t, codeCell("a", nil), codeCell("b", nil))
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)
	ctx := testCtx(t)
	settings := map[string]string{"exec_mode": "reactive", "reactivity_mode": "incremental"}

	out, err := sched.Step(ctx, st, &Response{Settings: settings, ReadyCells: []cells.ID{"a"}})
	require.NoError(t, err)
	require.Equal(t, []cells.ID{"a"}, out.Dispatched)

	// The kernel still reports a as ready; it already ran this cascade, so
	// b is the only remaining candidate.
	out, err = sched.Step(ctx, st, &Response{
		Settings:           settings,
		ReadyCells:         []cells.ID{"a", "b"},
		LastExecutedCellID: "a",
	})
	require.NoError(t, err)
	assert.Equal(t, []cells.ID{"b"}, out.Dispatched)
}

func TestStep_DispatchFailureWithNothingInFlightReturnsToIdle(t *testing.T) {
	t.Parallel()
	nb := doc(t, codeCell("a", nil))
	run := &fakeRunner{err: errors.New("no backend attached")}
	st := session.NewState("s1")
	sched := New(nb, run)

	_, err := sched.Step(testCtx(t), st, &Response{
		Settings:            map[string]string{"exec_mode": "reactive", "reactivity_mode": "incremental"},
		ForcedReactiveCells: []cells.ID{"a"},
	})

	require.Error(t, err)
	assert.Equal(t, session.PhaseIdle, st.Phase,
		"a dispatch that started nothing must not wedge the session in executing")
	assert.False(t, st.IsReactivelyExecuting)
}

func TestStep_MarkdownCellsNeverDispatch(t *testing.T) {
	t.Parallel()
	nb := doc(t,
		cells.Cell{ID: "md", Kind: cells.Markdown},
		codeCell("a", nil),
	)
	run := &fakeRunner{}
	st := session.NewState("s1")
	sched := New(nb, run)

	out, err := sched.Step(testCtx(t), st, &Response{
		Settings:   map[string]string{"exec_mode": "reactive", "reactivity_mode": "incremental"},
		ReadyCells: []cells.ID{"md", "a"},
	})

	require.NoError(t, err)
	assert.Equal(t, []cells.ID{"a"}, out.Dispatched)
}
