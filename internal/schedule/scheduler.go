package schedule

import (
	"context"
	"fmt"

	"github.com/kkpan11/ipyflow/internal/cells"
	"github.com/kkpan11/ipyflow/internal/closure"
	"github.com/kkpan11/ipyflow/internal/ctxlog"
	"github.com/kkpan11/ipyflow/internal/session"
)

// Runner dispatches cell batches. The driver implements it; tests stub it.
type Runner interface {
	// ExecuteSequence triggers every cell in order without awaiting
	// completions between them.
	ExecuteSequence(ctx context.Context, batch []cells.Cell) error

	// InFlight reports how many dispatched cells have not completed yet.
	InFlight() int
}

// Outcome summarizes what one scheduling round did.
type Outcome struct {
	// Settled is true when the cascade ended this round: accumulators were
	// cleared and the session returned to idle.
	Settled bool

	// NeedsCleanup is true when the settled cascade was reactively driven
	// and the kernel should be told to drop its reactive bookkeeping.
	NeedsCleanup bool

	// Halted is true when an execution error stopped candidate selection.
	// Accumulators are preserved in this case.
	Halted bool

	// Dispatched lists the cells handed to the driver this round, in
	// dispatch order.
	Dispatched []cells.ID
}

// Scheduler advances session state one kernel response at a time. It holds no
// state of its own beyond its collaborators, so one instance serves a session
// for its whole life.
type Scheduler struct {
	nb  cells.Notebook
	run Runner
}

// New returns a scheduler reading cell snapshots from nb and dispatching
// through run.
func New(nb cells.Notebook, run Runner) *Scheduler {
	return &Scheduler{nb: nb, run: run}
}

// Step processes one schedule response. It must be called from the session's
// event loop; it mutates st freely under that assumption.
func (s *Scheduler) Step(ctx context.Context, st *session.State, resp *Response) (Outcome, error) {
	logger := ctxlog.FromContext(ctx)

	next := st.Settings.Apply(resp.Settings)
	next = applyTopLevel(next, resp)
	if !next.ReactivityMode.Valid() {
		// Fail-safe no-op: reject the round before touching any state.
		logger.Warn("Unknown reactivity mode in schedule response, skipping round.",
			"session_id", st.ID, "reactivity_mode", string(next.ReactivityMode))
		return Outcome{}, nil
	}
	st.Settings = next

	// The kernel owns the graph and the readiness sets; mirror them
	// wholesale.
	st.Parents = resp.Parents
	st.Children = resp.Children
	st.WaitingCells = session.NewOrderedSet(resp.WaitingCells...)
	st.ReadyCells = session.NewOrderedSet(resp.ReadyCells...)
	st.WaiterLinks = resp.WaiterLinks
	st.ReadyMakerLinks = resp.ReadyMakerLinks

	// Deltas accumulate across the rounds of a cascade.
	st.MergeNewReady(resp.NewReadyCells)
	st.MergeForced(resp.ForcedReactiveCells)
	if resp.LastExecutedCellID != "" {
		st.MarkExecuted(resp.LastExecutedCellID)
	}
	if resp.IsReactivelyExecuting {
		st.IsReactivelyExecuting = true
	}
	st.PendingCell = ""

	if resp.LastExecutionWasError {
		// Halt the cascade but keep the accumulators: the error round is
		// not a settling round.
		st.Phase = session.PhaseIdle
		st.IsReactivelyExecuting = false
		logger.Debug("Execution error reported by kernel, halting cascade.",
			"session_id", st.ID, "last_executed_cell_id", string(resp.LastExecutedCellID))
		return Outcome{Halted: true}, nil
	}

	var batch []cells.Cell
	switch st.Settings.ReactivityMode {
	case session.ReactivityBatch:
		batch = s.batchPlan(st)
	default:
		batch = s.incrementalPlan(st)
	}

	if len(batch) == 0 {
		if s.run.InFlight() > 0 {
			// Dispatched cells are still running; their completions
			// drive the next rounds. Not a settle yet.
			st.Phase = session.PhaseExecuting
			return Outcome{}, nil
		}
		return s.settle(ctx, st), nil
	}
	return s.dispatch(ctx, st, batch)
}

// applyTopLevel overlays the response's top-level mode flags, which take
// precedence over the settings map.
func applyTopLevel(s session.Settings, resp *Response) session.Settings {
	if resp.ExecMode != "" {
		s.ExecMode = session.ExecMode(resp.ExecMode)
	}
	if resp.FlowOrder != "" {
		s.FlowOrder = session.FlowOrder(resp.FlowOrder)
	}
	if resp.ExecSchedule != "" {
		s.ExecSchedule = session.ExecSchedule(resp.ExecSchedule)
	}
	if resp.Highlights != "" {
		s.Highlights = session.Highlights(resp.Highlights)
	}
	return s
}

// reactive reports whether readiness alone may trigger execution: either the
// kernel runs in reactive mode, or a cascade is already rippling.
func reactive(st *session.State) bool {
	return st.Settings.ExecMode == session.ExecReactive || st.IsReactivelyExecuting
}

// batchPlan gathers cascade candidates and expands them to the full forward
// closure, ordered by notebook position. The whole plan runs in one shot.
func (s *Scheduler) batchPlan(st *session.State) []cells.Cell {
	seeds := session.NewOrderedSet()
	for _, id := range st.ForcedReactiveCells.IDs() {
		if !st.ExecutedReactiveReadyCells.Has(id) {
			seeds.Add(id)
		}
	}
	if reactive(st) {
		for _, id := range st.NewReadyCells.IDs() {
			if !st.ExecutedReactiveReadyCells.Has(id) {
				seeds.Add(id)
			}
		}
	}
	if seeds.Len() == 0 {
		return nil
	}

	plan := closure.Closure(seeds.IDs(), st.Children, true, s.nb)
	code := plan[:0]
	for _, c := range plan {
		if c.Kind == cells.Code {
			code = append(code, c)
		}
	}
	return code
}

// incrementalPlan picks at most one candidate. Candidates are scanned in the
// order the kernel announced them: forced cells first, then the current ready
// set, then accumulated newly-ready cells. Under in-order flow or strict
// scheduling the first eligible candidate wins outright; otherwise the
// eligible cell with the lowest execution counter wins, and a never-executed
// cell never displaces a chosen one.
func (s *Scheduler) incrementalPlan(st *session.State) []cells.Cell {
	firstWins := st.Settings.FlowOrder == session.FlowInOrder ||
		st.Settings.ExecSchedule == session.ScheduleStrict
	allowReady := reactive(st)

	scan := st.ForcedReactiveCells.IDs()
	if allowReady {
		scan = append(scan, st.ReadyCells.IDs()...)
		scan = append(scan, st.NewReadyCells.IDs()...)
	}

	var chosen *cells.Cell
	seen := make(map[cells.ID]struct{}, len(scan))
	for _, id := range scan {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if st.ExecutedReactiveReadyCells.Has(id) {
			continue
		}
		c, ok := s.nb.Cell(id)
		if !ok || c.Kind != cells.Code {
			continue
		}
		if firstWins {
			return []cells.Cell{c}
		}
		if chosen == nil {
			chosen = &c
			continue
		}
		if c.Counter == nil {
			continue
		}
		if chosen.Counter == nil || *c.Counter < *chosen.Counter {
			chosen = &c
		}
	}
	if chosen == nil {
		return nil
	}
	return []cells.Cell{*chosen}
}

// settle ends the cascade: clear the accumulators, return to idle, and report
// whether the kernel needs a reactivity cleanup.
func (s *Scheduler) settle(ctx context.Context, st *session.State) Outcome {
	wasReactive := st.IsReactivelyExecuting
	st.ResetCascade()
	st.IsReactivelyExecuting = false
	st.PendingCell = ""
	st.Phase = session.PhaseIdle
	ctxlog.FromContext(ctx).Debug("Cascade settled.",
		"session_id", st.ID, "needs_cleanup", wasReactive)
	return Outcome{Settled: true, NeedsCleanup: wasReactive}
}

// dispatch hands the plan to the driver. Every dispatched cell is marked
// executed up front so a stray extra response cannot double-run it.
func (s *Scheduler) dispatch(ctx context.Context, st *session.State, batch []cells.Cell) (Outcome, error) {
	logger := ctxlog.FromContext(ctx)

	ids := closure.IDs(batch)
	for _, id := range ids {
		st.MarkExecuted(id)
	}
	st.IsReactivelyExecuting = true
	if len(batch) == 1 {
		st.ActiveCell = batch[0].ID
		st.PendingCell = batch[0].ID
	}

	logger.Debug("Dispatching cells.",
		"session_id", st.ID, "count", len(batch),
		"reactivity_mode", string(st.Settings.ReactivityMode))

	if err := s.run.ExecuteSequence(ctx, batch); err != nil {
		if s.run.InFlight() == 0 {
			// Nothing started, so no completion will ever drive
			// another round. Fall back to idle instead of wedging
			// the session in EXECUTING.
			st.Phase = session.PhaseIdle
			st.IsReactivelyExecuting = false
			st.PendingCell = ""
			return Outcome{}, fmt.Errorf("dispatch failed with nothing in flight: %w", err)
		}
		st.Phase = session.PhaseExecuting
		return Outcome{Dispatched: ids}, fmt.Errorf("dispatch partially failed: %w", err)
	}
	st.Phase = session.PhaseExecuting
	return Outcome{Dispatched: ids}, nil
}
