package session

import (
	"sync"
	"sync/atomic"

	"github.com/kkpan11/ipyflow/internal/cells"
)

// Phase is the scheduler lifecycle state of one session.
type Phase int

const (
	// PhaseIdle means no execution round is in flight.
	PhaseIdle Phase = iota
	// PhaseAwaitingSchedule means a schedule request has been sent and no
	// response has arrived yet.
	PhaseAwaitingSchedule
	// PhaseExecuting means at least one dispatched cell has not completed.
	PhaseExecuting
)

// String returns the phase name used in logs.
func (p Phase) String() string {
	switch p {
	case PhaseAwaitingSchedule:
		return "awaiting_schedule"
	case PhaseExecuting:
		return "executing"
	default:
		return "idle"
	}
}

// State is the per-session scheduler record. All plain fields are owned by
// the session's event loop; see the package comment for the concurrency
// contract.
type State struct {
	ID string

	// Dependency graph mirror, replaced wholesale on every schedule
	// response.
	Parents  map[cells.ID][]cells.ID
	Children map[cells.ID][]cells.ID

	// Kernel-computed staleness and readiness, also replaced wholesale.
	// Delivery order is preserved for candidate scanning.
	WaitingCells *OrderedSet
	ReadyCells   *OrderedSet

	// Cascade accumulators. These grow across the rounds of one cascade
	// and are cleared together when it settles.
	NewReadyCells              *OrderedSet
	ForcedReactiveCells        *OrderedSet
	ExecutedReactiveReadyCells *OrderedSet

	// Hover-link tables: which cells wait on a given cell, and which cells
	// a given cell can make ready.
	WaiterLinks     map[cells.ID][]cells.ID
	ReadyMakerLinks map[cells.ID][]cells.ID

	ActiveCell  cells.ID
	PendingCell cells.ID

	Settings Settings
	Phase    Phase

	// IsReactivelyExecuting marks a cascade in flight; it is echoed to the
	// kernel with every schedule request.
	IsReactivelyExecuting bool

	// AltModeCount counts in-flight executions that run under a
	// temporarily toggled reactivity mode.
	AltModeCount int

	disconnected atomic.Bool

	mu        sync.Mutex
	teardowns []func()
}

// NewState returns an initialized State. Callers outside this package go
// through Registry.Create instead.
func NewState(id string) *State {
	return &State{
		ID:                         id,
		Parents:                    make(map[cells.ID][]cells.ID),
		Children:                   make(map[cells.ID][]cells.ID),
		WaitingCells:               NewOrderedSet(),
		ReadyCells:                 NewOrderedSet(),
		NewReadyCells:              NewOrderedSet(),
		ForcedReactiveCells:        NewOrderedSet(),
		ExecutedReactiveReadyCells: NewOrderedSet(),
		WaiterLinks:                make(map[cells.ID][]cells.ID),
		ReadyMakerLinks:            make(map[cells.ID][]cells.ID),
		Settings:                   DefaultSettings(),
	}
}

// Live reports whether the session is still connected. Every handler checks
// this before touching state and drops its work when it returns false.
func (s *State) Live() bool {
	return !s.disconnected.Load()
}

// OnTeardown registers fn to run when the session is destroyed. If the
// session is already disconnected, fn runs immediately.
func (s *State) OnTeardown(fn func()) {
	s.mu.Lock()
	if s.disconnected.Load() {
		s.mu.Unlock()
		fn()
		return
	}
	s.teardowns = append(s.teardowns, fn)
	s.mu.Unlock()
}

// teardown flips the disconnected flag before running hooks, so handlers
// racing with destruction observe a dead session no later than the first
// hook. Idempotent.
func (s *State) teardown() {
	if s.disconnected.Swap(true) {
		return
	}
	s.mu.Lock()
	hooks := s.teardowns
	s.teardowns = nil
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// MergeNewReady unions ids into the newly-ready accumulator.
func (s *State) MergeNewReady(ids []cells.ID) {
	s.NewReadyCells.AddAll(ids)
}

// MergeForced unions ids into the forced-reactive accumulator.
func (s *State) MergeForced(ids []cells.ID) {
	s.ForcedReactiveCells.AddAll(ids)
}

// MarkExecuted records that id ran during the current cascade.
func (s *State) MarkExecuted(id cells.ID) {
	s.ExecutedReactiveReadyCells.Add(id)
}

// ResetCascade clears the three cascade accumulators together. This is the
// only place they are ever cleared.
func (s *State) ResetCascade() {
	s.NewReadyCells = NewOrderedSet()
	s.ForcedReactiveCells = NewOrderedSet()
	s.ExecutedReactiveReadyCells = NewOrderedSet()
}
