package cells

import (
	"context"
)

// ID is the stable identifier of a notebook cell. It survives cell moves and
// content edits; positional indices do not.
type ID string

// Kind classifies a cell's content type.
type Kind int

const (
	// Code cells are executable and participate in dependency tracking.
	Code Kind = iota
	// Markdown cells are prose; the scheduler skips them.
	Markdown
	// Raw cells are passed through untouched.
	Raw
)

// String returns the nbformat name of the kind.
func (k Kind) String() string {
	switch k {
	case Code:
		return "code"
	case Markdown:
		return "markdown"
	default:
		return "raw"
	}
}

// Marker is the transient execution indicator shown in a cell's prompt area.
type Marker int

const (
	// MarkerNone means no execution is pending or recorded for this round.
	MarkerNone Marker = iota
	// MarkerQueued means the cell has been submitted and awaits its result.
	MarkerQueued
	// MarkerDone means the most recent submission completed successfully.
	MarkerDone
)

// Cell is an immutable snapshot of a single cell at the moment it was read
// from the notebook. Counter is nil until the cell has executed at least once.
type Cell struct {
	ID      ID
	Kind    Kind
	Index   int
	Counter *int
	Dirty   bool
	Source  string
}

// RunResult reports the outcome of one cell execution. Counter carries the
// execution counter assigned by the backend and is only meaningful when Err
// is nil.
type RunResult struct {
	Cell    ID
	Counter int
	Err     error
}

// Notebook is the full capability surface the scheduler stack needs from a
// notebook front end. Document implements it; a Jupyter-facing adapter would
// too.
type Notebook interface {
	// Cells returns snapshots of all cells in current document order.
	Cells() []Cell

	// Cell returns the snapshot for id, reporting whether it exists.
	Cell(id ID) (Cell, bool)

	// Active returns the id of the currently selected cell, or "" when no
	// cell is selected.
	Active() ID

	// SetDirty updates the edited-since-last-run flag for id.
	SetDirty(id ID, dirty bool)

	// Marker returns the current prompt marker for id.
	Marker(id ID) Marker

	// SetMarker updates the prompt marker for id.
	SetMarker(id ID, m Marker)

	// Execute submits id to the execution backend. The returned channel
	// delivers exactly one RunResult. Execute itself fails only when the
	// cell is unknown or no backend is attached.
	Execute(ctx context.Context, id ID) (<-chan RunResult, error)

	// OnActiveCellChange registers fn to run whenever the selected cell
	// changes. The returned func cancels the registration.
	OnActiveCellChange(fn func(ID)) (cancel func())

	// OnContentChange registers fn to run whenever a cell's source changes.
	// The returned func cancels the registration.
	OnContentChange(fn func(ID)) (cancel func())
}

// Hoverable is the optional capability of surfaces that can report pointer
// enter/leave per cell. The projection uses it to attach hover-linked
// highlight handlers.
type Hoverable interface {
	// OnHover registers enter/leave callbacks for id. The returned func
	// cancels the registration.
	OnHover(id ID, enter, leave func()) (cancel func())
}
