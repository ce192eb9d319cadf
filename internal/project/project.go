// Package project derives per-cell UI decoration from session state. Compute
// is a pure function of the state snapshot; Projector applies its output to a
// surface and scopes hover listeners to the lifetime of one pass.
package project

import (
	"github.com/kkpan11/ipyflow/internal/cells"
	"github.com/kkpan11/ipyflow/internal/closure"
	"github.com/kkpan11/ipyflow/internal/session"
)

// CSS classes attached to cells. Waiting implies ready-marked; the
// ready-making-input class is suppressed on waiting cells.
const (
	ClassWaiting         = "waiting-cell"
	ClassReady           = "ready-cell"
	ClassReadyMakerInput = "ready-making-input-cell"

	ClassSliceSelf     = "self-slice-cell"
	ClassSliceDirect   = "direct-slice-cell"
	ClassSliceIndirect = "indirect-slice-cell"

	ClassLinkedWaiting    = "linked-waiting-cell"
	ClassLinkedReadyMaker = "linked-ready-maker-cell"
)

// Compute maps session state to the full class set of every decorated cell.
// Cells absent from the result carry no classes. With highlights disabled the
// result is empty.
func Compute(st *session.State, nb cells.Notebook) map[cells.ID][]string {
	out := make(map[cells.ID][]string)
	if st.Settings.Highlights == session.HighlightsNone {
		return out
	}

	for _, c := range nb.Cells() {
		if c.Kind != cells.Code {
			continue
		}
		switch {
		case st.WaitingCells.Has(c.ID):
			out[c.ID] = append(out[c.ID], ClassWaiting, ClassReady)
		case st.ReadyCells.Has(c.ID):
			out[c.ID] = append(out[c.ID], ClassReady, ClassReadyMakerInput)
		}
	}

	if st.Settings.ReactivityMode == session.ReactivityBatch {
		applySlice(st, nb, out)
	}
	return out
}

// applySlice decorates the forward and backward slice of the active cell.
// Only meaningful in batch mode, and only when the active cell actually
// participates in the dependency graph.
func applySlice(st *session.State, nb cells.Notebook, out map[cells.ID][]string) {
	active := st.ActiveCell
	if active == "" {
		return
	}
	if len(st.Children[active]) == 0 && len(st.Parents[active]) == 0 {
		return
	}

	direct := session.NewOrderedSet(st.Children[active]...)
	direct.AddAll(st.Parents[active])

	forward := closure.Closure([]cells.ID{active}, st.Children, true, nb)
	backward := closure.Closure([]cells.ID{active}, st.Parents, false, nb)

	for _, c := range append(forward, backward...) {
		switch {
		case c.ID == active:
			out[c.ID] = append(out[c.ID], ClassSliceSelf)
		case direct.Has(c.ID):
			out[c.ID] = append(out[c.ID], ClassSliceDirect)
		default:
			out[c.ID] = append(out[c.ID], ClassSliceIndirect)
		}
	}
}
