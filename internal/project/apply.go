package project

import (
	"sync"

	"github.com/kkpan11/ipyflow/internal/cells"
	"github.com/kkpan11/ipyflow/internal/session"
)

// Surface renders per-cell class sets. SetClasses replaces a cell's whole
// set; Add/RemoveClass exist for transient hover decoration.
type Surface interface {
	SetClasses(id cells.ID, classes []string)
	AddClass(id cells.ID, class string)
	RemoveClass(id cells.ID, class string)
}

// Projector applies projection passes to a surface. Each pass acquires hover
// listeners and guarantees their release before the next pass acquires its
// own, so listeners can never stack across passes.
type Projector struct {
	mu      sync.Mutex
	dispose func()
}

// Apply recomputes the projection and renders it. Hover-link listeners from
// the previous pass are detached first.
func (p *Projector) Apply(st *session.State, nb cells.Notebook, surface Surface) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dispose != nil {
		p.dispose()
		p.dispose = nil
	}

	classes := Compute(st, nb)
	for _, c := range nb.Cells() {
		surface.SetClasses(c.ID, classes[c.ID])
	}

	hov, ok := surface.(cells.Hoverable)
	if !ok || st.Settings.Highlights == session.HighlightsNone {
		return
	}

	var cancels []func()
	cancels = append(cancels, hoverLinks(hov, surface, st.WaiterLinks, ClassLinkedWaiting)...)
	cancels = append(cancels, hoverLinks(hov, surface, st.ReadyMakerLinks, ClassLinkedReadyMaker)...)
	if len(cancels) > 0 {
		p.dispose = func() {
			for _, c := range cancels {
				c()
			}
		}
	}
}

// Dispose detaches the listeners of the current pass, if any. Used on
// session teardown when no further pass will run.
func (p *Projector) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dispose != nil {
		p.dispose()
		p.dispose = nil
	}
}

// hoverLinks registers one enter/leave pair per linking cell: hovering it
// adds class to every linked cell, leaving removes it again.
func hoverLinks(hov cells.Hoverable, surface Surface, links map[cells.ID][]cells.ID, class string) []func() {
	var cancels []func()
	for hovered, linked := range links {
		if len(linked) == 0 {
			continue
		}
		targets := append([]cells.ID(nil), linked...)
		enter := func() {
			for _, id := range targets {
				surface.AddClass(id, class)
			}
		}
		leave := func() {
			for _, id := range targets {
				surface.RemoveClass(id, class)
			}
		}
		cancels = append(cancels, hov.OnHover(hovered, enter, leave))
	}
	return cancels
}
