package cells

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// ExecFunc runs one cell against an execution backend and returns its result.
// Implementations are called on their own goroutine and may block.
type ExecFunc func(ctx context.Context, c Cell) RunResult

type docCell struct {
	id      ID
	kind    Kind
	source  string
	counter *int
	dirty   bool
	marker  Marker
	classes []string
}

type hoverEntry struct {
	enter func()
	leave func()
}

// Document is the in-memory notebook implementation. All methods are safe for
// concurrent use. Registered callbacks are invoked synchronously but outside
// the document lock, so they may call back into the Document.
//
// Document deliberately does not touch prompt markers from Execute: marker
// transitions belong to the execution driver, which also owns clearing
// markers on batch-mate failure.
type Document struct {
	mu    sync.Mutex
	order []ID
	byID  map[ID]*docCell

	active ID
	exec   ExecFunc

	nextSub     int
	activeSubs  map[int]func(ID)
	contentSubs map[int]func(ID)
	hoverSubs   map[ID]map[int]hoverEntry
}

// NewDocument builds a Document from cell snapshots. Index fields are
// reassigned from slice order; duplicate ids are rejected.
func NewDocument(list []Cell) (*Document, error) {
	d := &Document{
		byID:        make(map[ID]*docCell, len(list)),
		activeSubs:  make(map[int]func(ID)),
		contentSubs: make(map[int]func(ID)),
		hoverSubs:   make(map[ID]map[int]hoverEntry),
	}
	for _, c := range list {
		if _, exists := d.byID[c.ID]; exists {
			return nil, fmt.Errorf("duplicate cell id %q", c.ID)
		}
		dc := &docCell{id: c.ID, kind: c.Kind, source: c.Source, dirty: c.Dirty}
		if c.Counter != nil {
			n := *c.Counter
			dc.counter = &n
		}
		d.byID[c.ID] = dc
		d.order = append(d.order, c.ID)
	}
	if len(d.order) > 0 {
		d.active = d.order[0]
	}
	return d, nil
}

// SetExec attaches the execution backend. Execute fails until one is set.
func (d *Document) SetExec(fn ExecFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exec = fn
}

func (d *Document) snapshotLocked(dc *docCell, idx int) Cell {
	c := Cell{ID: dc.id, Kind: dc.kind, Index: idx, Dirty: dc.dirty, Source: dc.source}
	if dc.counter != nil {
		n := *dc.counter
		c.Counter = &n
	}
	return c
}

// Cells returns snapshots of all cells in document order.
func (d *Document) Cells() []Cell {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Cell, 0, len(d.order))
	for i, id := range d.order {
		out = append(out, d.snapshotLocked(d.byID[id], i))
	}
	return out
}

// Cell returns the snapshot for id.
func (d *Document) Cell(id ID) (Cell, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dc, ok := d.byID[id]
	if !ok {
		return Cell{}, false
	}
	return d.snapshotLocked(dc, slices.Index(d.order, id)), true
}

// Active returns the currently selected cell id.
func (d *Document) Active() ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// SetActive changes the selected cell and notifies active-cell subscribers.
// Unknown ids are ignored.
func (d *Document) SetActive(id ID) {
	d.mu.Lock()
	if _, ok := d.byID[id]; !ok {
		d.mu.Unlock()
		return
	}
	d.active = id
	subs := make([]func(ID), 0, len(d.activeSubs))
	for _, fn := range d.activeSubs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()
	for _, fn := range subs {
		fn(id)
	}
}

// SetSource replaces a cell's source, marks it dirty, and notifies
// content-change subscribers. A no-op when the source is unchanged.
func (d *Document) SetSource(id ID, source string) {
	d.mu.Lock()
	dc, ok := d.byID[id]
	if !ok || dc.source == source {
		d.mu.Unlock()
		return
	}
	dc.source = source
	dc.dirty = true
	subs := make([]func(ID), 0, len(d.contentSubs))
	for _, fn := range d.contentSubs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()
	for _, fn := range subs {
		fn(id)
	}
}

// Replace swaps the whole cell list, as a notebook file reload does. Cells
// whose id survives keep their execution counter, marker, dirty flag and
// class set; a survivor whose source changed is additionally marked dirty and
// announced to content subscribers. The active cell falls back to the first
// cell when the current one disappears.
func (d *Document) Replace(next []Cell) error {
	d.mu.Lock()
	byID := make(map[ID]*docCell, len(next))
	order := make([]ID, 0, len(next))
	var changed []ID
	for _, c := range next {
		if _, exists := byID[c.ID]; exists {
			d.mu.Unlock()
			return fmt.Errorf("duplicate cell id %q", c.ID)
		}
		dc := &docCell{id: c.ID, kind: c.Kind, source: c.Source, dirty: c.Dirty}
		if c.Counter != nil {
			n := *c.Counter
			dc.counter = &n
		}
		if old, ok := d.byID[c.ID]; ok {
			// Runtime state wins over whatever the file carries.
			dc.counter = old.counter
			dc.marker = old.marker
			dc.dirty = old.dirty
			dc.classes = old.classes
			if old.source != c.Source {
				dc.dirty = true
				changed = append(changed, c.ID)
			}
		}
		byID[c.ID] = dc
		order = append(order, c.ID)
	}
	d.byID = byID
	d.order = order
	if _, ok := byID[d.active]; !ok {
		d.active = ""
		if len(order) > 0 {
			d.active = order[0]
		}
	}
	subs := make([]func(ID), 0, len(d.contentSubs))
	for _, fn := range d.contentSubs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()

	for _, id := range changed {
		for _, fn := range subs {
			fn(id)
		}
	}
	return nil
}

// SetDirty updates the edited-since-last-run flag for id.
func (d *Document) SetDirty(id ID, dirty bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dc, ok := d.byID[id]; ok {
		dc.dirty = dirty
	}
}

// Marker returns the prompt marker for id.
func (d *Document) Marker(id ID) Marker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dc, ok := d.byID[id]; ok {
		return dc.marker
	}
	return MarkerNone
}

// SetMarker updates the prompt marker for id.
func (d *Document) SetMarker(id ID, m Marker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dc, ok := d.byID[id]; ok {
		dc.marker = m
	}
}

// Execute submits id to the attached backend on a fresh goroutine. The
// returned channel is buffered and delivers exactly one result. On success
// the document records the new execution counter and clears the dirty flag.
func (d *Document) Execute(ctx context.Context, id ID) (<-chan RunResult, error) {
	d.mu.Lock()
	dc, ok := d.byID[id]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("execute: unknown cell %q", id)
	}
	if d.exec == nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("execute: no backend attached for cell %q", id)
	}
	exec := d.exec
	snap := d.snapshotLocked(dc, slices.Index(d.order, id))
	d.mu.Unlock()

	done := make(chan RunResult, 1)
	go func() {
		res := exec(ctx, snap)
		res.Cell = id
		d.mu.Lock()
		if dc, ok := d.byID[id]; ok && res.Err == nil {
			n := res.Counter
			dc.counter = &n
			dc.dirty = false
		}
		d.mu.Unlock()
		done <- res
	}()
	return done, nil
}

// OnActiveCellChange registers fn and returns its cancel func.
func (d *Document) OnActiveCellChange(fn func(ID)) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	token := d.nextSub
	d.nextSub++
	d.activeSubs[token] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.activeSubs, token)
	}
}

// OnContentChange registers fn and returns its cancel func.
func (d *Document) OnContentChange(fn func(ID)) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	token := d.nextSub
	d.nextSub++
	d.contentSubs[token] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.contentSubs, token)
	}
}

// OnHover registers pointer enter/leave callbacks for id.
func (d *Document) OnHover(id ID, enter, leave func()) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	token := d.nextSub
	d.nextSub++
	if d.hoverSubs[id] == nil {
		d.hoverSubs[id] = make(map[int]hoverEntry)
	}
	d.hoverSubs[id][token] = hoverEntry{enter: enter, leave: leave}
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.hoverSubs[id], token)
	}
}

// HoverEnter simulates the pointer entering id, firing registered enter
// callbacks.
func (d *Document) HoverEnter(id ID) {
	d.fireHover(id, true)
}

// HoverLeave simulates the pointer leaving id, firing registered leave
// callbacks.
func (d *Document) HoverLeave(id ID) {
	d.fireHover(id, false)
}

func (d *Document) fireHover(id ID, enter bool) {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.hoverSubs[id]))
	for _, e := range d.hoverSubs[id] {
		if enter {
			fns = append(fns, e.enter)
		} else {
			fns = append(fns, e.leave)
		}
	}
	d.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// SetClasses replaces the full class set for id.
func (d *Document) SetClasses(id ID, classes []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dc, ok := d.byID[id]; ok {
		dc.classes = slices.Clone(classes)
	}
}

// AddClass adds one class to id if not already present.
func (d *Document) AddClass(id ID, class string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dc, ok := d.byID[id]; ok && !slices.Contains(dc.classes, class) {
		dc.classes = append(dc.classes, class)
	}
}

// RemoveClass removes one class from id.
func (d *Document) RemoveClass(id ID, class string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dc, ok := d.byID[id]; ok {
		if i := slices.Index(dc.classes, class); i >= 0 {
			dc.classes = slices.Delete(dc.classes, i, i+1)
		}
	}
}

// Classes returns a copy of the current class set for id.
func (d *Document) Classes(id ID) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dc, ok := d.byID[id]; ok {
		return slices.Clone(dc.classes)
	}
	return nil
}
