// Package closure computes transitive closures over the kernel-supplied
// dependency edge maps. It is the shared walk behind batch scheduling and
// slice highlighting.
package closure

import (
	"cmp"
	"slices"

	"github.com/kkpan11/ipyflow/internal/cells"
)

// Resolver maps cell ids back to cell handles. cells.Notebook satisfies it.
type Resolver interface {
	Cell(id cells.ID) (cells.Cell, bool)
}

// Closure walks edges from every seed and returns the reached cells sorted by
// their current ordinal position. With inclusive set, seeds appear in the
// result; otherwise they are removed after the walk. Ids without a live cell
// handle (cells deleted since the kernel last saw the notebook) are dropped
// during mapping.
//
// The edge map may contain cycles; the walk terminates regardless.
func Closure(seeds []cells.ID, edges map[cells.ID][]cells.ID, inclusive bool, res Resolver) []cells.Cell {
	seen := make(map[cells.ID]struct{})
	for _, id := range seeds {
		walk(id, edges, seen)
	}
	if !inclusive {
		for _, id := range seeds {
			delete(seen, id)
		}
	}

	out := make([]cells.Cell, 0, len(seen))
	for id := range seen {
		if c, ok := res.Cell(id); ok {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b cells.Cell) int {
		return cmp.Compare(a.Index, b.Index)
	})
	return out
}

// walk adds id and everything reachable from it to seen. The accumulator is
// passed explicitly; its membership check is the termination guard that makes
// the walk safe on cyclic edge maps.
func walk(id cells.ID, edges map[cells.ID][]cells.ID, seen map[cells.ID]struct{}) {
	if _, done := seen[id]; done {
		return
	}
	seen[id] = struct{}{}
	for _, next := range edges[id] {
		walk(next, edges, seen)
	}
}

// IDs projects a cell slice down to its ids, preserving order.
func IDs(cs []cells.Cell) []cells.ID {
	out := make([]cells.ID, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}
