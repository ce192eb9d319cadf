package session

import (
	"slices"

	"github.com/kkpan11/ipyflow/internal/cells"
)

// OrderedSet is a de-duplicated cell id collection that remembers insertion
// order. Candidate selection scans ids in the order the kernel delivered
// them, so plain maps are not enough here.
type OrderedSet struct {
	ids []cells.ID
	has map[cells.ID]struct{}
}

// NewOrderedSet returns an empty set, optionally pre-populated in order.
func NewOrderedSet(ids ...cells.ID) *OrderedSet {
	o := &OrderedSet{has: make(map[cells.ID]struct{}, len(ids))}
	o.AddAll(ids)
	return o
}

// Add inserts id, reporting whether it was absent. Re-adding keeps the
// original position.
func (o *OrderedSet) Add(id cells.ID) bool {
	if _, ok := o.has[id]; ok {
		return false
	}
	o.has[id] = struct{}{}
	o.ids = append(o.ids, id)
	return true
}

// AddAll inserts every id in order.
func (o *OrderedSet) AddAll(ids []cells.ID) {
	for _, id := range ids {
		o.Add(id)
	}
}

// Has reports membership. Safe on a nil set.
func (o *OrderedSet) Has(id cells.ID) bool {
	if o == nil {
		return false
	}
	_, ok := o.has[id]
	return ok
}

// IDs returns the members in insertion order. The slice is a copy.
func (o *OrderedSet) IDs() []cells.ID {
	if o == nil {
		return nil
	}
	return slices.Clone(o.ids)
}

// Len reports the member count. Safe on a nil set.
func (o *OrderedSet) Len() int {
	if o == nil {
		return 0
	}
	return len(o.ids)
}
