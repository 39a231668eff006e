// Package observe implements the observation accumulator (C6): the record
// of what an attacker would have learned about page accesses since the
// last time their view was cleared.
package observe

import "sgxtlblur/internal/pageaccess"

// Accumulator merges page accesses by page index, unioning permission bits
// for repeated accesses to the same page until cleared.
type Accumulator struct {
	state map[int]pageaccess.Access
}

// New returns an empty accumulator.
func New() *Accumulator {
	return &Accumulator{state: make(map[int]pageaccess.Access)}
}

// Clear discards all accumulated accesses.
func (a *Accumulator) Clear() {
	for k := range a.state {
		delete(a.state, k)
	}
}

// Update merges each page access into the accumulator, unioning permissions
// when a page was already recorded.
func (a *Accumulator) Update(pages []pageaccess.Access) {
	for _, p := range pages {
		if existing, ok := a.state[p.Page]; ok {
			a.state[p.Page] = existing.Union(p)
		} else {
			a.state[p.Page] = p
		}
	}
}

// Values returns every accumulated access, in no particular order.
func (a *Accumulator) Values() []pageaccess.Access {
	out := make([]pageaccess.Access, 0, len(a.state))
	for _, v := range a.state {
		out = append(out, v)
	}
	return out
}
