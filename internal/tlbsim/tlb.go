// Package tlbsim simulates the hardware TLB the profiler observes through
// (C3). Two configurations are modeled: a Perfect TLB of unbounded capacity
// (an upper bound on attacker blindness) and a SetAssociative TLB with LRU
// replacement within each set, mirroring a real configuration such as the
// default 4-sets-by-2-ways layout used to evaluate TLBlur.
package tlbsim

import "sgxtlblur/internal/pageaccess"

// entry is one way within a Set.
type entry struct {
	page  pageaccess.Access
	valid bool
}

// Set is an LRU-ordered collection of at most waysPerSet live entries,
// ordered oldest (index 0) to most-recently-used (last index).
type Set struct {
	ways     []entry
	capacity int
}

// NewSet returns an empty set with room for capacity ways.
func NewSet(capacity int) *Set {
	return &Set{ways: make([]entry, 0, capacity), capacity: capacity}
}

// Lookup reports whether any valid entry covers page.
func (s *Set) Lookup(page pageaccess.Access) bool {
	for _, e := range s.ways {
		if e.valid && e.page.Covers(page) {
			return true
		}
	}
	return false
}

// Insert records an access to page, promoting it to most-recently-used if
// already present, or inserting a new entry and evicting the
// least-recently-used way if the set is full.
func (s *Set) Insert(page pageaccess.Access) {
	for i, e := range s.ways {
		if e.valid && e.page.Covers(page) {
			s.ways = append(s.ways[:i], s.ways[i+1:]...)
			s.ways = append(s.ways, entry{page: e.page, valid: true})
			return
		}
	}
	if len(s.ways) == s.capacity {
		s.ways = s.ways[1:]
	}
	s.ways = append(s.ways, entry{page: page, valid: true})
}

// Invalidate marks every entry covering page as invalid, without removing
// it from the LRU ordering.
func (s *Set) Invalidate(page pageaccess.Access) {
	for i := range s.ways {
		if s.ways[i].page.Covers(page) {
			s.ways[i].valid = false
		}
	}
}

func (s *Set) flush() { s.ways = s.ways[:0] }

// Kind selects between the two hardware TLB shapes TLBlur is evaluated
// against.
type Kind int

const (
	// Perfect is a fully-associative TLB of unbounded capacity.
	Perfect Kind = iota
	// SetAssociative models a real N-set, M-way hardware TLB.
	SetAssociative
)

// Config selects and parameterizes a hardware TLB.
type Config struct {
	Kind         Kind
	NumSets      int
	WaysPerSet   int
}

// TLB is the simulated hardware TLB. The zero value is not usable; build one
// with New.
type TLB struct {
	kind       Kind
	perfect    map[pageaccess.Access]struct{}
	sets       []*Set
	numSets    int
	waysPerSet int
}

// New constructs a TLB per cfg.
func New(cfg Config) *TLB {
	switch cfg.Kind {
	case Perfect:
		return &TLB{kind: Perfect, perfect: make(map[pageaccess.Access]struct{})}
	case SetAssociative:
		sets := make([]*Set, cfg.NumSets)
		for i := range sets {
			sets[i] = NewSet(cfg.WaysPerSet)
		}
		return &TLB{kind: SetAssociative, sets: sets, numSets: cfg.NumSets, waysPerSet: cfg.WaysPerSet}
	default:
		panic("tlbsim: unknown TLB kind")
	}
}

func (t *TLB) setIndex(page pageaccess.Access) int {
	return page.Page % t.numSets
}

// Flush empties every entry, as happens on a real interrupt-driven AEX.
func (t *TLB) Flush() {
	switch t.kind {
	case Perfect:
		for k := range t.perfect {
			delete(t.perfect, k)
		}
	case SetAssociative:
		for _, s := range t.sets {
			s.flush()
		}
	}
}

// Update inserts every page access into the TLB, applying LRU promotion or
// eviction as appropriate for a SetAssociative TLB.
func (t *TLB) Update(pages []pageaccess.Access) {
	for _, p := range pages {
		switch t.kind {
		case Perfect:
			t.perfect[p] = struct{}{}
		case SetAssociative:
			t.sets[t.setIndex(p)].Insert(p)
		}
	}
}

// Test reports whether page hits in the TLB: some valid entry covers it.
func (t *TLB) Test(page pageaccess.Access) bool {
	switch t.kind {
	case Perfect:
		for p := range t.perfect {
			if p.Covers(page) {
				return true
			}
		}
		return false
	case SetAssociative:
		return t.sets[t.setIndex(page)].Lookup(page)
	}
	return false
}

// Iter returns every currently cached access, for debug tracing only. It is
// unsupported for a SetAssociative TLB, whose sets do not expose order-free
// iteration cheaply; the debug hardware-TLB trace sink is therefore only
// meaningful in Perfect mode.
func (t *TLB) Iter() []pageaccess.Access {
	if t.kind != Perfect {
		return nil
	}
	out := make([]pageaccess.Access, 0, len(t.perfect))
	for p := range t.perfect {
		out = append(out, p)
	}
	return out
}
