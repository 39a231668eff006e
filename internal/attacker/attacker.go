// Package attacker implements the four attacker policy state machines
// (C5): canonical adversary models from the enclave-side-channel
// literature, each deciding when an interrupt could be triggered and what
// the attacker would observe as a result.
package attacker

import (
	"sgxtlblur/internal/observe"
	"sgxtlblur/internal/pageaccess"
	"sgxtlblur/internal/tlbsim"
)

// CanObserve describes when an attacker variant is allowed to record a
// trace frame.
type CanObserve int

const (
	// ObserveAlways means the attacker sees every step (Stealthy).
	ObserveAlways CanObserve = iota
	// ObserveOnInterrupt means the attacker only sees steps where it
	// could actually trigger an interrupt.
	ObserveOnInterrupt
)

// Kind selects one of the four canonical attacker models.
type Kind int

const (
	DebugSingleStep Kind = iota
	SingleStep
	PageFault
	Stealthy
)

func (k Kind) String() string {
	switch k {
	case DebugSingleStep:
		return "debug-single-step"
	case SingleStep:
		return "single-step"
	case PageFault:
		return "page-fault"
	case Stealthy:
		return "stealthy"
	default:
		return "unknown"
	}
}

// PageTable is the minimal view of the page-table shadow the attacker
// policies need: whether a page was accessed, subject to a filter.
type PageTable interface {
	AllAccessedPages() []pageaccess.Access
	CountAccessedPages(filter func(pageaccess.Access) bool) int
}

// Attacker is the active policy instance. PageFault carries the mutable
// live-pages set recording which pages the attacker has had to map to let
// execution proceed.
type Attacker struct {
	kind         Kind
	livePages    []int
	observePTEs  bool
}

// New constructs an attacker of the given kind. observePTEs only affects
// PageFault: when false, the attacker only observes pages currently
// accessed and outside both the TLB and its live-pages set, rather than the
// accumulated observation state.
func New(kind Kind, observePTEs bool) *Attacker {
	return &Attacker{kind: kind, observePTEs: observePTEs}
}

func (a *Attacker) Kind() Kind { return a.kind }

// CanTriggerInterrupt reports whether this attacker variant could interrupt
// execution given the current page-table and hardware-TLB state.
func (a *Attacker) CanTriggerInterrupt(pt PageTable, tlb *tlbsim.TLB) bool {
	switch a.kind {
	case DebugSingleStep:
		// An unrealistic upper bound: interrupts regardless of TLB state.
		return true
	case SingleStep:
		return pt.CountAccessedPages(func(p pageaccess.Access) bool { return !tlb.Test(p) }) > 0
	case PageFault:
		for _, p := range pt.AllAccessedPages() {
			if tlb.Test(p) {
				continue
			}
			if !a.inLivePages(p.Page) {
				return true
			}
		}
		return false
	case Stealthy:
		// Never interrupts: the stealthy attacker only watches PTE bits.
		return false
	}
	return false
}

func (a *Attacker) inLivePages(page int) bool {
	for _, p := range a.livePages {
		if p == page {
			return true
		}
	}
	return false
}

// CanObserve reports when this attacker variant is allowed to write a trace
// frame.
func (a *Attacker) CanObserve() CanObserve {
	if a.kind == Stealthy {
		return ObserveAlways
	}
	return ObserveOnInterrupt
}

// Observe writes out what this attacker would see at the current step: for
// PageFault with observePTEs=false, only the pages currently accessed and
// outside the TLB and live-pages set; every other variant writes the
// accumulated observation state.
func (a *Attacker) Observe(pt PageTable, tlb *tlbsim.TLB, obs *observe.Accumulator) []pageaccess.Access {
	if a.kind == PageFault && !a.observePTEs {
		out := make([]pageaccess.Access, 0, 4)
		for _, p := range pt.AllAccessedPages() {
			if tlb.Test(p) || a.inLivePages(p.Page) {
				continue
			}
			out = append(out, p)
		}
		return out
	}
	return obs.Values()
}

// HandleStep lets the attacker react to every step, before any interrupt
// handling. Stealthy clears observations on every step since it never
// accumulates across steps; every other variant preserves them.
func (a *Attacker) HandleStep(obs *observe.Accumulator) {
	if a.kind == Stealthy {
		obs.Clear()
	}
}

// HandleInterrupt lets the attacker react to a step it did trigger an
// interrupt on. PageFault repopulates its live-pages set with every page
// accessed this step (the pages it had to map to let execution proceed)
// and clears observations; all other non-Stealthy variants just clear
// observations; Stealthy never interrupts, so this is never called for it.
func (a *Attacker) HandleInterrupt(pt PageTable, obs *observe.Accumulator) {
	switch a.kind {
	case PageFault:
		a.livePages = a.livePages[:0]
		for _, p := range pt.AllAccessedPages() {
			a.livePages = append(a.livePages, p.Page)
		}
		obs.Clear()
	case Stealthy:
		// no interrupts, nothing to do
	default:
		obs.Clear()
	}
}
