// Package shadow implements the page-table shadow (C1): an ordered mirror
// of the enclave's page-table entries, sampled and cleared once per trap so
// that per-instruction page accesses can be reconstructed from the
// hardware A/D bits.
package shadow

import (
	"github.com/pkg/errors"

	"sgxtlblur/internal/bridge"
	"sgxtlblur/internal/pageaccess"
)

// PageSize is the MMU page granularity this toolkit observes at. SGX and
// the x86-64 MMU both page at 4 KiB.
const PageSize = 4096

// PageTable walks and mirrors the page-table entries covering an enclave's
// address range. It is built once after enclave creation; backing memory is
// pinned by the caller (mlock) so pages are never evicted mid-run, which
// would otherwise desynchronize the shadow from the hardware PTEs.
type PageTable struct {
	base    uintptr
	entries []bridge.PTEEntry // nil for unmapped pages
	pages   []pageaccess.Access
}

// Build walks page tables for every 4 KiB page in [base, end], resolving
// each through resolve. A nil PTEEntry for a given page means it is
// currently unmapped; such pages are simply skipped during sampling.
func Build(base, end uintptr, resolve func(vaddr uintptr) (bridge.PTEEntry, error)) (*PageTable, error) {
	if end < base {
		return nil, errors.Errorf("shadow: end %#x precedes base %#x", end, base)
	}
	numPages := int((end-base)/PageSize) + 1
	pt := &PageTable{
		base:    base,
		entries: make([]bridge.PTEEntry, numPages),
	}
	for i := 0; i < numPages; i++ {
		entry, err := resolve(base + uintptr(i)*PageSize)
		if err != nil {
			return nil, errors.Wrapf(err, "shadow: resolve page %d", i)
		}
		pt.entries[i] = entry
	}
	return pt, nil
}

// NumPages returns the number of 4 KiB pages covered by the shadow.
func (pt *PageTable) NumPages() int { return len(pt.entries) }

// ClearAllADBits resets the Accessed and Dirty flags on every live entry.
// Run at the end of each trap so the next sample reflects only the
// instruction(s) retired since.
func (pt *PageTable) ClearAllADBits() {
	for _, e := range pt.entries {
		if e == nil {
			continue
		}
		e.MarkNotAccessed()
		e.MarkClean()
	}
}

// UpdatePageAccesses re-reads every live entry's A/D/P bits and rebuilds the
// accumulated set of observed accesses for this step. Execute permission is
// never set here: the hardware A bit cannot distinguish a fetch from a data
// read, so execute is conservatively false and is only synthesized later by
// the PAM prefetch logic (see internal/pam), which has reason to believe the
// page was mapped executable.
func (pt *PageTable) UpdatePageAccesses() {
	pt.pages = pt.pages[:0]
	for i, e := range pt.entries {
		if e == nil || !e.Present() || !e.Accessed() {
			continue
		}
		pt.pages = append(pt.pages, pageaccess.Access{
			Page:  i,
			Read:  true,
			Write: e.Dirty(),
		})
	}
}

// AllAccessedPages returns every access recorded by the last
// UpdatePageAccesses call.
func (pt *PageTable) AllAccessedPages() []pageaccess.Access {
	return pt.pages
}

// AccessedPages returns every access recorded by the last
// UpdatePageAccesses call for which filter holds.
func (pt *PageTable) AccessedPages(filter func(pageaccess.Access) bool) []pageaccess.Access {
	out := make([]pageaccess.Access, 0, len(pt.pages))
	for _, p := range pt.pages {
		if filter(p) {
			out = append(out, p)
		}
	}
	return out
}

// CountAccessedPages reports how many recorded accesses satisfy filter,
// without allocating a result slice. Used by the attacker policies, which
// only need to know whether any page matches.
func (pt *PageTable) CountAccessedPages(filter func(pageaccess.Access) bool) int {
	n := 0
	for _, p := range pt.pages {
		if filter(p) {
			n++
		}
	}
	return n
}
