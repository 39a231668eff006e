// Package trapdispatch implements the trap dispatcher (C2): the single
// process-wide handler invoked on every single-step/AEX trap, gluing the
// page-table shadow, simulated TLB, PAM mirror, attacker policy,
// observation accumulator and trace writer into the per-step sequence
// described in the governing design document's component 4.2.
package trapdispatch

import (
	"sync"

	"github.com/pkg/errors"

	"sgxtlblur/internal/attacker"
	"sgxtlblur/internal/bridge"
	"sgxtlblur/internal/observe"
	"sgxtlblur/internal/pageaccess"
	"sgxtlblur/internal/pam"
	"sgxtlblur/internal/shadow"
	"sgxtlblur/internal/tlbsim"
	"sgxtlblur/internal/trace"
)

const pageSize = shadow.PageSize

// Handler owns every piece of shared, trap-mutated state and exposes the
// single Step entry point the fault/step registrar calls. All of it is
// guarded by one mutex for the whole duration of Step, matching the
// single-thread, non-reentrant handler discipline of the concurrency model.
type Handler struct {
	mu sync.Mutex

	PageTable *shadow.PageTable
	TLB       *tlbsim.TLB
	PAM       *pam.Mirror
	Attacker  *attacker.Attacker
	Obs       *observe.Accumulator

	Dumper           *trace.Dumper
	PAMDebugDumper   *trace.Dumper
	HWTLBDebugDumper *trace.Dumper

	WriteErip  bool
	NoPrefetch bool

	// GPRSGX, when set, returns the saved register file from the last AEX,
	// used to locate and prefetch the enclave's current stack pages.
	GPRSGX func() (bridge.GPRSGXRegion, error)

	EnclaveBase, EnclaveLimit uintptr

	// Prefetch targets named in the TLBlur instrumentation ABI (SPEC_FULL.md
	// §6): the PAM-update code page, the PAM counter page, and the page
	// range spanning the PAM buffer itself.
	PAMUpdateCodePage int
	CounterPage       int
	PAMPages          []int

	// Ocall-debug callback slots (SPEC_FULL.md §4.2 supplement): when the
	// attack driver runs its "ocalls --enclave" mode, the enclave's
	// instrumented ocalls call back into these hooks. OnPrintString and
	// OnPrintInt are pure narration. OnNextRow and OnIdctSlow drive the
	// reconstruction directly, mirroring ocall_next_row/ocall_idct_islow in
	// the ground-truth attack driver: OnIdctSlow commits the number of
	// all-zero blocks accumulated since the previous commit, so callers must
	// track that count themselves (typically via OnAllZero) and reset it
	// after each OnIdctSlow call. A nil slot is simply skipped.
	OnPrintString func(s string)
	OnPrintInt    func(n int)
	OnNextRow     func()
	OnIdctSlow    func()
	OnAllZero     func()

	firstRun bool
}

// NewHandler constructs a Handler ready for its first Step call.
func NewHandler() *Handler {
	return &Handler{Obs: observe.New(), firstRun: true}
}

// Step runs one full trap-handler invocation: PAM update, optional debug
// trace emission, page-table sampling, observation update, attacker
// decision, trace emission, attacker step, optional interrupt handling and
// TLB flush, optional prefetch, and finally clearing A/D bits. The very
// first call only primes the page table (clears stale A/D state from
// enclave init) and returns.
func (h *Handler) Step() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.PAM.Update(); err != nil {
		return errors.Wrap(err, "trapdispatch: update PAM")
	}

	if h.firstRun {
		h.firstRun = false
		h.PageTable.ClearAllADBits()
		return nil
	}

	if h.PAMDebugDumper != nil {
		if err := h.emitDebugFrame(h.PAMDebugDumper, h.PAM.Active()); err != nil {
			return errors.Wrap(err, "trapdispatch: write PAM debug frame")
		}
	}
	if h.HWTLBDebugDumper != nil {
		if err := h.emitDebugFrame(h.HWTLBDebugDumper, h.TLB.Iter()); err != nil {
			return errors.Wrap(err, "trapdispatch: write hw-tlb debug frame")
		}
	}

	h.PageTable.UpdatePageAccesses()
	h.Obs.Update(h.PageTable.AccessedPages(func(p pageaccess.Access) bool {
		return !h.TLB.Test(p)
	}))

	canObserve := h.Attacker.CanObserve()
	canInterrupt := h.Attacker.CanTriggerInterrupt(h.PageTable, h.TLB)

	if canObserve == attacker.ObserveAlways || (canInterrupt && canObserve == attacker.ObserveOnInterrupt) {
		observed := h.Attacker.Observe(h.PageTable, h.TLB, h.Obs)
		if err := h.emitFrame(observed); err != nil {
			return errors.Wrap(err, "trapdispatch: write trace frame")
		}
	}

	h.Attacker.HandleStep(h.Obs)

	if canInterrupt {
		h.Attacker.HandleInterrupt(h.PageTable, h.Obs)
		h.TLB.Flush()
		if !h.NoPrefetch {
			h.prefetch()
		}
	} else {
		h.TLB.Update(h.PageTable.AllAccessedPages())
	}

	h.PageTable.ClearAllADBits()
	return nil
}

func (h *Handler) emitFrame(pages []pageaccess.Access) error {
	if h.Dumper == nil {
		return nil
	}
	return h.emitDebugFrame(h.Dumper, pages)
}

func (h *Handler) emitDebugFrame(d *trace.Dumper, pages []pageaccess.Access) error {
	return d.NextStep(func(e *trace.Entry) error {
		if h.WriteErip {
			if err := h.writeErip(e); err != nil {
				return err
			}
		}
		return e.WritePageAccesses(pages)
	})
}

func (h *Handler) writeErip(e *trace.Entry) error {
	if h.GPRSGX == nil {
		return nil
	}
	gpr, err := h.GPRSGX()
	if err != nil {
		return err
	}
	return e.WriteErip(gpr.RSP)
}

// prefetch implements the TLBlur prefetch policy: the PAM's currently
// active pages, the enclave's current stack pages, the PAM-update code
// page, the counter page, and the PAM buffer pages are all installed into
// the simulated TLB and recorded as observations, since a real TLBlur
// prefetch would make them all resident before resuming the enclave.
func (h *Handler) prefetch() {
	h.TLB.Update(h.PAM.Active())
	h.Obs.Update(h.PAM.Active())

	if stackPages := h.stackPages(); len(stackPages) > 0 {
		h.TLB.Update(stackPages)
		h.Obs.Update(stackPages)
	}

	fixed := []pageaccess.Access{
		{Page: h.PAMUpdateCodePage, Read: true, Execute: true},
		{Page: h.CounterPage, Read: true, Write: true},
	}
	h.TLB.Update(fixed)
	h.Obs.Update(fixed)

	if len(h.PAMPages) > 0 {
		pamPages := make([]pageaccess.Access, len(h.PAMPages))
		for i, p := range h.PAMPages {
			pamPages[i] = pageaccess.Access{Page: p, Read: true, Write: true}
		}
		h.TLB.Update(pamPages)
		h.Obs.Update(pamPages)
	}
}

// OcallPrintString invokes OnPrintString, if set. Called by the attack
// driver's ocall-debug mode when the enclave's instrumented build ocalls a
// string out for display; never touches Step's state.
func (h *Handler) OcallPrintString(s string) {
	if h.OnPrintString != nil {
		h.OnPrintString(s)
	}
}

// OcallPrintInt invokes OnPrintInt, if set.
func (h *Handler) OcallPrintInt(n int) {
	if h.OnPrintInt != nil {
		h.OnPrintInt(n)
	}
}

// OcallNextRow invokes OnNextRow, if set, when the enclave's instrumented
// build ocalls notice of a row boundary crossed during inverse-DCT.
func (h *Handler) OcallNextRow() {
	if h.OnNextRow != nil {
		h.OnNextRow()
	}
}

// OcallAllZero invokes OnAllZero, if set, when the enclave's instrumented
// build ocalls notice that an all-zero-coefficient block was decoded,
// bypassing the slow inverse-DCT path.
func (h *Handler) OcallAllZero() {
	if h.OnAllZero != nil {
		h.OnAllZero()
	}
}

// OcallIdctSlow invokes OnIdctSlow, if set, when the enclave's instrumented
// build ocalls notice of entry into the slow inverse-DCT path. The caller's
// OnIdctSlow is expected to commit the accumulated all-zero count (tracked
// via OnAllZero since the previous commit) and reset it to zero.
func (h *Handler) OcallIdctSlow() {
	if h.OnIdctSlow != nil {
		h.OnIdctSlow()
	}
}

func (h *Handler) stackPages() []pageaccess.Access {
	if h.GPRSGX == nil {
		return nil
	}
	gpr, err := h.GPRSGX()
	if err != nil {
		return nil
	}
	rsp := uintptr(gpr.RSP)
	if rsp < h.EnclaveBase || rsp > h.EnclaveLimit {
		return nil
	}
	stackPage := int((rsp - h.EnclaveBase) / pageSize)
	pages := make([]pageaccess.Access, 0, 3)
	for p := stackPage - 1; p <= stackPage+1; p++ {
		if p < 0 {
			continue
		}
		pages = append(pages, pageaccess.Access{Page: p, Read: true, Execute: true})
	}
	return pages
}
