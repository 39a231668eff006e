// Package pam mirrors the enclave-resident page-access map (PAM, C4): a
// software TLB whose pws_size most-recently-used entries the profiler needs
// to replicate locally so that TLBlur's prefetch policy can be evaluated.
//
// The authoritative PAM lives inside enclave memory; this mirror reads it
// across the enclave boundary through the narrow bridge.Memory interface.
package pam

import (
	"encoding/binary"
	"math"

	"sgxtlblur/internal/bridge"
	"sgxtlblur/internal/pageaccess"
)

// Mirror tracks the profiler's local view of the enclave's PAM.
type Mirror struct {
	buffer      []uint64 // one counter per page, as maintained inside the enclave
	active      []pageaccess.Access
	counter     uint64
	pamMem      bridge.Memory
	counterMem  bridge.Memory
	counterAddr uintptr
	pamAddr     uintptr
	onDrift     func(delta uint64)
}

// New constructs a mirror of size numPages counters and a software TLB of
// pwsSize entries, reading from the enclave's __tlblur_pam and
// __tlblur_counter symbols at pamAddr/counterAddr respectively. onDrift, if
// non-nil, is invoked whenever the enclave's PAM counter advances by more
// than one between two samples without a matching entry being found in the
// refreshed buffer: this signals the instrumentation invariant (slot
// written before counter bumped) may have been violated. Per spec this is a
// logged warning, never fatal.
func New(pamMem, counterMem bridge.Memory, pamAddr, counterAddr uintptr, numPages, pwsSize int, onDrift func(delta uint64)) *Mirror {
	return &Mirror{
		buffer:      make([]uint64, numPages),
		active:      make([]pageaccess.Access, pwsSize),
		pamMem:      pamMem,
		counterMem:  counterMem,
		pamAddr:     pamAddr,
		counterAddr: counterAddr,
		onDrift:     onDrift,
	}
}

// Active returns the pws_size most-recently-used pages as of the last
// Update call.
func (m *Mirror) Active() []pageaccess.Access { return m.active }

// Update implements the once-per-trap PAM refresh protocol: read the
// 8-byte counter; if unchanged, nothing to do. Otherwise read the whole PAM
// buffer and admit every page whose counter is within one of the new
// counter value, evicting the coldest active slot as needed.
func (m *Mirror) Update() error {
	var buf [8]byte
	if err := m.counterMem.ReadAt(buf[:], m.counterAddr); err != nil {
		return err
	}
	newCounter := binary.LittleEndian.Uint64(buf[:])
	if newCounter == m.counter {
		return nil
	}

	raw := make([]byte, len(m.buffer)*8)
	if err := m.pamMem.ReadAt(raw, m.pamAddr); err != nil {
		return err
	}
	for i := range m.buffer {
		m.buffer[i] = binary.LittleEndian.Uint64(raw[i*8 : i*8+8])
	}

	oldCounter := m.counter
	found := false
	for page, value := range m.buffer {
		if value == 0 || saturatingDelta(value, newCounter) > 1 {
			continue
		}
		m.counter = newCounter
		found = true
		if m.contains(page) {
			continue
		}
		m.evictColdest(page)
	}

	if !found && m.onDrift != nil {
		if delta := saturatingDelta(oldCounter, newCounter); delta > 1 {
			m.onDrift(delta)
		}
	}
	return nil
}

// saturatingDelta returns newer-older, wrapping and saturating at
// math.MaxUint64 instead of panicking or silently underflowing when the
// enclave's 64-bit counter has wrapped around.
func saturatingDelta(older, newer uint64) uint64 {
	if newer >= older {
		return newer - older
	}
	wrapped := (math.MaxUint64 - older) + newer + 1
	if wrapped < newer {
		return math.MaxUint64
	}
	return wrapped
}

func (m *Mirror) contains(page int) bool {
	for _, a := range m.active {
		if a.Page == page {
			return true
		}
	}
	return false
}

// evictColdest replaces the active slot with the smallest buffer counter
// (treating page 0, the zero-value empty slot, as counter 0) with page,
// granting it maximal r/w/x permissions: the PAM does not track
// permissions, and the prefetch must be capability-preserving.
func (m *Mirror) evictColdest(page int) {
	coldest := -1
	var coldestValue uint64
	for i, a := range m.active {
		var v uint64
		if a.Page != 0 {
			v = m.buffer[a.Page]
		}
		if coldest == -1 || v < coldestValue {
			coldest = i
			coldestValue = v
		}
	}
	if coldest == -1 {
		return
	}
	m.active[coldest] = pageaccess.Access{Page: page, Read: true, Write: true, Execute: true}
}
