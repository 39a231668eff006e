// Package bridge declares the narrow interfaces this toolkit consumes from
// an SGX-Step-style native bridge. Enclave creation/destruction, the
// page-table-entry mapping, the SSA/GPRSGX inspection and the fault/trap
// registration primitives all live on the other side of these interfaces on
// real hardware; this package only describes the contract so the
// observation engine can be built, tested and driven against a fake without
// ever linking libsgxstep.
package bridge

import "github.com/pkg/errors"

// ErrNotImplemented is returned by the stub native bridge. A real build
// links against libsgxstep (or an equivalent) and replaces PTEEntry,
// FaultRegistrar and Enclave with that bridge's concrete types.
var ErrNotImplemented = errors.New("sgx-step bridge not linked into this build")

// Enclave describes a loaded enclave image, as returned by EnclaveCreate.
type Enclave struct {
	ID   uint64
	Base uintptr
	End  uintptr
	Size uint64
}

// PTEEntry is a handle to one live page-table entry. Implementations read
// and write the hardware Accessed/Dirty/Present bits directly; on a
// software fake they model the same three bits in memory.
type PTEEntry interface {
	Accessed() bool
	Dirty() bool
	Present() bool
	MarkNotAccessed()
	MarkClean()
}

// Memory is the cross-process memory reader/writer used to mirror PAM state
// out of enclave memory. It is intentionally minimal so tests can substitute
// an in-memory fake instead of a real ORAM/ptrace-backed reader.
type Memory interface {
	ReadAt(dst []byte, addr uintptr) error
	WriteAt(src []byte, addr uintptr) error
}

// GPRSGXRegion exposes the subset of the enclave's last-AEX saved register
// state this toolkit needs; on real hardware this is the SSA GPRSGX area.
type GPRSGXRegion struct {
	RSP uint64
}

// FaultRegistrar arms asynchronous notification. RegisterStep is used by the
// profiler (one trap per single-stepped instruction); RegisterPageFault is
// used by the JPEG attack driver (one callback per page fault).
type FaultRegistrar interface {
	RegisterStep(fn func()) error
	RegisterPageFault(fn func(page int)) error
}

// PageProtector revokes or restores access to a run of pages. Both
// operations return an error if the underlying mprotect-equivalent call
// fails; per spec this failure is always fatal to the attack in progress.
type PageProtector interface {
	RevokePages(startPage, count int) error
	RestorePages(startPage, count int) error
}

// Bridge bundles everything a caller needs to stand up the observation
// engine against a concrete enclave. EnclaveCreate/EnclaveDestroy manage the
// lifetime; SymbolAddress resolves the TLBlur instrumentation symbols;
// GPRSGX exposes the saved register file from the last AEX.
type Bridge interface {
	EnclaveCreate(path string) (*Enclave, error)
	EnclaveDestroy(id uint64) error
	SymbolAddress(id uint64, name string) (uintptr, error)
	NewMemory(id uint64, addr uintptr) Memory
	GPRSGX(id uint64) (GPRSGXRegion, error)
	FaultRegistrar
	PageProtector
	// PageTableEntryFor resolves the page-table-entry handle for a virtual
	// address within the enclave, or nil if the page is unmapped.
	PageTableEntryFor(id uint64, vaddr uintptr) (PTEEntry, error)
}

// JpegEcalls is the narrow ecall surface the libjpeg attack driver invokes
// against the victim enclave. Per the out-of-scope list, the compiled
// victim enclave and its ecall/ocall stubs are external collaborators;
// this interface is the entire shape this toolkit needs from them.
type JpegEcalls interface {
	LoadImage(id uint64, inputPath string, inputSize, outputSize uint64) error
	DecompressImage(id uint64) error
	FreeImage(id uint64) error
}
