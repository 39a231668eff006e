package bridge

// Unimplemented is the native bridge's placeholder implementation: every
// method that returns an error returns ErrNotImplemented, and NewMemory
// returns a nil Memory. It satisfies Bridge so the command-line
// binaries link and run their flag/argument handling end to end without a
// real libsgxstep build; a real build swaps this out for a bridge backed by
// cgo bindings over libsgxstep.
type Unimplemented struct{}

func (Unimplemented) EnclaveCreate(path string) (*Enclave, error) { return nil, ErrNotImplemented }
func (Unimplemented) EnclaveDestroy(id uint64) error              { return ErrNotImplemented }
func (Unimplemented) SymbolAddress(id uint64, name string) (uintptr, error) {
	return 0, ErrNotImplemented
}
func (Unimplemented) NewMemory(id uint64, addr uintptr) Memory { return nil }
func (Unimplemented) GPRSGX(id uint64) (GPRSGXRegion, error) {
	return GPRSGXRegion{}, ErrNotImplemented
}
func (Unimplemented) RegisterStep(fn func()) error             { return ErrNotImplemented }
func (Unimplemented) RegisterPageFault(fn func(page int)) error { return ErrNotImplemented }
func (Unimplemented) RevokePages(startPage, count int) error    { return ErrNotImplemented }
func (Unimplemented) RestorePages(startPage, count int) error   { return ErrNotImplemented }
func (Unimplemented) PageTableEntryFor(id uint64, vaddr uintptr) (PTEEntry, error) {
	return nil, ErrNotImplemented
}

// Unimplemented also satisfies JpegEcalls, so a single stub value wires
// both the attack driver's fault-handling bridge and its ecall surface
// until a real libjpeg/SGX-Step build is linked in.
func (Unimplemented) LoadImage(id uint64, inputPath string, inputSize, outputSize uint64) error {
	return ErrNotImplemented
}
func (Unimplemented) DecompressImage(id uint64) error { return ErrNotImplemented }
func (Unimplemented) FreeImage(id uint64) error       { return ErrNotImplemented }
