package profilerlib

import (
	"bytes"
	"testing"

	"sgxtlblur/internal/attacker"
	"sgxtlblur/internal/bridge"
	"sgxtlblur/internal/tlbsim"
)

const fakeNumPages = 8

// fakeBridge implements bridge.Bridge entirely in memory, standing in for
// a real libsgxstep-backed bridge so Setup/Destroy can be exercised without
// an enclave.
type fakeBridge struct {
	entries    []*bridge.FakePTE
	pamMem     *bridge.FakeMemory
	counterMem *bridge.FakeMemory
	stepFn     func()
	destroyed  bool
}

func newFakeBridge() *fakeBridge {
	entries := make([]*bridge.FakePTE, fakeNumPages)
	for i := range entries {
		entries[i] = bridge.NewFakePTE()
	}
	return &fakeBridge{
		entries:    entries,
		pamMem:     bridge.NewFakeMemory(0x2000, fakeNumPages*8),
		counterMem: bridge.NewFakeMemory(0x3000, 8),
	}
}

func (b *fakeBridge) EnclaveCreate(path string) (*bridge.Enclave, error) {
	return &bridge.Enclave{ID: 1, Base: 0, End: uintptr((fakeNumPages - 1) * 4096), Size: uint64(fakeNumPages * 4096)}, nil
}

func (b *fakeBridge) EnclaveDestroy(id uint64) error {
	b.destroyed = true
	return nil
}

func (b *fakeBridge) SymbolAddress(id uint64, name string) (uintptr, error) {
	switch name {
	case "tlblur_pam_update":
		return 0x1000, nil
	case "__tlblur_pam":
		return 0x2000, nil
	case "__tlblur_counter":
		return 0x3000, nil
	default:
		return 0, bridge.ErrNotImplemented
	}
}

func (b *fakeBridge) NewMemory(id uint64, addr uintptr) bridge.Memory {
	switch addr {
	case 0x2000:
		return b.pamMem
	case 0x3000:
		return b.counterMem
	default:
		return bridge.NewFakeMemory(addr, 8)
	}
}

func (b *fakeBridge) GPRSGX(id uint64) (bridge.GPRSGXRegion, error) {
	return bridge.GPRSGXRegion{}, nil
}

func (b *fakeBridge) RegisterStep(fn func()) error {
	b.stepFn = fn
	return nil
}

func (b *fakeBridge) RegisterPageFault(fn func(page int)) error { return nil }

func (b *fakeBridge) RevokePages(startPage, count int) error  { return nil }
func (b *fakeBridge) RestorePages(startPage, count int) error { return nil }

func (b *fakeBridge) PageTableEntryFor(id uint64, vaddr uintptr) (bridge.PTEEntry, error) {
	return b.entries[vaddr/4096], nil
}

type bufSink struct{ bytes.Buffer }

func (b *bufSink) Close() error { return nil }

func testConfig() Config {
	return Config{
		SoPath:       "profiler.so",
		EnclavePath:  "victim.signed.so",
		AttackerKind: attacker.SingleStep,
		TLB:          tlbsim.Config{Kind: tlbsim.Perfect},
		PWSSize:      2,
	}
}

func TestSetupWiresHandlerAndRegistersStep(t *testing.T) {
	br := newFakeBridge()
	p, err := Setup(br, func(string) (VCDSink, error) { return &bufSink{}, nil }, testConfig())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if br.stepFn == nil {
		t.Fatal("expected Setup to register a step handler with the bridge")
	}
	if p.handler.PAMUpdateCodePage != 1 {
		t.Errorf("expected PAM-update code page 1 (addr 0x1000 / 4096), got %d", p.handler.PAMUpdateCodePage)
	}
	if p.handler.CounterPage != 3 {
		t.Errorf("expected counter page 3 (addr 0x3000 / 4096), got %d", p.handler.CounterPage)
	}
	if len(p.handler.PAMPages) == 0 {
		t.Error("expected a non-empty PAM page range")
	}

	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !br.destroyed {
		t.Error("expected Destroy to destroy the enclave")
	}
}

func TestSetupWithoutVCDPathSkipsDumper(t *testing.T) {
	br := newFakeBridge()
	p, err := Setup(br, func(string) (VCDSink, error) { return &bufSink{}, nil }, testConfig())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if p.handler.Dumper != nil {
		t.Error("expected no dumper when VCDPath is empty")
	}
	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestSetupOpensConfiguredDumper(t *testing.T) {
	br := newFakeBridge()
	cfg := testConfig()
	cfg.VCDPath = "trace.vcd"
	p, err := Setup(br, func(string) (VCDSink, error) { return &bufSink{}, nil }, cfg)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if p.handler.Dumper == nil {
		t.Fatal("expected a dumper to be opened for a non-empty VCDPath")
	}
	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

func TestFirstRegisteredStepDoesNotPanic(t *testing.T) {
	br := newFakeBridge()
	p, err := Setup(br, func(string) (VCDSink, error) { return &bufSink{}, nil }, testConfig())
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer p.Destroy()

	// The first registered step only primes the page table; it must not
	// panic even though nothing has touched a page yet.
	br.stepFn()
}
