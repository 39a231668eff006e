// Package profilerlib ties the page-table shadow, simulated TLB, PAM
// mirror, attacker policy and trace writer into the profiler binary's
// setup/run/teardown lifecycle, mirroring the shape of
// original_source/app/profiler/src/lib.rs's ProfilerLibrary.
package profilerlib

import (
	"context"
	"log"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"sgxtlblur/internal/attacker"
	"sgxtlblur/internal/bridge"
	"sgxtlblur/internal/pam"
	"sgxtlblur/internal/shadow"
	"sgxtlblur/internal/tlbsim"
	"sgxtlblur/internal/trace"
	"sgxtlblur/internal/trapdispatch"
)

// VCDSink is the minimal file-like handle a waveform dump is written to;
// narrowed down from io.WriteCloser so callers can substitute an in-memory
// buffer in tests.
type VCDSink interface {
	Write(p []byte) (int, error)
	Close() error
}

// Config parameterizes a profiler run. SoPath and EnclavePath name the
// profiler host shared library and the victim enclave image respectively.
// Setup only uses EnclavePath: it does not load the library at SoPath, and
// Args is carried in the config but not passed to the enclave.
type Config struct {
	SoPath      string
	EnclavePath string
	Args        []string

	AttackerKind attacker.Kind
	AEXNotify    bool

	TLB        tlbsim.Config
	PWSSize    int
	NoPrefetch bool

	VCDPath           string
	PAMDebugVCDPath   string
	HWTLBDebugVCDPath string
	WriteErip         bool
}

// Profiler owns the running attack's bridge handle, shadow page table and
// trap dispatcher. Destroy must be called exactly once, regardless of how
// Run returns, to release the enclave and close any open trace sinks.
type Profiler struct {
	bridge  bridge.Bridge
	enclave *bridge.Enclave
	handler *trapdispatch.Handler
	sinks   []*trace.Dumper
}

// Setup creates the enclave and opens each configured trace sink file as
// concurrent, independently-failing I/O steps under an errgroup, then builds the
// shadow page table, simulated TLB, PAM mirror, attacker and trap
// dispatcher from the enclave's now-known size, and finally registers the
// trap handler with the bridge's fault registrar.
func Setup(br bridge.Bridge, openSink func(path string) (VCDSink, error), cfg Config) (*Profiler, error) {
	p := &Profiler{bridge: br}

	var (
		enclave          *bridge.Enclave
		vcdSink          VCDSink
		pamDebugSink     VCDSink
		hwTLBDebugSink   VCDSink
	)

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		var err error
		enclave, err = br.EnclaveCreate(cfg.EnclavePath)
		return errors.Wrap(err, "profilerlib: create enclave")
	})
	g.Go(func() error {
		var err error
		vcdSink, err = openSinkIfConfigured(openSink, cfg.VCDPath)
		return errors.Wrap(err, "profilerlib: open trace sink")
	})
	g.Go(func() error {
		var err error
		pamDebugSink, err = openSinkIfConfigured(openSink, cfg.PAMDebugVCDPath)
		return errors.Wrap(err, "profilerlib: open PAM debug sink")
	})
	g.Go(func() error {
		var err error
		hwTLBDebugSink, err = openSinkIfConfigured(openSink, cfg.HWTLBDebugVCDPath)
		return errors.Wrap(err, "profilerlib: open HW-TLB debug sink")
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.enclave = enclave

	pageTable, err := shadow.Build(enclave.Base, enclave.End, func(vaddr uintptr) (bridge.PTEEntry, error) {
		return br.PageTableEntryFor(enclave.ID, vaddr)
	})
	if err != nil {
		return nil, errors.Wrap(err, "profilerlib: build shadow page table")
	}
	numPages := pageTable.NumPages()

	dumper, err := wrapDumper(vcdSink, numPages, cfg.WriteErip)
	if err != nil {
		return nil, errors.Wrap(err, "profilerlib: initialize trace dumper")
	}
	pamDebugDumper, err := wrapDumper(pamDebugSink, numPages, false)
	if err != nil {
		return nil, errors.Wrap(err, "profilerlib: initialize PAM debug dumper")
	}
	hwTLBDebugDumper, err := wrapDumper(hwTLBDebugSink, numPages, false)
	if err != nil {
		return nil, errors.Wrap(err, "profilerlib: initialize HW-TLB debug dumper")
	}

	pamUpdateCodeAddr, err := br.SymbolAddress(enclave.ID, "tlblur_pam_update")
	if err != nil {
		return nil, errors.Wrap(err, "profilerlib: resolve PAM update symbol")
	}
	pamAddr, err := br.SymbolAddress(enclave.ID, "__tlblur_pam")
	if err != nil {
		return nil, errors.Wrap(err, "profilerlib: resolve PAM buffer symbol")
	}
	counterAddr, err := br.SymbolAddress(enclave.ID, "__tlblur_counter")
	if err != nil {
		return nil, errors.Wrap(err, "profilerlib: resolve PAM counter symbol")
	}

	pamMirror := pam.New(
		br.NewMemory(enclave.ID, pamAddr),
		br.NewMemory(enclave.ID, counterAddr),
		pamAddr, counterAddr,
		numPages, cfg.PWSSize,
		func(delta uint64) {
			log.Printf("profilerlib: PAM counter advanced by %d without a matching buffer entry", delta)
		},
	)

	h := trapdispatch.NewHandler()
	h.PageTable = pageTable
	h.TLB = tlbsim.New(cfg.TLB)
	h.PAM = pamMirror
	h.Attacker = attacker.New(cfg.AttackerKind, cfg.AEXNotify)
	h.Dumper = dumper
	h.PAMDebugDumper = pamDebugDumper
	h.HWTLBDebugDumper = hwTLBDebugDumper
	h.WriteErip = cfg.WriteErip
	h.NoPrefetch = cfg.NoPrefetch
	h.GPRSGX = func() (bridge.GPRSGXRegion, error) { return br.GPRSGX(enclave.ID) }
	h.EnclaveBase = enclave.Base
	h.EnclaveLimit = enclave.End
	h.PAMUpdateCodePage = int((pamUpdateCodeAddr - enclave.Base) / shadow.PageSize)
	h.CounterPage = int((counterAddr - enclave.Base) / shadow.PageSize)
	h.PAMPages = pamPageRange(pamAddr, enclave.Base, numPages)

	p.handler = h
	for _, d := range []*trace.Dumper{dumper, pamDebugDumper, hwTLBDebugDumper} {
		if d != nil {
			p.sinks = append(p.sinks, d)
		}
	}

	// Registration is sequenced after the dispatcher is fully built, since
	// the registered callback closes over h: unlike enclave creation and
	// sink opening, it has no independent data of its own to fail on ahead
	// of that construction.
	if err := br.RegisterStep(func() {
		if err := h.Step(); err != nil {
			panic(err)
		}
	}); err != nil {
		return nil, errors.Wrap(err, "profilerlib: register step handler")
	}

	return p, nil
}

func openSinkIfConfigured(open func(string) (VCDSink, error), path string) (VCDSink, error) {
	if path == "" {
		return nil, nil
	}
	return open(path)
}

func wrapDumper(sink VCDSink, numPages int, withErip bool) (*trace.Dumper, error) {
	if sink == nil {
		return nil, nil
	}
	var opts []trace.Option
	if withErip {
		opts = append(opts, trace.WithErip())
	}
	return trace.NewDumper(sink, numPages, opts...)
}

func pamPageRange(pamAddr, enclaveBase uintptr, numPages int) []int {
	start := int((pamAddr - enclaveBase) / shadow.PageSize)
	pamBytes := numPages * 8
	pamPageCount := (pamBytes + shadow.PageSize - 1) / shadow.PageSize
	pages := make([]int, pamPageCount)
	for i := range pages {
		pages[i] = start + i
	}
	return pages
}

// Run returns nil immediately. It does not call a profiler_run entry point
// and does not block: any step-driven execution happens on the native
// bridge's side of br.RegisterStep, which Setup has already armed.
func (p *Profiler) Run() error {
	return nil
}

// Destroy releases the enclave and closes every opened trace sink,
// regardless of how Run returned. Safe to call even if Setup failed
// partway, provided the returned *Profiler is non-nil.
func (p *Profiler) Destroy() error {
	var firstErr error
	for _, d := range p.sinks {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "profilerlib: close trace sink")
		}
	}
	if p.enclave != nil {
		if err := p.bridge.EnclaveDestroy(p.enclave.ID); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "profilerlib: destroy enclave")
		}
	}
	return firstErr
}
