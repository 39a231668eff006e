// Command profiler runs the TLBlur observation engine (C1-C6) against a
// victim enclave, recording an optional waveform trace of every page
// accessed or prefetched across the run.
package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"sgxtlblur/internal/attacker"
	"sgxtlblur/internal/bridge"
	"sgxtlblur/internal/profilerlib"
	"sgxtlblur/internal/tlbsim"
)

var (
	app = kingpin.New("profiler", "TLBlur page-fault side-channel profiler.")

	soPath      = app.Flag("so", "Path to the profiler host shared library.").Required().String()
	enclavePath = app.Flag("enclave", "Path to the signed victim enclave image.").Required().String()
	output      = app.Flag("output", "Waveform trace output file (VCD).").Short('o').String()
	debugPAM    = app.Flag("debug-pam", "Waveform trace of the PAM mirror's active set.").String()
	debugHWTLB  = app.Flag("debug-sim-hwtlb", "Waveform trace of the simulated hardware TLB.").String()
	rawArgs     = app.Flag("args", "Comma-separated enclave arguments; stored in the profiler config but not passed to the enclave.").String()
	erip        = app.Flag("erip", "Record the enclave instruction pointer alongside each frame.").Bool()
	pwsSize     = app.Flag("pws-size", "PAM software-TLB working-set size.").Default("10").Int()
	irqPattern  = app.Flag("irq-pat", "Attacker policy: debug-single-step, single-step, page-fault, stealthy.").Short('p').Default("single-step").String()
	observePTEs = app.Flag("observe-ptes", "Enable AEX-Notify-style PTE observation profile.").Bool()
	hwTLB       = app.Flag("hw-tlb", "Simulate a set-associative hardware TLB instead of a perfect one.").Bool()
	sets        = app.Flag("sets", "Number of sets in the simulated hardware TLB.").Default("4").Int()
	ways        = app.Flag("ways", "Ways per set in the simulated hardware TLB.").Default("2").Int()
	noPrefetch  = app.Flag("no-prefetch", "Disable the TLBlur prefetch policy on interrupt.").Bool()
	verbose     = app.Flag("verbose", "Enable verbose logging.").Short('v').Bool()
)

func attackerKind(name string) (attacker.Kind, error) {
	switch name {
	case "debug-single-step":
		return attacker.DebugSingleStep, nil
	case "single-step":
		return attacker.SingleStep, nil
	case "page-fault":
		return attacker.PageFault, nil
	case "stealthy":
		return attacker.Stealthy, nil
	default:
		return 0, errors.Errorf("unknown --irq-pat %q", name)
	}
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := bridge.LockMemory(); err != nil {
		log.Printf("profiler: %v", err)
	}

	kind, err := attackerKind(*irqPattern)
	if err != nil {
		log.Fatalf("profiler: %v", err)
	}

	tlbCfg := tlbsim.Config{Kind: tlbsim.Perfect}
	if *hwTLB {
		tlbCfg = tlbsim.Config{Kind: tlbsim.SetAssociative, NumSets: *sets, WaysPerSet: *ways}
	}

	var args []string
	if *rawArgs != "" {
		args = strings.Split(*rawArgs, ",")
	}

	cfg := profilerlib.Config{
		SoPath:            *soPath,
		EnclavePath:       *enclavePath,
		Args:              args,
		AttackerKind:      kind,
		AEXNotify:         *observePTEs,
		TLB:               tlbCfg,
		PWSSize:           *pwsSize,
		NoPrefetch:        *noPrefetch,
		VCDPath:           *output,
		PAMDebugVCDPath:   *debugPAM,
		HWTLBDebugVCDPath: *debugHWTLB,
		WriteErip:         *erip,
	}

	logVerbose(*verbose, "creating enclave %s with profiler library %s", *enclavePath, *soPath)

	p, err := profilerlib.Setup(bridge.Unimplemented{}, openFileSink, cfg)
	if err != nil {
		log.Fatalf("profiler: setup failed: %v", err)
	}
	defer func() {
		if err := p.Destroy(); err != nil {
			log.Printf("profiler: destroy failed: %v", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		if err := p.Run(); err != nil {
			log.Printf("profiler: run failed: %v", err)
		}
		close(done)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logVerbose(*verbose, "signal received, stopping profiler")
	case <-done:
	}

	logVerbose(*verbose, "profiler run complete")
}

func openFileSink(path string) (profilerlib.VCDSink, error) {
	return os.Create(path)
}

func logVerbose(verbose bool, format string, v ...interface{}) {
	if verbose {
		log.Printf(format, v...)
	}
}
