// Package trace implements the waveform-style dumper (C8): one 1-bit wire
// per page (optionally split into read/write/execute sub-wires), plus an
// optional 64-bit "erip" wire, written in the Value Change Dump (VCD)
// format. No VCD-writing library was found anywhere in the retrieved
// example pack, so the wire protocol is written directly against an
// io.Writer here rather than through a third-party encoder; see DESIGN.md.
//
// The dumper is advisory, not authoritative: losing it only loses trace
// output, never the reconstruction or observation state it records.
package trace

import (
	"bufio"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"sgxtlblur/internal/pageaccess"
)

// ErrClosed is returned by any write attempted after Close.
var ErrClosed = errors.New("trace: dumper is closed")

// idAlphabet is the printable-ASCII range VCD identifier codes are drawn
// from, matching the allocation scheme of every VCD writer this format was
// grounded on (a simple incrementing single-character code per wire, widening
// to two characters only past 94 wires — not needed at enclave page counts
// this toolkit targets, but implemented for correctness below).
const idAlphabet = "!\"#$%&'()*+,-./0123456789:;<=>?@ABCDEFGHIJKLMNOPQRSTUVWXYZ[\\]^_`abcdefghijklmnopqrstuvwxyz{|}~"

func idFor(n int) string {
	base := len(idAlphabet)
	if n < base {
		return string(idAlphabet[n])
	}
	return string(idAlphabet[n%base]) + idFor(n/base-1)
}

// PageSet is the per-run wire layout: RSet (one wire per page) or RWXSet
// (three wires per page). Mirrors the source's TracePageSet trait.
type PageSet interface {
	addWires(w *bufio.Writer, next func() string) error
	initWires(w *bufio.Writer) error
	updateState(w *bufio.Writer, pages []pageaccess.Access) error
}

type statefulSet struct {
	ids    []string
	state  []bool
	suffix string
}

func newStatefulSet(size int, suffix string) *statefulSet {
	return &statefulSet{state: make([]bool, size), suffix: suffix}
}

func (s *statefulSet) addWires(w *bufio.Writer, next func() string) error {
	s.ids = make([]string, len(s.state))
	for i := range s.state {
		s.ids[i] = next()
		name := fmt.Sprintf("_%d", i)
		if s.suffix != "" {
			name = fmt.Sprintf("_%d_%s", i, s.suffix)
		}
		if _, err := fmt.Fprintf(w, "$var wire 1 %s %s $end\n", s.ids[i], name); err != nil {
			return err
		}
	}
	return nil
}

func (s *statefulSet) initWires(w *bufio.Writer) error {
	for _, id := range s.ids {
		if _, err := fmt.Fprintf(w, "0%s\n", id); err != nil {
			return err
		}
	}
	return nil
}

// updateState emits a 0/1 change line for every wire whose membership in
// pages flipped since the previous call, matching the source's diff-only
// VCDStatefulSet.update_state.
func (s *statefulSet) updateState(w *bufio.Writer, on map[int]bool) error {
	for page, wasOn := range s.state {
		nowOn := on[page]
		if nowOn == wasOn {
			continue
		}
		s.state[page] = nowOn
		bit := byte('0')
		if nowOn {
			bit = '1'
		}
		if _, err := fmt.Fprintf(w, "%c%s\n", bit, s.ids[page]); err != nil {
			return err
		}
	}
	return nil
}

// RSet is a PageSet with a single "read" wire per page, set whenever the
// page was read, written, or executed (no permission distinction).
type RSet struct{ r *statefulSet }

func NewRSet(numPages int) *RSet { return &RSet{r: newStatefulSet(numPages, "")} }

func (s *RSet) addWires(w *bufio.Writer, next func() string) error { return s.r.addWires(w, next) }
func (s *RSet) initWires(w *bufio.Writer) error                   { return s.r.initWires(w) }
func (s *RSet) updateState(w *bufio.Writer, pages []pageaccess.Access) error {
	on := make(map[int]bool, len(pages))
	for _, p := range pages {
		on[p.Page] = true
	}
	return s.r.updateState(w, on)
}

// RWXSet is a PageSet with independent read/write/execute wires per page.
type RWXSet struct{ r, w, x *statefulSet }

func NewRWXSet(numPages int) *RWXSet {
	return &RWXSet{
		r: newStatefulSet(numPages, "r"),
		w: newStatefulSet(numPages, "w"),
		x: newStatefulSet(numPages, "x"),
	}
}

func (s *RWXSet) addWires(w *bufio.Writer, next func() string) error {
	if err := s.r.addWires(w, next); err != nil {
		return err
	}
	if err := s.w.addWires(w, next); err != nil {
		return err
	}
	return s.x.addWires(w, next)
}

func (s *RWXSet) initWires(w *bufio.Writer) error {
	if err := s.r.initWires(w); err != nil {
		return err
	}
	if err := s.w.initWires(w); err != nil {
		return err
	}
	return s.x.initWires(w)
}

func (s *RWXSet) updateState(w *bufio.Writer, pages []pageaccess.Access) error {
	r, wr, x := make(map[int]bool), make(map[int]bool), make(map[int]bool)
	for _, p := range pages {
		if p.Read {
			r[p.Page] = true
		}
		if p.Write {
			wr[p.Page] = true
		}
		if p.Execute {
			x[p.Page] = true
		}
	}
	if err := s.r.updateState(w, r); err != nil {
		return err
	}
	if err := s.w.updateState(w, wr); err != nil {
		return err
	}
	return s.x.updateState(w, x)
}

// Dumper writes one VCD trace file: a fixed wire layout defined once at
// construction, and a diff-only state stream thereafter.
type Dumper struct {
	out      *bufio.Writer
	closer   io.Closer
	pages    PageSet
	eripID   string
	withErip bool
	ts       uint64
	idSeq    int
	closed   bool
}

// Option configures a Dumper at construction.
type Option func(*dumperConfig)

type dumperConfig struct {
	withErip bool
	rwx      bool
}

// WithErip adds the optional 64-bit erip wire.
func WithErip() Option { return func(c *dumperConfig) { c.withErip = true } }

// WithRWX selects the three-wire-per-page layout instead of the default
// single read wire per page.
func WithRWX() Option { return func(c *dumperConfig) { c.rwx = true } }

// NewDumper opens a VCD dumper over sink, writing the fixed header (module
// "trace", one timescale of 1ms, one wire per page, optional erip wire) and
// the initial all-zero $dumpvars block.
func NewDumper(sink io.WriteCloser, numPages int, opts ...Option) (*Dumper, error) {
	cfg := dumperConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &Dumper{out: bufio.NewWriter(sink), closer: sink, withErip: cfg.withErip}
	if cfg.rwx {
		d.pages = NewRWXSet(numPages)
	} else {
		d.pages = NewRSet(numPages)
	}

	next := func() string {
		id := idFor(d.idSeq)
		d.idSeq++
		return id
	}

	if _, err := fmt.Fprintln(d.out, "$timescale 1 ms $end"); err != nil {
		return nil, errors.Wrap(err, "trace: write timescale")
	}
	if _, err := fmt.Fprintln(d.out, "$scope module trace $end"); err != nil {
		return nil, errors.Wrap(err, "trace: write scope")
	}
	if err := d.pages.addWires(d.out, next); err != nil {
		return nil, errors.Wrap(err, "trace: write page wires")
	}
	if d.withErip {
		d.eripID = next()
		if _, err := fmt.Fprintf(d.out, "$var wire 64 %s erip $end\n", d.eripID); err != nil {
			return nil, errors.Wrap(err, "trace: write erip wire")
		}
	}
	if _, err := fmt.Fprintln(d.out, "$upscope $end"); err != nil {
		return nil, errors.Wrap(err, "trace: write upscope")
	}
	if _, err := fmt.Fprintln(d.out, "$enddefinitions $end"); err != nil {
		return nil, errors.Wrap(err, "trace: write enddefinitions")
	}
	if _, err := fmt.Fprintln(d.out, "$dumpvars"); err != nil {
		return nil, errors.Wrap(err, "trace: write dumpvars")
	}
	if err := d.pages.initWires(d.out); err != nil {
		return nil, errors.Wrap(err, "trace: write initial wire state")
	}
	if d.withErip {
		if err := d.writeErip(0); err != nil {
			return nil, err
		}
	}
	if _, err := fmt.Fprintln(d.out, "$end"); err != nil {
		return nil, errors.Wrap(err, "trace: write dumpvars end")
	}
	return d, nil
}

func (d *Dumper) writeErip(rip uint64) error {
	buf := make([]byte, 64)
	for i := 0; i < 64; i++ {
		if (rip>>(63-i))&1 != 0 {
			buf[i] = '1'
		} else {
			buf[i] = '0'
		}
	}
	_, err := fmt.Fprintf(d.out, "b%s %s\n", buf, d.eripID)
	return errors.Wrap(err, "trace: write erip value")
}

// Entry is the mutation handle passed to NextStep; it exists only for the
// duration of one f(entry) call, standing in for the source's
// scope-exit-advances-timestamp destructor pattern (see SPEC_FULL.md C8).
type Entry struct{ d *Dumper }

// WriteErip records the enclave's saved instruction pointer for this step.
func (e *Entry) WriteErip(rip uint64) error {
	if !e.d.withErip {
		return nil
	}
	return e.d.writeErip(rip)
}

// WritePageAccesses records the pages observed at this step.
func (e *Entry) WritePageAccesses(pages []pageaccess.Access) error {
	return e.d.pages.updateState(e.d.out, pages)
}

// NextStep lets f mutate wire state for the current step, then advances the
// timestamp by one unit. This is the explicit commit() call SPEC_FULL.md §4.8
// substitutes for the source's destructor-driven scope exit.
func (d *Dumper) NextStep(f func(*Entry) error) error {
	if d.closed {
		return ErrClosed
	}
	if err := f(&Entry{d: d}); err != nil {
		return err
	}
	d.ts++
	_, err := fmt.Fprintf(d.out, "#%d\n", d.ts)
	return errors.Wrap(err, "trace: write timestamp")
}

// Close flushes buffered output and closes the underlying sink.
func (d *Dumper) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.out.Flush(); err != nil {
		return errors.Wrap(err, "trace: flush")
	}
	return errors.Wrap(d.closer.Close(), "trace: close sink")
}
