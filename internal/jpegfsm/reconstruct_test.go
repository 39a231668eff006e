package jpegfsm

import "testing"

// replay drives Reconstruct through a page-fault sequence starting from
// PreStart under the default (non-AEX-Notify) profile, returning the final
// state.
func replay(r *Reconstruct, pages []int) State {
	p := Profile{}
	state := State{Kind: PreStart}
	for _, page := range pages {
		next := Next(state, page, p)
		r.Transition(state, next)
		state = next
	}
	return state
}

// TestBlockCommitLaw exercises testable property 8: the count committed
// equals the number of consecutive DataCount transitions since the last
// non-DataCount state. A single pass through IdctSlow -> DataCount(1) with
// no further in-range faults before leaving must commit exactly 1.
func TestBlockCommitLaw(t *testing.T) {
	r := NewReconstruct(1)
	replay(r, []int{54, 58, 63, 150, 59})

	buf := r.RawBuffer()
	if len(buf[0]) == 0 || len(buf[0][0]) != 1 || buf[0][0][0] != 1 {
		t.Fatalf("expected a single committed block of count 1, got %v", buf[0])
	}
}

// TestBlockCommitLawAccumulates checks that staying in DataCount across
// repeated in-range faults accumulates the count before commit.
func TestBlockCommitLawAccumulates(t *testing.T) {
	r := NewReconstruct(1)
	replay(r, []int{54, 58, 63, 150, 200, 300, 59})

	buf := r.RawBuffer()
	if len(buf[0]) == 0 || len(buf[0][0]) != 1 || buf[0][0][0] != 3 {
		t.Fatalf("expected a single committed block of count 3, got %v", buf[0])
	}
}

// TestRowLaw exercises testable property 7: after every NextRow->StartRow
// transition, every color channel's row-count equals current_row+1.
func TestRowLaw(t *testing.T) {
	r := NewReconstruct(3)
	replay(r, []int{54, 58, 63, 150, 44, 58, 63, 150, 44, 58})

	for color := 0; color < 3; color++ {
		if len(r.buffer[color]) != r.currentRow+1 {
			t.Errorf("color %d: row count %d != currentRow+1 (%d)", color, len(r.buffer[color]), r.currentRow+1)
		}
	}
}

func TestColorAdvancesModuloNumColors(t *testing.T) {
	r := NewReconstruct(3)
	replay(r, []int{54, 58, 63, 150, 59, 63, 150, 59, 63, 150, 59})

	// Three blocks committed across 3 colors should land back on color 0.
	if r.currentColor != 0 {
		t.Errorf("expected currentColor to wrap to 0 after 3 colors, got %d", r.currentColor)
	}
}

func TestMinMaxTracksExtremes(t *testing.T) {
	r := NewReconstruct(1)
	replay(r, []int{54, 58, 63, 150, 59, 63, 150, 200, 300, 59})

	min, max := r.MinMax()
	if min != 1 || max != 3 {
		t.Errorf("expected min=1 max=3, got min=%d max=%d", min, max)
	}
}
