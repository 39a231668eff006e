package observe

import (
	"testing"

	"sgxtlblur/internal/pageaccess"
)

func TestUpdateUnionsSamePage(t *testing.T) {
	acc := New()
	acc.Update([]pageaccess.Access{{Page: 1, Read: true}})
	acc.Update([]pageaccess.Access{{Page: 1, Write: true}})

	vals := acc.Values()
	if len(vals) != 1 {
		t.Fatalf("expected 1 merged entry, got %d", len(vals))
	}
	if !vals[0].Read || !vals[0].Write {
		t.Errorf("expected union of read+write, got %+v", vals[0])
	}
}

func TestClearEmpties(t *testing.T) {
	acc := New()
	acc.Update([]pageaccess.Access{{Page: 1, Read: true}})
	acc.Clear()
	if len(acc.Values()) != 0 {
		t.Error("expected empty accumulator after Clear")
	}
}
