package tlbsim

import "sgxtlblur/internal/pageaccess"

import "testing"

func page(n int) pageaccess.Access {
	return pageaccess.Access{Page: n, Read: true}
}

func TestSetAssociativeLRUEviction(t *testing.T) {
	s := NewSet(2)
	s.Insert(page(1))
	s.Insert(page(2))
	s.Insert(page(3)) // evicts page 1 (oldest)

	if s.Lookup(page(1)) {
		t.Error("page 1 should have been evicted")
	}
	if !s.Lookup(page(2)) || !s.Lookup(page(3)) {
		t.Error("pages 2 and 3 should still be cached")
	}
}

func TestSetAssociativeLRUPromotion(t *testing.T) {
	s := NewSet(2)
	s.Insert(page(1))
	s.Insert(page(2))
	s.Insert(page(1)) // promotes page 1 to MRU
	s.Insert(page(3)) // should evict page 2, not the promoted page 1

	if !s.Lookup(page(1)) {
		t.Error("promoted page 1 should survive")
	}
	if s.Lookup(page(2)) {
		t.Error("page 2 should have been evicted, not page 1")
	}
	if !s.Lookup(page(3)) {
		t.Error("page 3 should be cached")
	}
}

func TestPerfectTLBPermissionSubsumption(t *testing.T) {
	tlb := New(Config{Kind: Perfect})
	tlb.Update([]pageaccess.Access{{Page: 5, Read: true, Write: true, Execute: true}})

	for _, want := range []pageaccess.Access{
		{Page: 5, Read: true},
		{Page: 5, Write: true},
		{Page: 5, Execute: true},
	} {
		if !tlb.Test(want) {
			t.Errorf("expected hit for %+v against r/w/x entry", want)
		}
	}
}

// S4: sets=2, ways=2, insertions on pages 0,2,4 (all map to set 0);
// lookup of page 0 misses, pages 2 and 4 hit.
func TestSetAssociativeTLBScenarioS4(t *testing.T) {
	tlb := New(Config{Kind: SetAssociative, NumSets: 2, WaysPerSet: 2})
	tlb.Update([]pageaccess.Access{page(0), page(2), page(4)})

	if tlb.Test(page(0)) {
		t.Error("page 0 should have been evicted from the 2-way set")
	}
	if !tlb.Test(page(2)) || !tlb.Test(page(4)) {
		t.Error("pages 2 and 4 should still hit")
	}
}

func TestFlushEmptiesTLB(t *testing.T) {
	tlb := New(Config{Kind: Perfect})
	tlb.Update([]pageaccess.Access{page(1)})
	tlb.Flush()
	if tlb.Test(page(1)) {
		t.Error("flush should empty the TLB")
	}
}
