package pageaccess

import "testing"

func TestCoversUnion(t *testing.T) {
	a := Access{Page: 4, Read: true}
	b := Access{Page: 4, Write: true}

	u := a.Union(b)
	if !u.Covers(a) {
		t.Errorf("union %+v should cover %+v", u, a)
	}
	if !u.Covers(b) {
		t.Errorf("union %+v should cover %+v", u, b)
	}
}

func TestCoversPermissionSubset(t *testing.T) {
	full := Access{Page: 1, Read: true, Write: true, Execute: true}
	readOnly := Access{Page: 1, Read: true}
	writeOnly := Access{Page: 1, Write: true}

	if !full.Covers(readOnly) {
		t.Error("full access should cover read-only request")
	}
	if !full.Covers(writeOnly) {
		t.Error("full access should cover write-only request")
	}
	if readOnly.Covers(writeOnly) {
		t.Error("read-only entry should not cover a write request")
	}
}

func TestCoversDifferentPage(t *testing.T) {
	a := Access{Page: 1, Read: true, Write: true, Execute: true}
	b := Access{Page: 2, Read: true}
	if a.Covers(b) {
		t.Error("accesses on different pages must never cover each other")
	}
}
