package bridge

import (
	"testing"

	pkgerrors "github.com/pkg/errors"
)

func TestUnimplementedReturnsErrNotImplemented(t *testing.T) {
	var b Bridge = Unimplemented{}

	if _, err := b.EnclaveCreate("victim.signed.so"); pkgerrors.Cause(err) != ErrNotImplemented {
		t.Errorf("EnclaveCreate: expected ErrNotImplemented, got %v", err)
	}
	if err := b.EnclaveDestroy(1); pkgerrors.Cause(err) != ErrNotImplemented {
		t.Errorf("EnclaveDestroy: expected ErrNotImplemented, got %v", err)
	}
	if _, err := b.SymbolAddress(1, "__tlblur_pam"); pkgerrors.Cause(err) != ErrNotImplemented {
		t.Errorf("SymbolAddress: expected ErrNotImplemented, got %v", err)
	}
	if _, err := b.GPRSGX(1); pkgerrors.Cause(err) != ErrNotImplemented {
		t.Errorf("GPRSGX: expected ErrNotImplemented, got %v", err)
	}
	if err := b.RegisterStep(func() {}); pkgerrors.Cause(err) != ErrNotImplemented {
		t.Errorf("RegisterStep: expected ErrNotImplemented, got %v", err)
	}
	if err := b.RegisterPageFault(func(int) {}); pkgerrors.Cause(err) != ErrNotImplemented {
		t.Errorf("RegisterPageFault: expected ErrNotImplemented, got %v", err)
	}
	if err := b.RevokePages(0, 1); pkgerrors.Cause(err) != ErrNotImplemented {
		t.Errorf("RevokePages: expected ErrNotImplemented, got %v", err)
	}
	if err := b.RestorePages(0, 1); pkgerrors.Cause(err) != ErrNotImplemented {
		t.Errorf("RestorePages: expected ErrNotImplemented, got %v", err)
	}
	if _, err := b.PageTableEntryFor(1, 0); pkgerrors.Cause(err) != ErrNotImplemented {
		t.Errorf("PageTableEntryFor: expected ErrNotImplemented, got %v", err)
	}
}

func TestUnimplementedSatisfiesJpegEcalls(t *testing.T) {
	var e JpegEcalls = Unimplemented{}

	if err := e.LoadImage(1, "image.jpg", 100, 200); pkgerrors.Cause(err) != ErrNotImplemented {
		t.Errorf("LoadImage: expected ErrNotImplemented, got %v", err)
	}
	if err := e.DecompressImage(1); pkgerrors.Cause(err) != ErrNotImplemented {
		t.Errorf("DecompressImage: expected ErrNotImplemented, got %v", err)
	}
	if err := e.FreeImage(1); pkgerrors.Cause(err) != ErrNotImplemented {
		t.Errorf("FreeImage: expected ErrNotImplemented, got %v", err)
	}
}
