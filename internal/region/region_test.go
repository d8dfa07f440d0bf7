package region

import (
	"testing"

	"pebbleos/internal/errno"
	"pebbleos/internal/frame"
	"pebbleos/internal/pagetable"
)

func TestInsertAndLookup(t *testing.T) {
	l := New()
	l.Insert(&Region{Start: 0, End: 4, Kind: Text})
	l.Insert(&Region{Start: 4, End: 8, Kind: Data, Writable: true})

	r, ok := l.Lookup(5)
	if !ok || r.Kind != Data {
		t.Fatalf("Lookup(5) = %+v, ok=%v, want Data region", r, ok)
	}
	if _, ok := l.Lookup(100); ok {
		t.Fatal("Lookup of an unmapped page should fail")
	}
}

func TestNewPagesRejectsOverlap(t *testing.T) {
	l := New()
	if err := l.NewPages(10, 4); err != errno.OK {
		t.Fatalf("NewPages: %v", err)
	}
	if err := l.NewPages(12, 4); err != errno.EFail {
		t.Fatalf("overlapping NewPages: err = %v, want EFail", err)
	}
	if err := l.NewPages(20, 0); err != errno.EArgs {
		t.Fatalf("zero-length NewPages: err = %v, want EArgs", err)
	}
}

func TestRemovePagesFreesAndUnlinks(t *testing.T) {
	alloc := frame.New(8, 2)
	as := pagetable.New(nil, 0)
	l := New()
	l.NewPages(0, 2)

	fr, _ := alloc.AllocUserFrame()
	as.Map(alloc, 0, pagetable.PTE{Frame: fr, Present: true, Writable: true})

	if err := l.RemovePages(as, alloc, 0); err != errno.OK {
		t.Fatalf("RemovePages: %v", err)
	}
	if _, ok := l.Lookup(0); ok {
		t.Fatal("region should be gone after RemovePages")
	}
	if err := l.RemovePages(as, alloc, 0); err != errno.EFail {
		t.Fatalf("RemovePages of a missing region: err = %v, want EFail", err)
	}
}

func TestFaultZFODsBssAndRejectsOtherKinds(t *testing.T) {
	alloc := frame.New(8, 2)
	as := pagetable.New(nil, 0)
	l := New()
	l.Insert(&Region{Start: 0, End: 1, Kind: Bss, Writable: true})
	l.Insert(&Region{Start: 1, End: 2, Kind: Text, Writable: false})

	kind, err := l.Fault(as, alloc, 0, true)
	if err != errno.OK || kind != Bss {
		t.Fatalf("Fault on bss page: kind=%v err=%v", kind, err)
	}
	pte, ok := as.Lookup(0)
	if !ok || !pte.Present {
		t.Fatal("bss fault should map a present page")
	}

	if _, err := l.Fault(as, alloc, 1, false); err != errno.EFail {
		t.Fatalf("Fault on unmapped text page: err = %v, want EFail", err)
	}

	if _, err := l.Fault(as, alloc, 1, true); err != errno.EFail {
		t.Fatalf("write Fault on read-only text region: err = %v, want EFail", err)
	}
}

func TestFaultOnAlreadyPresentPageIsIdempotent(t *testing.T) {
	alloc := frame.New(8, 2)
	as := pagetable.New(nil, 0)
	l := New()
	l.Insert(&Region{Start: 0, End: 1, Kind: Bss, Writable: true})

	fr, _ := alloc.AllocUserFrame()
	as.Map(alloc, 0, pagetable.PTE{Frame: fr, Present: true, Writable: true})

	kind, err := l.Fault(as, alloc, 0, true)
	if err != errno.OK || kind != Bss {
		t.Fatalf("Fault on already-mapped page: kind=%v err=%v", kind, err)
	}
}
