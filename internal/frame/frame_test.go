package frame

import (
	"testing"

	"pebbleos/internal/errno"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	a := New(4, 2)
	if got := a.FreeUserCount(); got != 4 {
		t.Fatalf("FreeUserCount() = %d, want 4", got)
	}

	f, err := a.AllocUserFrame()
	if err != 0 {
		t.Fatalf("AllocUserFrame() err = %v", err)
	}
	if got := a.FreeUserCount(); got != 3 {
		t.Fatalf("FreeUserCount() after alloc = %d, want 3", got)
	}

	a.FreeUserFrame(f)
	if got := a.FreeUserCount(); got != 4 {
		t.Fatalf("FreeUserCount() after free = %d, want 4", got)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := New(1, 0)
	if _, err := a.AllocUserFrame(); err != 0 {
		t.Fatalf("first alloc: err = %v", err)
	}
	if _, err := a.AllocUserFrame(); err != errno.ENoMem {
		t.Fatalf("second alloc: err = %v, want ENoMem", err)
	}
}

func TestKernelFallsBackToUserPool(t *testing.T) {
	a := New(1, 0)
	f, err := a.AllocKernelPage()
	if err != 0 {
		t.Fatalf("AllocKernelPage() err = %v, want success via user-pool fallback", err)
	}
	if got := a.FreeUserCount(); got != 0 {
		t.Fatalf("FreeUserCount() = %d, want 0 after kernel fallback drained it", got)
	}
	a.FreeUserFrame(f)
}

func TestRequestFramesAdmitsOnlySatisfiableDemand(t *testing.T) {
	a := New(2, 1)
	if err := a.RequestFrames(2, 1); err != 0 {
		t.Fatalf("RequestFrames(2,1) err = %v, want satisfiable", err)
	}
	if err := a.RequestFrames(1, 0); err == 0 {
		t.Fatalf("RequestFrames(1,0) err = 0, want ENoMem once reserved demand exceeds pool")
	}
}

func TestZeroedOnAlloc(t *testing.T) {
	a := New(2, 0)
	f, _ := a.AllocUserFrame()
	buf := a.Bytes(f)
	buf[0] = 0xff
	a.FreeUserFrame(f)
	f2, _ := a.AllocUserFrame()
	if f2 != f {
		t.Skip("free list did not hand back the same frame; zero check not meaningful")
	}
	if a.Bytes(f2)[0] != 0 {
		t.Fatalf("Bytes(f)[0] = %d, want 0 (allocator must zero on alloc)", a.Bytes(f2)[0])
	}
}
