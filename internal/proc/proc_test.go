package proc

import (
	"testing"

	"pebbleos/internal/errno"
	"pebbleos/internal/frame"
	"pebbleos/internal/pagetable"
	"pebbleos/internal/region"
	"pebbleos/internal/sched"
)

func TestForkDuplicatesRegionContents(t *testing.T) {
	alloc := frame.New(8, 4)
	global := &pagetable.Directory{}

	s := sched.New()
	parent := NewPCB(1, global, 0)
	parentThread := sched.NewThread(s.NextTID())
	parent.AddThread(&TCB{Sched: parentThread})

	f, err := alloc.AllocUserFrame()
	if err != errno.OK {
		t.Fatalf("AllocUserFrame: %v", err)
	}
	if mapErr := parent.AS.Map(alloc, 0, pagetable.PTE{Frame: f, Present: true, Writable: true, User: true}); mapErr != errno.OK {
		t.Fatalf("Map: %v", mapErr)
	}
	copy(alloc.Bytes(f), []byte("hello"))
	parent.Regions.Insert(&region.Region{Start: 0, End: 1, Kind: region.User, Writable: true})

	child, err := Fork(alloc, parent, parent.Regions.List(), s.NextTID())
	if err != errno.OK {
		t.Fatalf("Fork: %v", err)
	}

	pte, ok := child.AS.Lookup(0)
	if !ok || !pte.Present {
		t.Fatal("child address space missing duplicated page")
	}
	if string(alloc.Bytes(pte.Frame)[:5]) != "hello" {
		t.Fatalf("child frame contents = %q, want \"hello\"", alloc.Bytes(pte.Frame)[:5])
	}
	if pte.Frame == f {
		t.Fatal("child should have its own frame, not share the parent's")
	}

	parent.parentMu.Lock()
	_, isChild := parent.children[child.ID]
	parent.parentMu.Unlock()
	if !isChild {
		t.Fatal("child not registered in parent's children map")
	}
}

func TestThreadForkIncrementsCount(t *testing.T) {
	s := sched.New()
	global := &pagetable.Directory{}
	pcb := NewPCB(1, global, 0)
	pcb.AddThread(&TCB{Sched: sched.NewThread(s.NextTID())})

	if got := pcb.ThreadCount(); got != 1 {
		t.Fatalf("ThreadCount = %d, want 1", got)
	}
	ThreadFork(pcb, s.NextTID())
	if got := pcb.ThreadCount(); got != 2 {
		t.Fatalf("ThreadCount after ThreadFork = %d, want 2", got)
	}
}

func TestExecRequiresSingleThread(t *testing.T) {
	s := sched.New()
	global := &pagetable.Directory{}
	alloc := frame.New(4, 2)
	pcb := NewPCB(1, global, 0)
	pcb.AddThread(&TCB{Sched: sched.NewThread(s.NextTID())})
	pcb.AddThread(&TCB{Sched: sched.NewThread(s.NextTID())})

	if err := Exec(alloc, pcb, nil, ExecLayout{}); err != errno.EMulThr {
		t.Fatalf("Exec with 2 threads: err = %v, want EMulThr", err)
	}
}

func TestWaitReturnsZombieStatusImmediately(t *testing.T) {
	s := sched.New()
	alloc := frame.New(4, 2)
	global := &pagetable.Directory{}

	parent := NewPCB(1, global, 0)
	parentTCB := &TCB{Sched: sched.NewThread(s.NextTID())}
	parent.AddThread(parentTCB)

	child, err := Fork(alloc, parent, nil, s.NextTID())
	if err != errno.OK {
		t.Fatalf("Fork: %v", err)
	}

	init := NewPCB(0, global, 0)
	Vanish(s, alloc, child, init, 15)

	sb, err := Wait(s, parent, parentTCB)
	if err != errno.OK {
		t.Fatalf("Wait: err = %v", err)
	}
	if sb.TID != child.ID || sb.Status != 15 {
		t.Fatalf("Wait = %+v, want {TID:%d Status:15}", sb, child.ID)
	}
}

func TestWaitReportsEChildWithNoChildren(t *testing.T) {
	s := sched.New()
	global := &pagetable.Directory{}
	parent := NewPCB(1, global, 0)
	parentTCB := &TCB{Sched: sched.NewThread(s.NextTID())}
	parent.AddThread(parentTCB)

	if _, err := Wait(s, parent, parentTCB); err != errno.EChild {
		t.Fatalf("Wait with no children: err = %v, want EChild", err)
	}
}

func TestVanishReparentsChildrenToInit(t *testing.T) {
	s := sched.New()
	alloc := frame.New(4, 2)
	global := &pagetable.Directory{}

	grandparent := NewPCB(1, global, 0)
	grandparent.AddThread(&TCB{Sched: sched.NewThread(s.NextTID())})

	parent, err := Fork(alloc, grandparent, nil, s.NextTID())
	if err != errno.OK {
		t.Fatalf("Fork parent: %v", err)
	}

	grandchild, err := Fork(alloc, parent, nil, s.NextTID())
	if err != errno.OK {
		t.Fatalf("Fork grandchild: %v", err)
	}

	init := NewPCB(0, global, 0)
	Vanish(s, alloc, parent, init, 0)

	init.parentMu.Lock()
	_, reparented := init.children[grandchild.ID]
	init.parentMu.Unlock()
	if !reparented {
		t.Fatal("grandchild was not reparented to init")
	}
	if grandchild.Parent != init {
		t.Fatal("grandchild.Parent should now be init")
	}
}

func TestTaskVanishDoomsOtherThreads(t *testing.T) {
	s := sched.New()
	global := &pagetable.Directory{}
	pcb := NewPCB(1, global, 0)
	caller := &TCB{Sched: sched.NewThread(s.NextTID())}
	other := &TCB{Sched: sched.NewThread(s.NextTID())}
	pcb.AddThread(caller)
	pcb.AddThread(other)

	doomed := TaskVanish(pcb, caller)
	if len(doomed) != 1 || doomed[0] != other {
		t.Fatalf("TaskVanish doomed %v, want [other]", doomed)
	}
	if !other.Note.Doomed() {
		t.Fatal("other thread should be marked doomed")
	}
	if caller.Note.Doomed() {
		t.Fatal("caller should not doom itself")
	}
}
