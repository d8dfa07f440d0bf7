package syscall

import (
	"testing"

	"pebbleos/internal/errno"
	"pebbleos/internal/frame"
	"pebbleos/internal/pagetable"
	"pebbleos/internal/proc"
	"pebbleos/internal/safecopy"
	"pebbleos/internal/sched"
)

func newTestPCB(t *testing.T) (*proc.PCB, *proc.TCB, *sched.Scheduler, *safecopy.Space) {
	t.Helper()
	s := sched.New()
	global := &pagetable.Directory{}
	alloc := frame.New(16, 4)
	pcb := proc.NewPCB(1, global, 0)
	tc := &proc.TCB{Sched: sched.NewThread(s.NextTID())}
	pcb.AddThread(tc)
	space := &safecopy.Space{AS: pcb.AS, Alloc: alloc, Regions: pcb.Regions}
	return pcb, tc, s, space
}

func TestDispatchGettid(t *testing.T) {
	pcb, tc, s, space := newTestPCB(t)
	d := &Dispatcher{Sched: s}
	var u Ureg
	d.Dispatch(Gettid, pcb, tc, space, &u)
	if u.EAX != uint32(tc.ID()) {
		t.Fatalf("EAX = %d, want %d", u.EAX, tc.ID())
	}
}

func TestDispatchGetTicks(t *testing.T) {
	pcb, tc, s, space := newTestPCB(t)
	d := &Dispatcher{Sched: s}
	s.Tick()
	s.Tick()
	var u Ureg
	d.Dispatch(GetTicks, pcb, tc, space, &u)
	if u.EAX != 2 {
		t.Fatalf("EAX = %d, want 2", u.EAX)
	}
}

func TestDispatchSleepRejectsNegative(t *testing.T) {
	pcb, tc, s, space := newTestPCB(t)
	d := &Dispatcher{Sched: s}
	var u Ureg
	neg := int32(-1)
	u.EDI = uint32(neg)
	d.Dispatch(Sleep, pcb, tc, space, &u)
	if int32(u.EAX) != int32(errno.EArgs) {
		t.Fatalf("EAX = %d, want EArgs", int32(u.EAX))
	}
}

func TestDispatchSleepZeroIsNoop(t *testing.T) {
	pcb, tc, s, space := newTestPCB(t)
	d := &Dispatcher{Sched: s}
	var u Ureg
	u.EDI = 0
	d.Dispatch(Sleep, pcb, tc, space, &u)
	if u.EAX != 0 {
		t.Fatalf("EAX = %d, want 0", u.EAX)
	}
}

func TestDispatchNewPagesAndRemovePages(t *testing.T) {
	pcb, tc, s, space := newTestPCB(t)
	d := &Dispatcher{Sched: s, Alloc: space.Alloc}

	var u Ureg
	u.EDI, u.ESI = 0x1000, 0x1000
	d.Dispatch(NewPages, pcb, tc, space, &u)
	if errno.Errno(int32(u.EAX)) != errno.OK {
		t.Fatalf("NewPages EAX = %d, want OK", int32(u.EAX))
	}

	var u2 Ureg
	u2.EDI = 0x1000
	d.Dispatch(RemovePages, pcb, tc, space, &u2)
	if errno.Errno(int32(u2.EAX)) != errno.OK {
		t.Fatalf("RemovePages EAX = %d, want OK", int32(u2.EAX))
	}
}

func TestDispatchSetStatus(t *testing.T) {
	pcb, tc, s, space := newTestPCB(t)
	d := &Dispatcher{Sched: s}
	var u Ureg
	u.EDI = uint32(int32(42))
	d.Dispatch(SetStatus, pcb, tc, space, &u)
	if pcb.ExitStatus != 42 {
		t.Fatalf("ExitStatus = %d, want 42", pcb.ExitStatus)
	}
}

func TestDispatchThreadFork(t *testing.T) {
	pcb, tc, s, space := newTestPCB(t)
	d := &Dispatcher{Sched: s}
	var u Ureg
	d.Dispatch(ThreadFork, pcb, tc, space, &u)
	if pcb.ThreadCount() != 2 {
		t.Fatalf("ThreadCount = %d, want 2", pcb.ThreadCount())
	}
	if int32(u.EAX) <= 0 {
		t.Fatalf("new tid = %d, want a positive tid", int32(u.EAX))
	}
}

func TestDispatchUnknownDeviceSyscallsFailCleanly(t *testing.T) {
	pcb, tc, s, space := newTestPCB(t)
	d := &Dispatcher{Sched: s}
	for _, num := range []Number{Print, Getchar, SetTermColor, SetCursorPos, GetCursorPos, Readline, Ls, Swexn} {
		var u Ureg
		d.Dispatch(num, pcb, tc, space, &u)
		if errno.Errno(int32(u.EAX)) != errno.EFail {
			t.Fatalf("syscall %v with no backend: EAX = %d, want EFail", num, int32(u.EAX))
		}
	}
}
