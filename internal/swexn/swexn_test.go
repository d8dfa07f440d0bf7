package swexn

import (
	"testing"

	"pebbleos/internal/errno"
	"pebbleos/internal/frame"
	"pebbleos/internal/pagetable"
	"pebbleos/internal/proc"
	"pebbleos/internal/safecopy"
	"pebbleos/internal/sched"
	"pebbleos/internal/syscall"
)

// newTestSetup builds a PCB with one mapped user page (page number 0,
// addresses [0,4096)) backing both the exception stack and the
// newureg buffers the tests write into.
func newTestSetup(t *testing.T) (*sched.Scheduler, *proc.PCB, *proc.TCB, *safecopy.Space) {
	t.Helper()
	s := sched.New()
	global := &pagetable.Directory{}
	alloc := frame.New(4, 2)
	pcb := proc.NewPCB(1, global, 0)
	tc := &proc.TCB{Sched: sched.NewThread(s.NextTID())}
	pcb.AddThread(tc)

	f, err := alloc.AllocUserFrame()
	if err != errno.OK {
		t.Fatalf("AllocUserFrame: %v", err)
	}
	if mapErr := pcb.AS.Map(alloc, 0, pagetable.PTE{Frame: f, Present: true, Writable: true, User: true}); mapErr != errno.OK {
		t.Fatalf("Map: %v", mapErr)
	}
	space := &safecopy.Space{AS: pcb.AS, Alloc: alloc, Regions: pcb.Regions}
	return s, pcb, tc, space
}

func TestSwexnDeregisterWithoutHandlerIsNoop(t *testing.T) {
	s, _, tc, space := newTestSetup(t)
	m := NewManager(s)
	m.Bind(tc)

	ureg := &syscall.Ureg{CS: 0x1B, SS: 0x23}
	if err := m.Swexn(tc.ID(), 0, 0, 0, 0, space, ureg); err != errno.OK {
		t.Fatalf("Swexn deregister-noop: err = %v, want OK", err)
	}
	if _, installed := tc.CurrentHandler(); installed {
		t.Fatal("handler should not be installed")
	}
}

func TestSwexnInstallRejectsUnmappedEsp3OrEip(t *testing.T) {
	s, _, tc, space := newTestSetup(t)
	m := NewManager(s)
	m.Bind(tc)

	ureg := &syscall.Ureg{CS: 0x1B, SS: 0x23}
	if err := m.Swexn(tc.ID(), 0x9000, 0x100, 0, 0, space, ureg); err != errno.EArgs {
		t.Fatalf("Swexn with unmapped esp3: err = %v, want EArgs", err)
	}
	if err := m.Swexn(tc.ID(), 4096, 0x9000, 0, 0, space, ureg); err != errno.EArgs {
		t.Fatalf("Swexn with unmapped eip: err = %v, want EArgs", err)
	}
}

func TestSwexnRejectsMismatchedCSOrSS(t *testing.T) {
	s, _, tc, space := newTestSetup(t)
	m := NewManager(s)
	m.Bind(tc)

	const newuregAddr = 0x200
	writeNewureg(t, space, newuregAddr, 0x100, 0x99 /* wrong CS */, 0x202, 0x900, 0x23)

	ureg := &syscall.Ureg{CS: 0x1B, SS: 0x23, EFLAGS: 0x202}
	if err := m.Swexn(tc.ID(), 0, 0, 0, newuregAddr, space, ureg); err != errno.EArgs {
		t.Fatalf("Swexn with mismatched CS: err = %v, want EArgs", err)
	}
}

func TestSwexnRejectsDisallowedEflagsBits(t *testing.T) {
	s, _, tc, space := newTestSetup(t)
	m := NewManager(s)
	m.Bind(tc)

	const newuregAddr = 0x200
	// Toggle the IF bit (0x200), which is outside eflagsUserMask.
	writeNewureg(t, space, newuregAddr, 0x100, 0x1B, 0x002, 0x900, 0x23)

	ureg := &syscall.Ureg{CS: 0x1B, SS: 0x23, EFLAGS: 0x202}
	if err := m.Swexn(tc.ID(), 0, 0, 0, newuregAddr, space, ureg); err != errno.EArgs {
		t.Fatalf("Swexn toggling IF: err = %v, want EArgs", err)
	}
}

func TestSwexnAppliesValidNewuregOntoUreg(t *testing.T) {
	s, _, tc, space := newTestSetup(t)
	m := NewManager(s)
	m.Bind(tc)

	const newuregAddr = 0x200
	// Only the carry flag (allowed) differs from the current EFLAGS.
	writeNewureg(t, space, newuregAddr, 0x400, 0x1B, 0x203, 0x900, 0x23)

	ureg := &syscall.Ureg{CS: 0x1B, SS: 0x23, EFLAGS: 0x202, EIP: 0x100, UserESP: 0x800}
	if err := m.Swexn(tc.ID(), 4096, 0x100, 0xAB, newuregAddr, space, ureg); err != errno.OK {
		t.Fatalf("Swexn: err = %v, want OK", err)
	}
	if ureg.EIP != 0x400 || ureg.UserESP != 0x900 || ureg.EFLAGS != 0x203 {
		t.Fatalf("ureg after resume = %+v, want EIP=0x400 UserESP=0x900 EFLAGS=0x203", ureg)
	}
	h, installed := tc.CurrentHandler()
	if !installed || h.Esp3 != 4096 || h.Eip != 0x100 || h.Arg != 0xAB {
		t.Fatalf("handler = %+v installed=%v, want {4096 0x100 0xAB} true", h, installed)
	}
}

func TestDeliverWithNoHandlerReturnsFalse(t *testing.T) {
	s, pcb, tc, space := newTestSetup(t)
	m := NewManager(s)
	m.Bind(tc)

	fault := &syscall.Ureg{Cause: 14, EIP: 0x300}
	if _, ok := m.Deliver(pcb, tc, space, fault); ok {
		t.Fatal("Deliver with no handler installed should return ok=false")
	}
}

func TestDeliverBuildsSyntheticFrameAndResumesAtHandler(t *testing.T) {
	s, pcb, tc, space := newTestSetup(t)
	m := NewManager(s)
	m.Bind(tc)

	ureg := &syscall.Ureg{CS: 0x1B, SS: 0x23, EFLAGS: 0x202}
	if err := m.Swexn(tc.ID(), 4096, 0x100, 0xCAFE, 0, space, ureg); err != errno.OK {
		t.Fatalf("install handler: err = %v", err)
	}

	fault := &syscall.Ureg{Cause: 14, CR2: 0x5000, EIP: 0x300, CS: 0x1B, SS: 0x23, EFLAGS: 0x202, EAX: 7}
	resumed, ok := m.Deliver(pcb, tc, space, fault)
	if !ok {
		t.Fatal("Deliver should report a handler was delivered")
	}
	if resumed.EIP != 0x100 {
		t.Fatalf("resumed.EIP = %#x, want 0x100", resumed.EIP)
	}
	if resumed.CS != fault.CS || resumed.SS != fault.SS {
		t.Fatalf("resumed CS/SS = %#x/%#x, want unchanged from fault", resumed.CS, resumed.SS)
	}

	wantUregAddr := uint32(4096) - uregSize
	wantFrameAddr := wantUregAddr - 12
	if resumed.UserESP != wantFrameAddr {
		t.Fatalf("resumed.UserESP = %#x, want %#x", resumed.UserESP, wantFrameAddr)
	}

	ret, _ := space.CopyInInt(wantFrameAddr + 0)
	argW, _ := space.CopyInInt(wantFrameAddr + 4)
	uregPtr, _ := space.CopyInInt(wantFrameAddr + 8)
	if ret != 0 {
		t.Fatalf("synthetic frame return slot = %#x, want 0", ret)
	}
	if uint32(argW) != 0xCAFE {
		t.Fatalf("synthetic frame arg = %#x, want 0xCAFE", uint32(argW))
	}
	if uint32(uregPtr) != wantUregAddr {
		t.Fatalf("synthetic frame ureg ptr = %#x, want %#x", uint32(uregPtr), wantUregAddr)
	}

	savedCause, _ := space.CopyInInt(wantUregAddr + 0)
	if uint32(savedCause) != fault.Cause {
		t.Fatalf("saved ureg.Cause = %#x, want %#x", uint32(savedCause), fault.Cause)
	}

	if _, installed := tc.CurrentHandler(); installed {
		t.Fatal("handler should be deregistered once delivered")
	}

	m.mu.Lock()
	_, occupied := m.occupied[tc.ID()]
	m.mu.Unlock()
	if !occupied {
		t.Fatal("thread should be recorded as occupying the exception stack")
	}

	// The handler "returns" by calling swexn again with a newureg.
	const newuregAddr = 0x200
	writeNewureg(t, space, newuregAddr, 0x500, fault.CS, fault.EFLAGS, 0x900, fault.SS)
	if err := m.Swexn(tc.ID(), 0, 0, 0, newuregAddr, space, resumed); err != errno.OK {
		t.Fatalf("resume swexn: err = %v", err)
	}
	if resumed.EIP != 0x500 {
		t.Fatalf("resumed.EIP after return = %#x, want 0x500", resumed.EIP)
	}

	m.mu.Lock()
	_, stillOccupied := m.occupied[tc.ID()]
	m.mu.Unlock()
	if stillOccupied {
		t.Fatal("thread should have released the exception stack on resume")
	}
}

func writeNewureg(t *testing.T, space *safecopy.Space, addr, eip, cs, eflags, esp, ss uint32) {
	t.Helper()
	fields := []struct {
		off uint32
		v   uint32
	}{
		{0, eip}, {4, cs}, {8, eflags}, {12, esp}, {16, ss},
	}
	for _, f := range fields {
		if err := space.CopyOutInt(addr+f.off, int32(f.v)); err != errno.OK {
			t.Fatalf("CopyOutInt(%#x): %v", addr+f.off, err)
		}
	}
}
