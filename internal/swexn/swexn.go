// Package swexn implements software exception delivery: the per-thread
// handler registry the swexn syscall installs into, and the
// fault-delivery protocol that invokes a registered handler on its own
// exception stack when a thread faults.
//
// Grounded on Oichkatzelesfrettschen-biscuit's swexn-handling path in
// caller.go (the register/deregister atomicity and the "handler runs
// on its own stack, resumed via a fresh swexn call instead of a
// return" protocol), adapted to this module's explicit-reference style
// (a Manager instance owned by cmd/pebblekernel, not an ambient
// package-level table) and to internal/ksync's single-waiter Cond for
// the rare case of two threads sharing one exception stack.
package swexn

import (
	"sync"

	"pebbleos/internal/errno"
	"pebbleos/internal/ksync"
	"pebbleos/internal/proc"
	"pebbleos/internal/safecopy"
	"pebbleos/internal/sched"
	"pebbleos/internal/syscall"
)

// eflagsUserMask is the set of EFLAGS bits a handler's replacement
// register state may change: the condition-code and direction flags.
// Every other bit must come back exactly as it was, which Swexn
// enforces by comparing against the live trap frame rather than a
// fixed constant.
const eflagsUserMask = 0x0000_0CD5

// uregWords is the number of uint32 fields in syscall.Ureg, in
// declaration order; writeUreg relies on this layout to pack a
// saved trap frame onto a user exception stack.
const uregWords = 14
const uregSize = uregWords * 4

// stackSet tracks, per task, which exception stacks (keyed by esp3)
// are currently occupied by a running handler, and the single-waiter
// condvar a second thread blocks on if it faults onto the same stack
// while a handler is already running there.
type stackSet struct {
	mu    sync.Mutex
	inUse map[uint32]bool
	cond  map[uint32]*ksync.Cond
}

// Manager owns the handler registry's supporting state that does not
// fit on proc.TCB itself: the tid lookup table Swexn needs (the
// syscall.SwexnHandler interface is only given a tid) and the
// per-task exception-stack occupancy sets Deliver arbitrates.
type Manager struct {
	sched *sched.Scheduler

	mu       sync.Mutex
	threads  map[uint64]*proc.TCB
	stacks   map[*proc.PCB]*stackSet
	occupied map[uint64]uint32 // tid -> esp3 currently held
}

// NewManager returns a Manager driving handler delivery against s,
// whose quick lock Deliver and stack-release both use to signal
// waiters, matching ksync.Cond's contract.
func NewManager(s *sched.Scheduler) *Manager {
	return &Manager{
		sched:    s,
		threads:  make(map[uint64]*proc.TCB),
		stacks:   make(map[*proc.PCB]*stackSet),
		occupied: make(map[uint64]uint32),
	}
}

// Bind registers tc so Swexn can find it by tid; Unbind removes it
// when the thread exits. Called from the same place thread_fork/fork
// add the thread to its PCB.
func (m *Manager) Bind(tc *proc.TCB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[tc.ID()] = tc
}

// Unbind removes tid's entry.
func (m *Manager) Unbind(tid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, tid)
}

func (m *Manager) lookup(tid uint64) *proc.TCB {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[tid]
}

func (m *Manager) stackSetFor(pcb *proc.PCB) *stackSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	ss, ok := m.stacks[pcb]
	if !ok {
		ss = &stackSet{inUse: make(map[uint32]bool), cond: make(map[uint32]*ksync.Cond)}
		m.stacks[pcb] = ss
	}
	return ss
}

// Swexn implements syscall.SwexnHandler: install/deregister tid's
// handler and, if newuregAddr is non-zero, validate and apply a
// replacement register state directly onto ureg (the syscall's own
// trap frame), so the return to user mode resumes there instead of
// where the syscall was issued.
//
// Register-install (or deregister) and a newuregAddr apply happen as a
// single call, matching the "atomic as a pair" rule: either both take
// effect or neither does.
func (m *Manager) Swexn(tid uint64, esp3, eip, arg, newuregAddr uint32, space *safecopy.Space, ureg *syscall.Ureg) errno.Errno {
	tc := m.lookup(tid)
	if tc == nil {
		return errno.EArgs
	}

	deregister := esp3 == 0 || eip == 0
	if !deregister {
		if !space.ValidateWrite(esp3-4, 4) || !space.ValidateRead(eip, 1) {
			return errno.EArgs
		}
	}

	var resumeEip, resumeEsp, resumeEflags, resumeCS, resumeSS uint32
	applyResume := false
	if newuregAddr != 0 {
		eipW, e0 := space.CopyInInt(newuregAddr + 0)
		csW, e1 := space.CopyInInt(newuregAddr + 4)
		eflagsW, e2 := space.CopyInInt(newuregAddr + 8)
		espW, e3 := space.CopyInInt(newuregAddr + 12)
		ssW, e4 := space.CopyInInt(newuregAddr + 16)
		if e0 != errno.OK || e1 != errno.OK || e2 != errno.OK || e3 != errno.OK || e4 != errno.OK {
			return errno.EBuf
		}
		if uint32(csW) != ureg.CS || uint32(ssW) != ureg.SS {
			return errno.EArgs
		}
		if uint32(eflagsW)&^eflagsUserMask != ureg.EFLAGS&^eflagsUserMask {
			return errno.EArgs
		}
		resumeEip, resumeCS, resumeEflags, resumeEsp, resumeSS =
			uint32(eipW), uint32(csW), uint32(eflagsW), uint32(espW), uint32(ssW)
		applyResume = true
	}

	if deregister {
		tc.DeregisterHandler()
	} else {
		tc.InstallHandler(proc.Handler{Esp3: esp3, Eip: eip, Arg: arg})
	}

	// A non-zero newuregAddr only ever arrives from a handler that is
	// done running (it is how the handler "returns"); release whatever
	// exception stack this thread was occupying.
	if applyResume {
		m.release(tc)
		ureg.EIP, ureg.CS, ureg.EFLAGS, ureg.UserESP, ureg.SS =
			resumeEip, resumeCS, resumeEflags, resumeEsp, resumeSS
	}

	return errno.OK
}

// release frees the exception stack tid currently occupies, if any,
// and wakes a thread waiting to claim it.
func (m *Manager) release(tc *proc.TCB) {
	m.mu.Lock()
	esp3, held := m.occupied[tc.ID()]
	if held {
		delete(m.occupied, tc.ID())
	}
	pcb := tc.PCB
	m.mu.Unlock()
	if !held || pcb == nil {
		return
	}

	ss := m.stackSetFor(pcb)
	ss.mu.Lock()
	delete(ss.inUse, esp3)
	c := ss.cond[esp3]
	ss.mu.Unlock()
	if c == nil {
		return
	}

	m.sched.QuickLock(0)
	c.Signal(m.sched)
	m.sched.QuickUnlock(0)
}

// Deliver runs the fault-delivery protocol for a fault in tc's task: if
// tc has a handler installed, deregister it, claim its exception stack
// (blocking until free if another thread on the same task already
// holds it), write fault onto that stack, build the synthetic call
// frame [return=NULL, arg, &ureg], and return the trap frame the
// faulted thread should resume at — eip at the handler's entry point,
// esp at the new frame, so it runs as if called as handler(arg, ureg).
// ok is false when tc has no handler installed, meaning the caller's
// normal fatal-fault path applies.
func (m *Manager) Deliver(pcb *proc.PCB, tc *proc.TCB, space *safecopy.Space, fault *syscall.Ureg) (resumed *syscall.Ureg, ok bool) {
	h, installed := tc.CurrentHandler()
	if !installed {
		return nil, false
	}
	tc.DeregisterHandler()

	ss := m.stackSetFor(pcb)
	for {
		ss.mu.Lock()
		if !ss.inUse[h.Esp3] {
			ss.inUse[h.Esp3] = true
			ss.mu.Unlock()
			break
		}
		c, exists := ss.cond[h.Esp3]
		if !exists {
			c = &ksync.Cond{}
			ss.cond[h.Esp3] = c
		}
		ss.mu.Unlock()

		m.sched.QuickLock(tc.ID())
		c.Wait(m.sched, tc.Sched)
		m.sched.QuickUnlock(tc.ID())
	}

	m.mu.Lock()
	m.occupied[tc.ID()] = h.Esp3
	m.mu.Unlock()

	uregAddr := h.Esp3 - uregSize
	if err := writeUreg(space, uregAddr, fault); err != errno.OK {
		m.release(tc)
		return nil, false
	}

	frameAddr := uregAddr - 3*4
	if space.CopyOutInt(frameAddr+8, int32(uregAddr)) != errno.OK ||
		space.CopyOutInt(frameAddr+4, int32(h.Arg)) != errno.OK ||
		space.CopyOutInt(frameAddr+0, 0) != errno.OK {
		m.release(tc)
		return nil, false
	}

	return &syscall.Ureg{
		EIP:     h.Eip,
		CS:      fault.CS,
		EFLAGS:  fault.EFLAGS,
		UserESP: frameAddr,
		SS:      fault.SS,
	}, true
}

// writeUreg packs u onto the user exception stack at addr, in the same
// field order syscall.Ureg declares them, so a handler reading
// ureg_t-shaped memory at addr sees the faulting frame.
func writeUreg(space *safecopy.Space, addr uint32, u *syscall.Ureg) errno.Errno {
	vals := [uregWords]uint32{
		u.Cause, u.CR2,
		u.EDI, u.ESI, u.EBP, u.EBX, u.EDX, u.ECX, u.EAX,
		u.EIP, u.CS, u.EFLAGS, u.UserESP, u.SS,
	}
	for i, v := range vals {
		if err := space.CopyOutInt(addr+uint32(i*4), int32(v)); err != errno.OK {
			return err
		}
	}
	return errno.OK
}
