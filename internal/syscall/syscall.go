// Package syscall implements the kernel's system-call surface: typed
// argument decode from user memory, a ureg_t-shaped trap frame, and
// result placement back into the frame's eax slot.
//
// Grounded on the dispatch shape of Oichkatzelesfrettschen-biscuit's
// syscall handlers (each validates, copies in, performs the operation,
// writes eax) but decoupled from any particular console/keyboard/ROM
// implementation via small interfaces, so this package can be built
// and tested against internal/proc, internal/sched and
// internal/safecopy alone.
package syscall

import (
	"pebbleos/internal/errno"
	"pebbleos/internal/frame"
	"pebbleos/internal/proc"
	"pebbleos/internal/safecopy"
	"pebbleos/internal/sched"
)

// Number identifies a syscall, matching the table in the persistent
// external-interface surface.
type Number int

const (
	Fork Number = iota
	Exec
	Wait
	Vanish
	TaskVanish
	SetStatus
	ThreadFork
	Gettid
	Yield
	Deschedule
	MakeRunnable
	GetTicks
	Sleep
	NewPages
	RemovePages
	Readline
	Print
	Getchar
	SetTermColor
	SetCursorPos
	GetCursorPos
	Halt
	Ls
	Swexn
	Misbehave
)

// Ureg is the saved trap frame: the subset of a real ureg_t this
// kernel actually consults. cause/CR2 are populated on faults;
// EAX is both the last general-purpose register field and, after dispatch,
// the syscall's result slot.
type Ureg struct {
	Cause uint32
	CR2   uint32

	EDI, ESI, EBP, EBX, EDX, ECX, EAX uint32

	EIP     uint32
	CS      uint32
	EFLAGS  uint32
	UserESP uint32
	SS      uint32
}

// SetResult writes v into the frame's result slot (the simulated
// eax register), per the "writes the result into the eax slot of the
// saved frame" rule.
func (u *Ureg) SetResult(v int32) { u.EAX = uint32(v) }

// Console is the minimal surface internal/console must provide for
// print/getchar/set_term_color/cursor syscalls.
type Console interface {
	Print(s string) errno.Errno
	Getchar() (byte, bool)
	SetTermColor(c int) errno.Errno
	SetCursorPos(row, col int) errno.Errno
	GetCursorPos() (row, col int)
}

// KeyboardReader is the minimal surface internal/keyboard must provide
// for the readline syscall.
type KeyboardReader interface {
	ReadLine(buf []byte) (int, errno.Errno)
}

// ROM is the minimal surface internal/loader must provide for ls and
// (eventually) exec.
type ROM interface {
	Names() []string
}

// SwexnHandler is the minimal surface internal/swexn must provide for
// the swexn syscall: register/deregister a handler for tid and, if
// newuregAddr is non-zero, validate and apply a replacement register
// state directly onto the caller's own trap frame (ureg) before this
// syscall returns to user mode.
type SwexnHandler interface {
	Swexn(tid uint64, esp3, eip, arg, newuregAddr uint32, space *safecopy.Space, ureg *Ureg) errno.Errno
}

// Dispatcher holds everything a syscall handler needs to validate
// arguments, touch kernel state, and place a result: the scheduler,
// the calling task's PCB, its user-memory copy surface, the
// physical-frame allocator, and the optional device backends.
type Dispatcher struct {
	Sched   *sched.Scheduler
	Alloc   *frame.Allocator
	Init    *proc.PCB
	Console Console
	Keyb    KeyboardReader
	Rom     ROM
	Swexn   SwexnHandler
}

// Dispatch decodes no arguments itself (each case below reads
// precisely the fields the syscall needs from ureg and, where
// necessary, from user memory via space) and writes its result into
// ureg.EAX.
func (d *Dispatcher) Dispatch(num Number, pcb *proc.PCB, tc *proc.TCB, space *safecopy.Space, ureg *Ureg) {
	switch num {
	case Gettid:
		ureg.SetResult(int32(tc.ID()))

	case GetTicks:
		ureg.SetResult(int32(d.Sched.Ticks()))

	case Yield:
		tid := int32(ureg.EDI)
		if tid == -1 {
			d.Sched.QuickLock(tc.ID())
			d.Sched.Next()
			d.Sched.QuickUnlock(tc.ID())
			ureg.SetResult(0)
			return
		}
		target := d.lookupRunnable(pcb, uint64(tid))
		if target == nil {
			ureg.SetResult(int32(errno.EName))
			return
		}
		d.Sched.QuickLock(tc.ID())
		ok := d.Sched.YieldTo(target.Sched)
		d.Sched.QuickUnlock(tc.ID())
		if !ok {
			ureg.SetResult(int32(errno.EState))
			return
		}
		ureg.SetResult(0)

	case Deschedule:
		rejectAddr := ureg.EDI
		reject, err := space.CopyInInt(rejectAddr)
		if err != errno.OK {
			ureg.SetResult(int32(errno.EArgs))
			return
		}
		r := reject
		d.Sched.QuickLock(tc.ID())
		d.Sched.Deschedule(tc.Sched, &r)
		d.Sched.QuickUnlock(tc.ID())
		ureg.SetResult(0)

	case MakeRunnable:
		tid := uint64(int32(ureg.EDI))
		target := d.lookupRunnable(pcb, tid)
		if target == nil {
			ureg.SetResult(int32(errno.EName))
			return
		}
		d.Sched.QuickLock(0)
		ok := d.Sched.MakeRunnableSyscall(target.Sched)
		d.Sched.QuickUnlock(0)
		if !ok {
			ureg.SetResult(int32(errno.EState))
			return
		}
		ureg.SetResult(0)

	case Sleep:
		ticks := int32(ureg.EDI)
		if ticks < 0 {
			ureg.SetResult(int32(errno.EArgs))
			return
		}
		if ticks == 0 {
			ureg.SetResult(0)
			return
		}
		d.Sched.QuickLock(tc.ID())
		d.Sched.Sleep(tc.Sched, uint64(ticks))
		d.Sched.QuickUnlock(tc.ID())
		ureg.SetResult(0)

	case NewPages:
		base, length := ureg.EDI, ureg.ESI
		ureg.SetResult(int32(pcb.Regions.NewPages(base, length)))

	case RemovePages:
		base := ureg.EDI
		ureg.SetResult(int32(pcb.Regions.RemovePages(pcb.AS, d.Alloc, base)))

	case SetStatus:
		pcb.ExitStatus = int(int32(ureg.EDI))
		ureg.SetResult(0)

	case ThreadFork:
		newTID := d.Sched.NextTID()
		ntc := proc.ThreadFork(pcb, newTID)
		if b, ok := d.Swexn.(interface{ Bind(*proc.TCB) }); ok {
			b.Bind(ntc)
		}
		ureg.SetResult(int32(newTID))

	case Wait:
		sb, err := proc.Wait(d.Sched, pcb, tc)
		if err != errno.OK {
			ureg.SetResult(int32(err))
			return
		}
		if serr := space.CopyOutInt(ureg.EDI, int32(sb.Status)); serr != errno.OK {
			ureg.SetResult(int32(errno.EBuf))
			return
		}
		ureg.SetResult(int32(sb.TID))

	case Print:
		length, addr := int(ureg.EDI), ureg.ESI
		if d.Console == nil {
			ureg.SetResult(int32(errno.EFail))
			return
		}
		buf := make([]byte, length)
		n, serr := space.CopyInBuf(buf, addr)
		if serr != errno.OK || n != length {
			ureg.SetResult(int32(errno.EBuf))
			return
		}
		ureg.SetResult(int32(d.Console.Print(string(buf))))

	case Getchar:
		if d.Console == nil {
			ureg.SetResult(int32(errno.EFail))
			return
		}
		c, ok := d.Console.Getchar()
		if !ok {
			ureg.SetResult(int32(errno.EFail))
			return
		}
		ureg.SetResult(int32(c))

	case SetTermColor:
		if d.Console == nil {
			ureg.SetResult(int32(errno.EFail))
			return
		}
		ureg.SetResult(int32(d.Console.SetTermColor(int(int32(ureg.EDI)))))

	case SetCursorPos:
		if d.Console == nil {
			ureg.SetResult(int32(errno.EFail))
			return
		}
		ureg.SetResult(int32(d.Console.SetCursorPos(int(int32(ureg.EDI)), int(int32(ureg.ESI)))))

	case GetCursorPos:
		if d.Console == nil {
			ureg.SetResult(int32(errno.EFail))
			return
		}
		row, col := d.Console.GetCursorPos()
		if serr := space.CopyOutInt(ureg.EDI, int32(row)); serr != errno.OK {
			ureg.SetResult(int32(errno.EBuf))
			return
		}
		if serr := space.CopyOutInt(ureg.ESI, int32(col)); serr != errno.OK {
			ureg.SetResult(int32(errno.EBuf))
			return
		}
		ureg.SetResult(0)

	case Readline:
		if d.Keyb == nil {
			ureg.SetResult(int32(errno.EFail))
			return
		}
		length, addr := int(ureg.EDI), ureg.ESI
		buf := make([]byte, length)
		n, rerr := d.Keyb.ReadLine(buf)
		if rerr != errno.OK {
			ureg.SetResult(int32(rerr))
			return
		}
		if _, serr := space.CopyOutBuf(addr, buf[:n]); serr != errno.OK {
			ureg.SetResult(int32(errno.EBuf))
			return
		}
		ureg.SetResult(int32(n))

	case Ls:
		if d.Rom == nil {
			ureg.SetResult(int32(errno.EFail))
			return
		}
		names := d.Rom.Names()
		ureg.SetResult(int32(len(names)))

	case Fork:
		childTID := d.Sched.NextTID()
		child, ferr := proc.Fork(d.Alloc, pcb, pcb.Regions.List(), childTID)
		if ferr != errno.OK {
			ureg.SetResult(int32(ferr))
			return
		}
		if b, ok := d.Swexn.(interface{ Bind(*proc.TCB) }); ok {
			for _, ctc := range child.Threads() {
				b.Bind(ctc)
			}
		}
		ureg.SetResult(int32(child.ID))

	case Vanish:
		if d.Init == nil {
			ureg.SetResult(int32(errno.EFail))
			return
		}
		proc.Vanish(d.Sched, d.Alloc, pcb, d.Init, pcb.ExitStatus)
		ureg.SetResult(0)

	case TaskVanish:
		if d.Init == nil {
			ureg.SetResult(int32(errno.EFail))
			return
		}
		pcb.ExitStatus = int(int32(ureg.EDI))
		proc.TaskVanish(pcb, tc)
		proc.Vanish(d.Sched, d.Alloc, pcb, d.Init, pcb.ExitStatus)
		ureg.SetResult(0)

	case Swexn:
		if d.Swexn == nil {
			ureg.SetResult(int32(errno.EFail))
			return
		}
		ureg.SetResult(int32(d.Swexn.Swexn(tc.ID(), ureg.EDI, ureg.ESI, ureg.EDX, ureg.ECX, space, ureg)))

	case Misbehave:
		ureg.SetResult(0)

	case Halt:
		ureg.SetResult(0)

	default:
		ureg.SetResult(int32(errno.EArgs))
	}
}

// lookupRunnable finds tid among pcb's own threads. The spec's syscall
// surface only ever targets threads within the caller's own task for
// yield/deschedule/make_runnable.
func (d *Dispatcher) lookupRunnable(pcb *proc.PCB, tid uint64) *proc.TCB {
	for _, tc := range pcb.Threads() {
		if tc.ID() == tid {
			return tc
		}
	}
	return nil
}
