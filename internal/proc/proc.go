// Package proc implements per-task control blocks and the fork,
// thread_fork, exec, wait, vanish and task_vanish lifecycle
// operations built on top of internal/sched, internal/ksync,
// internal/pagetable and internal/region.
//
// Ported idiom from Oichkatzelesfrettschen-biscuit's accnt.Accnt_t
// (wired in as PCB.Usage) and tinfo.Tnote_t (wired in as TCB.Note),
// generalized from the teacher's arena-of-syscall-handlers model to
// explicit methods callers invoke directly, matching this module's
// "every consumer receives a reference" convention for global mutable
// state (no ambient package-level PCB table here; internal/tid and
// cmd/pebblekernel own those).
package proc

import (
	"sync"

	"pebbleos/internal/errno"
	"pebbleos/internal/frame"
	"pebbleos/internal/ksync"
	"pebbleos/internal/pagetable"
	"pebbleos/internal/region"
	"pebbleos/internal/sched"
)

// StatusBlock is a detachable record holding a vanished child's exit
// status and original tid, transferred parent-to-parent at vanish.
type StatusBlock struct {
	TID    uint64
	Status int
}

// TCB is a thread control block: the scheduler's view of a thread
// (Sched) plus the liveness note and the PCB it belongs to.
type TCB struct {
	Sched   *sched.Thread
	Note    ThreadNote
	PCB     *PCB
	handler handlerState
}

// ID returns the thread's scheduler identifier (its tid).
func (t *TCB) ID() uint64 { return t.Sched.ID }

// PCB is a process (task) control block.
type PCB struct {
	ID uint64

	AS      *pagetable.AddressSpace
	Regions *region.List

	global      *pagetable.Directory
	kernelSlots int

	Usage Accnt

	threadMu    sync.Mutex
	threads     map[uint64]*TCB
	threadCount int

	parentMu sync.Mutex
	Parent   *PCB
	children map[uint64]*PCB

	statusMu       sync.Mutex
	zombieStatuses []StatusBlock

	waiterMu          sync.Mutex
	unclaimedChildren int
	waitCond          ksync.Cond

	ExitStatus int
}

// NewPCB allocates an empty PCB with a fresh address space copying the
// kernel/KVM slots from global, and registers no threads yet: callers
// (Fork, or the boot sequence for the first task) must add at least
// one via AddThread.
func NewPCB(id uint64, global *pagetable.Directory, kernelSlots int) *PCB {
	return &PCB{
		ID:          id,
		AS:          pagetable.New(global, kernelSlots),
		Regions:     region.New(),
		threads:     make(map[uint64]*TCB),
		children:    make(map[uint64]*PCB),
		global:      global,
		kernelSlots: kernelSlots,
	}
}

// AddThread registers tc as one of p's threads, marking it alive.
func (p *PCB) AddThread(tc *TCB) {
	p.threadMu.Lock()
	defer p.threadMu.Unlock()
	tc.PCB = p
	tc.Note.Alive = true
	p.threads[tc.ID()] = tc
	p.threadCount++
}

// ThreadCount reports the number of live threads in p.
func (p *PCB) ThreadCount() int {
	p.threadMu.Lock()
	defer p.threadMu.Unlock()
	return p.threadCount
}

// Threads returns a snapshot of p's current thread set.
func (p *PCB) Threads() []*TCB {
	p.threadMu.Lock()
	defer p.threadMu.Unlock()
	out := make([]*TCB, 0, len(p.threads))
	for _, tc := range p.threads {
		out = append(out, tc)
	}
	return out
}

// Fork builds a new PCB with a fresh address space, duplicates every
// region and its backing contents into it, creates the child's sole
// TCB, and registers the child as parent's child. Fork only returns
// the child PCB; a TCB has no saved register frame, and neither Fork
// nor internal/syscall records a 0 result for the child thread.
func Fork(alloc *frame.Allocator, parent *PCB, parentRegions []*region.Region, childTID uint64) (*PCB, errno.Errno) {
	child := NewPCB(childTID, parent.global, parent.kernelSlots)
	child.Parent = parent

	for _, r := range parentRegions {
		if err := parent.AS.Duplicate(child.AS, alloc, r.Start, r.End); err != errno.OK {
			child.AS.FreeUserRange(alloc, r.Start, r.End)
			return nil, err
		}
		child.Regions.Insert(&region.Region{Start: r.Start, End: r.End, Kind: r.Kind, Writable: r.Writable})
	}

	childThread := sched.NewThread(childTID)
	child.AddThread(&TCB{Sched: childThread})

	parent.parentMu.Lock()
	parent.children[child.ID] = child
	parent.parentMu.Unlock()

	parent.waiterMu.Lock()
	parent.unclaimedChildren++
	parent.waiterMu.Unlock()

	return child, errno.OK
}

// ThreadFork adds a new thread to pcb's existing thread set, reusing
// its address space and region list. It reports EMulThr only at the
// syscall layer's discretion (thread_fork itself never requires
// single-threadedness); here it simply increments thread_count.
func ThreadFork(pcb *PCB, newTID uint64) *TCB {
	tc := &TCB{Sched: sched.NewThread(newTID)}
	pcb.AddThread(tc)
	return tc
}

// ExecLayout is the fresh region/address-space layout exec installs,
// built by internal/loader from a parsed ELF image.
type ExecLayout struct {
	Regions []*region.Region
	Entry   uint32
}

// Exec tears down pcb's current regions and address space contents and
// installs layout in their place. It requires pcb to have exactly one
// thread; EMulThr otherwise. Region teardown happens before the new
// layout is installed, matching the spec's "failure after region
// teardown is fatal" rule: a caller that gets a non-OK Errno here with
// layout already partially applied must treat it as fatal, not
// recoverable, since Exec does not attempt to restore the old layout.
func Exec(alloc *frame.Allocator, pcb *PCB, oldRegions []*region.Region, layout ExecLayout) errno.Errno {
	if pcb.ThreadCount() != 1 {
		return errno.EMulThr
	}
	for _, r := range oldRegions {
		pcb.AS.FreeUserRange(alloc, r.Start, r.End)
	}
	pcb.Regions.Clear()
	for _, r := range layout.Regions {
		pcb.Regions.Insert(r)
	}
	return errno.OK
}

// Wait implements the wait syscall body for the calling task pcb: if a
// zombie status is already recorded, pop and return it immediately;
// else if children remain that have not yet vanished, block on
// waitCond (quick-locked, per ksync.Cond's contract) until one does;
// else report EChild.
func Wait(s *sched.Scheduler, pcb *PCB, caller *TCB) (StatusBlock, errno.Errno) {
	for {
		pcb.statusMu.Lock()
		if len(pcb.zombieStatuses) > 0 {
			sb := pcb.zombieStatuses[0]
			pcb.zombieStatuses = pcb.zombieStatuses[1:]
			pcb.statusMu.Unlock()
			return sb, errno.OK
		}
		pcb.statusMu.Unlock()

		pcb.waiterMu.Lock()
		if pcb.unclaimedChildren == 0 {
			pcb.waiterMu.Unlock()
			return StatusBlock{}, errno.EChild
		}
		pcb.waiterMu.Unlock()

		s.QuickLock(caller.ID())
		// Re-check under the quick lock: a vanish between the unlocked
		// checks above and here may have already deposited a status.
		pcb.statusMu.Lock()
		haveStatus := len(pcb.zombieStatuses) > 0
		pcb.statusMu.Unlock()
		if haveStatus {
			s.QuickUnlock(caller.ID())
			continue
		}
		pcb.waitCond.Wait(s, caller.Sched)
		s.QuickUnlock(caller.ID())
	}
}

// signalWaiter wakes a thread parked in Wait, if any. Called by Vanish
// while holding the scheduler's quick lock, matching cond_signal's
// contract.
func (p *PCB) signalWaiter(s *sched.Scheduler) {
	p.waitCond.Signal(s)
}

// reparentChildren moves every surviving child of p to init,
// transferring init's ownership under init's parent lock. Called at
// vanish time.
func reparentChildren(p *PCB, init *PCB) {
	p.parentMu.Lock()
	kids := p.children
	p.children = nil
	p.parentMu.Unlock()

	if len(kids) == 0 {
		return
	}

	init.parentMu.Lock()
	if init.children == nil {
		init.children = make(map[uint64]*PCB)
	}
	for id, c := range kids {
		c.Parent = init
		init.children[id] = c
	}
	init.parentMu.Unlock()

	init.waiterMu.Lock()
	init.unclaimedChildren += len(kids)
	init.waiterMu.Unlock()
}

// Vanish implements the last-thread-of-a-task path: detach pcb's
// status block, append it to the parent's zombie_statuses, wake a
// waiter, reparent pcb's surviving children to init, free pcb's region
// list and address space.
//
// There is no separate "kill stack" to free from here: this rendition
// has no per-thread kernel stack allocation to reclaim (internal/sched
// parks a thread on a channel rather than a physical stack page), so
// the "free the outgoing stack from elsewhere, never from the stack
// being freed" discipline the teacher's vanish observes has no work
// left to do in Go.
func Vanish(s *sched.Scheduler, alloc *frame.Allocator, pcb *PCB, init *PCB, exitStatus int) {
	pcb.ExitStatus = exitStatus

	reparentChildren(pcb, init)

	allRegions := pcb.Regions.List()
	for _, r := range allRegions {
		pcb.AS.FreeUserRange(alloc, r.Start, r.End)
	}
	pcb.Regions.Clear()

	if pcb.Parent != nil {
		sb := StatusBlock{TID: pcb.ID, Status: exitStatus}
		pcb.Parent.statusMu.Lock()
		pcb.Parent.zombieStatuses = append(pcb.Parent.zombieStatuses, sb)
		pcb.Parent.statusMu.Unlock()

		pcb.Parent.waiterMu.Lock()
		if pcb.Parent.unclaimedChildren > 0 {
			pcb.Parent.unclaimedChildren--
		}
		pcb.Parent.waiterMu.Unlock()

		s.QuickLock(0)
		pcb.Parent.signalWaiter(s)
		s.QuickUnlock(0)
	}
}

// TaskVanish dooms every other thread in pcb (task_vanish's "every
// other thread is made to vanish" sweep) and returns the list so the
// caller's driver loop can wait for them to actually reap themselves
// before calling Vanish with exitStatus for the caller's own thread.
func TaskVanish(pcb *PCB, caller *TCB) []*TCB {
	pcb.threadMu.Lock()
	defer pcb.threadMu.Unlock()

	var doomed []*TCB
	for id, tc := range pcb.threads {
		if id == caller.ID() {
			continue
		}
		tc.Note.Doom()
		doomed = append(doomed, tc)
	}
	return doomed
}

// DropThread removes a non-last thread from pcb (the "drops
// thread_count" path for a thread that is not the last one out).
func DropThread(pcb *PCB, tid uint64) {
	pcb.threadMu.Lock()
	defer pcb.threadMu.Unlock()
	if _, ok := pcb.threads[tid]; ok {
		delete(pcb.threads, tid)
		pcb.threadCount--
	}
}
