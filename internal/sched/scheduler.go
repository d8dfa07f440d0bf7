// Package sched implements the kernel scheduler and its cooperative
// suspension discipline.
//
// There is no raw context_switch stack swap to call into — it is an
// out-of-scope hardware collaborator — so "running" a thread here
// means signalling a per-thread resume channel and letting that
// thread's own goroutine proceed; "switching away" means the outgoing
// goroutine blocks on its own channel until resumed again. The
// ring/heap bookkeeping this file does is the same algorithm a
// bare-metal scheduler runs; only the substrate for "whose turn it is
// to execute Go code" differs from a stack swap.
package sched

import (
	"sync"
	"sync/atomic"
)

// State is a thread's scheduler membership.
type State int

const (
	StateRunnable State = iota
	StateRunning
	StateBlocked
	StateSleeping
	StateDescheduled
	StateExited
)

// Thread is the scheduler's view of a kernel thread. internal/proc
// embeds a *Thread in its TCB; this package never looks past the
// fields it owns.
type Thread struct {
	ID    uint64
	state State

	ringNext, ringPrev *Thread
	wakeup             uint64
	sleepIndex         int

	deschedMu sync.Mutex // per-TCB deschedule lock

	resume chan struct{} // signalled when this thread is chosen to run
}

// NewThread allocates a Thread ready to be scheduled.
func NewThread(id uint64) *Thread {
	return &Thread{ID: id, state: StateDescheduled, sleepIndex: -1, resume: make(chan struct{}, 1)}
}

// State reports the thread's current scheduler state.
func (t *Thread) State() State { return t.state }

// Scheduler owns the runnable ring, blocked ring, sleep heap and the
// quick-lock that serializes access to them.
type Scheduler struct {
	lock QuickLock

	runnable ring
	blocked  ring
	sleeping sleepHeap

	current *Thread
	idle    *Thread

	tick uint64

	tidSeq atomic.Uint64
}

// New creates a scheduler whose idle thread runs whenever the
// runnable ring is empty.
func New() *Scheduler {
	s := &Scheduler{}
	s.idle = NewThread(0)
	s.idle.state = StateRunning
	s.current = s.idle
	return s
}

// NextTID allocates a fresh thread identifier.
func (s *Scheduler) NextTID() uint64 { return s.tidSeq.Add(1) }

// QuickLock is the nested interrupt-off critical section:
// quick_lock() disables interrupts on 0→1 and increments; quick_unlock()
// decrements and re-enables on 1→0. Since this kernel
// has no real per-CPU interrupt flag, the same discipline is realized
// as a mutex that nests for a single declared owner and genuinely
// blocks any other owner, exactly mimicking "interrupts off" for
// everyone but the holder.
type QuickLock struct {
	mu    sync.Mutex
	owner atomic.Uint64
	depth int
}

// Enter marks the start of a quick-locked region on behalf of owner
// (a thread ID, or 0 for an interrupt-context caller such as the
// timer). Nested calls by the same owner just bump the depth counter.
func (q *QuickLock) Enter(owner uint64) {
	if q.owner.Load() == owner+1 {
		q.depth++
		return
	}
	q.mu.Lock()
	q.owner.Store(owner + 1) // +1 so owner id 0 (interrupt context) is distinguishable from "unheld"
	q.depth = 1
}

// Exit undoes one Enter call, releasing the lock when depth returns to
// zero.
func (q *QuickLock) Exit(owner uint64) {
	if q.owner.Load() != owner+1 {
		panic("quick_unlock: not held by this owner")
	}
	q.depth--
	if q.depth == 0 {
		q.owner.Store(0)
		q.mu.Unlock()
	}
}

// Current returns the thread the scheduler believes is running.
func (s *Scheduler) Current() *Thread {
	return s.current
}

// QuickLock implements quick_lock(): the caller (owner, or 0 from
// interrupt context) enters the scheduler's critical section. Every
// call that touches the runnable/blocked rings, the sleep heap, or
// that blocks/sleeps/deschedules a thread must happen between a
// QuickLock/QuickUnlock pair.
func (s *Scheduler) QuickLock(owner uint64) { s.lock.Enter(owner) }

// QuickUnlock implements quick_unlock(), releasing what QuickLock took.
func (s *Scheduler) QuickUnlock(owner uint64) { s.lock.Exit(owner) }

// unblockLocked transitions t into the runnable ring at the head.
// Used by MakeRunnableSyscall for the make_runnable syscall after its
// EState/EName checks pass; Unblock signals its thread directly
// instead.
func (s *Scheduler) unblockLocked(t *Thread) {
	t.state = StateRunnable
	s.runnable.pushHead(t)
}

// Block moves the calling thread from Running to Blocked and parks it
// directly on its own resume channel until a matching Unblock. Unlike
// Next/Sleep, Block does not hand the quick lock to a ring-selected
// successor: the thread that called Block releases the lock and waits
// to be told, specifically, that it may compete for it again. This is
// the primitive internal/ksync's mutex and condition variable build
// on, mirroring a direct scheduler_run(waiter) handoff rather than a
// round-robin reschedule.
//
// The caller must already hold the quick lock (owner == t.ID) with
// depth exactly 1.
func (s *Scheduler) Block(t *Thread) {
	t.state = StateBlocked
	s.blocked.pushTail(t)
	s.lock.Exit(t.ID)
	<-t.resume
	s.lock.Enter(t.ID)
}

// Unblock moves t out of the blocked ring and signals its resume
// channel directly, so it may immediately re-contend for the quick
// lock instead of waiting for an unrelated reschedule to pick it up
// from the runnable ring. Safe to call from another thread or from
// interrupt context while holding the quick lock.
func (s *Scheduler) Unblock(t *Thread) {
	if t.state != StateBlocked {
		return
	}
	s.blocked.remove(t)
	t.state = StateRunnable
	select {
	case t.resume <- struct{}{}:
	default:
	}
}

// Next implements next(): pick the runnable ring's head as
// successor to the currently running thread (rotating the outgoing
// thread to the tail if it is still runnable), or fall back to idle.
// Caller must hold the quick lock.
func (s *Scheduler) Next() {
	out := s.current
	if out != s.idle && out.state == StateRunning {
		out.state = StateRunnable
		s.runnable.pushTail(out)
	}
	in := s.runnable.popHead()
	if in == nil {
		in = s.idle
	}
	in.state = StateRunning
	s.current = in
	if in == out {
		return
	}
	s.switchTo(out, in)
}

// switchAway is Next()'s special case for a thread that is leaving the
// CPU for a reason other than rotation (it has already been placed in
// whatever set it's moving to; Next() must not also rotate it into
// Runnable).
func (s *Scheduler) switchAway(out *Thread) {
	in := s.runnable.popHead()
	if in == nil {
		in = s.idle
	}
	in.state = StateRunning
	s.current = in
	s.switchTo(out, in)
}

// switchTo performs the channel handshake that stands in for the raw
// context_switch stack swap (see package doc). It must be called with
// the quick lock held; when out itself holds it, it releases the lock
// for the duration of the handshake (an incoming thread must be able
// to take the quick lock itself once resumed). When another owner
// holds the lock (Tick's interrupt context, owner 0), out's goroutine
// cannot be parked from here, so only in is signalled. The caller is
// responsible for having already recorded out/in's new states.
func (s *Scheduler) switchTo(out, in *Thread) {
	select {
	case in.resume <- struct{}{}:
	default:
	}
	if out == s.idle || s.lock.owner.Load() != out.ID+1 {
		return
	}
	s.lock.Exit(out.ID)
	<-out.resume
	s.lock.Enter(out.ID)
}

// Deschedule atomically, under the caller's per-TCB deschedule lock,
// reads *reject; if zero, it moves the thread to Descheduled and calls
// next(); if non-zero, it returns immediately. It reports whether the
// thread actually parked.
func (s *Scheduler) Deschedule(t *Thread, reject *int32) bool {
	t.deschedMu.Lock()
	defer t.deschedMu.Unlock()

	if atomic.LoadInt32(reject) != 0 {
		return false
	}
	t.state = StateDescheduled
	s.switchAway(t)
	return true
}

// MakeRunnableSyscall implements make_runnable(tid): it fails unless
// the target exists and is Descheduled. It takes the same per-TCB
// deschedule lock Deschedule uses so the two are atomic with respect
// to each other.
func (s *Scheduler) MakeRunnableSyscall(t *Thread) bool {
	t.deschedMu.Lock()
	defer t.deschedMu.Unlock()

	if t.state != StateDescheduled {
		return false
	}
	s.unblockLocked(t)
	return true
}

// YieldTo implements yield(tid) for tid != -1: if the target is
// runnable, splice it to the ring head and switch to it; returns false
// (EState) if the target is blocked/descheduled/sleeping.
func (s *Scheduler) YieldTo(t *Thread) bool {
	if t.state != StateRunnable {
		return false
	}
	s.runnable.remove(t)
	s.runnable.pushHead(t)
	s.Next()
	return true
}

// Tick advances the monotonic tick counter, wakes every sleeper whose
// wakeup <= now, and preempts into next(). Called from
// interrupt context (owner id 0).
func (s *Scheduler) Tick() {
	s.lock.Enter(0)
	s.tick++
	now := s.tick
	for _, t := range s.sleeping.popDue(now) {
		t.state = StateRunnable
		s.runnable.pushHead(t)
	}
	s.Next()
	s.lock.Exit(0)
}

// Ticks returns the current tick count (get_ticks).
func (s *Scheduler) Ticks() uint64 {
	return s.tick
}

// Sleep implements sleep(ticks): negative is an argument
// error (caller validates before calling this), zero is a no-op,
// otherwise the thread is inserted into the heap and blocks until a
// Tick observes it due.
func (s *Scheduler) Sleep(t *Thread, ticks uint64) {
	if ticks == 0 {
		return
	}
	t.wakeup = s.tick + ticks
	t.state = StateSleeping
	s.sleeping.push(t)
	s.switchAway(t)
}

// CancelSleep removes t from the sleep heap without waking it onto
// the runnable ring — used when a sleeping thread's task vanishes
// before it wakes naturally.
func (s *Scheduler) CancelSleep(t *Thread) {
	s.sleeping.removeThread(t)
}

// RingsConsistent exposes the ring-consistency invariant for tests.
func (s *Scheduler) RingsConsistent() bool {
	return s.runnable.consistent() && s.blocked.consistent()
}

// SleepHeapValid reports whether the heap's minimum is truly the
// earliest wakeup and every thread's recorded sleepIndex matches its
// slot.
func (s *Scheduler) SleepHeapValid() bool {
	for i, t := range s.sleeping.items {
		if t.sleepIndex != i {
			return false
		}
	}
	min := s.sleeping.min()
	for _, t := range s.sleeping.items {
		if min != nil && t.wakeup < min.wakeup {
			return false
		}
	}
	return true
}
