// Package ksync provides the kernel's own synchronization primitives,
// built on top of internal/sched rather than the scheduler's quick
// lock alone: a FIFO mutex with stack-resident waiter nodes, and a
// single-waiter condition variable.
//
// Ported from Oichkatzelesfrettschen-biscuit's spinlock.go, generalized
// from a trylock-or-park-on-CPU-array design (biscuit assumes multiple
// real CPUs with a cpus-running bitmap to poll) to the bounded-waiting
// queued design in Justin Scheiner's libthread mutex.c: each locker
// swaps itself onto the tail of a list and blocks behind its
// predecessor instead of spinning on a single flag, which is the
// scheme this single-CPU kernel also uses for its internal sleep
// locks.
package ksync

import (
	"sync"

	"pebbleos/internal/sched"
)

// waiter is the per-locker queue node, analogous to mutex_node_t in
// Justin Scheiner's libthread mutex.c: one lives on each blocked
// caller's stack (here, its goroutine's local state) for the duration
// of the call.
type waiter struct {
	th   *sched.Thread
	next *waiter
}

// Mutex is a FIFO-ordered sleep lock: a thread that cannot acquire it
// immediately is descheduled, not spun, and is woken in the order it
// queued.
type Mutex struct {
	guard sync.Mutex // protects the fields below only; never held across a block
	head  *waiter
	tail  *waiter
	held  bool
}

// Lock acquires m on behalf of th, descheduling th via s if the lock
// is currently held or other waiters precede it. Lock and Unlock take
// the scheduler's quick lock for themselves, transiently, around the
// queue manipulation they do — a caller never needs to hold it first.
func (m *Mutex) Lock(s *sched.Scheduler, th *sched.Thread) {
	node := &waiter{th: th}

	s.QuickLock(th.ID)
	m.guard.Lock()
	if m.tail == nil {
		m.head = node
	} else {
		m.tail.next = node
	}
	m.tail = node

	for m.held || m.head != node {
		m.guard.Unlock()
		s.Block(th)
		m.guard.Lock()
	}

	m.held = true
	m.head = m.head.next
	if m.head == nil {
		m.tail = nil
	}
	m.guard.Unlock()
	s.QuickUnlock(th.ID)
}

// Unlock releases m, waking the next queued waiter if one exists.
func (m *Mutex) Unlock(s *sched.Scheduler, th *sched.Thread) {
	s.QuickLock(th.ID)
	m.guard.Lock()
	m.held = false
	var wake *sched.Thread
	if m.head != nil {
		wake = m.head.th
	}
	m.guard.Unlock()

	if wake != nil {
		s.Unblock(wake)
	}
	s.QuickUnlock(th.ID)
}

// TryLock attempts to acquire m without blocking. It only succeeds
// when the queue is empty and the lock is free, matching the
// conservative trylock this kernel's mutex_try_lock predecessor left
// unimplemented rather than racing the queue discipline above.
func (m *Mutex) TryLock() bool {
	m.guard.Lock()
	defer m.guard.Unlock()
	if m.held || m.head != nil {
		return false
	}
	m.held = true
	return true
}
