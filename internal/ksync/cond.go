package ksync

import "pebbleos/internal/sched"

// Cond is a single-waiter condition variable, ported from Tim Wilson
// and Justin Scheiner's cond.c: it supports exactly one descheduled
// thread at a time, which is all this kernel's internal call sites
// (wait/vanish reaping, swexn's exception-stack wait) ever need.
//
// The caller is responsible for holding the scheduler's quick lock
// around the compound "check condition, then Wait" sequence, exactly
// as quick_lock()/cond_wait() pairs in the ported code — otherwise a
// signal between the check and the wait is lost forever.
type Cond struct {
	waiting *sched.Thread
}

// Wait records th as the (sole) waiter and blocks it. Panics if
// another thread is already waiting, since this condition variable
// supports only one.
func (c *Cond) Wait(s *sched.Scheduler, th *sched.Thread) {
	if c.waiting != nil {
		panic("ksync: Cond.Wait called with a waiter already registered")
	}
	c.waiting = th
	s.Block(th)
}

// Signal wakes the waiting thread, if any, and clears the slot.
func (c *Cond) Signal(s *sched.Scheduler) {
	if c.waiting == nil {
		return
	}
	th := c.waiting
	c.waiting = nil
	s.Unblock(th)
}
