package ksync

import (
	"sync"
	"testing"
	"time"

	"pebbleos/internal/sched"
)

// runOn starts fn executing as th on s: it enters the quick lock on
// th's behalf (as if th had just been dispatched) and releases it
// when fn returns.
func runOn(s *sched.Scheduler, th *sched.Thread, fn func()) {
	s.QuickLock(th.ID)
	fn()
	s.QuickUnlock(th.ID)
}

// waitForQueued polls m's queue until th is linked in as the tail,
// bounded by a deadline. Used to establish a deterministic enqueue
// order between goroutines without depending on sleep timing.
func waitForQueued(t *testing.T, m *Mutex, th *sched.Thread) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		m.guard.Lock()
		ok := m.tail != nil && m.tail.th == th
		m.guard.Unlock()
		if ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("thread %d never reached the queue tail", th.ID)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestMutexFIFOOrdering(t *testing.T) {
	s := sched.New()
	a := sched.NewThread(s.NextTID())
	b := sched.NewThread(s.NextTID())
	c := sched.NewThread(s.NextTID())

	var m Mutex
	var mu sync.Mutex
	var order []uint64
	record := func(id uint64) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	holdA := make(chan struct{})
	aAcquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Lock(s, a)
		record(a.ID)
		close(aAcquired)
		<-holdA
		m.Unlock(s, a)
	}()
	<-aAcquired

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Lock(s, b)
		record(b.ID)
		m.Unlock(s, b)
	}()
	waitForQueued(t, &m, b)

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Lock(s, c)
		record(c.ID)
		m.Unlock(s, c)
	}()
	waitForQueued(t, &m, c)

	close(holdA)
	wg.Wait()

	want := []uint64{a.ID, b.ID, c.ID}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestMutexTryLock(t *testing.T) {
	var m Mutex
	if !m.TryLock() {
		t.Fatal("TryLock should succeed on a free mutex")
	}
	if m.TryLock() {
		t.Fatal("TryLock should fail while already held")
	}
}

func TestCondSignalWakesWaiter(t *testing.T) {
	s := sched.New()
	waiter := sched.NewThread(s.NextTID())

	var cv Cond
	woke := make(chan struct{})
	go func() {
		runOn(s, waiter, func() {
			cv.Wait(s, waiter)
		})
		close(woke)
	}()

	// Wait for the goroutine to park in Cond.Wait before signalling.
	deadline := time.After(2 * time.Second)
	for {
		s.QuickLock(0)
		registered := cv.waiting == waiter
		s.QuickUnlock(0)
		if registered {
			break
		}
		select {
		case <-deadline:
			t.Fatal("waiter never registered with the condition variable")
		case <-time.After(time.Millisecond):
		}
	}

	s.QuickLock(0)
	cv.Signal(s)
	s.QuickUnlock(0)

	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Signal")
	}
}

func TestCondSignalWithNoWaiterIsNoop(t *testing.T) {
	s := sched.New()
	var cv Cond
	s.QuickLock(0)
	cv.Signal(s) // must not panic or block
	s.QuickUnlock(0)
}

func TestCondDoubleWaitPanics(t *testing.T) {
	s := sched.New()
	a := sched.NewThread(s.NextTID())
	b := sched.NewThread(s.NextTID())
	var cv Cond

	parked := make(chan struct{})
	go func() {
		runOn(s, a, func() {
			cv.Wait(s, a)
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		s.QuickLock(0)
		registered := cv.waiting == a
		s.QuickUnlock(0)
		if registered {
			close(parked)
			break
		}
		select {
		case <-deadline:
			t.Fatal("first waiter never registered")
		case <-time.After(time.Millisecond):
		}
	}
	<-parked

	defer func() {
		if recover() == nil {
			t.Fatal("Wait with an existing waiter should panic")
		}
		s.QuickUnlock(b.ID)
		s.QuickLock(0)
		cv.Signal(s)
		s.QuickUnlock(0)
	}()
	s.QuickLock(b.ID)
	cv.Wait(s, b)
}
