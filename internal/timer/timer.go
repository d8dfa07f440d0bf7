// Package timer drives the scheduler's tick counter from a real clock,
// standing in for the periodic timer interrupt a real x86 kernel
// programs the PIT/APIC to raise. internal/sched.Scheduler.Tick already
// documents itself as "called from interrupt context (owner id 0)";
// this package is that interrupt source.
package timer

import (
	"sync"
	"time"

	"pebbleos/internal/sched"
)

// Driver calls s.Tick() once per interval until stopped.
type Driver struct {
	sched    *sched.Scheduler
	interval time.Duration

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// New returns a driver that will tick s every interval once Start is
// called.
func New(s *sched.Scheduler, interval time.Duration) *Driver {
	return &Driver{sched: s, interval: interval}
}

// Start launches the driver's background goroutine. Calling Start more
// than once has no additional effect.
func (d *Driver) Start() {
	d.once.Do(func() {
		d.stop = make(chan struct{})
		d.done = make(chan struct{})
		go d.run()
	})
}

func (d *Driver) run() {
	defer close(d.done)
	t := time.NewTicker(d.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			d.sched.Tick()
		case <-d.stop:
			return
		}
	}
}

// Stop halts the driver and waits for its goroutine to exit. Calling
// Stop before Start, or twice, panics by closing a nil/closed channel —
// callers own a single Start/Stop pair per Driver.
func (d *Driver) Stop() {
	close(d.stop)
	<-d.done
}
