package proc

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt accumulates per-task CPU usage. Ported from
// Oichkatzelesfrettschen-biscuit's accnt.Accnt_t: separate user/system
// nanosecond counters, updated with atomic adds so a thread updating
// its own counters never contends with a parent reading them via
// Fetch for wait4-style reporting.
type Accnt struct {
	UserNS int64
	SysNS  int64
	mu     sync.Mutex
}

// Utadd adds delta nanoseconds of user time.
func (a *Accnt) Utadd(delta time.Duration) { atomic.AddInt64(&a.UserNS, int64(delta)) }

// Systadd adds delta nanoseconds of system time.
func (a *Accnt) Systadd(delta time.Duration) { atomic.AddInt64(&a.SysNS, int64(delta)) }

// Add merges n's counters into a, taking a's lock so concurrent Fetch
// calls see a consistent pair.
func (a *Accnt) Add(n *Accnt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.UserNS += atomic.LoadInt64(&n.UserNS)
	a.SysNS += atomic.LoadInt64(&n.SysNS)
}

// Fetch returns a consistent snapshot of the two counters.
func (a *Accnt) Fetch() (userNS, sysNS int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.UserNS, a.SysNS
}
