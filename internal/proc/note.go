package proc

import "sync"

// ThreadNote is a thread's liveness/kill note, ported from
// Oichkatzelesfrettschen-biscuit's tinfo.Tnote_t. It is consulted at
// fault-handling and vanish time to decide whether a thread's death is
// expected (Killed by a prior task_vanish sweep) or must itself drive
// the cleanup.
type ThreadNote struct {
	mu       sync.Mutex
	Alive    bool
	Killed   bool
	Isdoomed bool
}

// Doomed reports whether the thread has been marked for death by a
// task_vanish sweep but has not yet reaped itself.
func (n *ThreadNote) Doomed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.Isdoomed
}

// Doom marks the thread doomed; TaskVanish calls this on every
// sibling thread before waiting for them to exit.
func (n *ThreadNote) Doom() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Isdoomed = true
}

// Kill marks the thread killed (a fatal fault with no handler, or a
// doomed thread's own reap) and no longer alive.
func (n *ThreadNote) Kill() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Killed = true
	n.Alive = false
}
