package proc

import "sync"

// Handler is a TCB's registered software-exception handler: the
// per-thread {esp3, eip, arg} triple §4.10 describes. It lives on the
// TCB itself ("each TCB owns an optional handler"); internal/swexn
// implements the install/deregister/deliver logic that reads and
// writes it.
type Handler struct {
	Esp3, Eip, Arg uint32
}

// handlerState is embedded in TCB so swexn's register/deregister pair
// can be atomic without a second lookup table keyed by tid.
type handlerState struct {
	mu  sync.Mutex
	cur *Handler
}

// InstallHandler replaces tc's handler.
func (t *TCB) InstallHandler(h Handler) {
	t.handler.mu.Lock()
	defer t.handler.mu.Unlock()
	cp := h
	t.handler.cur = &cp
}

// DeregisterHandler removes tc's handler, if any.
func (t *TCB) DeregisterHandler() {
	t.handler.mu.Lock()
	defer t.handler.mu.Unlock()
	t.handler.cur = nil
}

// CurrentHandler returns tc's handler and whether one is installed.
func (t *TCB) CurrentHandler() (Handler, bool) {
	t.handler.mu.Lock()
	defer t.handler.mu.Unlock()
	if t.handler.cur == nil {
		return Handler{}, false
	}
	return *t.handler.cur, true
}
