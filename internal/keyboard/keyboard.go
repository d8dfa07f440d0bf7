// Package keyboard implements the kernel's keyboard input ring: a
// fixed-capacity line-buffered ring filled one scancode-translated
// character at a time by the driver and drained a line at a time by
// the readline syscall, plus the echo-staging ring that feeds
// keystrokes back to the console while a reader is waiting.
//
// Ported from Oichkatzelesfrettschen-biscuit's circbuf.Circbuf_t
// (monotonically increasing head/tail counters modulo the buffer
// length, so "full" and "empty" fall out of head-tail arithmetic
// instead of a separate counter) and, for the divider/backspace/echo
// protocol, directly from _examples/original_source/p4/kern/driver/
// keyboard.c: keybuf_head/keybuf_divider/keybuf_tail split the ring
// into a promised-to-readers region before the divider and a
// freely-backspaceable region after it, and print_keybuf stages
// characters (including synthesized backspaces) for echo to the
// console without the producer ever touching the console's own lock.
package keyboard

import (
	"sync"

	"pebbleos/internal/errno"
)

// Printer is the minimal console surface the echo drain needs.
// internal/console.Buffer satisfies it; kept as a local interface
// rather than importing internal/syscall's Console type to avoid
// coupling the keyboard ring to the syscall package.
type Printer interface {
	Print(s string) errno.Errno
}

// Buffer is the kernel's keyboard input ring plus its echo-staging
// ring. head is the first character promised to a reader, divider is
// the boundary a backspace cannot erase past (everything before it is
// already committed to a completed line), and tail is where the next
// typed character lands — all three are monotonically increasing
// counters, indexed into buf modulo its length.
type Buffer struct {
	mu       sync.Mutex
	lineCond *sync.Cond // signaled when divider advances past a newline
	buf      []byte
	head     int
	divider  int
	tail     int

	printBuf  []byte
	printHead int
	printTail int
	printCond *sync.Cond // signaled when printTail advances, or on Close
	console   Printer
	reader    bool // true while a goroutine is blocked in ReadLine
	closed    bool
}

// New returns an empty buffer of the given capacity that echoes
// committed input back through console while a reader is waiting. It
// starts a background goroutine draining the echo ring; callers must
// call Close when done with the buffer to stop it.
func New(capacity int, console Printer) *Buffer {
	b := &Buffer{
		buf:      make([]byte, capacity),
		printBuf: make([]byte, capacity),
		console:  console,
	}
	b.lineCond = sync.NewCond(&b.mu)
	b.printCond = sync.NewCond(&b.mu)
	go b.echoLoop()
	return b
}

// Close stops the echo-drain goroutine. Safe to call once.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.printCond.Broadcast()
}

func (b *Buffer) full() bool { return b.tail-b.head == len(b.buf) }

func (b *Buffer) lastCharLocked() (byte, bool) {
	if b.tail == b.head {
		return 0, false
	}
	return b.buf[(b.tail-1)%len(b.buf)], true
}

// queuePrintLocked stages c for echo. A full print ring silently drops
// the new byte, matching async_putbyte's "if space available" producer
// side — the reader is expected to keep draining it.
func (b *Buffer) queuePrintLocked(c byte) {
	if b.printTail-b.printHead == len(b.printBuf) {
		return
	}
	b.printBuf[b.printTail%len(b.printBuf)] = c
	b.printTail++
	b.printCond.Broadcast()
}

// PushChar enqueues one driver-translated character. A plain backspace
// ('\b') erases the most recently typed, not-yet-committed character
// (it cannot erase past divider, since those bytes are already
// promised to a reader); any other character is appended, overwriting
// the last not-yet-committed character when the ring is completely
// full and that last character isn't itself a line terminator, the
// same "make room by backing up one slot" trick keyboard_handler uses
// so typing never simply stalls against a full ring. A newline commits
// every character up to and including it by advancing divider and
// waking a blocked ReadLine.
func (b *Buffer) PushChar(c byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c == '\b' {
		if b.tail != b.head && b.tail != b.divider {
			b.tail--
			b.queuePrintLocked('\b')
		}
		return
	}

	if b.full() {
		last, ok := b.lastCharLocked()
		if (!ok || last != '\n') && b.tail != b.divider {
			b.tail--
			b.queuePrintLocked('\b')
		}
	}

	if !b.full() {
		b.buf[b.tail%len(b.buf)] = c
		b.tail++
		b.queuePrintLocked(c)
		if c == '\n' {
			b.divider = b.tail
			b.lineCond.Broadcast()
		}
	}
}

// ReadLine implements syscall.KeyboardReader: it blocks until a
// complete line (terminated by '\n') has been committed, then copies
// it, newline included, into dst, truncating at len(dst) if the line
// is longer. Bytes typed after the line it returns but not yet
// terminated by a further newline remain in the ring for the next
// call, exactly as the divider boundary is meant to guarantee.
func (b *Buffer) ReadLine(dst []byte) (int, errno.Errno) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reader = true
	b.printCond.Broadcast() // flush any echo backlog now that a reader exists
	for b.divider == b.head {
		b.lineCond.Wait()
	}

	n := 0
	for n < len(dst) && b.head != b.divider {
		c := b.buf[b.head%len(b.buf)]
		b.head++
		dst[n] = c
		n++
		if c == '\n' {
			break
		}
	}
	return n, errno.OK
}

// echoLoop drains the print-staging ring one byte at a time through
// console, but only while a reader is waiting — matching
// echo_to_console's "if (reader && !full_line)" gate, so typing ahead
// of any readline call is never echoed. It releases the keyboard lock
// for the duration of each Print call, which serializes against other
// console writers under its own print lock.
func (b *Buffer) echoLoop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		for !b.closed && (!b.reader || b.printHead == b.printTail) {
			b.printCond.Wait()
		}
		if b.closed {
			return
		}
		c := b.printBuf[b.printHead%len(b.printBuf)]
		b.printHead++
		if c == '\n' {
			b.reader = false
		}
		b.mu.Unlock()
		b.console.Print(string(c))
		b.mu.Lock()
	}
}
