// Package console implements the kernel's display and terminal-input
// surface: a linear character/attribute grid (the VGA-text-buffer
// equivalent) that print/getchar/set_term_color/cursor syscalls act
// on, with an optional real-terminal backend for running the kernel
// against an actual TTY.
//
// The real-terminal backend is grounded on smoynes-elsie's
// cmd/internal/tty.Console: term.MakeRaw/term.NewTerminal to drive a
// real pty in raw mode, golang.org/x/sys/unix to twiddle VMIN/VTIME,
// and a buffered background reader feeding a channel of keypresses.
package console

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"pebbleos/internal/errno"
)

// Rows and Cols fix the simulated display's size, matching a standard
// 80x25 text-mode screen.
const (
	Rows = 25
	Cols = 80
)

type cell struct {
	ch   byte
	attr byte
}

// Buffer is the in-memory grid every console syscall ultimately reads
// or writes. A real-terminal backend, when attached via AttachTTY,
// mirrors Print's output onto the actual terminal and feeds Getchar
// from real keypresses instead of the (always empty, headless) default.
type Buffer struct {
	mu    sync.Mutex
	cells [Rows][Cols]cell
	row   int
	col   int
	attr  byte

	tty   *term.Terminal
	state *term.State
	fd    int
	keys  chan byte
}

// New returns an empty, headless console: Print only updates the grid,
// Getchar always reports no key available until PushKey is called.
func New() *Buffer {
	return &Buffer{keys: make(chan byte, 256)}
}

// AttachTTY puts the real terminal behind in/out/errs into raw mode
// and starts mirroring keypresses into b's key channel. Callers must
// call Detach to restore the terminal on shutdown.
func (b *Buffer) AttachTTY(in, out, errs *os.File) error {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("console: fd %d is not a terminal", fd)
	}
	saved, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("console: MakeRaw: %w", err)
	}

	termIO, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		_ = term.Restore(fd, saved)
		return fmt.Errorf("console: IoctlGetTermios: %w", err)
	}
	termIO.Cc[unix.VMIN] = 1
	termIO.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, termIO); err != nil {
		_ = term.Restore(fd, saved)
		return fmt.Errorf("console: IoctlSetTermios: %w", err)
	}

	b.mu.Lock()
	b.tty = term.NewTerminal(in, "")
	b.state = saved
	b.fd = fd
	b.mu.Unlock()

	go b.readKeys(in)
	return nil
}

func (b *Buffer) readKeys(in *os.File) {
	r := bufio.NewReader(in)
	for {
		c, err := r.ReadByte()
		if err != nil {
			return
		}
		select {
		case b.keys <- c:
		default:
		}
	}
}

// Detach restores the terminal to its pre-AttachTTY state, if one was
// ever attached.
func (b *Buffer) Detach() {
	b.mu.Lock()
	state, fd := b.state, b.fd
	b.state = nil
	b.mu.Unlock()
	if state != nil {
		_ = term.Restore(fd, state)
	}
}

// PushKey injects a key as if it had arrived from the keyboard; used
// by tests and by a headless frontend that reads input some other way.
func (b *Buffer) PushKey(c byte) {
	select {
	case b.keys <- c:
	default:
	}
}

// Print implements the print syscall: it advances the cursor through
// s, scrolling the grid up a row whenever it runs off the bottom, and
// mirrors the same bytes onto a real terminal if one is attached.
func (b *Buffer) Print(s string) errno.Errno {
	b.mu.Lock()
	tty := b.tty
	for i := 0; i < len(s); i++ {
		b.putLocked(s[i])
	}
	b.mu.Unlock()

	if tty != nil {
		if _, err := tty.Write([]byte(s)); err != nil {
			return errno.EFail
		}
	}
	return errno.OK
}

func (b *Buffer) putLocked(c byte) {
	if c == '\n' {
		b.row++
		b.col = 0
	} else {
		b.cells[b.row][b.col] = cell{ch: c, attr: b.attr}
		b.col++
		if b.col == Cols {
			b.col = 0
			b.row++
		}
	}
	if b.row == Rows {
		copy(b.cells[:Rows-1], b.cells[1:])
		b.cells[Rows-1] = [Cols]cell{}
		b.row = Rows - 1
	}
}

// Getchar implements getchar: a non-blocking poll of the key channel.
func (b *Buffer) Getchar() (byte, bool) {
	select {
	case c := <-b.keys:
		return c, true
	default:
		return 0, false
	}
}

// SetTermColor implements set_term_color: c is stored as the
// attribute byte applied to every subsequent Print call.
func (b *Buffer) SetTermColor(c int) errno.Errno {
	if c < 0 || c > 0xFF {
		return errno.EArgs
	}
	b.mu.Lock()
	b.attr = byte(c)
	b.mu.Unlock()
	return errno.OK
}

// SetCursorPos implements set_cursor_pos.
func (b *Buffer) SetCursorPos(row, col int) errno.Errno {
	if row < 0 || row >= Rows || col < 0 || col >= Cols {
		return errno.EArgs
	}
	b.mu.Lock()
	b.row, b.col = row, col
	b.mu.Unlock()
	return errno.OK
}

// GetCursorPos implements get_cursor_pos.
func (b *Buffer) GetCursorPos() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.row, b.col
}

// Snapshot renders the grid's non-blank contents as lines of text, for
// tests and for a headless dump of the screen.
func (b *Buffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := make([]string, 0, Rows)
	for r := 0; r < Rows; r++ {
		line := make([]byte, Cols)
		any := false
		for c := 0; c < Cols; c++ {
			if b.cells[r][c].ch != 0 {
				any = true
				line[c] = b.cells[r][c].ch
			} else {
				line[c] = ' '
			}
		}
		if any || r < b.row {
			lines = append(lines, string(line))
		}
	}
	return lines
}
