// Package klog provides the kernel's structured logging output.
//
// The handler is a small adaptation of smoynes-elsie's internal/log
// package: one block per record (timestamp, level, source, message,
// attrs), serialized with a mutex so concurrent kernel threads never
// interleave a record.
package klog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"
)

type (
	Logger = slog.Logger
	Attr   = slog.Attr
	Level  = slog.Level
)

var (
	// Default returns the process-wide kernel logger. cmd/pebblekernel
	// calls SetDefault once at boot; every internal package logs
	// through slog.Default() afterward, never caching its own copy.
	Default = func() *Logger { return New(os.Stderr) }

	// LevelVar allows the boot command to raise or lower verbosity at
	// runtime (e.g. a -v flag toggling Debug level for a running
	// kernel instance under test).
	LevelVar = &slog.LevelVar{}
)

// New builds a kernel logger writing formatted records to out.
func New(out io.Writer) *Logger {
	return slog.New(NewHandler(out))
}

// Handler implements slog.Handler with the kernel's log layout.
type Handler struct {
	mu    *sync.Mutex
	out   io.Writer
	opts  *slog.HandlerOptions
	group string
	attrs []Attr
}

var defaultOptions = &slog.HandlerOptions{
	AddSource:   true,
	Level:       LevelVar,
	ReplaceAttr: func(_ []string, a Attr) Attr { return a },
}

// NewHandler creates a Handler writing to out.
func NewHandler(out io.Writer) *Handler {
	return &Handler{out: out, mu: new(sync.Mutex), opts: defaultOptions}
}

// Enabled reports whether level is at or above the configured floor.
func (h *Handler) Enabled(_ context.Context, level Level) bool {
	return level >= h.opts.Level.Level()
}

// Handle formats and writes a single log record.
func (h *Handler) Handle(_ context.Context, rec slog.Record) error {
	buf := bytes.NewBuffer(make([]byte, 0, 512))

	if !rec.Time.IsZero() {
		fmt.Fprintf(buf, "%-9s %s\n", "time", rec.Time.Format(time.RFC3339Nano))
	}
	fmt.Fprintf(buf, "%-9s %s\n", "level", rec.Level.String())

	if h.opts.AddSource && rec.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{rec.PC})
		f, _ := frames.Next()
		_, file := path.Split(f.File)
		fmt.Fprintf(buf, "%-9s %s:%d\n", "source", file, f.Line)
	}

	fmt.Fprintf(buf, "%-9s %s\n", "msg", rec.Message)

	for _, a := range h.attrs {
		h.writeAttr(buf, a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		h.writeAttr(buf, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf.Bytes())
	return err
}

func (h *Handler) writeAttr(buf *bytes.Buffer, a Attr) {
	name := a.Key
	if h.group != "" {
		name = h.group + "." + name
	}
	fmt.Fprintf(buf, "%-9s %s\n", strings.ToLower(name), a.Value.String())
}

// WithAttrs returns a Handler that prepends attrs to every record.
func (h *Handler) WithAttrs(attrs []Attr) slog.Handler {
	n := &Handler{out: h.out, mu: h.mu, opts: h.opts, group: h.group}
	n.attrs = append(append([]Attr{}, h.attrs...), attrs...)
	return n
}

// WithGroup returns a Handler that prefixes subsequent attr keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	n := &Handler{out: h.out, mu: h.mu, opts: h.opts, attrs: h.attrs}
	if h.group != "" {
		n.group = h.group + "." + name
	} else {
		n.group = name
	}
	return n
}
