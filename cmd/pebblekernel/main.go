// Command pebblekernel boots the kernel: it wires the frame allocator,
// page-table/KVM managers, scheduler, process table, syscall
// dispatcher and device backends together, execs the first ROM-resident
// program into the init task, and runs the timer driver until
// interrupted.
//
// There is no real ring0/ring3 transition or interrupt-descriptor
// table here — this module never claims to run actual x86 machine
// code in user mode, only to model the kernel-side bookkeeping a real
// one performs once a trap has already landed. A real front end (an
// emulator, or a test harness driving internal/syscall.Dispatcher
// directly) is expected to supply the traps; this command's boot
// sequence demonstrates the wiring by dispatching a handful of
// syscalls against the init task itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pebbleos/internal/console"
	"pebbleos/internal/errno"
	"pebbleos/internal/frame"
	"pebbleos/internal/keyboard"
	"pebbleos/internal/klog"
	"pebbleos/internal/kvm"
	"pebbleos/internal/loader"
	"pebbleos/internal/pagetable"
	"pebbleos/internal/proc"
	"pebbleos/internal/safecopy"
	pebblesyscall "pebbleos/internal/syscall"
	"pebbleos/internal/sched"
	"pebbleos/internal/swexn"
	"pebbleos/internal/timer"
)

// memory layout constants: user pool size, kernel pool size, and the
// first directory slot KVM owns, scaled for a small simulated machine
// rather than a real one's gigabytes.
const (
	userFrames   = 4096
	kernelFrames = 512
	kvmFirstSlot = 768
	tickInterval = 10 * time.Millisecond
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	romPath := flag.String("rom", "", "path to a ROM pack produced by cmd/mkrom")
	initName := flag.String("init", "init", "name of the ROM image to exec as the init task")
	useTTY := flag.Bool("tty", false, "attach the console to the controlling terminal")
	flag.Parse()

	if *verbose {
		klog.LevelVar.Set(slog.LevelDebug)
	}
	slog.SetDefault(klog.Default())

	alloc := frame.New(userFrames, kernelFrames)
	global := &pagetable.Directory{}
	kvmAlloc := kvm.New(kvmFirstSlot)
	s := sched.New()

	rom := loader.New()
	if *romPath != "" {
		f, err := os.Open(*romPath)
		if err != nil {
			slog.Error("open rom pack", "path", *romPath, "err", err)
			os.Exit(1)
		}
		loaded, err := loader.ReadPack(f)
		f.Close()
		if err != nil {
			slog.Error("read rom pack", "path", *romPath, "err", err)
			os.Exit(1)
		}
		rom = loaded
	}

	cons := console.New()
	if *useTTY {
		if err := cons.AttachTTY(os.Stdin, os.Stdout, os.Stderr); err != nil {
			slog.Warn("attach tty console, falling back to headless", "err", err)
		} else {
			defer cons.Detach()
		}
	}
	keys := keyboard.New(4096, cons)
	defer keys.Close()
	swexnMgr := swexn.NewManager(s)

	initPCB := proc.NewPCB(1, global, 0)
	kvmAlloc.Register(initPCB.AS)

	img, ok := rom.Lookup(*initName)
	if ok {
		layout, lerr := loader.Load(alloc, initPCB.AS, img, 0x80000000, 16)
		if lerr != errno.OK {
			slog.Error("load init image", "name", *initName, "err", lerr)
		} else {
			for _, r := range layout.Regions {
				initPCB.Regions.Insert(r)
			}
			slog.Info("loaded init image", "name", *initName, "entry", fmt.Sprintf("%#x", layout.Entry))
		}
	} else {
		slog.Warn("no init image found in rom", "name", *initName, "available", rom.Names())
	}

	initThread := &proc.TCB{Sched: sched.NewThread(s.NextTID())}
	initPCB.AddThread(initThread)
	swexnMgr.Bind(initThread)

	dispatcher := &pebblesyscall.Dispatcher{
		Sched:   s,
		Alloc:   alloc,
		Init:    initPCB,
		Console: cons,
		Keyb:    keys,
		Rom:     rom,
		Swexn:   swexnMgr,
	}

	space := &safecopy.Space{AS: initPCB.AS, Alloc: alloc, Regions: initPCB.Regions}
	demonstrateWiring(dispatcher, initPCB, initThread, space)

	td := timer.New(s, tickInterval)
	td.Start()
	defer td.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	slog.Info("pebblekernel boot complete", "threads", initPCB.ThreadCount(), "rom", rom.Names())
	<-ctx.Done()
	slog.Info("pebblekernel shutting down")
}

// demonstrateWiring dispatches a few syscalls against the init task so
// a boot log shows every subsystem is actually reachable through the
// dispatcher, not just constructed.
func demonstrateWiring(d *pebblesyscall.Dispatcher, pcb *proc.PCB, tc *proc.TCB, space *safecopy.Space) {
	var u pebblesyscall.Ureg
	d.Dispatch(pebblesyscall.Gettid, pcb, tc, space, &u)
	slog.Debug("dispatch gettid", "tid", u.EAX)

	u = pebblesyscall.Ureg{}
	d.Dispatch(pebblesyscall.GetTicks, pcb, tc, space, &u)
	slog.Debug("dispatch get_ticks", "ticks", u.EAX)
}
