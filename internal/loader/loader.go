// Package loader implements the kernel's ROM image store and ELF
// loader: the in-memory list of runnable program images the ls and
// exec syscalls consult, and the code that turns one image's ELF
// bytes into the region list and entry point exec installs.
//
// Grounded on Oichkatzelesfrettschen-biscuit's kernel/chentry.go (which
// rewrites a single ELF's entry point with debug/elf; the pack format
// here concatenates many named images instead); the parsing side uses debug/elf from the
// standard library, since no example repo in this corpus ships its own
// ELF reader and the standard library's is the idiomatic choice.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"pebbleos/internal/errno"
	"pebbleos/internal/frame"
	"pebbleos/internal/pagetable"
	"pebbleos/internal/proc"
	"pebbleos/internal/region"
)

// packMagic identifies a ROM pack file: a flat, self-contained
// concatenation of named ELF images that cmd/mkrom produces and the
// boot sequence reads back with ReadPack.
var packMagic = [4]byte{'P', 'B', 'R', 'M'}

// Image is one ROM-resident program.
type Image struct {
	Name string
	ELF  []byte
}

// ROM is the kernel's read-only program store: cmd/mkrom packs images
// into a pack file at build time, and the boot sequence reads that
// file with ReadPack, which registers each image here via Add before
// the first task starts.
type ROM struct {
	mu     sync.Mutex
	images map[string]Image
}

// New returns an empty ROM.
func New() *ROM {
	return &ROM{images: make(map[string]Image)}
}

// Add registers name as a ROM-resident program backed by elfBytes.
func (r *ROM) Add(name string, elfBytes []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[name] = Image{Name: name, ELF: elfBytes}
}

// Names implements syscall.ROM: every registered program name, sorted.
func (r *ROM) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.images))
	for name := range r.images {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the named image.
func (r *ROM) Lookup(name string) (Image, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[name]
	return img, ok
}

const pageSize = frame.PageSize

func pageNum(addr uint64) uint32 { return uint32(addr / pageSize) }
func pageUp(addr uint64) uint64  { return (addr + pageSize - 1) &^ (pageSize - 1) }
func pageDown(addr uint64) uint64 {
	return addr &^ (pageSize - 1)
}

// Load parses img's ELF image, maps and populates one region per
// PT_LOAD segment (eagerly: every page of the segment, including any
// zero-filled tail past its file image, gets a frame now, and no
// separate Bss region is created), adds a stack
// region ending at stackTop, and returns the layout Exec should
// install plus the entry point.
func Load(alloc *frame.Allocator, as *pagetable.AddressSpace, img Image, stackTop uint32, stackPages uint32) (proc.ExecLayout, errno.Errno) {
	f, err := elf.NewFile(bytes.NewReader(img.ELF))
	if err != nil {
		return proc.ExecLayout{}, errno.EArgs
	}
	defer f.Close()
	if f.Class != elf.ELFCLASS32 || f.Machine != elf.EM_386 {
		return proc.ExecLayout{}, errno.EArgs
	}

	var regions []*region.Region
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		start := pageDown(prog.Vaddr)
		end := pageUp(prog.Vaddr + prog.Memsz)
		writable := prog.Flags&elf.PF_W != 0

		data := make([]byte, prog.Memsz)
		if _, rerr := prog.ReadAt(data[:prog.Filesz], 0); rerr != nil {
			return proc.ExecLayout{}, errno.EArgs
		}

		kind := region.Data
		switch {
		case prog.Flags&elf.PF_X != 0:
			kind = region.Text
		case !writable:
			kind = region.Rodata
		}

		for pn := pageNum(start); pn < pageNum(end); pn++ {
			fr, ferr := alloc.AllocUserFrame()
			if ferr != errno.OK {
				return proc.ExecLayout{}, ferr
			}

			// srcOff may be negative when the segment's start address
			// isn't page-aligned: this page's first bytes precede
			// Vaddr and stay zero (AllocUserFrame already zeroed the
			// frame), only the tail is populated from data.
			srcOff := int64(pn)*pageSize - int64(prog.Vaddr)
			destOff := 0
			if srcOff < 0 {
				destOff = int(-srcOff)
				srcOff = 0
			}
			if srcOff < int64(len(data)) {
				copy(alloc.Bytes(fr)[destOff:], data[srcOff:])
			}

			if merr := as.Map(alloc, pn, pagetable.PTE{Frame: fr, Present: true, Writable: true, User: true}); merr != errno.OK {
				return proc.ExecLayout{}, merr
			}
		}
		regions = append(regions, &region.Region{Start: pageNum(start), End: pageNum(end), Kind: kind, Writable: writable})
	}

	stackStart := pageNum(uint64(stackTop)) - stackPages
	stackEnd := pageNum(uint64(stackTop))
	for pn := stackStart; pn < stackEnd; pn++ {
		fr, ferr := alloc.AllocUserFrame()
		if ferr != errno.OK {
			return proc.ExecLayout{}, ferr
		}
		if merr := as.Map(alloc, pn, pagetable.PTE{Frame: fr, Present: true, Writable: true, User: true}); merr != errno.OK {
			return proc.ExecLayout{}, merr
		}
	}
	regions = append(regions, &region.Region{Start: stackStart, End: stackEnd, Kind: region.Stack, Writable: true})

	return proc.ExecLayout{Regions: regions, Entry: uint32(f.Entry)}, errno.OK
}

// WritePack concatenates images into the flat ROM pack format cmd/mkrom
// produces: a magic header, a count, then each image as
// [nameLen, name, dataLen, data].
func WritePack(w io.Writer, images []Image) error {
	if _, err := w.Write(packMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(images))); err != nil {
		return err
	}
	for _, img := range images {
		if err := binary.Write(w, binary.LittleEndian, uint32(len(img.Name))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, img.Name); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(img.ELF))); err != nil {
			return err
		}
		if _, err := w.Write(img.ELF); err != nil {
			return err
		}
	}
	return nil
}

// ReadPack parses a ROM pack produced by WritePack and registers every
// image it contains into a fresh ROM.
func ReadPack(r io.Reader) (*ROM, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("loader: read magic: %w", err)
	}
	if magic != packMagic {
		return nil, fmt.Errorf("loader: bad pack magic %q", magic)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("loader: read count: %w", err)
	}

	rom := New()
	for i := uint32(0); i < count; i++ {
		var nameLen uint32
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("loader: read name length: %w", err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("loader: read name: %w", err)
		}

		var dataLen uint32
		if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
			return nil, fmt.Errorf("loader: read data length: %w", err)
		}
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("loader: read data: %w", err)
		}

		rom.Add(string(name), data)
	}
	return rom, nil
}
