// Package pagetable implements the page-directory/table manager: it
// builds, clones and frees per-task address spaces, and maintains the
// "virtual-directory shadow" that lets the kernel walk tables without
// touching flag bits.
//
// There is no MMU underneath this kernel, so a directory's entries are
// ordinary Go pointers to Table objects rather than physical addresses
// with a separate flags word — which is exactly what a shadow array is
// *for* on real hardware (inspecting/modifying tables without touching
// the physical-address form). In this rendition the shadow and the
// "physical" directory collapse into one pointer array; the distinction
// between dir_phys/dir_virt/virtual_dir is preserved in name only, as a
// single Directory type.
//
// Ported from Oichkatzelesfrettschen-biscuit's vm.Vm_t/as.go (pmap
// handling) and mem.Pmap_t (table shape), generalized from biscuit's
// copy-on-write anonymous/file/shared-anon taxonomy to the plain
// full-copy fork semantics this kernel uses instead.
package pagetable

import (
	"sync"

	"pebbleos/internal/errno"
	"pebbleos/internal/frame"
)

// Entries is the fixed fan-out of one directory or table level on a
// 32-bit two-level x86 page table.
const Entries = 1024

// PTE is one page-table entry. Present/Writable/User/Global mirror the
// x86 PTE_P/PTE_W/PTE_U/PTE_G bits; ZFOD marks an entry that is backed
// by Frame only once a write fault occurs.
type PTE struct {
	Frame    frame.Frame
	Present  bool
	Writable bool
	User     bool
	Global   bool
	ZFOD     bool
}

// Table is one level of the page hierarchy: a page table maps virtual
// pages to frames; a directory (see below) maps to Tables.
type Table struct {
	Entries [Entries]PTE
}

// Directory is a task's top-level page structure: each of its 1024
// slots is either nil (absent) or points at a Table. Kernel-region
// slots point at tables shared by every address space — identical
// in every space and marked as a global mapping; KVM
// slots point at the tables internal/kvm installs.
type Directory struct {
	Entries [Entries]*Table
}

// AddressSpace is one task's virtual address space. The mutex is the
// per-PCB directory lock.
type AddressSpace struct {
	mu  sync.Mutex
	Dir *Directory
}

// New allocates an empty directory and copies the kernel-region slots
// from global, the direct-mapped kernel region shared identically by
// every task.
func New(global *Directory, kernelSlots int) *AddressSpace {
	as := &AddressSpace{Dir: &Directory{}}
	if global != nil {
		for i := 0; i < kernelSlots && i < Entries; i++ {
			as.Dir.Entries[i] = global.Entries[i]
		}
	}
	return as
}

// Lock/Unlock expose the directory_lock to callers (region, safecopy)
// that must serialize with page-table mutation.
func (as *AddressSpace) Lock()   { as.mu.Lock() }
func (as *AddressSpace) Unlock() { as.mu.Unlock() }

// InstallKVMSlot publishes a KVM-owned table at the given directory
// slot. Called by internal/kvm under its table-install lock so every
// registered address space observes the new slot atomically with
// respect to KVM allocation.
func (as *AddressSpace) InstallKVMSlot(slot int, t *Table) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.Dir.Entries[slot] = t
}

// EnsureTable returns the Table for the given directory slot,
// allocating a fresh one backed by a kernel-pool frame if the slot is
// currently absent. Used for user-region slots only; KVM slots are
// always installed via InstallKVMSlot.
func (as *AddressSpace) EnsureTable(alloc *frame.Allocator, slot int) (*Table, errno.Errno) {
	if t := as.Dir.Entries[slot]; t != nil {
		return t, errno.OK
	}
	if _, err := alloc.AllocKernelPage(); err != errno.OK {
		return nil, err
	}
	t := &Table{}
	as.Dir.Entries[slot] = t
	return t, errno.OK
}

// slotOf splits a page number into its directory slot and table index.
func slotOf(pageNumber uint32) (dirSlot, tableIndex int) {
	return int(pageNumber / Entries), int(pageNumber % Entries)
}

// Lookup returns the PTE for a page number and whether its table is
// present. The caller must hold the AddressSpace lock.
func (as *AddressSpace) Lookup(pageNumber uint32) (PTE, bool) {
	dirSlot, idx := slotOf(pageNumber)
	if dirSlot >= Entries {
		return PTE{}, false
	}
	t := as.Dir.Entries[dirSlot]
	if t == nil {
		return PTE{}, false
	}
	return t.Entries[idx], true
}

// Map installs pte at the page number, allocating a table for the
// directory slot if necessary. The caller must hold the AddressSpace
// lock.
func (as *AddressSpace) Map(alloc *frame.Allocator, pageNumber uint32, pte PTE) errno.Errno {
	dirSlot, idx := slotOf(pageNumber)
	if dirSlot >= Entries {
		return errno.EArgs
	}
	t, err := as.EnsureTable(alloc, dirSlot)
	if err != errno.OK {
		return err
	}
	t.Entries[idx] = pte
	return errno.OK
}

// Unmap clears the PTE at pageNumber. It reports whether a present
// mapping was removed (callers use this to decide whether a TLB
// invalidation, i.e. bookkeeping only in this simulation, is needed).
func (as *AddressSpace) Unmap(pageNumber uint32) bool {
	dirSlot, idx := slotOf(pageNumber)
	if dirSlot >= Entries {
		return false
	}
	t := as.Dir.Entries[dirSlot]
	if t == nil {
		return false
	}
	was := t.Entries[idx].Present
	t.Entries[idx] = PTE{}
	return was
}

// Duplicate walks from..to (exclusive) page numbers of the current
// address space and, for each present user entry, allocates a fresh
// frame in dst and copies the page's contents, implementing
// duplicate_address_space. Unlike Oichkatzelesfrettschen-biscuit's
// COW-capable fork, this performs an eager full copy at fork time.
func (as *AddressSpace) Duplicate(dst *AddressSpace, alloc *frame.Allocator, from, to uint32) errno.Errno {
	for pn := from; pn < to; pn++ {
		pte, ok := as.Lookup(pn)
		if !ok || !pte.Present {
			continue
		}
		nf, err := alloc.AllocUserFrame()
		if err != errno.OK {
			return err
		}
		copy(alloc.Bytes(nf), alloc.Bytes(pte.Frame))
		npte := pte
		npte.Frame = nf
		if err := dst.Map(alloc, pn, npte); err != errno.OK {
			alloc.FreeUserFrame(nf)
			return err
		}
	}
	return errno.OK
}

// FreeUserRange unmaps and frees every present user frame in
// [from, to), implementing free_user_space.
func (as *AddressSpace) FreeUserRange(alloc *frame.Allocator, from, to uint32) {
	for pn := from; pn < to; pn++ {
		pte, ok := as.Lookup(pn)
		if !ok || !pte.Present {
			continue
		}
		alloc.FreeUserFrame(pte.Frame)
		as.Unmap(pn)
	}
}
