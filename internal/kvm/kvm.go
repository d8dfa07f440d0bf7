// Package kvm implements the kernel-virtual-memory allocator: a
// page-granular allocator above USER_MEM_END whose tables are
// shared by every task so that kernel objects allocated there (page
// tables, shadow arrays, ...) are globally visible.
//
// New, grounded on the directory/table shape in internal/pagetable and
// on the global-list publication discipline:
// "when a new KVM table must be created, the new table is published to
// every PCB on the global PCB list under the KVM table-creation lock
// before any PCB may observe the new directory slot."
package kvm

import (
	"sync"

	"pebbleos/internal/errno"
	"pebbleos/internal/pagetable"
)

// Allocator hands out KVM pages from directory slots
// [firstSlot, pagetable.Entries). cmd/pebblekernel passes firstSlot
// (derived from its memory-map constants) to New; it is a parameter
// rather than a package constant so tests can use a small address
// space.
type Allocator struct {
	mu        sync.Mutex // KVM table-creation lock
	firstSlot int
	slots     []*pagetable.Table // one entry per KVM directory slot, nil until created
	nextSlot  int
	nextIndex int // next free index within slots[nextSlot]
	freePages []pageRef
	spaces    map[*pagetable.AddressSpace]struct{}
}

type pageRef struct {
	slot, index int
}

// New creates a KVM allocator covering directory slots
// [firstSlot, pagetable.Entries).
func New(firstSlot int) *Allocator {
	return &Allocator{
		firstSlot: firstSlot,
		nextSlot:  firstSlot,
		slots:     make([]*pagetable.Table, pagetable.Entries),
		spaces:    make(map[*pagetable.AddressSpace]struct{}),
	}
}

// Register adds an address space to the set that future KVM table
// installs must publish to, and installs every table that already
// exists so the new space sees the current KVM layout immediately.
func (a *Allocator) Register(as *pagetable.AddressSpace) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.spaces[as] = struct{}{}
	for slot := a.firstSlot; slot <= a.nextSlot && slot < len(a.slots); slot++ {
		if t := a.slots[slot]; t != nil {
			as.InstallKVMSlot(slot, t)
		}
	}
}

// Unregister removes an address space from the publication set (used
// when a PCB is reaped).
func (a *Allocator) Unregister(as *pagetable.AddressSpace) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.spaces, as)
}

// AllocPage returns a fresh page-granular slot in the KVM region,
// creating and publishing a new table if the current one is full.
func (a *Allocator) AllocPage() (slot, index int, err errno.Errno) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.freePages); n > 0 {
		pr := a.freePages[n-1]
		a.freePages = a.freePages[:n-1]
		return pr.slot, pr.index, errno.OK
	}

	if a.nextSlot >= len(a.slots) {
		return 0, 0, errno.ENoVM
	}
	if a.slots[a.nextSlot] == nil {
		t := &pagetable.Table{}
		a.slots[a.nextSlot] = t
		// Publish before any caller can observe the new slot: every
		// registered PCB's directory gets the pointer under this
		// same lock.
		for as := range a.spaces {
			as.InstallKVMSlot(a.nextSlot, t)
		}
	}
	slot = a.nextSlot
	index = a.nextIndex
	a.nextIndex++
	if a.nextIndex >= pagetable.Entries {
		a.nextIndex = 0
		a.nextSlot++
	}
	return slot, index, errno.OK
}

// FreePage clears the table entry for (slot, index) in the shared
// table and pushes it onto the KVM free-page list.
func (a *Allocator) FreePage(slot, index int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t := a.slots[slot]; t != nil {
		t.Entries[index] = pagetable.PTE{}
	}
	a.freePages = append(a.freePages, pageRef{slot, index})
}
