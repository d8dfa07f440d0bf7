// Package region implements a task's region list and page-fault
// dispatch.
//
// The Vmregion_t referenced (but not shipped) by
// Oichkatzelesfrettschen-biscuit's vm.Vm_t.Lookup/insert/empty calls in
// as.go is reconstructed here as an ordered slice rather than a
// from-scratch linked list: Go slices already give O(1) append in
// creation order, and a plain linear scan satisfies the "ordered by
// creation, not address" lookup rule without hand-rolling list nodes.
package region

import (
	"sync"

	"pebbleos/internal/errno"
	"pebbleos/internal/frame"
	"pebbleos/internal/pagetable"
)

// Kind labels a region's fault-handling discipline.
type Kind int

const (
	Text Kind = iota
	Rodata
	Data
	Bss
	Stack
	User
)

func (k Kind) String() string {
	switch k {
	case Text:
		return ".text"
	case Rodata:
		return ".rodata"
	case Data:
		return ".data"
	case Bss:
		return ".bss"
	case Stack:
		return "stack"
	case User:
		return "user"
	default:
		return "unknown"
	}
}

// Region is a contiguous labelled user-virtual range. Start/End are
// page numbers (byte address >> frame.PageShift), matching the
// page-granular PTE addressing used by internal/pagetable.
type Region struct {
	Start, End uint32 // [Start, End) in page numbers
	Kind       Kind
	Writable   bool
}

func (r *Region) contains(pn uint32) bool { return pn >= r.Start && pn < r.End }

// List is a task's region list plus the two locks that guard it:
// region_lock serializes the list itself, new-pages-lock serializes
// the overlap check new_pages performs. new_pages_lock is always taken
// outside region_lock.
type List struct {
	newPagesMu sync.Mutex
	mu         sync.Mutex
	regions    []*Region
}

// New returns an empty region list.
func New() *List { return &List{} }

// CopyLock/CopyUnlock expose the new-pages lock to internal/safecopy,
// which must hold it for the duration of a copy so a concurrent
// RemovePages in the same address space cannot pull the buffer out
// from under the copy.
func (l *List) CopyLock()   { l.newPagesMu.Lock() }
func (l *List) CopyUnlock() { l.newPagesMu.Unlock() }

// Lookup returns the region containing page number pn, scanning in
// creation order — the list is ordered by creation, not address.
func (l *List) Lookup(pn uint32) (*Region, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.regions {
		if r.contains(pn) {
			return r, true
		}
	}
	return nil, false
}

// insertLocked appends r to the list. Caller must hold mu.
func (l *List) insertLocked(r *Region) {
	l.regions = append(l.regions, r)
}

// Insert appends a region built by exec's layout step (.text,
// .rodata, .data, .bss, stack); these are not subject to the
// new_pages overlap check because exec builds them on a fresh, empty
// list.
func (l *List) Insert(r *Region) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.insertLocked(r)
}

// Clear empties the list (used when exec replaces a task's layout or
// vanish tears it down).
func (l *List) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.regions = nil
}

// List returns a snapshot of every region currently held, in creation
// order. Used by vanish/exec teardown, which must free every region's
// backing frames rather than look one up by address.
func (l *List) List() []*Region {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Region, len(l.regions))
	copy(out, l.regions)
	return out
}

// overlaps reports whether [start,end) intersects any region already
// in the list. Caller must hold mu.
func (l *List) overlapsLocked(start, end uint32) bool {
	for _, r := range l.regions {
		if start < r.End && r.Start < end {
			return true
		}
	}
	return false
}

// NewPages implements the new_pages syscall body: regions
// it creates are tagged with the User fault handler and must not
// overlap any existing region. The overlap check and insertion happen
// while holding both locks, serialized by newPagesMu.
func (l *List) NewPages(base, length uint32) errno.Errno {
	if length == 0 {
		return errno.EArgs
	}
	l.newPagesMu.Lock()
	defer l.newPagesMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	end := base + length
	if l.overlapsLocked(base, end) {
		return errno.EFail
	}
	l.insertLocked(&Region{Start: base, End: end, Kind: User, Writable: true})
	return errno.OK
}

// RemovePages implements remove_pages: it removes the
// region whose Start == base and whose Kind == User, frees its pages,
// and unlinks it. It fails with EFail if no such region exists.
func (l *List) RemovePages(as *pagetable.AddressSpace, alloc *frame.Allocator, base uint32) errno.Errno {
	l.newPagesMu.Lock()
	defer l.newPagesMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, r := range l.regions {
		if r.Start == base && r.Kind == User {
			as.Lock()
			as.FreeUserRange(alloc, r.Start, r.End)
			as.Unlock()
			l.regions = append(l.regions[:i], l.regions[i+1:]...)
			return errno.OK
		}
	}
	return errno.EFail
}

// Fault resolves a user page fault at page number pn for the given
// address space. A .bss write fault on an
// unbacked page allocates and zeros a frame (ZFOD); every other region
// kind that reaches here without an already-present mapping is a fatal
// access and the thread must be killed by the caller, which Fault
// reports via a non-OK Errno and the region's kind for diagnostics.
func (l *List) Fault(as *pagetable.AddressSpace, alloc *frame.Allocator, pn uint32, isWrite bool) (Kind, errno.Errno) {
	r, ok := l.Lookup(pn)
	if !ok {
		return User, errno.EFail
	}
	if isWrite && !r.Writable {
		return r.Kind, errno.EFail
	}

	as.Lock()
	defer as.Unlock()

	pte, present := as.Lookup(pn)
	if present && pte.Present {
		// Two threads racing on the same fault, or a stale fault
		// notification; nothing to do.
		return r.Kind, errno.OK
	}

	switch r.Kind {
	case Bss:
		f, err := alloc.AllocUserFrame()
		if err != errno.OK {
			return r.Kind, err
		}
		// AllocUserFrame already zeroed the frame; ZFOD just means
		// this happens lazily at first touch instead of at region
		// creation.
		return r.Kind, as.Map(alloc, pn, pagetable.PTE{Frame: f, Present: true, Writable: true, User: true})
	default:
		// .text/.rodata/.data/stack/user pages are populated
		// eagerly by exec/new_pages/fork; reaching here without a
		// mapping means the access is outside what was ever backed.
		return r.Kind, errno.EFail
	}
}
