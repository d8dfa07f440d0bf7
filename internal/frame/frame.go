// Package frame implements the kernel's physical-frame allocator
//.
//
// There is no real DRAM to carve up, so a simulated arena stands in for
// physical memory: a flat byte slice sliced into fixed PageSize frames.
// The teacher's trick of storing a free frame's "next" pointer inside
// the frame itself (mem.Physmem_t._phys_new/_phys_insert in
// Oichkatzelesfrettschen-biscuit) is kept verbatim — a free frame
// carries no side allocation. A freeLen counter is kept alongside the
// list, and the invariant "free-list length == free-frame counter"
// holds because every push and pop updates both.
package frame

import (
	"encoding/binary"
	"sync"

	"pebbleos/internal/errno"
)

// PageShift and PageSize fix the kernel's page granularity at 4 KiB.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Frame identifies a physical frame by index into its owning pool's
// arena. It is not a raw address: the kernel never touches frame
// contents except through Bytes: user-pool frames are accessible only
// through some task's mapping.
type Frame uint32

const noFrame = ^Frame(0)

// pool is one of the two disjoint frame pools: kernel or
// user. Each owns its own arena and singly linked free list.
type pool struct {
	mu       sync.Mutex
	arena    []byte
	freeHead Frame
	freeLen  int
}

func newPool(frames int) *pool {
	p := &pool{
		arena:    make([]byte, frames*PageSize),
		freeHead: noFrame,
	}
	for i := frames - 1; i >= 0; i-- {
		f := Frame(i)
		binary.LittleEndian.PutUint32(p.slot(f), uint32(p.freeHead))
		p.freeHead = f
		p.freeLen++
	}
	return p
}

func (p *pool) slot(f Frame) []byte {
	off := int(f) * PageSize
	return p.arena[off : off+PageSize]
}

// alloc pops a frame off the free list in O(1), reading the next
// pointer out of the frame's own first word — the allocator must
// "temporarily map" the frame to do this, which in Go is simply
// slicing the arena.
func (p *pool) alloc() (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freeLen == 0 {
		return noFrame, false
	}
	f := p.freeHead
	next := binary.LittleEndian.Uint32(p.slot(f))
	p.freeHead = Frame(next)
	p.freeLen--
	// Zero the frame before handing it out so stale "next" bytes from
	// the free list never leak to a new owner.
	slot := p.slot(f)
	for i := range slot {
		slot[i] = 0
	}
	return f, true
}

func (p *pool) free(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	binary.LittleEndian.PutUint32(p.slot(f), uint32(p.freeHead))
	p.freeHead = f
	p.freeLen++
}

func (p *pool) freeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeLen
}

// Allocator owns the kernel pool and the user pool and the
// global reservation counter that admits a RequestFrames
// call only when the total future demand is satisfiable.
type Allocator struct {
	user   *pool
	kernel *pool

	mu             sync.Mutex
	userReserved   int
	kernelReserved int
}

// New creates an allocator with userFrames frames in the user pool and
// kernelFrames frames in the kernel pool.
func New(userFrames, kernelFrames int) *Allocator {
	return &Allocator{
		user:   newPool(userFrames),
		kernel: newPool(kernelFrames),
	}
}

// RequestFrames admits a future demand of nUser user-pool frames and
// nKernel kernel-pool frames, or returns ENoMem without reserving
// anything. Kernel-pool demand that the kernel pool cannot satisfy is
// charged against the user pool.
func (a *Allocator) RequestFrames(nUser, nKernel int) errno.Errno {
	a.mu.Lock()
	defer a.mu.Unlock()

	kernelFree := a.kernel.freeCount() - a.kernelReserved
	userFree := a.user.freeCount() - a.userReserved

	kernelShort := nKernel - kernelFree
	if kernelShort < 0 {
		kernelShort = 0
	}
	if nUser+kernelShort > userFree {
		return errno.ENoMem
	}
	if nKernel > 0 {
		reserveKernel := nKernel - kernelShort
		a.kernelReserved += reserveKernel
		a.userReserved += kernelShort
	}
	a.userReserved += nUser
	return errno.OK
}

// AllocUserFrame pops one frame from the user pool.
func (a *Allocator) AllocUserFrame() (Frame, errno.Errno) {
	f, ok := a.user.alloc()
	if !ok {
		return noFrame, errno.ENoMem
	}
	a.mu.Lock()
	if a.userReserved > 0 {
		a.userReserved--
	}
	a.mu.Unlock()
	return f, errno.OK
}

// FreeUserFrame returns f to the user pool's free list.
func (a *Allocator) FreeUserFrame(f Frame) {
	a.user.free(f)
}

// AllocKernelPage pops one frame from the kernel pool, falling back to
// the user pool when the kernel pool is exhausted.
func (a *Allocator) AllocKernelPage() (Frame, errno.Errno) {
	if f, ok := a.kernel.alloc(); ok {
		a.mu.Lock()
		if a.kernelReserved > 0 {
			a.kernelReserved--
		}
		a.mu.Unlock()
		return f, errno.OK
	}
	f, ok := a.user.alloc()
	if !ok {
		return noFrame, errno.ENoMem
	}
	a.mu.Lock()
	if a.userReserved > 0 {
		a.userReserved--
	}
	a.mu.Unlock()
	return f, errno.OK
}

// FreeKernelPage returns f to the kernel pool's free list.
func (a *Allocator) FreeKernelPage(f Frame) {
	a.kernel.free(f)
}

// Bytes returns the backing storage of a user-pool frame. Callers must
// already hold whatever lock protects the frame's owning mapping.
func (a *Allocator) Bytes(f Frame) []byte {
	return a.user.slot(f)
}

// KernelBytes returns the backing storage of a kernel-pool frame.
func (a *Allocator) KernelBytes(f Frame) []byte {
	return a.kernel.slot(f)
}

// FreeUserCount reports the number of frames left in the user pool's
// free list, used by tests asserting the free-list-length invariant.
func (a *Allocator) FreeUserCount() int {
	return a.user.freeCount()
}

// FreeKernelCount reports the number of frames left in the kernel
// pool's free list.
func (a *Allocator) FreeKernelCount() int {
	return a.kernel.freeCount()
}
