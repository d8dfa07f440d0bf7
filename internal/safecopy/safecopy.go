// Package safecopy implements validated copies across the user/kernel
// trust boundary.
//
// Ported from Oichkatzelesfrettschen-biscuit's
// vm.Vm_t.Userdmap8_inner/Userreadn/Userwriten/Userstr/K2user/User2k
// (as.go): each traverses the destination one page at a time,
// consulting present/writable flags, and stops early on an unmapped
// page instead of faulting the kernel.
package safecopy

import (
	"pebbleos/internal/errno"
	"pebbleos/internal/frame"
	"pebbleos/internal/pagetable"
	"pebbleos/internal/region"
	"pebbleos/internal/ustring"
)

// Space bundles the three things a copy needs to validate and perform
// itself: the address space's page tables, the physical-frame
// allocator backing them, and the region list whose new-pages lock
// must be held for the duration of the copy.
type Space struct {
	AS      *pagetable.AddressSpace
	Alloc   *frame.Allocator
	Regions *region.List
}

const pageSize = frame.PageSize
const pageMask = pageSize - 1

func pageOf(addr uint32) uint32    { return addr >> frame.PageShift }
func offsetOf(addr uint32) uint32  { return addr & pageMask }

// slice returns the backing bytes for the page containing addr,
// starting at addr's offset within that page, and whether the page is
// mapped with the required permission. The caller must hold AS's lock.
func (s *Space) slice(addr uint32, write bool) ([]byte, bool) {
	pte, ok := s.AS.Lookup(pageOf(addr))
	if !ok || !pte.Present {
		return nil, false
	}
	if write && !pte.Writable {
		return nil, false
	}
	buf := s.Alloc.Bytes(pte.Frame)
	off := offsetOf(addr)
	return buf[off:], true
}

// ValidateRead reports whether every byte in [addr, addr+length) is
// currently mapped for reading.
func (s *Space) ValidateRead(addr, length uint32) bool {
	return s.validate(addr, length, false)
}

// ValidateWrite reports whether every byte in [addr, addr+length) is
// currently mapped for writing.
func (s *Space) ValidateWrite(addr, length uint32) bool {
	return s.validate(addr, length, true)
}

func (s *Space) validate(addr, length uint32, write bool) bool {
	s.Regions.CopyLock()
	defer s.Regions.CopyUnlock()
	s.AS.Lock()
	defer s.AS.Unlock()

	remaining := length
	cur := addr
	for remaining > 0 {
		chunk, ok := s.slice(cur, write)
		if !ok {
			return false
		}
		n := uint32(len(chunk))
		if n > remaining {
			n = remaining
		}
		cur += n
		remaining -= n
	}
	return true
}

// CopyInBuf copies up to len(dst) bytes from user address uva into
// dst, stopping at the first unmapped page. It returns the number of
// bytes actually copied.
func (s *Space) CopyInBuf(dst []byte, uva uint32) (int, errno.Errno) {
	s.Regions.CopyLock()
	defer s.Regions.CopyUnlock()
	s.AS.Lock()
	defer s.AS.Unlock()

	got := 0
	cur := uva
	for got < len(dst) {
		chunk, ok := s.slice(cur, false)
		if !ok {
			if got == 0 {
				return 0, errno.EBuf
			}
			return got, errno.OK
		}
		n := copy(dst[got:], chunk)
		got += n
		cur += uint32(n)
	}
	return got, errno.OK
}

// CopyOutBuf copies src into user memory starting at uva, stopping at
// the first unmapped or read-only page.
func (s *Space) CopyOutBuf(uva uint32, src []byte) (int, errno.Errno) {
	s.Regions.CopyLock()
	defer s.Regions.CopyUnlock()
	s.AS.Lock()
	defer s.AS.Unlock()

	put := 0
	cur := uva
	for put < len(src) {
		chunk, ok := s.slice(cur, true)
		if !ok {
			if put == 0 {
				return 0, errno.EBuf
			}
			return put, errno.OK
		}
		n := copy(chunk, src[put:])
		put += n
		cur += uint32(n)
	}
	return put, errno.OK
}

// CopyInInt reads a 4-byte little-endian integer from user memory.
func (s *Space) CopyInInt(uva uint32) (int32, errno.Errno) {
	var buf [4]byte
	n, err := s.CopyInBuf(buf[:], uva)
	if err != errno.OK || n != 4 {
		return 0, errno.EBuf
	}
	return int32(buf[0]) | int32(buf[1])<<8 | int32(buf[2])<<16 | int32(buf[3])<<24, errno.OK
}

// CopyInPtr reads a 4-byte user-space address (this kernel's
// "pointer") from uva.
func (s *Space) CopyInPtr(uva uint32) (uint32, errno.Errno) {
	v, err := s.CopyInInt(uva)
	return uint32(v), err
}

// CopyOutInt writes a 4-byte little-endian integer to user memory.
func (s *Space) CopyOutInt(uva uint32, val int32) errno.Errno {
	buf := [4]byte{byte(val), byte(val >> 8), byte(val >> 16), byte(val >> 24)}
	n, err := s.CopyOutBuf(uva, buf[:])
	if err != errno.OK || n != 4 {
		return errno.EBuf
	}
	return errno.OK
}

// CopyInStr copies a NUL-terminated string from user memory, up to
// lenMax bytes. It returns ELen if no terminator is found within that
// bound.
func (s *Space) CopyInStr(uva uint32, lenMax int) (ustring.Ustr, errno.Errno) {
	if lenMax < 0 {
		return nil, errno.EArgs
	}

	s.Regions.CopyLock()
	defer s.Regions.CopyUnlock()
	s.AS.Lock()
	defer s.AS.Unlock()

	out := make([]byte, 0, 64)
	cur := uva
	for len(out) < lenMax {
		chunk, ok := s.slice(cur, false)
		if !ok {
			return nil, errno.EBuf
		}
		if rem := lenMax - len(out); len(chunk) > rem {
			chunk = chunk[:rem]
		}
		for i, b := range chunk {
			if b == 0 {
				return ustring.Ustr(append(out, chunk[:i]...)), errno.OK
			}
		}
		out = append(out, chunk...)
		cur += uint32(len(chunk))
	}
	return nil, errno.ELen
}
