// Package mem defines physical/virtual address types, the RISC-V page-size
// hierarchy, and the physical frame allocator (spec.md §4.1).
package mem

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bitmap"

	"rv64kernel/kutil"
)

/// PhysAddr is a physical address.
type PhysAddr uint64

/// VirtAddr is a virtual address.
type VirtAddr uint64

const (
	// PGSHIFT is the base-2 exponent of the smallest page size.
	PGSHIFT uint = 12

	// PageSize4K is the smallest page granule on Sv39/Sv48.
	PageSize4K = 1 << PGSHIFT
	// PageSize2M is a megapage, the level-1 leaf size.
	PageSize2M = PageSize4K * 512
	// PageSize1G is a gigapage, the level-2 leaf size.
	PageSize1G = PageSize2M * 512
	// PageSize512G is a level-3 leaf, valid only under Sv48.
	PageSize512G = PageSize1G * 512
)

// PageOffset returns the offset of a within its containing 4K page.
func PageOffset(a PhysAddr) PhysAddr {
	return a & (PageSize4K - 1)
}

// PageFloor rounds a down to the start of its containing 4K page.
func PageFloor(a PhysAddr) PhysAddr {
	return kutil.Rounddown(a, PhysAddr(PageSize4K))
}

// PageCeil rounds a up to the start of the next 4K page, unless a is
// already page-aligned.
func PageCeil(a PhysAddr) PhysAddr {
	return kutil.Roundup(a, PhysAddr(PageSize4K))
}

// FrameAllocator hands out 4K physical frames from a fixed region
// [base, base+frames*PageSize4K) using a bitmap, one bit per frame. A
// frame that is freed twice is a fatal kernel bug, not a recoverable error,
// matching spec.md §4.1's "double-free is fatal" invariant.
type FrameAllocator struct {
	base   PhysAddr
	frames uint32
	bits   bitmap.Bitmap
}

// NewFrameAllocator creates an allocator covering a region of the given
// byte length starting at base. length is rounded down to a whole number
// of 4K frames.
func NewFrameAllocator(base PhysAddr, length uint64) *FrameAllocator {
	n := uint32(length / PageSize4K)
	return &FrameAllocator{
		base:   PageCeil(base),
		frames: n,
		bits:   bitmap.New(n),
	}
}

// indexOf/addrOf convert between a frame index and its physical address.
func (f *FrameAllocator) addrOf(idx uint32) PhysAddr {
	return f.base + PhysAddr(idx)*PageSize4K
}

func (f *FrameAllocator) indexOf(a PhysAddr) uint32 {
	return uint32((a - f.base) / PageSize4K)
}

// isFree reports whether frame idx is currently unallocated, using the
// bitmap's own FirstZero primitive as a single-bit test: idx is zero iff
// the first zero at-or-after idx is idx itself.
func (f *FrameAllocator) isFree(idx uint32) bool {
	return f.bits.FirstZero(idx) == idx
}

// Alloc reserves a single free frame and returns its physical address.
func (f *FrameAllocator) Alloc() (PhysAddr, error) {
	idx := f.bits.FirstZero(0)
	if idx >= f.frames {
		return 0, fmt.Errorf("mem: out of physical frames")
	}
	f.bits.Set(idx, true)
	return f.addrOf(idx), nil
}

// AllocContiguous reserves n physically contiguous frames and returns the
// address of the first one.
func (f *FrameAllocator) AllocContiguous(n int) (PhysAddr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("mem: bad contiguous frame count %d", n)
	}
	run := 0
	var start uint32
	for i := uint32(0); i < f.frames; i++ {
		if f.isFree(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				for j := start; j < start+uint32(n); j++ {
					f.bits.Set(j, true)
				}
				return f.addrOf(start), nil
			}
		} else {
			run = 0
		}
	}
	return 0, fmt.Errorf("mem: no contiguous run of %d frames", n)
}

// Dealloc frees a single previously allocated frame. Freeing a frame that
// is not currently allocated is a kernel bug and panics.
func (f *FrameAllocator) Dealloc(a PhysAddr) {
	idx := f.indexOf(a)
	if idx >= f.frames {
		panic(fmt.Sprintf("mem: Dealloc of out-of-range address %#x", a))
	}
	if f.isFree(idx) {
		panic(fmt.Sprintf("mem: double free of frame %#x", a))
	}
	f.bits.Set(idx, false)
}

// DeallocContiguous frees n frames starting at a, allocated together by a
// prior AllocContiguous.
func (f *FrameAllocator) DeallocContiguous(a PhysAddr, n int) {
	start := f.indexOf(a)
	for i := uint32(0); i < uint32(n); i++ {
		idx := start + i
		if idx >= f.frames {
			panic(fmt.Sprintf("mem: DeallocContiguous out of range at %#x", a))
		}
		if f.isFree(idx) {
			panic(fmt.Sprintf("mem: double free of frame %#x", f.addrOf(idx)))
		}
		f.bits.Set(idx, false)
	}
}

// SetUsed marks the frame at a used without going through Alloc, for
// reserving regions (boot image, device memory) known in advance to be
// occupied.
func (f *FrameAllocator) SetUsed(a PhysAddr) {
	f.bits.Set(f.indexOf(a), true)
}

// SetUnused is the inverse of SetUsed, used when retiring a reservation.
func (f *FrameAllocator) SetUnused(a PhysAddr) {
	f.bits.Set(f.indexOf(a), false)
}

// FreeFrames returns the number of frames not currently allocated.
func (f *FrameAllocator) FreeFrames() uint32 {
	free := uint32(0)
	for i := uint32(0); i < f.frames; i++ {
		if f.isFree(i) {
			free++
		}
	}
	return free
}

// TotalFrames returns the number of frames the allocator covers.
func (f *FrameAllocator) TotalFrames() uint32 {
	return f.frames
}
