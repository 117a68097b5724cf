// Package region implements PhysicalRegion, the kernel's description of a
// span of backing physical memory independent of any address space it is
// mapped into (spec.md §3).
package region

import (
	"sync/atomic"

	"rv64kernel/mem"
)

// Kind distinguishes how a region's physical frames are laid out.
type Kind int

const (
	// Contiguous regions back onto one run of physically adjacent frames,
	// described by a single start address.
	Contiguous Kind = iota
	// Sparse regions are a list of individually allocated frames with no
	// guaranteed adjacency, used for ordinary anonymous memory.
	Sparse
	// Mmio regions describe device register windows: physical memory that
	// is never frame-allocated or freed by the kernel.
	Mmio
)

// layout holds the Kind-specific backing description.
type layout struct {
	kind      Kind
	start     mem.PhysAddr   // Contiguous, Mmio
	frames    []mem.PhysAddr // Sparse
	numFrames int            // Contiguous, Mmio: frame count for NumFrames()
}

// PhysicalRegion is a handle to backing physical memory. It is either
// Unique (exactly one owner, freed when dropped) or Shared (reference
// counted, freed when the last owner drops it) — spec.md §3.
type PhysicalRegion struct {
	shared *sharedState // nil for a Unique region
	layout layout
	owned  bool // false once Drop has run; guards double-free
}

type sharedState struct {
	refs   int64
	layout layout
}

// NewUniqueContiguous wraps a contiguous run of frames starting at start,
// owned by exactly one caller.
func NewUniqueContiguous(start mem.PhysAddr, numFrames int) *PhysicalRegion {
	return &PhysicalRegion{
		layout: layout{kind: Contiguous, start: start, numFrames: numFrames},
		owned:  true,
	}
}

// NewUniqueSparse wraps a set of individually allocated, non-adjacent
// frames, owned by exactly one caller.
func NewUniqueSparse(frames []mem.PhysAddr) *PhysicalRegion {
	cp := make([]mem.PhysAddr, len(frames))
	copy(cp, frames)
	return &PhysicalRegion{
		layout: layout{kind: Sparse, frames: cp},
		owned:  true,
	}
}

// NewMmio wraps a device register window at start spanning numFrames
// pages. Mmio regions are never frame-allocated and Drop is a no-op for
// their backing memory.
func NewMmio(start mem.PhysAddr, numFrames int) *PhysicalRegion {
	return &PhysicalRegion{
		layout: layout{kind: Mmio, start: start, numFrames: numFrames},
		owned:  true,
	}
}

// Kind reports how this region's frames are laid out.
func (r *PhysicalRegion) Kind() Kind {
	return r.layout.kind
}

// NumFrames reports how many 4K frames this region spans.
func (r *PhysicalRegion) NumFrames() int {
	switch r.layout.kind {
	case Sparse:
		return len(r.layout.frames)
	default:
		return r.layout.numFrames
	}
}

// FrameAt returns the physical address of the i'th frame in the region.
func (r *PhysicalRegion) FrameAt(i int) mem.PhysAddr {
	if r.layout.kind == Sparse {
		return r.layout.frames[i]
	}
	return r.layout.start + mem.PhysAddr(i*mem.PageSize4K)
}

// IsShared reports whether this handle participates in reference counting.
func (r *PhysicalRegion) IsShared() bool {
	return r.shared != nil
}

// Share converts a Unique region into the first handle of a Shared region,
// returning a second handle with an incremented reference count. Calling
// Share on an already-shared region just mints another reference.
func (r *PhysicalRegion) Share() *PhysicalRegion {
	if !r.owned {
		panic("region: Share of a dropped region")
	}
	if r.shared == nil {
		r.shared = &sharedState{refs: 1, layout: r.layout}
	}
	atomic.AddInt64(&r.shared.refs, 1)
	return &PhysicalRegion{shared: r.shared, layout: r.shared.layout, owned: true}
}

// RefCount reports the number of live handles to a Shared region, or 1 for
// a Unique region.
func (r *PhysicalRegion) RefCount() int64 {
	if r.shared == nil {
		return 1
	}
	return atomic.LoadInt64(&r.shared.refs)
}

// Drop releases this handle. For a Unique region, or the last handle of a
// Shared region, it frees the backing frames (Mmio regions are left
// untouched, since the kernel never owned that memory). It panics if
// called twice on the same handle, mirroring the frame allocator's
// double-free invariant (spec.md §4.1).
func (r *PhysicalRegion) Drop(fa *mem.FrameAllocator) {
	if !r.owned {
		panic("region: double Drop of a PhysicalRegion")
	}
	r.owned = false

	if r.shared != nil {
		if atomic.AddInt64(&r.shared.refs, -1) > 0 {
			return
		}
	}
	if r.layout.kind == Mmio {
		return
	}
	switch r.layout.kind {
	case Contiguous:
		fa.DeallocContiguous(r.layout.start, r.layout.numFrames)
	case Sparse:
		for _, f := range r.layout.frames {
			fa.Dealloc(f)
		}
	}
}
