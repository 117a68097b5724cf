// Package addrspace implements AddressMap, the interval map of a task's
// virtual address regions, and MemoryManager, which ties that map to a
// page table and frame allocator to service allocation and user-pointer
// validation (spec.md §4.3).
package addrspace

import (
	"fmt"

	"github.com/google/btree"

	"rv64kernel/mem"
	"rv64kernel/pgtbl"
	"rv64kernel/region"
)

// Kind classifies what an AddressSpaceRegion is for.
type Kind int

const (
	// Anonymous is ordinary memory, backed eagerly at allocation time.
	Anonymous Kind = iota
	// GuardPage reserves virtual space with no backing and no permission
	// bits, so a stack overflow faults instead of corrupting a neighbor.
	GuardPage
	// SharedRegion backs a range with a region.PhysicalRegion shared with
	// another task (a Bundle's SharedMemory capability, spec.md §4.6).
	SharedRegion
	// MmioRegion maps a device register window.
	MmioRegion
)

// AddressSpaceRegion describes one non-overlapping virtual range [Start,
// End) of a task's address space.
type AddressSpaceRegion struct {
	Start, End mem.VirtAddr
	Kind       Kind
	Perm       uint64 // pgtbl.FlagR|FlagW|FlagX|FlagU
	Backing    *region.PhysicalRegion
}

func (r *AddressSpaceRegion) size() uint64 { return uint64(r.End - r.Start) }

// less orders regions by End, the key the vanadinite kernel this core is
// modeled on indexes its interval map by: a lookup for address a finds the
// least region whose End exceeds a.
func less(a, b *AddressSpaceRegion) bool { return a.End < b.End }

// AddressMap is a non-overlapping interval map of a task's virtual address
// regions, ordered by region end address.
type AddressMap struct {
	tree *btree.BTreeG[*AddressSpaceRegion]
}

// NewAddressMap creates an empty map.
func NewAddressMap() *AddressMap {
	return &AddressMap{tree: btree.NewG(32, less)}
}

// Find returns the region containing addr, if any.
func (m *AddressMap) Find(addr mem.VirtAddr) (*AddressSpaceRegion, bool) {
	var found *AddressSpaceRegion
	probe := &AddressSpaceRegion{End: addr + 1}
	m.tree.AscendGreaterOrEqual(probe, func(item *AddressSpaceRegion) bool {
		found = item
		return false
	})
	if found == nil || addr < found.Start || addr >= found.End {
		return nil, false
	}
	return found, true
}

// Insert adds r to the map. It fails if r overlaps an existing region.
func (m *AddressMap) Insert(r *AddressSpaceRegion) error {
	if r.Start >= r.End {
		return fmt.Errorf("addrspace: empty or inverted region [%#x,%#x)", r.Start, r.End)
	}
	if existing, ok := m.Find(r.Start); ok {
		return fmt.Errorf("addrspace: %#x overlaps existing region [%#x,%#x)", r.Start, existing.Start, existing.End)
	}
	if existing, ok := m.Find(r.End - 1); ok {
		return fmt.Errorf("addrspace: %#x overlaps existing region [%#x,%#x)", r.End-1, existing.Start, existing.End)
	}
	m.tree.ReplaceOrInsert(r)
	return nil
}

// Remove deletes the region starting exactly at start, returning it.
func (m *AddressMap) Remove(start mem.VirtAddr) (*AddressSpaceRegion, bool) {
	r, ok := m.Find(start)
	if !ok || r.Start != start {
		return nil, false
	}
	m.tree.Delete(r)
	return r, true
}

// Regions returns every region in ascending address order.
func (m *AddressMap) Regions() []*AddressSpaceRegion {
	out := make([]*AddressSpaceRegion, 0, m.tree.Len())
	m.tree.Ascend(func(item *AddressSpaceRegion) bool {
		out = append(out, item)
		return true
	})
	return out
}

// FindGap finds the first free span of at least size bytes at or after
// hint, returning its start address.
func (m *AddressMap) FindGap(hint mem.VirtAddr, size uint64) (mem.VirtAddr, bool) {
	cursor := hint
	for {
		next, has := m.nextRegionAtOrAfter(cursor)
		if !has {
			return cursor, true
		}
		if next.Start > cursor && uint64(next.Start-cursor) >= size {
			return cursor, true
		}
		if next.End <= cursor {
			// malformed zero-length region; skip past it defensively.
			cursor++
			continue
		}
		cursor = next.End
	}
}

func (m *AddressMap) nextRegionAtOrAfter(addr mem.VirtAddr) (*AddressSpaceRegion, bool) {
	var found *AddressSpaceRegion
	m.tree.AscendGreaterOrEqual(&AddressSpaceRegion{End: addr + 1}, func(item *AddressSpaceRegion) bool {
		found = item
		return false
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// MemoryManager ties an AddressMap to a page table and the kernel's frame
// allocator, implementing the allocate/free/validate operations a task's
// address space needs (spec.md §4.3).
type MemoryManager struct {
	Map    *AddressMap
	Root   *pgtbl.Table
	RootPA mem.PhysAddr // physical address backing Root, for Satp()
	Mode   pgtbl.Mode
	ASID   uint16
	frames *mem.FrameAllocator
	fs     pgtbl.FrameSource
}

// Satp builds the satp CSR value that activates this address space,
// using the task id as ASID (spec.md §4.3).
func (mm *MemoryManager) Satp() uint64 {
	return pgtbl.Satp(mm.Mode, mm.ASID, mm.RootPA)
}

// NewMemoryManager creates a manager for a fresh, empty address space.
func NewMemoryManager(mode pgtbl.Mode, asid uint16, root *pgtbl.Table, frames *mem.FrameAllocator, fs pgtbl.FrameSource) *MemoryManager {
	return &MemoryManager{
		Map:    NewAddressMap(),
		Root:   root,
		Mode:   mode,
		ASID:   asid,
		frames: frames,
		fs:     fs,
	}
}

// Alloc reserves a virtual range of the given size (rounded up to a whole
// number of 4K pages) at or after hint, backs it with freshly allocated
// physical frames, maps it with perm, and records it in the address map.
func (mm *MemoryManager) Alloc(hint mem.VirtAddr, size uint64, perm uint64) (*AddressSpaceRegion, error) {
	npages := int((size + mem.PageSize4K - 1) / mem.PageSize4K)
	start, ok := mm.Map.FindGap(hint, uint64(npages)*mem.PageSize4K)
	if !ok {
		return nil, fmt.Errorf("addrspace: no free virtual range of %d bytes", size)
	}
	frames := make([]mem.PhysAddr, 0, npages)
	for i := 0; i < npages; i++ {
		f, err := mm.frames.Alloc()
		if err != nil {
			for _, done := range frames {
				mm.frames.Dealloc(done)
			}
			return nil, err
		}
		frames = append(frames, f)
	}
	for i, f := range frames {
		va := start + mem.VirtAddr(i*mem.PageSize4K)
		if err := pgtbl.Map(mm.Root, mm.Mode, va, f, 0, perm, mm.fs); err != nil {
			return nil, err
		}
	}
	r := &AddressSpaceRegion{
		Start:   start,
		End:     start + mem.VirtAddr(uint64(npages)*mem.PageSize4K),
		Kind:    Anonymous,
		Perm:    perm,
		Backing: region.NewUniqueSparse(frames),
	}
	if err := mm.Map.Insert(r); err != nil {
		return nil, err
	}
	return r, nil
}

// AllocGuardPage reserves size bytes of unmapped, unbacked virtual space,
// so touching it faults instead of silently aliasing a neighbor.
func (mm *MemoryManager) AllocGuardPage(hint mem.VirtAddr, size uint64) (*AddressSpaceRegion, error) {
	npages := int((size + mem.PageSize4K - 1) / mem.PageSize4K)
	start, ok := mm.Map.FindGap(hint, uint64(npages)*mem.PageSize4K)
	if !ok {
		return nil, fmt.Errorf("addrspace: no free virtual range of %d bytes for guard page", size)
	}
	r := &AddressSpaceRegion{
		Start: start,
		End:   start + mem.VirtAddr(uint64(npages)*mem.PageSize4K),
		Kind:  GuardPage,
	}
	if err := mm.Map.Insert(r); err != nil {
		return nil, err
	}
	return r, nil
}

// MapShared maps an existing shared region.PhysicalRegion into this
// address space at or after hint, used when a Bundle hands SharedMemory to
// a peer task.
func (mm *MemoryManager) MapShared(hint mem.VirtAddr, backing *region.PhysicalRegion, perm uint64) (*AddressSpaceRegion, error) {
	n := backing.NumFrames()
	start, ok := mm.Map.FindGap(hint, uint64(n)*mem.PageSize4K)
	if !ok {
		return nil, fmt.Errorf("addrspace: no free virtual range for shared region of %d frames", n)
	}
	for i := 0; i < n; i++ {
		va := start + mem.VirtAddr(i*mem.PageSize4K)
		if err := pgtbl.Map(mm.Root, mm.Mode, va, backing.FrameAt(i), 0, perm, mm.fs); err != nil {
			return nil, err
		}
	}
	r := &AddressSpaceRegion{
		Start:   start,
		End:     start + mem.VirtAddr(uint64(n)*mem.PageSize4K),
		Kind:    SharedRegion,
		Perm:    perm,
		Backing: backing,
	}
	if err := mm.Map.Insert(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Free unmaps and releases the region starting at start.
func (mm *MemoryManager) Free(start mem.VirtAddr) error {
	r, ok := mm.Map.Remove(start)
	if !ok {
		return fmt.Errorf("addrspace: no region at %#x", start)
	}
	if r.Kind != GuardPage {
		n := int(r.size() / mem.PageSize4K)
		for i := 0; i < n; i++ {
			pgtbl.Unmap(mm.Root, mm.Mode, r.Start+mem.VirtAddr(i*mem.PageSize4K), mm.fs)
		}
	}
	if r.Backing != nil {
		r.Backing.Drop(mm.frames)
	}
	return nil
}

// IsUserRegionValid reports whether the span [addr, addr+length) lies
// entirely within one mapped region with at least the requested
// permissions, the check every user-pointer-taking syscall must perform
// before dereferencing kernel-side (spec.md §4.7).
func (mm *MemoryManager) IsUserRegionValid(addr mem.VirtAddr, length uint64, write bool) bool {
	if length == 0 {
		return true
	}
	r, ok := mm.Map.Find(addr)
	if !ok || r.Kind == GuardPage {
		return false
	}
	end := addr + mem.VirtAddr(length)
	if end > r.End {
		return false
	}
	if r.Perm&pgtbl.FlagU == 0 {
		return false
	}
	if write && r.Perm&pgtbl.FlagW == 0 {
		return false
	}
	if !write && r.Perm&pgtbl.FlagR == 0 {
		return false
	}
	return true
}
