// Package captab implements CapabilitySpace: the sparse, per-task table
// mapping small integer ids to capabilities, each a (resource, rights)
// pair (spec.md §4.5). Rights are only ever intersected when a capability
// is derived or minted from another, never amplified.
package captab

import (
	"fmt"
	"sync"
)

// Rights is a bitmask of what a capability permits.
type Rights uint32

const (
	// RightRead permits receiving/reading through the resource.
	RightRead Rights = 1 << iota
	// RightWrite permits sending/writing through the resource.
	RightWrite
	// RightGrant permits minting further capabilities to the same
	// resource into another task's capability space.
	RightGrant
	// RightMove permits transferring ownership of the capability itself
	// (after which the source no longer holds it) rather than only
	// granting a derived copy.
	RightMove
)

// Contains reports whether r has every bit set in other.
func (r Rights) Contains(other Rights) bool { return r&other == other }

// Intersect returns the rights present in both r and other. Deriving or
// minting a capability always narrows through Intersect; rights never grow.
func (r Rights) Intersect(other Rights) Rights { return r & other }

func (r Rights) String() string {
	s := ""
	for _, b := range []struct {
		bit  Rights
		name string
	}{{RightRead, "R"}, {RightWrite, "W"}, {RightGrant, "G"}, {RightMove, "M"}} {
		if r&b.bit != 0 {
			s += b.name
		} else {
			s += "-"
		}
	}
	return s
}

// ResourceKind identifies which of the capability variants a Resource is,
// so generic code (e.g. listing a capability space) can switch on it
// without importing every resource-owning package.
type ResourceKind int

const (
	KindEndpoint ResourceKind = iota
	KindBundle
	KindSharedMemory
	KindMmio
	KindReply
)

func (k ResourceKind) String() string {
	switch k {
	case KindEndpoint:
		return "endpoint"
	case KindBundle:
		return "bundle"
	case KindSharedMemory:
		return "shared-memory"
	case KindMmio:
		return "mmio"
	case KindReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Resource is implemented by the concrete object a capability names
// (ipc.Endpoint, ipc.Bundle, region.PhysicalRegion wrapped for sharing,
// an MMIO window, or a one-shot Reply). Kept as an interface here so this
// package has no dependency on ipc/task, avoiding an import cycle.
type Resource interface {
	Kind() ResourceKind
}

// Id names a slot in a CapabilitySpace.
type Id uint64

// Quota is the resource budget a Space draws against as it mints
// capabilities, satisfied by *config.Quota. Declared as an interface here,
// rather than importing config directly, for the same reason Resource is
// kept minimal: nothing above this package's own bookkeeping belongs in it.
type Quota interface {
	Take(n int64) bool
	Give(n int64)
}

// Capability is a (resource, rights) pair, optionally badged. A badge
// lets an Endpoint capability identify its holder to the receiver without
// trusting the holder to self-report (spec.md §4.6).
type Capability struct {
	Resource Resource
	Rights   Rights
	Badge    uint64
	HasBadge bool
}

// Space is a task's capability table: a sparse map from Id to Capability.
type Space struct {
	mu    sync.Mutex
	caps  map[Id]*Capability
	quota Quota
}

// NewSpace creates an empty capability space with no quota enforcement.
func NewSpace() *Space {
	return &Space{caps: make(map[Id]*Capability)}
}

// NewSpaceWithQuota creates an empty capability space whose Mint/MintWithId
// calls draw one unit from quota per capability installed, and whose
// Remove calls return it — the path kernel.SpawnVmspace wires config.Config's
// MaxCapabilitiesPerTask budget through (quota is shared kernel-wide, not
// reset per task, matching that field's doc comment).
func NewSpaceWithQuota(quota Quota) *Space {
	return &Space{caps: make(map[Id]*Capability), quota: quota}
}

// nextID returns one past the highest id currently occupied, or 0 if the
// space holds no capabilities yet (spec.md §4.5: "CapabilityPtr =
// max(existing)+1, or 0 if empty"). Callers must hold s.mu.
func (s *Space) nextID() Id {
	var max Id
	has := false
	for id := range s.caps {
		if !has || id > max {
			max, has = id, true
		}
	}
	if !has {
		return 0
	}
	return max + 1
}

// Mint installs a new capability at a freshly allocated id and returns it.
// Removing the highest-numbered capability frees its id for reuse by the
// next Mint. It fails if s was built with NewSpaceWithQuota and the quota
// is exhausted.
func (s *Space) Mint(res Resource, rights Rights) (Id, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quota != nil && !s.quota.Take(1) {
		return 0, fmt.Errorf("captab: capability quota exhausted")
	}
	id := s.nextID()
	s.caps[id] = &Capability{Resource: res, Rights: rights}
	return id, nil
}

// MintWithId installs a new capability at a caller-chosen id, failing if
// that id is already occupied (used when a task must predict the id a
// kernel-delivered capability will land at, e.g. spawn-time endpoints) or
// if s's quota is exhausted.
func (s *Space) MintWithId(id Id, res Resource, rights Rights) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.caps[id]; exists {
		return fmt.Errorf("captab: id %d already occupied", id)
	}
	if s.quota != nil && !s.quota.Take(1) {
		return fmt.Errorf("captab: capability quota exhausted")
	}
	s.caps[id] = &Capability{Resource: res, Rights: rights}
	return nil
}

// Resolve looks up the capability at id.
func (s *Space) Resolve(id Id) (*Capability, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caps[id]
	return c, ok
}

// Remove deletes and returns the capability at id, returning one unit to
// s's quota (if any).
func (s *Space) Remove(id Id) (*Capability, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caps[id]
	if ok {
		delete(s.caps, id)
		if s.quota != nil {
			s.quota.Give(1)
		}
	}
	return c, ok
}

// Derive mints a new capability in s pointing at the same resource as id,
// with rights narrowed to the intersection of id's current rights and
// requested. Rights in requested that id does not hold are dropped, not
// rejected. It fails if id lacks RightGrant.
func (s *Space) Derive(id Id, requested Rights) (Id, error) {
	s.mu.Lock()
	c, ok := s.caps[id]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("captab: no capability at id %d", id)
	}
	if !c.Rights.Contains(RightGrant) {
		return 0, fmt.Errorf("captab: id %d lacks grant right", id)
	}
	narrowed := c.Rights.Intersect(requested)
	return s.Mint(c.Resource, narrowed)
}

// Move transfers ownership of the capability at id from s into dest,
// removing it from s. It fails unless the capability carries RightMove.
func (s *Space) Move(id Id, dest *Space) (Id, error) {
	s.mu.Lock()
	c, ok := s.caps[id]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("captab: no capability at id %d", id)
	}
	if !c.Rights.Contains(RightMove) {
		return 0, fmt.Errorf("captab: id %d lacks move right", id)
	}
	if _, removed := s.Remove(id); !removed {
		return 0, fmt.Errorf("captab: concurrent remove of id %d raced Move", id)
	}
	return dest.Mint(c.Resource, c.Rights)
}

// Len reports how many capabilities are currently installed.
func (s *Space) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.caps)
}
