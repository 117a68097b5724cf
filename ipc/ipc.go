// Package ipc implements the capability-borne IPC primitives: Endpoint,
// Bundle, SharedMemory, Mmio windows, and the one-shot Reply capability
// (spec.md §4.6).
package ipc

import (
	"fmt"
	"sync"

	"rv64kernel/captab"
	"rv64kernel/region"
	"rv64kernel/sched"
	"rv64kernel/task"
)

// Endpoint is a rendezvous point owned by one receiving task. A badged
// endpoint stamps every message it carries with a fixed badge; a
// promiscuous endpoint instead mints a fresh per-connection badge and
// tells its owner about the new peer via a kernel message, rather than
// restricting delivery to one sender (spec.md §4.6, SUPPLEMENTED
// "promiscuous vs. badged endpoints").
type Endpoint struct {
	mu sync.Mutex

	owner      *task.Task
	promisc    bool
	fixedBadge uint64
	nextBadge  uint64
}

// NewBadgedEndpoint creates an endpoint that stamps every delivered
// message with badge.
func NewBadgedEndpoint(owner *task.Task, badge uint64) *Endpoint {
	return &Endpoint{owner: owner, fixedBadge: badge}
}

// NewPromiscuousEndpoint creates an endpoint that accepts a connection
// from any sender, minting a distinct badge per connecting peer.
func NewPromiscuousEndpoint(owner *task.Task) *Endpoint {
	return &Endpoint{owner: owner, promisc: true}
}

// Kind implements captab.Resource.
func (e *Endpoint) Kind() captab.ResourceKind { return captab.KindEndpoint }

// Connect allocates this sender's badge against a promiscuous endpoint,
// notifying the owner via its kernel channel. Badged endpoints have a
// single fixed badge and Connect just returns it.
func (e *Endpoint) Connect() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.promisc {
		return e.fixedBadge
	}
	b := e.nextBadge
	e.nextBadge++
	e.owner.EnqueueKernel(task.KernelMessage{Kind: task.NewEndpointMessage, Badge: b})
	return b
}

// Send delivers msg to the endpoint's owner, stamped with sender's id and
// badge, and wakes the owner if it is blocked waiting for a message.
// Delivery order across senders is FIFO on the receiver's queue
// (spec.md §4.6); Send itself never blocks the sender.
func (e *Endpoint) Send(s *sched.Scheduler, sender task.ID, msg task.Message, badge uint64) {
	e.mu.Lock()
	owner := e.owner
	e.mu.Unlock()

	msg.Sender = sender
	msg.Badge = badge
	msg.HasBadge = true
	owner.Enqueue(msg)
	s.Wake(owner.ID)
}

// Owner returns the task that owns this endpoint.
func (e *Endpoint) Owner() *task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

// SharedMemory wraps a region.PhysicalRegion so it can be named by a
// capability and mapped into a receiver's address space.
type SharedMemory struct {
	Region *region.PhysicalRegion
}

// Kind implements captab.Resource.
func (s *SharedMemory) Kind() captab.ResourceKind { return captab.KindSharedMemory }

// Mmio wraps a device register window region so it can be named by a
// capability, minted once a task claims the owning device (spec.md §4.5,
// §6 ClaimDevice).
type Mmio struct {
	Region *region.PhysicalRegion
}

// Kind implements captab.Resource.
func (m *Mmio) Kind() captab.ResourceKind { return captab.KindMmio }

// Bundle atomically carries an Endpoint capability and a SharedMemory
// capability as a single capability, so a receiver gets both or neither —
// spec.md §4.6's atomic-transfer requirement, grounded on vanadinite's
// combined channel+region hand-off.
type Bundle struct {
	Endpoint       *Endpoint
	EndpointRights captab.Rights
	Shared         *SharedMemory
	SharedRights   captab.Rights
}

// Kind implements captab.Resource.
func (b *Bundle) Kind() captab.ResourceKind { return captab.KindBundle }

// Deliver mints the endpoint and shared-memory capabilities carried by b
// into dest in one step, so a caller can never observe one installed
// without the other. If dest's quota is exhausted partway through, the
// endpoint capability is unwound rather than left stranded alone.
func (b *Bundle) Deliver(dest *captab.Space) (endpointID, sharedID captab.Id, err error) {
	endpointID, err = dest.Mint(b.Endpoint, b.EndpointRights)
	if err != nil {
		return 0, 0, err
	}
	sharedID, err = dest.Mint(b.Shared, b.SharedRights)
	if err != nil {
		dest.Remove(endpointID)
		return 0, 0, err
	}
	return endpointID, sharedID, nil
}

// Reply is a one-shot capability minted alongside a received message so
// the receiver can send exactly one reply back to the original sender,
// after which the capability is consumed (spec.md §4.6).
type Reply struct {
	mu     sync.Mutex
	used   bool
	target *task.Task
}

// NewReply creates a Reply capability targeting the original sender.
func NewReply(target *task.Task) *Reply {
	return &Reply{target: target}
}

// Kind implements captab.Resource.
func (r *Reply) Kind() captab.ResourceKind { return captab.KindReply }

// Send delivers msg back to the original sender and consumes the Reply,
// so it fails if called a second time.
func (r *Reply) Send(s *sched.Scheduler, msg task.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return fmt.Errorf("ipc: reply capability already used")
	}
	r.used = true
	r.target.Enqueue(msg)
	s.Wake(r.target.ID)
	return nil
}

// Used reports whether this Reply has already been consumed.
func (r *Reply) Used() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}
