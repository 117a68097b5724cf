// Package platform defines the kernel core's external collaborators —
// SBI, the interrupt controller, and the console — as interfaces, plus
// the ISR registration table and console input queue built against them
// (spec.md §6). Real hardware backends and the fakes used in tests both
// satisfy these interfaces; this package owns only the kernel-side state
// built on top of them.
package platform

import (
	"fmt"
	"sync"
	"time"

	"rv64kernel/task"
)

// SBI is the subset of the RISC-V Supervisor Binary Interface the kernel
// core calls into: arming the next timer interrupt and sending
// inter-hart (IPI) notifications.
type SBI interface {
	SetTimer(hart uint32, delay time.Duration)
	SendIPI(harts []uint32)
}

// InterruptController is the PLIC (or equivalent) contract: enabling a
// device's IRQ line for a hart, claiming the highest-priority pending
// IRQ, and acknowledging completion.
type InterruptController struct {
	EnableIRQ  func(irq uint32, hart uint32, priority uint32)
	DisableIRQ func(irq uint32, hart uint32)
	Claim      func(hart uint32) (irq uint32, ok bool)
	Complete   func(hart uint32, irq uint32)
}

// Console is the raw byte-oriented debug console: SBI putchar/getchar, or
// a UART driven directly once one is claimed as a device.
type Console interface {
	PutChar(b byte)
	GetChar() (byte, bool)
}

// ISRTable maps an IRQ line to the task that claimed it, so an interrupt
// firing on the PLIC can be routed to the right task's kernel channel
// (spec.md §4.6, §6 ClaimDevice). Registration and the interrupt
// controller's enable/disable calls must happen together, which is why
// Register/Unregister take the controller and hart directly instead of
// leaving the caller to sequence them — a plain mutex-guarded map buys
// that transactional update far more simply than a lock-free table would
// (see DESIGN.md's reasoning for dropping biscuit's hashtable here).
type ISRTable struct {
	mu       sync.Mutex
	handlers map[uint32]task.ID
}

// NewISRTable creates an empty table.
func NewISRTable() *ISRTable {
	return &ISRTable{handlers: make(map[uint32]task.ID)}
}

// Register claims irq for owner, enabling it on the controller for hart
// under the same lock that installs the handler entry.
func (t *ISRTable) Register(ic *InterruptController, irq uint32, hart uint32, priority uint32, owner task.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, taken := t.handlers[irq]; taken {
		return fmt.Errorf("platform: irq %d already claimed by task %d", irq, existing)
	}
	t.handlers[irq] = owner
	ic.EnableIRQ(irq, hart, priority)
	return nil
}

// Unregister releases irq, disabling it on the controller for hart under
// the same lock that removes the handler entry.
func (t *ISRTable) Unregister(ic *InterruptController, irq uint32, hart uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, irq)
	ic.DisableIRQ(irq, hart)
}

// Owner returns which task, if any, has claimed irq.
func (t *ISRTable) Owner(irq uint32) (task.ID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.handlers[irq]
	return id, ok
}

// ConsoleQueue is the kernel's own bounded ring of bytes read from the
// console but not yet consumed by a task's ReadStdin syscall. Adapted
// from biscuit's circbuf.Circbuf_t, dropping the physical-page-backing
// machinery (Page_i/p_pg) since this ring is kernel-owned bytes, not a
// buffer mapped into user memory.
type ConsoleQueue struct {
	mu   sync.Mutex
	buf  []byte
	head int
	tail int
	n    int
}

// NewConsoleQueue creates a ring holding up to capacity bytes.
func NewConsoleQueue(capacity int) *ConsoleQueue {
	return &ConsoleQueue{buf: make([]byte, capacity)}
}

// Push appends a byte read from the console, dropping the oldest byte if
// the ring is full.
func (q *ConsoleQueue) Push(b byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.n--
	}
	q.buf[q.tail] = b
	q.tail = (q.tail + 1) % len(q.buf)
	q.n++
}

// Read copies up to len(p) queued bytes into p, returning how many were
// copied.
func (q *ConsoleQueue) Read(p []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for n < len(p) && q.n > 0 {
		p[n] = q.buf[q.head]
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		n++
	}
	return n
}

// Len reports how many bytes are currently queued.
func (q *ConsoleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}
