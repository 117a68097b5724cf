// Package task defines Task, the kernel's representation of a schedulable
// unit of execution: its saved register context, capability space,
// address space, and the message queues IPC delivers into (spec.md §3,
// §4.6).
package task

import (
	"sync"

	"rv64kernel/addrspace"
	"rv64kernel/captab"
)

// ID identifies a task for its lifetime. It also serves as the ASID
// installed in satp for that task's address space (spec.md §4.3).
type ID uint64

// State is where a task sits in the scheduler's view of the world.
type State int

const (
	// Running is eligible to be scheduled on a hart.
	Running State = iota
	// Blocked is waiting on a message, a reply, or an interrupt and is
	// not eligible for scheduling until something wakes it.
	Blocked
	// Dead has exited; its resources are pending reclamation.
	Dead
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Context is a task's saved machine state across a trap, matching the
// RISC-V calling convention's general-purpose and floating-point register
// files plus the saved program counter.
type Context struct {
	GPRegs [32]uint64
	FPRegs [32]uint64
	PC     uint64
}

// Message is the fixed-size payload IPC moves between tasks: eight
// general-purpose argument/result registers, the sending task's id (0
// for a kernel-originated message), and an optional sender badge an
// Endpoint attaches so the receiver can distinguish callers without
// trusting self-reported identity (spec.md §3, §4.6).
type Message struct {
	Sender   ID
	Regs     [8]uint64
	Badge    uint64
	HasBadge bool
}

// KernelMessageKind discriminates a kernel-originated message from an
// ordinary task-to-task Message.
type KernelMessageKind int

const (
	// InterruptOccurred notifies a device-driver task that an interrupt
	// it claimed via ClaimDevice has fired.
	InterruptOccurred KernelMessageKind = iota
	// NewEndpointMessage notifies a promiscuous endpoint's owner that a
	// new peer has connected and been assigned a badge.
	NewEndpointMessage
)

// KernelMessage is delivered through a task's dedicated kernel channel,
// separate from its ordinary peer-to-peer message queue, so a slow peer
// can never delay an interrupt notification (spec.md §4.6).
type KernelMessage struct {
	Kind  KernelMessageKind
	IRQ   uint32 // InterruptOccurred
	Badge uint64 // NewEndpointMessage
}

// WakeToken is a closure the scheduler runs under the target task's page
// table immediately before resuming it, allowing a waking event (a
// delivered message, a completed reply) to write into the task's address
// space or advance its saved pc past the syscall that blocked it
// (spec.md §4.4).
type WakeToken func(t *Task)

// Task is the kernel's schedulable unit: register context, capability
// space, address space, and message queues.
type Task struct {
	mu sync.Mutex

	ID    ID
	State State
	Ctx   Context

	Caps *captab.Space
	Mem  *addrspace.MemoryManager

	messageQueue []Message
	kernelQueue  []KernelMessage

	wake WakeToken
}

// New creates a task in the Running state with empty queues.
func New(id ID, caps *captab.Space, mm *addrspace.MemoryManager) *Task {
	return &Task{
		ID:    id,
		State: Running,
		Caps:  caps,
		Mem:   mm,
	}
}

// Enqueue appends m to the task's ordinary message queue (FIFO delivery
// order, spec.md §4.6).
func (t *Task) Enqueue(m Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageQueue = append(t.messageQueue, m)
}

// Dequeue removes and returns the oldest queued message, if any.
func (t *Task) Dequeue() (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.messageQueue) == 0 {
		return Message{}, false
	}
	m := t.messageQueue[0]
	t.messageQueue = t.messageQueue[1:]
	return m, true
}

// PendingMessages reports how many ordinary messages are queued.
func (t *Task) PendingMessages() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messageQueue)
}

// EnqueueKernel appends a kernel-originated message to the task's kernel
// channel, bypassing the ordinary message queue entirely.
func (t *Task) EnqueueKernel(m KernelMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kernelQueue = append(t.kernelQueue, m)
}

// DequeueKernel removes and returns the oldest pending kernel message.
func (t *Task) DequeueKernel() (KernelMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.kernelQueue) == 0 {
		return KernelMessage{}, false
	}
	m := t.kernelQueue[0]
	t.kernelQueue = t.kernelQueue[1:]
	return m, true
}

// Block marks the task Blocked and records the token the scheduler should
// run once it later schedules this task back onto a hart.
func (t *Task) Block(tok WakeToken) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = Blocked
	t.wake = tok
}

// Wake transitions the task back to Running, making it eligible for its
// home hart's next Schedule call. It does not run the pending wake token
// itself: per spec.md §4.4 the token only runs on the target's own hart,
// after that hart's Schedule installs the task's page table, not eagerly
// on whichever hart issued the wake. It is a no-op if the task was not
// Blocked.
func (t *Task) Wake() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State != Blocked {
		return
	}
	t.State = Running
}

// TakeWakeToken removes and returns the task's pending wake token, if any,
// for the scheduler to run once it has installed this task's address
// space on the hart that is about to resume it.
func (t *Task) TakeWakeToken() WakeToken {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok := t.wake
	t.wake = nil
	return tok
}

// Kill marks the task Dead. A dead task is never rescheduled; its
// capability space and address space are reclaimed by the caller once it
// observes Dead.
func (t *Task) Kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = Dead
}

// IsBlocked reports whether the task is currently Blocked.
func (t *Task) IsBlocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State == Blocked
}
