// Package sched implements the per-hart round-robin scheduler: one run
// queue per hart, a global blocked set, and the schedule() step that
// installs a task's address space and arms the preemption timer before
// handing control back to it (spec.md §4.4).
package sched

import (
	"fmt"
	"sync"
	"time"

	"rv64kernel/task"
)

// HartID identifies one RISC-V hart.
type HartID uint32

// Quantum is the scheduling time slice every hart's timer is armed for
// before a forced preemption, per spec.md §4.4.
const Quantum = 10 * time.Millisecond

// runQueue is a single hart's round-robin list of runnable tasks.
type runQueue struct {
	tasks []*task.Task
	pos   int
}

func (q *runQueue) add(t *task.Task) {
	q.tasks = append(q.tasks, t)
}

func (q *runQueue) remove(id task.ID) bool {
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			if q.pos > i {
				q.pos--
			}
			return true
		}
	}
	return false
}

// next advances the round-robin cursor to the next Running task in the
// queue, skipping Blocked/Dead entries, and reports whether one was found.
func (q *runQueue) next() (*task.Task, bool) {
	n := len(q.tasks)
	if n == 0 {
		return nil, false
	}
	for i := 0; i < n; i++ {
		idx := (q.pos + i) % n
		t := q.tasks[idx]
		if t.State == task.Running {
			q.pos = (idx + 1) % n
			return t, true
		}
	}
	return nil, false
}

// Scheduler owns every hart's run queue and the global set of blocked
// tasks, so a Wake issued from any hart (e.g. an IPC send, an interrupt
// completion) can find and resume a task blocked on a different hart.
type Scheduler struct {
	mu      sync.Mutex
	queues  map[HartID]*runQueue
	blocked map[task.ID]*task.Task
	home    map[task.ID]HartID
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		queues:  make(map[HartID]*runQueue),
		blocked: make(map[task.ID]*task.Task),
		home:    make(map[task.ID]HartID),
	}
}

func (s *Scheduler) queueFor(hart HartID) *runQueue {
	q, ok := s.queues[hart]
	if !ok {
		q = &runQueue{}
		s.queues[hart] = q
	}
	return q
}

// AddTask makes t runnable on hart, as the hart it will return to after
// blocking unless explicitly migrated.
func (s *Scheduler) AddTask(hart HartID, t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueFor(hart).add(t)
	s.home[t.ID] = hart
}

// RemoveTask drops t from its hart's run queue, used when a task dies.
func (s *Scheduler) RemoveTask(id task.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hart, ok := s.home[id]; ok {
		s.queueFor(hart).remove(id)
		delete(s.home, id)
	}
	delete(s.blocked, id)
}

// Block moves t out of schedulable rotation and into the global blocked
// set, recording tok to run when it is later woken (spec.md §4.4).
func (s *Scheduler) Block(t *task.Task, tok task.WakeToken) {
	t.Block(tok)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[t.ID] = t
}

// Wake finds a blocked task by id and returns it to Running so the next
// Schedule call on its home hart can pick it up again. The task's pending
// wake token is left in place; Schedule runs it on the target's own hart,
// after installing that task's address space, per spec.md §4.4 — Wake
// itself never runs it, since the caller (an IPC send, an interrupt
// completion) may be executing on an entirely different hart. It reports
// false if no such task is currently blocked.
func (s *Scheduler) Wake(id task.ID) bool {
	s.mu.Lock()
	t, ok := s.blocked[id]
	if ok {
		delete(s.blocked, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	t.Wake()
	return true
}

// HartControl is how Schedule reaches the platform-specific parts of
// resuming a task: installing its address space and arming the timer for
// the next quantum. Implemented by the platform package against real SBI
// calls; tests supply a recording fake.
type HartControl interface {
	InstallAddressSpace(satp uint64)
	ArmTimer(d time.Duration)
}

// Schedule picks the next runnable task for hart, installs its address
// space, runs any pending wake token now that the task's own page table is
// live, arms the quantum timer, and returns the task whose Context the
// trap return path should restore. Running the token here — rather than
// eagerly inside Wake — is what lets it safely write into the task's
// address space or advance its saved pc (spec.md §4.4). It reports an
// error if hart has no runnable task at all.
func (s *Scheduler) Schedule(hart HartID, hc HartControl) (*task.Task, error) {
	s.mu.Lock()
	q := s.queueFor(hart)
	t, ok := q.next()
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sched: hart %d has no runnable task", hart)
	}
	if t.Mem != nil {
		hc.InstallAddressSpace(t.Mem.Satp())
	}
	if tok := t.TakeWakeToken(); tok != nil {
		tok(t)
	}
	hc.ArmTimer(Quantum)
	return t, nil
}

// RunnableCount reports how many tasks are currently runnable on hart,
// for tests and diagnostics.
func (s *Scheduler) RunnableCount(hart HartID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.queueFor(hart).tasks {
		if t.State == task.Running {
			n++
		}
	}
	return n
}

// BlockedCount reports the size of the global blocked set.
func (s *Scheduler) BlockedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocked)
}
