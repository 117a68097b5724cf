// Package kernel wires every core subsystem — frame allocator, page
// tables, address spaces, capability spaces, the scheduler, IPC, traps,
// and the platform/diagnostics/accounting collaborators — into a single
// Kernel object that can spawn tasks, route syscalls, and forward
// interrupts (spec.md §2, §6).
package kernel

import (
	"fmt"
	"sync"

	"rv64kernel/addrspace"
	"rv64kernel/captab"
	"rv64kernel/config"
	"rv64kernel/diag"
	"rv64kernel/ipc"
	"rv64kernel/kerr"
	"rv64kernel/kstats"
	"rv64kernel/ksync"
	"rv64kernel/mem"
	"rv64kernel/perhart"
	"rv64kernel/pgtbl"
	"rv64kernel/platform"
	"rv64kernel/region"
	"rv64kernel/sched"
	"rv64kernel/task"
	"rv64kernel/trap"
)

// VmspaceID names an address space created by CreateVmspace but not yet
// bound to a task by SpawnVmspace.
type VmspaceID uint64

// ecallLen is the width, in bytes, of the standard (uncompressed) RISC-V
// ecall instruction, the width a wake token advances pc by when it
// resumes a task that blocked inside a syscall (spec.md §8 scenario 5).
// trap.EcallInstLen measures the real width when the trapping bytes are
// available; here, at wake time, they generally are not.
const ecallLen = 4

// Kernel is the top-level object: it owns every subsystem's shared state
// and exposes the operations the trap dispatcher's syscall handlers call
// into.
type Kernel struct {
	mu sync.Mutex

	Config     config.Config
	Frames     *mem.FrameAllocator
	Sched      *sched.Scheduler
	ISR        *platform.ISRTable
	Stats      *kstats.Registry
	PerHart    *perhart.Registry
	Dispatcher *trap.Dispatcher
	Symbols    *diag.SymbolTable

	fs pgtbl.FrameSource

	tasks    map[task.ID]*task.Task
	nextTask task.ID

	pending     map[VmspaceID]*addrspace.MemoryManager
	nextVmspace VmspaceID
}

// New creates a kernel over the given configuration, with fs supplying
// fresh page-table frames for every address space this kernel creates.
func New(cfg config.Config, fs pgtbl.FrameSource) *Kernel {
	k := &Kernel{
		Config:  cfg,
		Frames:  mem.NewFrameAllocator(cfg.PhysMemBase, cfg.PhysMemSize),
		Sched:   sched.New(),
		ISR:     platform.NewISRTable(),
		Stats:   kstats.NewRegistry(),
		PerHart: perhart.NewRegistry(),
		fs:      fs,
		tasks:   make(map[task.ID]*task.Task),
		pending: make(map[VmspaceID]*addrspace.MemoryManager),
	}
	k.Dispatcher = trap.NewDispatcher()
	k.registerSyscalls()
	return k
}

// Task looks up a live task by id, for tests and diagnostics.
func (k *Kernel) Task(id task.ID) (*task.Task, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tasks[id]
	return t, ok
}

// CreateVmspace allocates a fresh, empty address space that AllocVmspaceObject
// can populate before SpawnVmspace turns it into a running task
// (spec.md §8 scenario 1).
func (k *Kernel) CreateVmspace() (VmspaceID, error) {
	rootPA, root, err := k.fs.AllocTable()
	if err != nil {
		return 0, err
	}
	mm := addrspace.NewMemoryManager(k.Config.Mode, 0, root, k.Frames, k.fs)
	mm.RootPA = rootPA

	k.mu.Lock()
	defer k.mu.Unlock()
	id := k.nextVmspace
	k.nextVmspace++
	k.pending[id] = mm
	return id, nil
}

// AllocVmspaceObject maps size bytes into the pending vmspace id with the
// given permission bits, at vaddr or, if that is occupied, at the first
// free range after it.
func (k *Kernel) AllocVmspaceObject(id VmspaceID, vaddr mem.VirtAddr, size uint64, perm uint64) error {
	if vaddr == 0 {
		return fmt.Errorf("kernel: %w", kerr.Arg(kerr.InvalidArgument, 0))
	}
	k.mu.Lock()
	mm, ok := k.pending[id]
	k.mu.Unlock()
	if !ok {
		return fmt.Errorf("kernel: no pending vmspace %d", id)
	}
	_, err := mm.Alloc(vaddr, size, perm)
	return err
}

// SpawnResult is what SpawnVmspace hands back to the caller: the new
// task's id and the capability pointer, in the caller's own space, of
// the endpoint that reaches it.
type SpawnResult struct {
	TaskID task.ID
	Cptr   captab.Id
}

// SpawnVmspace finalizes the pending vmspace id into a running task, seeds
// its entry pc/argument registers/stack pointer, and mints a pair of
// badged endpoints so parent and child can exchange messages from the
// moment the child starts running (spec.md §6 SpawnVmspace, §8 scenario 1).
func (k *Kernel) SpawnVmspace(parent *task.Task, id VmspaceID, hart sched.HartID, argc int, entry, arg0, arg1 uint64, stackTop uint64) (SpawnResult, error) {
	if k.Config.MaxTasks != nil && !k.Config.MaxTasks.Take(1) {
		return SpawnResult{}, fmt.Errorf("kernel: task quota exhausted")
	}

	k.mu.Lock()
	mm, ok := k.pending[id]
	if ok {
		delete(k.pending, id)
	}
	k.mu.Unlock()
	if !ok {
		k.giveTaskQuota()
		return SpawnResult{}, fmt.Errorf("kernel: no pending vmspace %d", id)
	}

	k.mu.Lock()
	newID := k.nextTask
	k.nextTask++
	k.mu.Unlock()

	mm.ASID = uint16(newID)
	child := task.New(newID, captab.NewSpaceWithQuota(k.Config.MaxCapabilitiesPerTask), mm)
	child.Ctx.PC = entry
	child.Ctx.GPRegs[2] = stackTop // sp
	child.Ctx.GPRegs[10] = uint64(argc)
	child.Ctx.GPRegs[11] = arg0
	child.Ctx.GPRegs[12] = arg1

	childEndpoint := ipc.NewBadgedEndpoint(child, 0)
	parentEndpoint := ipc.NewBadgedEndpoint(parent, 0)
	cptr, err := parent.Caps.Mint(childEndpoint, captab.RightRead|captab.RightWrite)
	if err != nil {
		k.giveTaskQuota()
		return SpawnResult{}, err
	}
	if _, err := child.Caps.Mint(parentEndpoint, captab.RightRead|captab.RightWrite); err != nil {
		parent.Caps.Remove(cptr)
		k.giveTaskQuota()
		return SpawnResult{}, err
	}

	k.mu.Lock()
	k.tasks[newID] = child
	k.mu.Unlock()
	k.Sched.AddTask(hart, child)
	k.Stats.Counter("tasks_spawned").Inc()

	return SpawnResult{TaskID: newID, Cptr: cptr}, nil
}

// giveTaskQuota returns the one unit of MaxTasks a failed SpawnVmspace
// reserved, if the kernel was built with a quota at all.
func (k *Kernel) giveTaskQuota() {
	if k.Config.MaxTasks != nil {
		k.Config.MaxTasks.Give(1)
	}
}

// RunHart advances hart's scheduling to its next runnable task and records
// it as that hart's currently active task, the step an SBI trap return
// performs before resuming user mode (spec.md §4.4).
func (k *Kernel) RunHart(hart sched.HartID, hc sched.HartControl) (*task.Task, error) {
	t, err := k.Sched.Schedule(hart, hc)
	if err != nil {
		return nil, err
	}
	k.PerHart.SetCurrent(ksync.HartID(hart), t)
	return t, nil
}

// SendChannelMessage resolves cptr in sender's capability space and
// delivers msg through the named endpoint (spec.md §6 SendChannelMessage,
// §8 scenario 1).
func (k *Kernel) SendChannelMessage(sender *task.Task, cptr captab.Id, msg task.Message) kerr.Err {
	cap, ok := sender.Caps.Resolve(cptr)
	if !ok {
		return kerr.Arg(kerr.InvalidArgument, 0)
	}
	if !cap.Rights.Contains(captab.RightWrite) {
		return kerr.Err{Kind: kerr.InsufficientRights}
	}
	ep, ok := cap.Resource.(*ipc.Endpoint)
	if !ok {
		return kerr.Err{Kind: kerr.InvalidOperation}
	}
	badge := ep.Connect()
	ep.Send(k.Sched, sender.ID, msg, badge)
	return kerr.None
}

// ReadChannel returns the oldest message already queued for t, if any,
// without blocking.
func (k *Kernel) ReadChannel(t *task.Task) (task.Message, bool) {
	return t.Dequeue()
}

// BlockForReceive parks t until a message arrives, installing a wake
// token that copies the delivered message's first three registers into
// the task's saved a1-a3 and advances pc past the ecall that blocked it
// (spec.md §8 scenario 5). Call this only after ReadChannel has already
// reported no message pending.
func (k *Kernel) BlockForReceive(t *task.Task) {
	k.Sched.Block(t, func(tk *task.Task) {
		m, ok := tk.Dequeue()
		if !ok {
			return
		}
		tk.Ctx.GPRegs[11] = m.Regs[0]
		tk.Ctx.GPRegs[12] = m.Regs[1]
		tk.Ctx.GPRegs[13] = m.Regs[2]
		tk.Ctx.PC += ecallLen
	})
}

// CreateSharedBundle builds a Bundle capability pairing a fresh
// SharedMemory region of the given size with endpoint, and delivers it
// into dest's capability space in one atomic step — spec.md §8 scenario 3.
// Rights are intersected from senderRights per spec.md §9's resolved
// bundle-rights question (see DESIGN.md).
func (k *Kernel) CreateSharedBundle(endpoint *ipc.Endpoint, sizeBytes uint64, senderRights captab.Rights, dest *captab.Space) (endpointID, sharedID captab.Id, err error) {
	n := int((sizeBytes + mem.PageSize4K - 1) / mem.PageSize4K)
	frames := make([]mem.PhysAddr, 0, n)
	for i := 0; i < n; i++ {
		f, allocErr := k.Frames.Alloc()
		if allocErr != nil {
			for _, done := range frames {
				k.Frames.Dealloc(done)
			}
			return 0, 0, allocErr
		}
		frames = append(frames, f)
	}
	shared := &ipc.SharedMemory{Region: region.NewUniqueSparse(frames)}
	bundleRights := senderRights.Intersect(captab.RightGrant | captab.RightRead | captab.RightWrite)
	bundle := &ipc.Bundle{
		Endpoint:       endpoint,
		EndpointRights: bundleRights,
		Shared:         shared,
		SharedRights:   bundleRights,
	}
	endpointID, sharedID, err = bundle.Deliver(dest)
	if err != nil {
		return 0, 0, err
	}
	return endpointID, sharedID, nil
}

// ClaimDevice registers hart as the handler for irq on behalf of t,
// mints an Mmio capability over the device's register window, and
// records ownership so a later interrupt can be routed back to t
// (spec.md §6 ClaimDevice, §8 scenario 2).
func (k *Kernel) ClaimDevice(ic *platform.InterruptController, t *task.Task, irq uint32, hart sched.HartID, priority uint32, mmioBase mem.PhysAddr, mmioFrames int) (captab.Id, error) {
	dmaBytes := int64(mmioFrames) * int64(mem.PageSize4K)
	if k.Config.MaxDmaBytes != nil && !k.Config.MaxDmaBytes.Take(dmaBytes) {
		return 0, fmt.Errorf("kernel: dma quota exhausted")
	}
	if err := k.ISR.Register(ic, irq, uint32(hart), priority, t.ID); err != nil {
		if k.Config.MaxDmaBytes != nil {
			k.Config.MaxDmaBytes.Give(dmaBytes)
		}
		return 0, err
	}
	mmio := &ipc.Mmio{Region: region.NewMmio(mmioBase, mmioFrames)}
	cptr, err := t.Caps.Mint(mmio, captab.RightRead|captab.RightWrite)
	if err != nil {
		k.ISR.Unregister(ic, irq, uint32(hart))
		if k.Config.MaxDmaBytes != nil {
			k.Config.MaxDmaBytes.Give(dmaBytes)
		}
		return 0, err
	}
	return cptr, nil
}

// DeliverInterrupt disables irq at the controller, notifies the claiming
// task via its kernel channel, and wakes it if blocked — the kernel-side
// half of spec.md §8 scenario 2.
func (k *Kernel) DeliverInterrupt(ic *platform.InterruptController, hart sched.HartID, irq uint32) error {
	owner, ok := k.ISR.Owner(irq)
	if !ok {
		return fmt.Errorf("kernel: irq %d has no claiming task", irq)
	}
	t, ok := k.Task(owner)
	if !ok {
		return fmt.Errorf("kernel: claiming task %d is gone", owner)
	}
	ic.DisableIRQ(irq, uint32(hart))
	t.EnqueueKernel(task.KernelMessage{Kind: task.InterruptOccurred, IRQ: irq})
	k.Sched.Wake(t.ID)
	return nil
}

// CompleteInterrupt re-enables irq at the controller on hart, the
// handler's acknowledgement that it has finished servicing the device
// (spec.md §6 CompleteInterrupt, §8 scenario 2).
func (k *Kernel) CompleteInterrupt(ic *platform.InterruptController, hart sched.HartID, irq uint32, priority uint32) {
	ic.EnableIRQ(irq, uint32(hart), priority)
}

// DeallocRegion frees the region starting at addr in t's address space.
// Called directly from the dealloc_region syscall path, it reports
// InvalidArgument(0) rather than panicking when addr is not the start of
// an occupied interval (spec.md §8 scenario 4).
func (k *Kernel) DeallocRegion(t *task.Task, addr mem.VirtAddr) kerr.Err {
	if t.Mem == nil {
		return kerr.Arg(kerr.InvalidArgument, 0)
	}
	if err := t.Mem.Free(addr); err != nil {
		return kerr.Arg(kerr.InvalidArgument, 0)
	}
	return kerr.None
}

// registerSyscalls installs the subset of spec.md §6's syscall table this
// kernel answers directly (the rest are exercised at the Kernel-method
// level by the integration tests in kernel_test.go, since their argument
// encodings beyond the seven argument registers are left to the
// platform-specific ABI lowering spec.md §1 places out of this core's
// scope).
func (k *Kernel) registerSyscalls() {
	k.Dispatcher.Register(trap.SysGetTid, func(t *task.Task, args [7]uint64) (uint64, kerr.Err) {
		return uint64(t.ID), kerr.None
	})
	k.Dispatcher.Register(trap.SysReadChannelNonBlocking, func(t *task.Task, args [7]uint64) (uint64, kerr.Err) {
		m, ok := t.Dequeue()
		if !ok {
			return 0, kerr.Err{Kind: kerr.WouldBlock}
		}
		return m.Regs[0], kerr.None
	})
	// This handler only consumes the oldest kernel-channel message; it does
	// not re-enable the irq at the controller. The Kernel holds no
	// InterruptController, so re-enabling is done by CompleteInterrupt,
	// which takes one explicitly.
	k.Dispatcher.Register(trap.SysCompleteInterrupt, func(t *task.Task, args [7]uint64) (uint64, kerr.Err) {
		if _, ok := t.DequeueKernel(); !ok {
			return 0, kerr.Err{Kind: kerr.InvalidOperation}
		}
		return 0, kerr.None
	})
}

