// Package trap dispatches a trapped hart's ecall to the right syscall
// handler and advances its saved pc past the trapping instruction
// (spec.md §4.7, §6).
package trap

import (
	"golang.org/x/arch/riscv64/riscv64asm"

	"rv64kernel/kerr"
	"rv64kernel/task"
)

// SyscallID is the kernel's a0-register syscall number (spec.md §6).
type SyscallID uint64

const (
	SysExit                   SyscallID = 0
	SysDebugPrint             SyscallID = 1
	SysReadStdin              SyscallID = 2
	SysReceiveMessage         SyscallID = 3
	SysAllocVirtualMemory     SyscallID = 4
	SysGetTid                 SyscallID = 5
	SysReadChannel            SyscallID = 7
	SysCreateChannelMessage   SyscallID = 8
	SysSendChannelMessage     SyscallID = 9
	SysRetireChannelMessage   SyscallID = 10
	SysAllocDmaMemory         SyscallID = 12
	SysCreateVmspace          SyscallID = 13
	SysAllocVmspaceObject     SyscallID = 14
	SysSpawnVmspace           SyscallID = 15
	SysClaimDevice            SyscallID = 16
	SysQueryMemoryCapability  SyscallID = 20
	SysCompleteInterrupt      SyscallID = 21
	SysQueryMmioCapability    SyscallID = 22
	SysReadChannelNonBlocking SyscallID = 23
)

// Handler implements one syscall: given the calling task and its seven
// argument registers (a1-a7), it returns a single result value (delivered
// in a1) and an error (delivered, word-packed, in a0).
type Handler func(t *task.Task, args [7]uint64) (uint64, kerr.Err)

// Dispatcher is the kernel's syscall table.
type Dispatcher struct {
	handlers map[SyscallID]Handler
}

// NewDispatcher creates an empty syscall table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[SyscallID]Handler)}
}

// Register installs h as the handler for id, overwriting any previous
// registration.
func (d *Dispatcher) Register(id SyscallID, h Handler) {
	d.handlers[id] = h
}

// Dispatch runs the handler for the syscall named in ctx's a0 register
// (GPRegs[10]), with arguments from a1-a7 (GPRegs[11..17]), and writes
// the packed error word into a0 and the result value into a1 — the ABI
// spec.md §6 describes ("a0 carries the Syscall id on entry and an error
// word on return; a1-a7 carry arguments/returns"). An unregistered
// syscall id yields kerr.UnknownSyscall rather than panicking, since a
// task controls a0 and must never be able to crash the kernel by
// choosing a bad number.
func (d *Dispatcher) Dispatch(t *task.Task, ctx *task.Context) {
	id := SyscallID(ctx.GPRegs[10])
	args := [7]uint64{
		ctx.GPRegs[11], ctx.GPRegs[12], ctx.GPRegs[13],
		ctx.GPRegs[14], ctx.GPRegs[15], ctx.GPRegs[16], ctx.GPRegs[17],
	}

	var value uint64
	var e kerr.Err
	if h, ok := d.handlers[id]; ok {
		value, e = h(t, args)
	} else {
		e = kerr.Err{Kind: kerr.UnknownSyscall, Context: uint64(id)}
	}

	ctx.GPRegs[10] = e.Word()
	ctx.GPRegs[11] = value
}

// ecallLen is the fallback instruction length used when decoding fails:
// every standard (non-compressed) RISC-V ecall is 4 bytes.
const ecallLen = 4

// EcallInstLen measures the encoded length of the trapping instruction at
// the raw bytes in instr (at least 4 bytes, fewer if only a compressed
// instruction is available), so the trap return path can advance pc by
// the actual instruction width instead of assuming 4 — required once the
// C (compressed) extension is in play, since a compressed ecall-adjacent
// sequence can shift code that otherwise looks 4-byte aligned.
func EcallInstLen(instr []byte) int {
	inst, err := riscv64asm.Decode(instr)
	if err != nil || inst.Len == 0 {
		return ecallLen
	}
	return inst.Len
}

// AdvancePastEcall advances ctx.PC by the width of the ecall instruction
// encoded at instr, the trap-return step every syscall path must take
// before resuming the task (spec.md §4.7).
func AdvancePastEcall(ctx *task.Context, instr []byte) {
	ctx.PC += uint64(EcallInstLen(instr))
}
