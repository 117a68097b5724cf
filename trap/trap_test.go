package trap

import (
	"testing"

	"rv64kernel/captab"
	"rv64kernel/kerr"
	"rv64kernel/task"
)

func TestDispatchRegisteredHandler(t *testing.T) {
	d := NewDispatcher()
	d.Register(SysGetTid, func(tk *task.Task, args [7]uint64) (uint64, kerr.Err) {
		return uint64(tk.ID), kerr.None
	})
	tk := task.New(task.ID(7), captab.NewSpace(), nil)
	ctx := &task.Context{}
	ctx.GPRegs[10] = uint64(SysGetTid)

	d.Dispatch(tk, ctx)
	if ctx.GPRegs[10] != kerr.None.Word() {
		t.Fatalf("expected success error word, got %#x", ctx.GPRegs[10])
	}
	if ctx.GPRegs[11] != 7 {
		t.Fatalf("expected tid 7 in a1, got %d", ctx.GPRegs[11])
	}
}

func TestDispatchUnknownSyscall(t *testing.T) {
	d := NewDispatcher()
	tk := task.New(task.ID(1), captab.NewSpace(), nil)
	ctx := &task.Context{}
	ctx.GPRegs[10] = 999

	d.Dispatch(tk, ctx)
	e := kerr.FromWord(ctx.GPRegs[10])
	if e.Kind != kerr.UnknownSyscall {
		t.Fatalf("expected UnknownSyscall, got %v", e.Kind)
	}
	if e.Context != 999 {
		t.Fatalf("expected context=999, got %d", e.Context)
	}
}

func TestDispatchPassesArguments(t *testing.T) {
	d := NewDispatcher()
	var seen [7]uint64
	d.Register(SysDebugPrint, func(tk *task.Task, args [7]uint64) (uint64, kerr.Err) {
		seen = args
		return 0, kerr.None
	})
	tk := task.New(task.ID(1), captab.NewSpace(), nil)
	ctx := &task.Context{}
	ctx.GPRegs[10] = uint64(SysDebugPrint)
	ctx.GPRegs[11] = 0x1000
	ctx.GPRegs[12] = 42

	d.Dispatch(tk, ctx)
	if seen[0] != 0x1000 || seen[1] != 42 {
		t.Fatalf("got args %v", seen)
	}
}

func TestEcallInstLenStandardEncoding(t *testing.T) {
	// ecall: opcode=SYSTEM(0b1110011), funct3=0, rd=0, rs1=0, imm=0 -> 0x00000073
	ecall := []byte{0x73, 0x00, 0x00, 0x00}
	if got := EcallInstLen(ecall); got != 4 {
		t.Fatalf("expected 4-byte ecall, got %d", got)
	}
}

func TestEcallInstLenFallsBackOnDecodeFailure(t *testing.T) {
	if got := EcallInstLen(nil); got != ecallLen {
		t.Fatalf("expected fallback length %d, got %d", ecallLen, got)
	}
}

func TestAdvancePastEcallMovesPC(t *testing.T) {
	ctx := &task.Context{PC: 0x8000}
	AdvancePastEcall(ctx, []byte{0x73, 0x00, 0x00, 0x00})
	if ctx.PC != 0x8004 {
		t.Fatalf("expected pc advanced to 0x8004, got %#x", ctx.PC)
	}
}
