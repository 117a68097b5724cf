// Package diag turns a faulting program counter into a readable
// diagnostic: the symbol it falls within (demangled, since userspace
// runtimes commonly mangle names), plus a captured kernel-side backtrace.
// Adapted from biscuit's caller package (Callerdump, Distinct_caller_t).
package diag

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/ianlancetaylor/demangle"
)

// Symbol is one entry of a loaded task's ELF symbol table.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
}

// SymbolTable resolves an address to the symbol containing it, for
// attributing a fault to the function it occurred in.
type SymbolTable struct {
	syms []Symbol // kept sorted by Value
}

// NewSymbolTable builds a table from an unsorted symbol slice (typically
// read from a task's ELF image via debug/elf).
func NewSymbolTable(syms []Symbol) *SymbolTable {
	cp := make([]Symbol, len(syms))
	copy(cp, syms)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Value < cp[j].Value })
	return &SymbolTable{syms: cp}
}

// Resolve finds the symbol containing pc, if any, and returns its
// demangled name.
func (t *SymbolTable) Resolve(pc uint64) (string, bool) {
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Value > pc })
	if i == 0 {
		return "", false
	}
	s := t.syms[i-1]
	if s.Size != 0 && pc >= s.Value+s.Size {
		return "", false
	}
	return demangle.Filter(s.Name), true
}

// FaultKind names the class of trap that produced a Fault.
type FaultKind int

const (
	PageFault FaultKind = iota
	IllegalInstruction
	AccessFault
)

func (k FaultKind) String() string {
	switch k {
	case PageFault:
		return "page fault"
	case IllegalInstruction:
		return "illegal instruction"
	case AccessFault:
		return "access fault"
	default:
		return "unknown fault"
	}
}

// Fault is a fully-resolved diagnostic for a task-killing trap.
type Fault struct {
	Kind    FaultKind
	PC      uint64
	Addr    uint64
	Symbol  string
	HasName bool
}

func (f Fault) String() string {
	if f.HasName {
		return fmt.Sprintf("%s at pc=%#x (%s), addr=%#x", f.Kind, f.PC, f.Symbol, f.Addr)
	}
	return fmt.Sprintf("%s at pc=%#x, addr=%#x", f.Kind, f.PC, f.Addr)
}

// Diagnose resolves a trap into a Fault, looking pc up in tbl if provided.
func Diagnose(kind FaultKind, pc, addr uint64, tbl *SymbolTable) Fault {
	f := Fault{Kind: kind, PC: pc, Addr: addr}
	if tbl != nil {
		if name, ok := tbl.Resolve(pc); ok {
			f.Symbol = name
			f.HasName = true
		}
	}
	return f
}

// backtrace captures the host Go call stack at the point a kernel-side bug
// is detected (a malformed capability, a scheduler invariant violation),
// the development-time analogue of biscuit's Callerdump. It is not a
// RISC-V backtrace of the guest task; the kernel itself runs as ordinary
// Go, so this is the stack of the kernel code that noticed the problem.
func backtrace(skip int) []string {
	var frames []string
	for i := skip + 1; i < skip+17; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		name := "?"
		if fn != nil {
			name = fn.Name()
		}
		frames = append(frames, fmt.Sprintf("%s\n\t%s:%d", name, file, line))
	}
	return frames
}

// Backtrace captures the current kernel call stack, skipping skip
// additional frames beyond this function itself.
func Backtrace(skip int) []string {
	return backtrace(skip + 1)
}

// DistinctCallers deduplicates repeated diagnostics from the same call
// site, so a busy loop hitting the same kernel warning doesn't flood the
// log — the same complaint biscuit's Distinct_caller_t addresses.
type DistinctCallers struct {
	mu   sync.Mutex
	seen map[uintptr]bool
}

// NewDistinctCallers creates an empty dedup set.
func NewDistinctCallers() *DistinctCallers {
	return &DistinctCallers{seen: make(map[uintptr]bool)}
}

// Once reports true the first time it's called from a given call site
// (skip frames up from Once itself) and false on every subsequent call
// from that same site.
func (d *DistinctCallers) Once(skip int) bool {
	pc, _, _, ok := runtime.Caller(skip + 1)
	if !ok {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[pc] {
		return false
	}
	d.seen[pc] = true
	return true
}
