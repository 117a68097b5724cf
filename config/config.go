// Package config holds the kernel's compile-time-ish tunables: paging
// mode, the physical memory region the frame allocator covers, the
// scheduler quantum, and system resource quotas. Adapted from biscuit's
// limits package (Syslimit_t/MkSysLimit, Sysatomic_t), generalized from
// x86 process limits to this core's RISC-V/capability-kernel tunables.
package config

import (
	"sync/atomic"
	"time"

	"rv64kernel/mem"
	"rv64kernel/pgtbl"
)

// Quota is an atomically-tracked resource budget: a fixed amount given
// out in Take calls and returned via Give, the same shape as biscuit's
// Sysatomic_t.
type Quota struct {
	given int64
	taken int64
}

// NewQuota creates a quota with the given total budget.
func NewQuota(given int64) *Quota {
	return &Quota{given: given}
}

// Take reserves n units of the quota, reporting whether there was enough
// budget left.
func (q *Quota) Take(n int64) bool {
	for {
		cur := atomic.LoadInt64(&q.taken)
		if cur+n > q.given {
			return false
		}
		if atomic.CompareAndSwapInt64(&q.taken, cur, cur+n) {
			return true
		}
	}
}

// Give returns n units to the quota.
func (q *Quota) Give(n int64) {
	atomic.AddInt64(&q.taken, -n)
}

// Remaining reports how much of the quota is currently unreserved.
func (q *Quota) Remaining() int64 {
	return q.given - atomic.LoadInt64(&q.taken)
}

// Config is the kernel's top-level tunable set: one struct, one
// constructor, matching biscuit's Syslimit_t/MkSysLimit shape.
type Config struct {
	// Mode selects Sv39 or Sv48 paging for every task's address space.
	Mode pgtbl.Mode

	// PhysMemBase/PhysMemSize bound the region the frame allocator
	// manages (spec.md §4.1).
	PhysMemBase mem.PhysAddr
	PhysMemSize uint64

	// Quantum is the scheduler's preemption time slice (spec.md §4.4).
	Quantum time.Duration

	// MaxTasks/MaxCapabilitiesPerTask/MaxDmaBytes bound how much of the
	// kernel's own bookkeeping memory a misbehaving or malicious task
	// graph can consume.
	MaxTasks               *Quota
	MaxCapabilitiesPerTask *Quota
	MaxDmaBytes            *Quota
}

// Default returns the kernel's standard tunable set: Sv39 paging, a
// 128MiB physical memory region starting at the conventional RISC-V RAM
// base, and a 10ms scheduling quantum.
func Default() Config {
	return Config{
		Mode:                   pgtbl.Sv39,
		PhysMemBase:            0x80000000,
		PhysMemSize:            128 * 1024 * 1024,
		Quantum:                10 * time.Millisecond,
		MaxTasks:               NewQuota(4096),
		MaxCapabilitiesPerTask: NewQuota(1024),
		MaxDmaBytes:            NewQuota(64 * 1024 * 1024),
	}
}
