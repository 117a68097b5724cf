// Package perhart tracks which task is currently executing on each hart,
// the registry a trap handler consults to know whose context it just
// saved and whose capability space a syscall should resolve against.
// Adapted from biscuit's tinfo.Threadinfo_t, which used a forked Go
// runtime's per-goroutine tp-register analogue (runtime.Gptr/Setgptr);
// this module runs on an unmodified runtime, so the registry is keyed
// explicitly by hart id instead.
package perhart

import (
	"rv64kernel/ksync"
	"rv64kernel/task"
)

// Registry maps each hart to the task currently running on it.
type Registry struct {
	current *ksync.Local[*task.Task]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{current: ksync.NewLocal[*task.Task]()}
}

// Current returns the task running on hart, if any.
func (r *Registry) Current(hart ksync.HartID) (*task.Task, bool) {
	return r.current.Get(hart)
}

// SetCurrent records t as the task now running on hart, called by the
// scheduler immediately after Schedule picks t.
func (r *Registry) SetCurrent(hart ksync.HartID, t *task.Task) {
	r.current.Set(hart, t)
}

// ClearCurrent forgets which task is running on hart, called when a hart
// goes idle with no runnable task.
func (r *Registry) ClearCurrent(hart ksync.HartID) {
	r.current.Clear(hart)
}
