// Package kstats holds the kernel's lightweight performance counters and
// per-hart time accounting, and exports the counters as a pprof
// profile.Profile for offline analysis. Adapted from biscuit's
// stats.Counter_t/stats.Cycles_t (a named atomic counter registry) and
// accnt.Accnt_t (per-task user/system time accounting).
package kstats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
)

// Counter is a monotonically-increasing named event count, safe for
// concurrent increment from any hart.
type Counter struct {
	val int64
}

// Inc increments the counter by one.
func (c *Counter) Inc() { atomic.AddInt64(&c.val, 1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { atomic.AddInt64(&c.val, n) }

// Load reads the current value.
func (c *Counter) Load() int64 { return atomic.LoadInt64(&c.val) }

// Registry is the kernel's set of named counters, analogous to biscuit's
// stats package gating verbose accounting behind named counters rather
// than a general metrics framework.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*Counter)}
}

// Counter returns the named counter, creating it on first use.
func (r *Registry) Counter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[name]
	if !ok {
		c = &Counter{}
		r.counters[name] = c
	}
	return c
}

// Snapshot returns every counter's current value, keyed by name.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.counters))
	for name, c := range r.counters {
		out[name] = c.Load()
	}
	return out
}

// HartAccounting tracks how much wall time a hart has spent executing
// user code versus kernel code, the per-hart analogue of biscuit's
// Accnt_t.Utadd/Systadd.
type HartAccounting struct {
	mu     sync.Mutex
	userNS int64
	sysNS  int64
}

// NewHartAccounting creates a zeroed accounting record.
func NewHartAccounting() *HartAccounting {
	return &HartAccounting{}
}

// AddUser records d of time spent running user code.
func (a *HartAccounting) AddUser(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userNS += d.Nanoseconds()
}

// AddSys records d of time spent running kernel code.
func (a *HartAccounting) AddSys(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sysNS += d.Nanoseconds()
}

// Totals returns the accumulated user and system time.
func (a *HartAccounting) Totals() (user, sys time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Duration(a.userNS), time.Duration(a.sysNS)
}

// ExportProfile renders a Registry's counters as a pprof profile.Profile,
// one sample per counter, so existing pprof tooling (go tool pprof, the
// web UI) can inspect kernel-internal counts the same way biscuit already
// depends on pprof for.
func ExportProfile(r *Registry) *profile.Profile {
	snap := r.Snapshot()
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "count", Unit: "count"}},
		PeriodType: &profile.ValueType{Type: "count", Unit: "count"},
		Period:     1,
		TimeNanos:  0,
	}
	for name, v := range snap {
		p.Sample = append(p.Sample, &profile.Sample{
			Value: []int64{v},
			Label: map[string][]string{"counter": {name}},
		})
	}
	return p
}
