package kstats

import (
	"testing"
	"time"
)

func TestCounterIncAdd(t *testing.T) {
	c := &Counter{}
	c.Inc()
	c.Add(4)
	if c.Load() != 5 {
		t.Fatalf("got %d", c.Load())
	}
}

func TestRegistryCreatesOnFirstUse(t *testing.T) {
	r := NewRegistry()
	r.Counter("scheduler.preemptions").Inc()
	r.Counter("scheduler.preemptions").Inc()
	r.Counter("mem.allocs").Add(3)

	snap := r.Snapshot()
	if snap["scheduler.preemptions"] != 2 {
		t.Fatalf("got %d", snap["scheduler.preemptions"])
	}
	if snap["mem.allocs"] != 3 {
		t.Fatalf("got %d", snap["mem.allocs"])
	}
}

func TestHartAccountingTotals(t *testing.T) {
	a := NewHartAccounting()
	a.AddUser(5 * time.Millisecond)
	a.AddSys(2 * time.Millisecond)
	a.AddUser(1 * time.Millisecond)
	user, sys := a.Totals()
	if user != 6*time.Millisecond {
		t.Fatalf("got user=%v", user)
	}
	if sys != 2*time.Millisecond {
		t.Fatalf("got sys=%v", sys)
	}
}

func TestExportProfileCarriesCounterValues(t *testing.T) {
	r := NewRegistry()
	r.Counter("ipc.sends").Add(7)

	p := ExportProfile(r)
	if len(p.Sample) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(p.Sample))
	}
	s := p.Sample[0]
	if s.Value[0] != 7 {
		t.Fatalf("got value %d", s.Value[0])
	}
	if s.Label["counter"][0] != "ipc.sends" {
		t.Fatalf("got label %v", s.Label)
	}
}
