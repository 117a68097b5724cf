package ipc

import (
	"testing"

	"rv64kernel/captab"
	"rv64kernel/sched"
	"rv64kernel/task"
)

func newTestTask(id task.ID) *task.Task {
	return task.New(id, captab.NewSpace(), nil)
}

func TestBadgedEndpointSendStampsFixedBadge(t *testing.T) {
	s := sched.New()
	owner := newTestTask(1)
	s.AddTask(0, owner)
	ep := NewBadgedEndpoint(owner, 42)

	sender := newTestTask(9)
	ep.Send(s, sender.ID, task.Message{Regs: [8]uint64{7}}, ep.Connect())
	m, ok := owner.Dequeue()
	if !ok {
		t.Fatal("expected message delivered to owner")
	}
	if !m.HasBadge || m.Badge != 42 {
		t.Fatalf("expected badge 42, got %+v", m)
	}
	if m.Sender != 9 {
		t.Fatalf("expected sender id 9, got %d", m.Sender)
	}
}

func TestPromiscuousEndpointMintsDistinctBadgesAndNotifies(t *testing.T) {
	s := sched.New()
	owner := newTestTask(1)
	s.AddTask(0, owner)
	ep := NewPromiscuousEndpoint(owner)

	b1 := ep.Connect()
	b2 := ep.Connect()
	if b1 == b2 {
		t.Fatalf("expected distinct badges, got %d and %d", b1, b2)
	}
	km1, ok := owner.DequeueKernel()
	if !ok || km1.Kind != task.NewEndpointMessage || km1.Badge != b1 {
		t.Fatalf("expected NewEndpointMessage for b1, got %+v ok=%v", km1, ok)
	}
	km2, ok := owner.DequeueKernel()
	if !ok || km2.Badge != b2 {
		t.Fatalf("expected NewEndpointMessage for b2, got %+v ok=%v", km2, ok)
	}
}

func TestSendWakesBlockedReceiver(t *testing.T) {
	s := sched.New()
	owner := newTestTask(1)
	s.AddTask(0, owner)
	ep := NewBadgedEndpoint(owner, 1)

	s.Block(owner, nil)
	ep.Send(s, task.ID(2), task.Message{}, 1)
	if owner.IsBlocked() {
		t.Fatal("expected receiving a message to wake the blocked owner")
	}
}

func TestBundleDeliversBothCapabilitiesAtomically(t *testing.T) {
	owner := newTestTask(1)
	ep := NewBadgedEndpoint(owner, 5)
	shm := &SharedMemory{}
	bundle := &Bundle{
		Endpoint:       ep,
		EndpointRights: captab.RightRead,
		Shared:         shm,
		SharedRights:   captab.RightRead | captab.RightWrite,
	}
	dest := captab.NewSpace()
	epID, shID, err := bundle.Deliver(dest)
	if err != nil {
		t.Fatal(err)
	}

	epCap, ok := dest.Resolve(epID)
	if !ok || epCap.Resource != ep {
		t.Fatal("expected endpoint capability installed")
	}
	shCap, ok := dest.Resolve(shID)
	if !ok || shCap.Resource != shm {
		t.Fatal("expected shared memory capability installed")
	}
}

func TestReplyConsumedOnce(t *testing.T) {
	s := sched.New()
	sender := newTestTask(1)
	s.AddTask(0, sender)
	reply := NewReply(sender)

	if err := reply.Send(s, task.Message{Regs: [8]uint64{9}}); err != nil {
		t.Fatal(err)
	}
	if !reply.Used() {
		t.Fatal("expected reply marked used")
	}
	if err := reply.Send(s, task.Message{}); err == nil {
		t.Fatal("expected second Send on a consumed reply to fail")
	}
	m, ok := sender.Dequeue()
	if !ok || m.Regs[0] != 9 {
		t.Fatalf("expected reply message delivered, got %+v", m)
	}
}
