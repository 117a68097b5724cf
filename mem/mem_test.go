package mem

import "testing"

func TestAllocDeallocSingle(t *testing.T) {
	fa := NewFrameAllocator(0x80000000, 4*PageSize4K)
	a, err := fa.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if a != 0x80000000 {
		t.Fatalf("got %#x", a)
	}
	b, err := fa.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if b != 0x80000000+PageSize4K {
		t.Fatalf("got %#x", b)
	}
	if fa.FreeFrames() != 2 {
		t.Fatalf("got %d free", fa.FreeFrames())
	}
	fa.Dealloc(a)
	if fa.FreeFrames() != 3 {
		t.Fatalf("got %d free after dealloc", fa.FreeFrames())
	}
}

func TestDoubleFreePanics(t *testing.T) {
	fa := NewFrameAllocator(0x80000000, 4*PageSize4K)
	a, _ := fa.Alloc()
	fa.Dealloc(a)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double free")
		}
	}()
	fa.Dealloc(a)
}

func TestAllocContiguous(t *testing.T) {
	fa := NewFrameAllocator(0x80000000, 8*PageSize4K)
	// take frame 0 so the contiguous run must start at frame 1.
	if _, err := fa.Alloc(); err != nil {
		t.Fatal(err)
	}
	start, err := fa.AllocContiguous(3)
	if err != nil {
		t.Fatal(err)
	}
	if start != 0x80000000+PageSize4K {
		t.Fatalf("got %#x", start)
	}
	if fa.FreeFrames() != 4 {
		t.Fatalf("got %d free", fa.FreeFrames())
	}
	fa.DeallocContiguous(start, 3)
	if fa.FreeFrames() != 7 {
		t.Fatalf("got %d free after dealloc", fa.FreeFrames())
	}
}

func TestOutOfFrames(t *testing.T) {
	fa := NewFrameAllocator(0x80000000, 1*PageSize4K)
	if _, err := fa.Alloc(); err != nil {
		t.Fatal(err)
	}
	if _, err := fa.Alloc(); err == nil {
		t.Fatal("expected out of frames error")
	}
}

func TestSetUsedUnused(t *testing.T) {
	fa := NewFrameAllocator(0x80000000, 2*PageSize4K)
	fa.SetUsed(0x80000000)
	if fa.FreeFrames() != 1 {
		t.Fatalf("got %d free", fa.FreeFrames())
	}
	a, err := fa.Alloc()
	if err != nil || a != 0x80000000+PageSize4K {
		t.Fatalf("got %#x, %v", a, err)
	}
	fa.SetUnused(0x80000000)
	if fa.FreeFrames() != 1 {
		t.Fatalf("got %d free after SetUnused", fa.FreeFrames())
	}
}
