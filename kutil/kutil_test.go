package kutil

import "testing"

func TestMinMax(t *testing.T) {
	if Min(3, 5) != 3 {
		t.Fatal("Min wrong")
	}
	if Max(3, 5) != 5 {
		t.Fatal("Max wrong")
	}
}

func TestRoundupRounddown(t *testing.T) {
	cases := []struct{ v, b, down, up uint64 }{
		{0, 4096, 0, 0},
		{1, 4096, 0, 4096},
		{4096, 4096, 4096, 4096},
		{4097, 4096, 4096, 8192},
		{1 << 21, 1 << 21, 1 << 21, 1 << 21},
	}
	for _, c := range cases {
		if got := Rounddown(c.v, c.b); got != c.down {
			t.Errorf("Rounddown(%d,%d) = %d, want %d", c.v, c.b, got, c.down)
		}
		if got := Roundup(c.v, c.b); got != c.up {
			t.Errorf("Roundup(%d,%d) = %d, want %d", c.v, c.b, got, c.up)
		}
	}
}

func TestReadnWriten(t *testing.T) {
	buf := make([]uint8, 16)
	Writen(buf, 8, 0, 0x0102030405060708)
	if got := Readn(buf, 8, 0); got != 0x0102030405060708 {
		t.Fatalf("got %#x", got)
	}
	Writen(buf, 4, 8, 42)
	if got := Readn(buf, 4, 8); got != 42 {
		t.Fatalf("got %d", got)
	}
}

func TestReadnOutOfBoundsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	buf := make([]uint8, 4)
	Readn(buf, 8, 0)
}
