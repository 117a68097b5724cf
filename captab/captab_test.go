package captab

import "testing"

type fakeResource struct{ kind ResourceKind }

func (f fakeResource) Kind() ResourceKind { return f.kind }

func mustMint(t *testing.T, s *Space, res Resource, rights Rights) Id {
	t.Helper()
	id, err := s.Mint(res, rights)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// testQuota is a minimal Quota fake, standing in for config.Quota without
// this package depending on config.
type testQuota struct{ remaining int64 }

func newTestQuota(n int64) *testQuota { return &testQuota{remaining: n} }

func (q *testQuota) Take(n int64) bool {
	if q.remaining < n {
		return false
	}
	q.remaining -= n
	return true
}

func (q *testQuota) Give(n int64) { q.remaining += n }

func TestMintResolveRemove(t *testing.T) {
	s := NewSpace()
	res := fakeResource{KindEndpoint}
	id := mustMint(t, s, res, RightRead|RightWrite)
	c, ok := s.Resolve(id)
	if !ok {
		t.Fatal("expected capability to resolve")
	}
	if c.Rights != RightRead|RightWrite {
		t.Fatalf("got rights %v", c.Rights)
	}
	if _, ok := s.Remove(id); !ok {
		t.Fatal("expected Remove to succeed")
	}
	if _, ok := s.Resolve(id); ok {
		t.Fatal("capability should be gone after Remove")
	}
}

func TestMintReusesHighestFreedId(t *testing.T) {
	s := NewSpace()
	res := fakeResource{KindEndpoint}
	a := mustMint(t, s, res, RightRead)
	b := mustMint(t, s, res, RightRead)
	if b != a+1 {
		t.Fatalf("expected sequential ids, got %d then %d", a, b)
	}
	if _, ok := s.Remove(b); !ok {
		t.Fatal("expected Remove to succeed")
	}
	c := mustMint(t, s, res, RightRead)
	if c != b {
		t.Fatalf("expected freeing the highest id %d to let Mint reuse it, got %d", b, c)
	}
}

func TestMintWithIdRejectsCollision(t *testing.T) {
	s := NewSpace()
	res := fakeResource{KindMmio}
	if err := s.MintWithId(5, res, RightRead); err != nil {
		t.Fatal(err)
	}
	if err := s.MintWithId(5, res, RightRead); err == nil {
		t.Fatal("expected collision error")
	}
}

func TestMintChecksQuota(t *testing.T) {
	s := NewSpaceWithQuota(newTestQuota(1))
	res := fakeResource{KindEndpoint}
	if _, err := s.Mint(res, RightRead); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Mint(res, RightRead); err == nil {
		t.Fatal("expected the second Mint to fail against an exhausted quota")
	}
}

func TestRemoveReturnsUnitToQuota(t *testing.T) {
	q := newTestQuota(1)
	s := NewSpaceWithQuota(q)
	res := fakeResource{KindEndpoint}
	id := mustMint(t, s, res, RightRead)
	if _, err := s.Mint(res, RightRead); err == nil {
		t.Fatal("expected quota to be exhausted after the first Mint")
	}
	if _, ok := s.Remove(id); !ok {
		t.Fatal("expected Remove to succeed")
	}
	if _, err := s.Mint(res, RightRead); err != nil {
		t.Fatalf("expected Remove to free a unit of quota, got %v", err)
	}
}

func TestDeriveNarrowsRightsNeverAmplifies(t *testing.T) {
	s := NewSpace()
	res := fakeResource{KindSharedMemory}
	id := mustMint(t, s, res, RightRead|RightGrant)
	derived, err := s.Derive(id, RightRead|RightWrite)
	if err != nil {
		t.Fatal(err)
	}
	c, _ := s.Resolve(derived)
	if c.Rights != RightRead {
		t.Fatalf("expected derived rights to be narrowed to RightRead, got %v", c.Rights)
	}
}

func TestDeriveRequiresGrant(t *testing.T) {
	s := NewSpace()
	res := fakeResource{KindEndpoint}
	id := mustMint(t, s, res, RightRead)
	if _, err := s.Derive(id, RightRead); err == nil {
		t.Fatal("expected derive without grant right to fail")
	}
}

func TestMoveTransfersOwnership(t *testing.T) {
	src := NewSpace()
	dst := NewSpace()
	res := fakeResource{KindBundle}
	id := mustMint(t, src, res, RightRead|RightMove)
	newID, err := src.Move(id, dst)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := src.Resolve(id); ok {
		t.Fatal("source should no longer hold the moved capability")
	}
	if _, ok := dst.Resolve(newID); !ok {
		t.Fatal("destination should hold the moved capability")
	}
}

func TestMoveRequiresMoveRight(t *testing.T) {
	src := NewSpace()
	dst := NewSpace()
	res := fakeResource{KindEndpoint}
	id := mustMint(t, src, res, RightRead|RightWrite)
	if _, err := src.Move(id, dst); err == nil {
		t.Fatal("expected move without move right to fail")
	}
}
