package objects

import (
	"testing"
)

// testObj 测试用最小对象
type testObj struct {
	name string
}

func (o *testObj) GCSchema() *Schema            { return nil }
func (o *testObj) BeginDestroy()                {}
func (o *testObj) IsReadyForFinishDestroy() bool { return true }
func (o *testObj) FinishDestroy()               {}
func (o *testObj) IsDestructionThreadSafe() bool { return true }
func (o *testObj) Name() string                 { return o.name }

// destroyAndFree 推进完整销毁流水线
func destroyAndFree(t *testing.T, s *Store, idx ObjectIndex) {
	t.Helper()
	it := s.Item(idx)
	it.AdvanceState(StateActive, StateUnreachable)
	it.AdvanceState(StateUnreachable, StateBeginDestroyed)
	it.AdvanceState(StateBeginDestroyed, StateFinishDestroyed)
	it.AdvanceState(StateFinishDestroyed, StateDestructed)
	s.FreeSlot(idx)
}

func TestAllocateAndResolve(t *testing.T) {
	s := NewStore()

	a := s.Allocate(&testObj{name: "a"})
	b := s.Allocate(&testObj{name: "b"})

	if a == b {
		t.Fatalf("expected distinct indices, got %d twice", a)
	}
	if s.NumLive() != 2 {
		t.Errorf("expected 2 live objects, got %d", s.NumLive())
	}

	it := s.ResolveItem(a)
	if it == nil {
		t.Fatal("expected resolvable item")
	}
	if got := DebugName(it.Object()); got != "a" {
		t.Errorf("expected name a, got %s", got)
	}

	if s.ResolveItem(NullObjectIndex) != nil {
		t.Error("null index should not resolve")
	}
	if s.ResolveItem(ObjectIndex(9999)) != nil {
		t.Error("out of range index should not resolve")
	}
}

func TestFreeSlotReuseBumpsSerial(t *testing.T) {
	s := NewStore()

	a := s.Allocate(&testObj{name: "a"})
	serial := s.Item(a).SerialNumber()

	destroyAndFree(t, s, a)

	if s.ResolveItem(a) != nil {
		t.Error("freed slot should not resolve")
	}

	b := s.Allocate(&testObj{name: "b"})
	if b != a {
		t.Fatalf("expected slot reuse, got %d instead of %d", b, a)
	}
	if got := s.Item(b).SerialNumber(); got != serial+1 {
		t.Errorf("expected serial %d after reuse, got %d", serial+1, got)
	}
}

func TestIllegalStateTransitionPanics(t *testing.T) {
	s := NewStore()
	a := s.Allocate(&testObj{name: "a"})

	defer func() {
		if recover() == nil {
			t.Error("expected panic on illegal state transition")
		}
	}()
	s.Item(a).AdvanceState(StateActive, StateFinishDestroyed)
}

func TestDisregardBlock(t *testing.T) {
	s := NewStore()
	s.OpenDisregardBlock()

	perm := s.Allocate(&testObj{name: "perm"})
	s.CloseDisregardBlock()
	normal := s.Allocate(&testObj{name: "normal"})

	if !s.IsPermanent(perm) {
		t.Error("object allocated inside disregard block should be permanent")
	}
	if s.IsPermanent(normal) {
		t.Error("object allocated after close should not be permanent")
	}
	if s.PermanentCount() != 1 {
		t.Errorf("expected permanent count 1, got %d", s.PermanentCount())
	}
}

func TestRootSet(t *testing.T) {
	s := NewStore()
	a := s.Allocate(&testObj{name: "a"})

	s.AddToRootSet(a)
	if !s.Item(a).IsRootSet() {
		t.Error("expected root set flag")
	}
	if got := s.RootSet(); len(got) != 1 || got[0] != a {
		t.Errorf("unexpected root set snapshot: %v", got)
	}

	s.RemoveFromRootSet(a)
	if s.Item(a).IsRootSet() {
		t.Error("root set flag should be cleared")
	}
}

func TestWeakRefInvalidatedByReuse(t *testing.T) {
	s := NewStore()
	a := s.Allocate(&testObj{name: "a"})

	w := MakeWeakRef(s, a)
	if w.Get(s) != a {
		t.Fatal("weak ref should resolve while target lives")
	}

	destroyAndFree(t, s, a)
	if w.Get(s) != NullObjectIndex {
		t.Error("weak ref should not resolve after free")
	}

	// 槽位复用后序列号不同，旧弱引用仍然失效
	b := s.Allocate(&testObj{name: "b"})
	if b != a {
		t.Fatalf("expected slot reuse, got %d", b)
	}
	if w.Get(s) != NullObjectIndex {
		t.Error("weak ref should not resolve a reused slot")
	}
}

func TestInterlockedFlagOps(t *testing.T) {
	s := NewStore()
	a := s.Allocate(&testObj{name: "a"})
	it := s.Item(a)

	it.SetFlags(FlagUnreachable)
	if !it.ClearUnreachableInterlocked() {
		t.Error("first clear should win")
	}
	if it.ClearUnreachableInterlocked() {
		t.Error("second clear should lose")
	}

	if !it.SetFlagsInterlocked(FlagReachableInCluster) {
		t.Error("first set should win")
	}
	if it.SetFlagsInterlocked(FlagReachableInCluster) {
		t.Error("second set should lose")
	}
}
