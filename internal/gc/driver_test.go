package gc

import (
	"sync"
	"testing"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/titan/internal/objects"
)

// testNode 测试对象：一个 killable 单槽、一个非 killable 单槽、
// 一个 killable 数组，外加弱引用槽位与销毁记账。
type testNode struct {
	name  string
	extra objects.ObjectIndex
	pin   objects.ObjectIndex
	refs  []objects.ObjectIndex
	weak  objects.WeakRef

	readyAfter int
	threadSafe bool
	began      atomic.Bool
	finished   atomic.Bool
}

var (
	testNodeSchemaOnce sync.Once
	testNodeSchema     *objects.Schema
)

func nodeTestSchema() *objects.Schema {
	testNodeSchemaOnce.Do(func() {
		b := objects.NewSchemaBuilder(64)
		b.Add(objects.Member{
			Name:     "testNode.extra",
			Type:     objects.MemberReference,
			Killable: true,
			Slot:     func(obj any) *objects.ObjectIndex { return &obj.(*testNode).extra },
		})
		b.Add(objects.Member{
			Name: "testNode.pin",
			Type: objects.MemberReference,
			Slot: func(obj any) *objects.ObjectIndex { return &obj.(*testNode).pin },
		})
		b.Add(objects.Member{
			Name:     "testNode.refs",
			Type:     objects.MemberReferenceArray,
			Killable: true,
			Slots:    func(obj any) []objects.ObjectIndex { return obj.(*testNode).refs },
		})
		testNodeSchema = b.Build(nil)
	})
	return testNodeSchema
}

func (n *testNode) GCSchema() *objects.Schema { return nodeTestSchema() }

func (n *testNode) BeginDestroy() { n.began.Store(true) }

func (n *testNode) IsReadyForFinishDestroy() bool {
	if n.readyAfter > 0 {
		n.readyAfter--
		return false
	}
	return true
}

func (n *testNode) FinishDestroy() { n.finished.Store(true) }

func (n *testNode) IsDestructionThreadSafe() bool { return n.threadSafe }

func (n *testNode) Name() string { return n.name }

func (n *testNode) WeakSlots() []*objects.WeakRef {
	return []*objects.WeakRef{&n.weak}
}

func newNode(name string) *testNode {
	return &testNode{
		name:       name,
		extra:      objects.NullObjectIndex,
		pin:        objects.NullObjectIndex,
		threadSafe: true,
	}
}

func newTestState(t *testing.T, mutate func(*Settings)) (*GCState, *objects.Store) {
	t.Helper()
	settings := DefaultSettings()
	settings.AllowParallel = false
	settings.MultithreadedDestruction = false
	if mutate != nil {
		mutate(&settings)
	}
	store := objects.NewStore()
	state := NewGCState(store, settings, zap.NewNop())
	return state, store
}

func addNode(store *objects.Store, name string) (objects.ObjectIndex, *testNode) {
	n := newNode(name)
	return store.Allocate(n), n
}

func collectFull(state *GCState) {
	state.CollectGarbage(0, true)
}

func isAlive(store *objects.Store, idx objects.ObjectIndex) bool {
	it := store.ResolveItem(idx)
	return it != nil && it.State() == objects.StateActive
}

func TestCollectUnreferencedObjects(t *testing.T) {
	state, store := newTestState(t, nil)

	rootIdx, root := addNode(store, "root")
	childIdx, _ := addNode(store, "child")
	grandIdx, _ := addNode(store, "grand")
	orphanIdx, orphan := addNode(store, "orphan")

	root.refs = []objects.ObjectIndex{childIdx}
	childNode := store.Item(childIdx).Object().(*testNode)
	childNode.extra = grandIdx
	store.AddToRootSet(rootIdx)

	collectFull(state)

	for _, idx := range []objects.ObjectIndex{rootIdx, childIdx, grandIdx} {
		if !isAlive(store, idx) {
			t.Errorf("object %d reachable from the root set was collected", idx)
		}
	}
	if isAlive(store, orphanIdx) {
		t.Errorf("unreferenced object survived collection")
	}
	if !orphan.began.Load() || !orphan.finished.Load() {
		t.Errorf("collected object skipped destruction: began=%v finished=%v",
			orphan.began.Load(), orphan.finished.Load())
	}
	if store.NumLive() != 3 {
		t.Errorf("NumLive = %d after collection, want 3", store.NumLive())
	}
}

func TestCollectReusesFreedSlot(t *testing.T) {
	state, store := newTestState(t, nil)

	orphanIdx, _ := addNode(store, "orphan")
	serialBefore := store.Item(orphanIdx).SerialNumber()

	collectFull(state)

	reusedIdx, _ := addNode(store, "reused")
	if reusedIdx != orphanIdx {
		t.Fatalf("Allocate = %d after collection, want freed slot %d", reusedIdx, orphanIdx)
	}
	if store.Item(reusedIdx).SerialNumber() == serialBefore {
		t.Errorf("slot reuse should bump the serial number")
	}
}

func TestPendingKillNullsKillableRefs(t *testing.T) {
	state, store := newTestState(t, nil)

	rootIdx, root := addNode(store, "root")
	doomedIdx, _ := addNode(store, "doomed")
	root.extra = doomedIdx
	root.refs = []objects.ObjectIndex{doomedIdx}
	store.AddToRootSet(rootIdx)
	store.MarkPendingKill(doomedIdx)

	collectFull(state)

	if isAlive(store, doomedIdx) {
		t.Errorf("pending-kill object survived despite only killable references")
	}
	if root.extra != objects.NullObjectIndex {
		t.Errorf("killable slot = %d after collection, want null", root.extra)
	}
	if root.refs[0] != objects.NullObjectIndex {
		t.Errorf("killable array slot = %d after collection, want null", root.refs[0])
	}
}

func TestPendingKillKeptByNonKillableRef(t *testing.T) {
	state, store := newTestState(t, nil)

	rootIdx, root := addNode(store, "root")
	doomedIdx, _ := addNode(store, "doomed")
	root.pin = doomedIdx
	store.AddToRootSet(rootIdx)
	store.MarkPendingKill(doomedIdx)

	collectFull(state)

	if !isAlive(store, doomedIdx) {
		t.Errorf("pending-kill object with a non-killable reference was collected")
	}
	if root.pin != doomedIdx {
		t.Errorf("non-killable slot was modified: %d", root.pin)
	}
}

func TestGarbageModeReportsGarbageRefs(t *testing.T) {
	state, store := newTestState(t, func(s *Settings) {
		s.GarbageTracking = TrackingAll
	})
	store.SetPendingKillEnabled(false)

	rootIdx, root := addNode(store, "root")
	garbageIdx, _ := addNode(store, "garbage")
	root.pin = garbageIdx
	store.AddToRootSet(rootIdx)
	store.MarkAsGarbage(garbageIdx)

	collectFull(state)

	if !isAlive(store, garbageIdx) {
		t.Fatalf("garbage object with a live referencer must stay alive")
	}
	entries := state.History().Entries()
	if len(entries) == 0 || len(entries[len(entries)-1].GarbageRefs) == 0 {
		t.Errorf("garbage reference was not recorded in history")
	}
}

func TestGarbageTrackingReportsDeepReferencers(t *testing.T) {
	state, store := newTestState(t, func(s *Settings) {
		s.GarbageTracking = TrackingAll
	})
	store.SetPendingKillEnabled(false)

	// 垃圾引用藏在根的两层之外，调试重跑必须重新标记才能走到
	rootIdx, root := addNode(store, "root")
	midIdx, mid := addNode(store, "mid")
	garbageIdx, _ := addNode(store, "garbage")
	root.pin = midIdx
	mid.pin = garbageIdx
	store.AddToRootSet(rootIdx)
	store.MarkAsGarbage(garbageIdx)

	collectFull(state)

	if !isAlive(store, garbageIdx) {
		t.Fatalf("garbage object with a live referencer must stay alive")
	}
	entries := state.History().Entries()
	if len(entries) == 0 {
		t.Fatalf("no history entry recorded")
	}
	found := false
	for _, ref := range entries[len(entries)-1].GarbageRefs {
		if ref.ReferencerName == "mid" && ref.Target == int32(garbageIdx) {
			found = true
		}
	}
	if !found {
		t.Errorf("mid -> garbage reference missing from history: %+v",
			entries[len(entries)-1].GarbageRefs)
	}
}

func TestKeepObjectFlags(t *testing.T) {
	state, store := newTestState(t, nil)

	const keepFlag = uint32(1 << 3)
	keptIdx, _ := addNode(store, "kept")
	store.Item(keptIdx).SetObjectFlags(keepFlag)
	plainIdx, _ := addNode(store, "plain")

	state.CollectGarbage(keepFlag, true)

	if !isAlive(store, keptIdx) {
		t.Errorf("object with matching keep flags was collected")
	}
	if isAlive(store, plainIdx) {
		t.Errorf("object without keep flags survived")
	}

	collectFull(state)
	if isAlive(store, keptIdx) {
		t.Errorf("kept object survived a collection without keep flags")
	}
}

func TestFastKeepFlag(t *testing.T) {
	state, store := newTestState(t, nil)

	keptIdx, _ := addNode(store, "kept")
	store.Item(keptIdx).SetFlags(objects.FlagGCKeep)

	collectFull(state)
	if !isAlive(store, keptIdx) {
		t.Errorf("object with the fast keep flag was collected")
	}

	store.Item(keptIdx).ClearFlags(objects.FlagGCKeep)
	collectFull(state)
	if isAlive(store, keptIdx) {
		t.Errorf("object survived after clearing the fast keep flag")
	}
}

func TestWeakReferencesCleared(t *testing.T) {
	state, store := newTestState(t, nil)

	rootIdx, root := addNode(store, "root")
	targetIdx, _ := addNode(store, "target")
	root.weak = objects.MakeWeakRef(store, targetIdx)
	store.AddToRootSet(rootIdx)

	collectFull(state)

	if isAlive(store, targetIdx) {
		t.Fatalf("weakly referenced object survived collection")
	}
	if got := root.weak.Get(store); got != objects.NullObjectIndex {
		t.Errorf("weak reference resolves to %d after target death, want null", got)
	}
}

func TestIncrementalPurge(t *testing.T) {
	state, store := newTestState(t, func(s *Settings) {
		s.TimeLimit = 0 // 每个切片都让出
	})

	var orphans []*testNode
	for i := 0; i < 50; i++ {
		_, n := addNode(store, "orphan")
		orphans = append(orphans, n)
	}

	state.CollectGarbage(0, false)
	if !state.IsIncrementalPurgePending() {
		t.Fatalf("incremental purge should be pending after a non-full collection")
	}

	ticks := 0
	for !state.TickPurge() {
		ticks++
		if ticks > 100000 {
			t.Fatalf("incremental purge did not finish")
		}
	}
	if state.IsIncrementalPurgePending() {
		t.Errorf("purge still pending after TickPurge returned done")
	}
	for i, n := range orphans {
		if !n.finished.Load() {
			t.Errorf("orphan %d not destroyed by incremental purge", i)
		}
	}
	state.VerifyAllObjectsDestroyed()
}

func TestDeferredFinishDestroy(t *testing.T) {
	state, store := newTestState(t, nil)

	_, orphan := addNode(store, "slow")
	orphan.readyAfter = 3

	collectFull(state)

	if !orphan.finished.Load() {
		t.Errorf("full purge must wait for deferred FinishDestroy")
	}
	if store.NumLive() != 0 {
		t.Errorf("NumLive = %d after full purge, want 0", store.NumLive())
	}
}

func TestCollectDuringPendingPurge(t *testing.T) {
	state, store := newTestState(t, nil)

	_, first := addNode(store, "first")
	state.CollectGarbage(0, false)

	_, second := addNode(store, "second")
	collectFull(state)

	if !first.finished.Load() {
		t.Errorf("pending purge was not finished before the next collection")
	}
	if !second.finished.Load() {
		t.Errorf("second orphan survived the full collection")
	}
}

func TestClusterLifecycle(t *testing.T) {
	state, store := newTestState(t, nil)

	clusterRoot, _ := addNode(store, "cluster-root")
	memberA, _ := addNode(store, "member-a")
	memberB, _ := addNode(store, "member-b")
	state.Clusters().Create(clusterRoot, []objects.ObjectIndex{memberA, memberB})

	rootIdx, root := addNode(store, "root")
	root.pin = memberA
	store.AddToRootSet(rootIdx)

	// 簇成员被引用时整簇存活
	collectFull(state)
	for _, idx := range []objects.ObjectIndex{clusterRoot, memberA, memberB} {
		if !isAlive(store, idx) {
			t.Errorf("cluster object %d collected while a member is referenced", idx)
		}
	}

	// 引用断开后整簇一起回收
	root.pin = objects.NullObjectIndex
	collectFull(state)
	for _, idx := range []objects.ObjectIndex{clusterRoot, memberA, memberB} {
		if isAlive(store, idx) {
			t.Errorf("cluster object %d survived after the last reference dropped", idx)
		}
	}
	if state.Clusters().NumClusters() != 0 {
		t.Errorf("cluster table still holds %d clusters", state.Clusters().NumClusters())
	}
}

func TestClusterReferencedClusterKeptAlive(t *testing.T) {
	state, store := newTestState(t, nil)

	rootA, _ := addNode(store, "root-a")
	memberA, _ := addNode(store, "member-a")
	idxA := state.Clusters().Create(rootA, []objects.ObjectIndex{memberA})

	rootB, _ := addNode(store, "root-b")
	memberB, _ := addNode(store, "member-b")
	state.Clusters().Create(rootB, []objects.ObjectIndex{memberB})
	state.Clusters().AddReferencedCluster(idxA, rootB)

	holderIdx, holder := addNode(store, "holder")
	holder.pin = rootA
	store.AddToRootSet(holderIdx)

	collectFull(state)

	for _, idx := range []objects.ObjectIndex{rootA, memberA, rootB, memberB} {
		if !isAlive(store, idx) {
			t.Errorf("object %d of a transitively referenced cluster was collected", idx)
		}
	}
}

func TestClusterDissolvedOnPendingKillRoot(t *testing.T) {
	state, store := newTestState(t, nil)

	clusterRoot, _ := addNode(store, "cluster-root")
	member, _ := addNode(store, "member")
	state.Clusters().Create(clusterRoot, []objects.ObjectIndex{member})

	rootIdx, root := addNode(store, "root")
	root.pin = member
	store.AddToRootSet(rootIdx)
	store.MarkPendingKill(clusterRoot)

	collectFull(state)

	if isAlive(store, clusterRoot) {
		t.Errorf("pending-kill cluster root survived collection")
	}
	if !isAlive(store, member) {
		t.Errorf("referenced former member was collected with the dissolved cluster")
	}
	if store.Item(member).IsClusterMember() {
		t.Errorf("former member still carries cluster flags")
	}
}

func TestParallelCollectionMatchesSequential(t *testing.T) {
	state, store := newTestState(t, func(s *Settings) {
		s.AllowParallel = true
		s.MaxWorkersOverride = 4
	})

	// 根出发的引用链之外再挂一批孤儿
	rootIdx, root := addNode(store, "root")
	store.AddToRootSet(rootIdx)
	live := []objects.ObjectIndex{rootIdx}
	prev := root
	for i := 0; i < 500; i++ {
		idx, n := addNode(store, "live")
		prev.refs = append(prev.refs, idx)
		live = append(live, idx)
		if i%10 == 0 {
			prev = n
		}
	}
	var dead []objects.ObjectIndex
	for i := 0; i < 300; i++ {
		idx, _ := addNode(store, "dead")
		dead = append(dead, idx)
	}

	collectFull(state)

	for _, idx := range live {
		if !isAlive(store, idx) {
			t.Fatalf("reachable object %d collected by parallel GC", idx)
		}
	}
	for _, idx := range dead {
		if isAlive(store, idx) {
			t.Fatalf("unreachable object %d survived parallel GC", idx)
		}
	}
}

func TestMultithreadedDestruction(t *testing.T) {
	state, store := newTestState(t, func(s *Settings) {
		s.MultithreadedDestruction = true
	})

	var safe, manual []*testNode
	for i := 0; i < 20; i++ {
		_, n := addNode(store, "safe")
		safe = append(safe, n)
	}
	for i := 0; i < 5; i++ {
		_, n := addNode(store, "unsafe")
		n.threadSafe = false
		manual = append(manual, n)
	}

	state.CollectGarbage(0, false)
	ticks := 0
	for !state.TickPurge() {
		ticks++
		if ticks > 1000000 {
			t.Fatalf("async purge did not finish")
		}
	}

	for i, n := range safe {
		if !n.finished.Load() {
			t.Errorf("thread-safe object %d not destroyed", i)
		}
	}
	for i, n := range manual {
		if !n.finished.Load() {
			t.Errorf("non-thread-safe object %d not destroyed on the driver", i)
		}
	}
	if store.NumLive() != 0 {
		t.Errorf("NumLive = %d after async purge, want 0", store.NumLive())
	}
	if err := state.Cleanup(); err != nil {
		t.Errorf("Cleanup returned %v", err)
	}
}

func TestAsyncPurgeNonThreadSafeOnly(t *testing.T) {
	state, store := newTestState(t, func(s *Settings) {
		s.MultithreadedDestruction = true
	})

	// 仅有遗留对象时 worker 立即完成，收尾不得丢掉驱动侧的遗留
	idx, n := addNode(store, "manual")
	n.threadSafe = false

	state.CollectGarbage(0, false)
	ticks := 0
	for !state.TickPurge() {
		ticks++
		if ticks > 1000000 {
			t.Fatalf("async purge did not finish")
		}
	}

	if isAlive(store, idx) {
		t.Errorf("non-thread-safe object survived the purge")
	}
	if !n.finished.Load() {
		t.Errorf("non-thread-safe object was never destroyed")
	}
	if store.NumLive() != 0 {
		t.Errorf("NumLive = %d after async purge, want 0", store.NumLive())
	}
	state.VerifyAllObjectsDestroyed()
	if err := state.Cleanup(); err != nil {
		t.Errorf("Cleanup returned %v", err)
	}
}

func TestKillableRefToClusterMemberPanics(t *testing.T) {
	state, store := newTestState(t, nil)

	clusterRoot, _ := addNode(store, "cluster-root")
	member, _ := addNode(store, "member")
	state.Clusters().Create(clusterRoot, []objects.ObjectIndex{member})

	rootIdx, root := addNode(store, "root")
	root.extra = member
	store.AddToRootSet(rootIdx)
	store.MarkPendingKill(member)

	defer func() {
		if recover() == nil {
			t.Errorf("killable reference to a pending-kill cluster member did not panic")
		}
	}()
	collectFull(state)
}

func TestTryCollectGarbage(t *testing.T) {
	state, store := newTestState(t, func(s *Settings) {
		s.NumRetriesBeforeForcing = 2
	})
	orphanIdx, _ := addNode(store, "orphan")

	state.Lock().Acquire()
	if err := state.TryCollectGarbage(0, true); err != ErrGCLocked {
		t.Errorf("TryCollectGarbage under lock = %v, want ErrGCLocked", err)
	}
	if err := state.TryCollectGarbage(0, true); err != ErrGCLocked {
		t.Errorf("second TryCollectGarbage under lock = %v, want ErrGCLocked", err)
	}
	state.Lock().Release()

	// 超过重试上限后阻塞等锁并强制执行
	if err := state.TryCollectGarbage(0, true); err != nil {
		t.Fatalf("forced TryCollectGarbage returned %v", err)
	}
	if isAlive(store, orphanIdx) {
		t.Errorf("forced collection did not run")
	}
}

func TestStatsAndHistory(t *testing.T) {
	state, store := newTestState(t, nil)

	for i := 0; i < 7; i++ {
		addNode(store, "orphan")
	}
	collectFull(state)

	snap := state.Stats().Snapshot()
	if snap.NumCycles != 1 {
		t.Errorf("NumCycles = %d, want 1", snap.NumCycles)
	}
	if snap.NumUnreachable != 7 {
		t.Errorf("NumUnreachable = %d, want 7", snap.NumUnreachable)
	}
	if snap.NumCollectedObjects != 7 {
		t.Errorf("NumCollectedObjects = %d, want 7", snap.NumCollectedObjects)
	}
	if state.GetLastGCTime().IsZero() {
		t.Errorf("GetLastGCTime is zero after a collection")
	}

	entries := state.History().Entries()
	if len(entries) != 1 || entries[0].NumUnreachable != 7 {
		t.Errorf("history = %+v, want one entry with 7 unreachable", entries)
	}

	mem := state.MemoryStats()
	if mem.NumLiveObjects != 0 {
		t.Errorf("MemoryStats.NumLiveObjects = %d, want 0", mem.NumLiveObjects)
	}
}

func TestHistoryCapacity(t *testing.T) {
	var h History
	for i := 0; i < historyCapacity+3; i++ {
		h.Update(HistoryEntry{NumUnreachable: i})
	}
	entries := h.Entries()
	if len(entries) != historyCapacity {
		t.Fatalf("history holds %d entries, want %d", len(entries), historyCapacity)
	}
	if entries[0].NumUnreachable != 3 {
		t.Errorf("oldest entry = %d, want 3", entries[0].NumUnreachable)
	}
}

func TestPermanentObjectsSkipped(t *testing.T) {
	state, store := newTestState(t, nil)

	store.OpenDisregardBlock()
	permIdx, _ := addNode(store, "permanent")
	store.CloseDisregardBlock()

	collectFull(state)

	if !isAlive(store, permIdx) {
		t.Errorf("permanent object was collected")
	}
	if !store.IsPermanent(permIdx) {
		t.Errorf("IsPermanent(%d) = false for a disregard block object", permIdx)
	}
}
