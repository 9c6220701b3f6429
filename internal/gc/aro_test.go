package gc

import (
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/tangzhangming/titan/internal/objects"
)

// nopCollector 丢弃上报引用的收集器
type nopCollector struct{}

func (nopCollector) AddReference(*objects.ObjectIndex) {}

func (nopCollector) AddReferences([]objects.ObjectIndex) {}

func TestAROQueueRoundtrip(t *testing.T) {
	var a PageAllocator
	store := &AROQueueStore{}
	store.allocator = &a

	var q AROQueue
	q.Init(store, 0)

	for i := 0; i < 10; i++ {
		if !q.TryPush(objects.ObjectIndex(i)) {
			t.Fatalf("TryPush #%d failed with blocks available", i)
		}
	}

	// 批量出队按 FIFO，且不超过请求量
	batch := q.Pop(aroPopFew)
	if len(batch) != aroPopFew {
		t.Fatalf("Pop(%d) returned %d entries", aroPopFew, len(batch))
	}
	for i, idx := range batch {
		if idx != objects.ObjectIndex(i) {
			t.Errorf("batch entry %d = %d, want %d", i, idx, i)
		}
	}

	rest := q.Pop(aroPopMany)
	if len(rest) != 6 {
		t.Errorf("Pop drained %d entries, want the remaining 6", len(rest))
	}
	if q.Pop(aroPopMany) != nil {
		t.Errorf("Pop on empty queue should return nil")
	}
	q.Teardown()
	store.ReturnAllBlocks()
}

func TestAROQueueCrossBlock(t *testing.T) {
	var a PageAllocator
	store := &AROQueueStore{}
	store.allocator = &a

	var q AROQueue
	q.Init(store, 0)

	total := aroCapacity + 50
	for i := 0; i < total; i++ {
		if !q.TryPush(objects.ObjectIndex(i)) {
			t.Fatalf("TryPush #%d failed", i)
		}
	}

	next := objects.ObjectIndex(0)
	drained := 0
	for batch := q.Pop(aroPopMany); len(batch) > 0; batch = q.Pop(aroPopMany) {
		for _, idx := range batch {
			if idx != next {
				t.Fatalf("drained %d, want %d (FIFO across blocks)", idx, next)
			}
			next++
		}
		drained += len(batch)
	}
	if drained != total {
		t.Errorf("drained %d entries, want %d", drained, total)
	}
	q.Teardown()
	store.ReturnAllBlocks()
}

func TestAROQueueStoreExhaustion(t *testing.T) {
	var a PageAllocator
	store := &AROQueueStore{}
	store.allocator = &a

	for i := 0; i < aroMaxBlocks; i++ {
		if b, _ := store.AllocateBlock(0); b == nil {
			t.Fatalf("AllocateBlock #%d failed below capacity", i)
		}
	}
	if b, _ := store.AllocateBlock(0); b != nil {
		t.Errorf("AllocateBlock beyond capacity should return nil")
	}

	store.ReturnAllBlocks()
	if b, _ := store.AllocateBlock(0); b == nil {
		t.Errorf("AllocateBlock should succeed again after ReturnAllBlocks")
	}
	store.ReturnAllBlocks()
}

func TestAROQueuePushFailsWhenStoreFull(t *testing.T) {
	var a PageAllocator
	store := &AROQueueStore{}
	store.allocator = &a

	var q AROQueue
	q.Init(store, 0)
	for {
		if b, _ := store.AllocateBlock(0); b == nil {
			break
		}
	}

	// 头块内的压入仍然成功，切块时才失败
	pushed := 0
	for i := 0; i < aroNumWords; i++ {
		if !q.TryPush(objects.ObjectIndex(i)) {
			break
		}
		pushed++
	}
	if pushed != aroCapacity-1 {
		t.Errorf("pushed %d entries before exhaustion, want %d", pushed, aroCapacity-1)
	}

	// 失败的压入不丢数据：已压入的仍可排空
	drained := 0
	for batch := q.Pop(aroPopMany); len(batch) > 0; batch = q.Pop(aroPopMany) {
		drained += len(batch)
	}
	if drained != pushed {
		t.Errorf("drained %d entries, want %d", drained, pushed)
	}
	q.Teardown()
	store.ReturnAllBlocks()
}

func TestSlowAROManagerRegistry(t *testing.T) {
	var a PageAllocator
	m := NewSlowAROManager(objects.NewStore(), &a)

	fnA := func(obj objects.Object, c objects.Collector) {}
	fnB := func(obj objects.Object, c objects.Collector) {}

	idxA := m.Register("hooks.a", fnA, 0)
	idxB := m.Register("hooks.b", fnB, AROExtraSlow)
	if idxA == idxB {
		t.Fatalf("Register handed out index %d twice", idxA)
	}
	if m.NumAROs() != 2 {
		t.Errorf("NumAROs = %d, want 2", m.NumAROs())
	}
	if m.FindIndex(fnA) != idxA || m.FindIndex(fnB) != idxB {
		t.Errorf("FindIndex does not round-trip registered hooks")
	}
	if m.FindIndex(func(obj objects.Object, c objects.Collector) {}) != -1 {
		t.Errorf("FindIndex for an unregistered hook should return -1")
	}

	defer func() {
		if recover() == nil {
			t.Errorf("duplicate registration should panic")
		}
	}()
	m.Register("hooks.a2", fnA, 0)
}

func TestSlowAROQueuesDrained(t *testing.T) {
	var a PageAllocator
	objstore := objects.NewStore()

	var mu sync.Mutex
	var visited []string
	hook := func(obj objects.Object, c objects.Collector) {
		mu.Lock()
		visited = append(visited, objects.DebugName(obj))
		mu.Unlock()
	}

	m := NewSlowAROManager(objstore, &a)
	aroIdx := m.Register("hooks.trace", hook, 0)

	const numWorkers = 2
	m.SetupWorkerQueues(numWorkers)

	var indices []objects.ObjectIndex
	for i := 0; i < 5; i++ {
		idx, _ := addNode(objstore, "queued")
		indices = append(indices, idx)
	}
	for i, idx := range indices {
		if !m.QueueCall(aroIdx, i%numWorkers, idx) {
			t.Fatalf("QueueCall for object %d failed", idx)
		}
	}

	// worker 0 排空自己的队列并窃取 worker 1 的
	state, _ := newTestState(t, nil)
	ctx := state.contexts.Acquire()
	for m.ProcessAllQueues(ctx, nopCollector{}) {
	}
	state.contexts.Release(ctx)

	if len(visited) != len(indices) {
		t.Errorf("hook ran %d times, want %d", len(visited), len(indices))
	}
	m.ResetWorkerQueues()
}

func TestSlowAROUnbalancedLocalOnly(t *testing.T) {
	var a PageAllocator
	objstore := objects.NewStore()

	calls := 0
	hook := func(obj objects.Object, c objects.Collector) { calls++ }

	m := NewSlowAROManager(objstore, &a)
	aroIdx := m.Register("hooks.unbalanced", hook, AROUnbalanced)
	m.SetupWorkerQueues(2)

	idx, _ := addNode(objstore, "local")
	m.QueueCall(aroIdx, 1, idx)

	state, _ := newTestState(t, nil)
	ctx0 := state.contexts.Acquire()
	ctx1 := state.contexts.Acquire()

	// 不均衡队列不参与窃取，worker 0 看不到 worker 1 的调用
	if m.ProcessAllQueues(ctx0, nopCollector{}) {
		t.Errorf("worker 0 stole from an unbalanced queue")
	}

	if !m.DrainLocalUnbalancedQueues(ctx1, nopCollector{}) {
		t.Errorf("owner drain reported no work despite a queued call")
	}
	if calls != 1 {
		t.Errorf("owner drain ran the hook %d times, want 1", calls)
	}
	if m.DrainLocalUnbalancedQueues(ctx1, nopCollector{}) {
		t.Errorf("second drain reported work on an empty queue")
	}
	state.contexts.Release(ctx1)
	state.contexts.Release(ctx0)
	m.ResetWorkerQueues()
}

// aroNode 引用藏在钩子里的测试对象
type aroNode struct {
	testNode
	hidden objects.ObjectIndex
}

var (
	aroNodeSchemaOnce sync.Once
	aroNodeSchema     *objects.Schema
)

func aroNodeTrace(obj objects.Object, c objects.Collector) {
	c.AddReference(&obj.(*aroNode).hidden)
}

func (n *aroNode) GCSchema() *objects.Schema {
	aroNodeSchemaOnce.Do(func() {
		b := objects.NewSchemaBuilder(64)
		aroNodeSchema = b.Build(aroNodeTrace)
	})
	return aroNodeSchema
}

func TestAROReportedReferencesKeepAlive(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		settings := DefaultSettings()
		settings.AllowParallel = parallel
		settings.MaxWorkersOverride = 2
		store := objects.NewStore()
		state := NewGCState(store, settings, zap.NewNop())

		if parallel {
			if _, err := state.RegisterSlowARO("hooks.aroNode", aroNodeTrace, 0); err != nil {
				t.Fatalf("RegisterSlowARO returned %v", err)
			}
		}

		holder := &aroNode{testNode: *newNode("holder")}
		holderIdx := store.Allocate(holder)
		targetIdx, _ := addNode(store, "target")
		holder.hidden = targetIdx
		store.AddToRootSet(holderIdx)

		collectFull(state)

		if !isAlive(store, targetIdx) {
			t.Errorf("parallel=%v: object reported by an ARO hook was collected", parallel)
		}
		if holder.hidden != targetIdx {
			t.Errorf("parallel=%v: hook-reported slot was modified", parallel)
		}
	}
}

func TestRegisterSlowAROCapacity(t *testing.T) {
	state, _ := newTestState(t, nil)

	// 注册表按函数码指针去重，容量测试需要逐个独立的函数字面量
	hooks := []objects.ObjectAROFunc{
		func(obj objects.Object, c objects.Collector) {},
		func(obj objects.Object, c objects.Collector) {},
		func(obj objects.Object, c objects.Collector) {},
		func(obj objects.Object, c objects.Collector) {},
		func(obj objects.Object, c objects.Collector) {},
		func(obj objects.Object, c objects.Collector) {},
		func(obj objects.Object, c objects.Collector) {},
		func(obj objects.Object, c objects.Collector) {},
	}
	if len(hooks) != slowAROCapacity {
		t.Fatalf("test needs %d hooks, has %d", slowAROCapacity, len(hooks))
	}
	for i, fn := range hooks {
		if _, err := state.RegisterSlowARO("hooks.n", fn, 0); err != nil {
			t.Fatalf("RegisterSlowARO #%d returned %v", i, err)
		}
	}

	overflow := func(obj objects.Object, c objects.Collector) {}
	if _, err := state.RegisterSlowARO("hooks.overflow", overflow, 0); err != ErrQueueFull {
		t.Errorf("RegisterSlowARO beyond capacity = %v, want ErrQueueFull", err)
	}
}
