// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现慢速 ARO（AddReferences 钩子）调用的排队与负载均衡：
// 1. 注册表：慢速钩子显式注册，可标记“极慢”（小批量窃取）与
//    “不均衡”（只由属主 worker 消费）
// 2. AROQueue：每（钩子, worker）一条无锁 SPMC 队列，建立在全局
//    256 块共享页仓之上；下标只增不减，绕开 ABA 问题
// 3. 页仓耗尽时 TryPush 失败，调用方退回内联调用，不致命
package gc

import (
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/tangzhangming/titan/internal/objects"
)

// ============================================================================
// ARO 块仓
// ============================================================================

const (
	// aroNumWords 每块下标槽位数（含末位哨兵空间）
	aroNumWords = PageSlots

	// aroCapacity 每块有效容量
	aroCapacity = aroNumWords - 1

	// aroMaxBlocks 共享页仓块数上限
	aroMaxBlocks = 256

	// aroPopFew 极慢钩子的批量
	aroPopFew = 4

	// aroPopMany 普通慢速钩子的批量
	aroPopMany = 64
)

// aroBlock 页仓中的一块
type aroBlock struct {
	// firstIndexInNextBlock 后继块的起始下标；生产者在发布新头块前写入
	firstIndexInNextBlock atomic.Uint32

	// page 下标存储
	page *Page
}

// AROQueueStore 全部 ARO 队列共享的有界块仓
//
// 块在一轮回收内只增不还，ResetWorkerQueues 时整体归还页分配器；
// 队列与块的生命周期覆盖全部生产者和窃取者。
type AROQueueStore struct {
	numBlocks atomic.Uint32
	full      atomic.Bool
	blocks    [aroMaxBlocks]atomic.Pointer[aroBlock]

	allocator *PageAllocator
}

// AllocateBlock 取一块；仓满返回 nil
func (s *AROQueueStore) AllocateBlock(workerIdx int) (*aroBlock, uint32) {
	if s.full.Load() {
		return nil, 0
	}

	blockIdx := s.numBlocks.Add(1) - 1
	if blockIdx >= aroMaxBlocks {
		s.full.Store(true)
		s.numBlocks.Add(^uint32(0))
		return nil, 0
	}

	b := &aroBlock{page: s.allocator.AllocatePage(workerIdx)}
	s.blocks[blockIdx].Store(b)
	return b, blockIdx * aroNumWords
}

// block 按全局下标取块
func (s *AROQueueStore) block(idx uint32) *aroBlock {
	b := s.blocks[idx/aroNumWords].Load()
	if b == nil {
		panic(fmt.Sprintf("gc: ARO block for index %d not published", idx))
	}
	return b
}

// slice 全局下标区间 [from, to) 的槽位视图（须位于同一块内）
func (s *AROQueueStore) slice(from, to uint32) []objects.ObjectIndex {
	b := s.block(from)
	return b.page[from%aroNumWords : from%aroNumWords+(to-from)]
}

// ReturnAllBlocks 归还全部块到页分配器
func (s *AROQueueStore) ReturnAllBlocks() {
	n := s.numBlocks.Load()
	for i := uint32(0); i < n; i++ {
		b := s.blocks[i].Swap(nil)
		s.allocator.ReturnSharedPage(b.page)
	}
	s.numBlocks.Store(0)
	s.full.Store(false)
}

// ============================================================================
// ARO 队列
// ============================================================================

// AROQueue 单生产者多窃取者的慢速钩子调用队列
//
// head 只由属主推进；tail 由属主与窃取者 CAS 争抢，
// 每次按批量取走至多一个块内的连续区间。
type AROQueue struct {
	head      atomic.Uint32
	headBlock *aroBlock
	_         [64 - 16]byte
	tail      atomic.Uint32

	store       *AROQueueStore
	workerIndex int
}

// Init 初始化队列；每 worker 的头块必须分配成功
// （要求 MaxWorkers * 慢速钩子数 <= 块仓上限）
func (q *AROQueue) Init(store *AROQueueStore, workerIdx int) {
	q.store = store
	q.workerIndex = workerIdx

	block, headIdx := store.AllocateBlock(workerIdx)
	if block == nil {
		panic("gc: ARO block store exhausted during worker queue setup")
	}
	block.firstIndexInNextBlock.Store(^uint32(0))
	q.headBlock = block
	q.head.Store(headIdx)
	q.tail.Store(headIdx)
}

// Teardown 校验队列已排空
func (q *AROQueue) Teardown() {
	if q.head.Load() != q.tail.Load() {
		panic("gc: failed to flush ARO calls")
	}
}

// TryPush 属主入队；块仓耗尽返回 false，调用方退回内联调用
func (q *AROQueue) TryPush(idx objects.ObjectIndex) bool {
	headIdx := q.head.Load()
	q.headBlock.page[headIdx%aroNumWords] = idx
	headIdx++

	// 新块的发布必须先于 head 的移动
	if headIdx%aroNumWords == aroCapacity {
		oldBlock := q.headBlock
		newBlock, newIdx := q.store.AllocateBlock(q.workerIndex)
		if newBlock == nil {
			// head 不动，写入的槽位不会被读到
			return false
		}
		newBlock.firstIndexInNextBlock.Store(^uint32(0))
		q.headBlock = newBlock
		oldBlock.firstIndexInNextBlock.Store(newIdx)
		headIdx = newIdx
	}

	q.head.Store(headIdx)
	return true
}

// popImpl 属主与窃取者共用的批量出队
func (q *AROQueue) popImpl(numWanted uint32) []objects.ObjectIndex {
	for {
		headNow := q.head.Load()
		tailNow := q.tail.Load()

		if tailNow >= headNow {
			return nil
		}

		// 一次至多取到尾块末尾
		const pageIndexMask = ^uint32(aroNumWords - 1)
		lastInTailBlock := (tailNow & pageIndexMask) + aroCapacity - 1
		wantedTail := min(headNow, tailNow+numWanted)

		if wantedTail <= lastInTailBlock {
			if q.tail.CompareAndSwap(tailNow, wantedTail) {
				return q.store.slice(tailNow, wantedTail)
			}
		} else {
			next := q.store.block(tailNow).firstIndexInNextBlock.Load()
			if q.tail.CompareAndSwap(tailNow, next) {
				end := (tailNow & pageIndexMask) + aroCapacity
				return q.store.slice(tailNow, end)
			}
		}
	}
}

// Pop 属主批量出队
func (q *AROQueue) Pop(numWanted uint32) []objects.ObjectIndex { return q.popImpl(numWanted) }

// Steal 窃取者批量出队
func (q *AROQueue) Steal(numWanted uint32) []objects.ObjectIndex { return q.popImpl(numWanted) }

// ============================================================================
// 慢速 ARO 注册表与管理器
// ============================================================================

// AROFlags 慢速钩子注册选项
type AROFlags uint32

const (
	// AROExtraSlow 极慢钩子：小批量窃取，均摊更细
	AROExtraSlow AROFlags = 1 << iota

	// AROUnbalanced 不均衡钩子：只由属主 worker 消费，不参与窃取
	AROUnbalanced
)

// slowAROCapacity 注册上限；注册过多会线性拉长窃取扫描时间
const slowAROCapacity = 8

// registeredARO 一条注册记录
type registeredARO struct {
	name       string
	fn         objects.ObjectAROFunc
	extraSlow  bool
	unbalanced bool
}

// SlowAROManager 慢速钩子注册表与调用调度器
type SlowAROManager struct {
	aros       []registeredARO
	byFuncPtr  map[uintptr]int
	numWorkers int
	queues     []AROQueue
	store      AROQueueStore
	objstore   *objects.Store
}

// NewSlowAROManager 创建管理器
func NewSlowAROManager(objstore *objects.Store, allocator *PageAllocator) *SlowAROManager {
	m := &SlowAROManager{
		byFuncPtr: make(map[uintptr]int),
		objstore:  objstore,
	}
	m.store.allocator = allocator
	return m
}

// Register 注册一个慢速钩子，返回注册下标
func (m *SlowAROManager) Register(name string, fn objects.ObjectAROFunc, flags AROFlags) int {
	if fn == nil {
		panic("gc: registering nil slow ARO")
	}
	if len(m.aros) >= slowAROCapacity {
		panic("gc: too many slow AROs registered")
	}
	ptr := reflect.ValueOf(fn).Pointer()
	if _, dup := m.byFuncPtr[ptr]; dup {
		panic(fmt.Sprintf("gc: slow ARO %q already registered", name))
	}

	idx := len(m.aros)
	m.aros = append(m.aros, registeredARO{
		name:       name,
		fn:         fn,
		extraSlow:  flags&AROExtraSlow != 0,
		unbalanced: flags&AROUnbalanced != 0,
	})
	m.byFuncPtr[ptr] = idx
	return idx
}

// FindIndex 反查钩子的注册下标；未注册返回 -1
func (m *SlowAROManager) FindIndex(fn objects.ObjectAROFunc) int {
	if fn == nil {
		return -1
	}
	if idx, ok := m.byFuncPtr[reflect.ValueOf(fn).Pointer()]; ok {
		return idx
	}
	return -1
}

// NumAROs 已注册钩子数
func (m *SlowAROManager) NumAROs() int { return len(m.aros) }

// SetupWorkerQueues 为本轮并行回收建立 (钩子 x worker) 队列矩阵
func (m *SlowAROManager) SetupWorkerQueues(numWorkers int) {
	if len(m.queues) != 0 {
		panic("gc: ARO worker queues already set up")
	}
	m.numWorkers = numWorkers
	m.queues = make([]AROQueue, len(m.aros)*numWorkers)
	for aroIdx := range m.aros {
		for workerIdx := 0; workerIdx < numWorkers; workerIdx++ {
			m.queue(aroIdx, workerIdx).Init(&m.store, workerIdx)
		}
	}
}

// ResetWorkerQueues 拆除队列矩阵并归还全部块
func (m *SlowAROManager) ResetWorkerQueues() {
	for i := range m.queues {
		m.queues[i].Teardown()
	}
	m.queues = nil
	m.store.ReturnAllBlocks()
	m.numWorkers = 0
}

// queue 取 (钩子, worker) 队列
func (m *SlowAROManager) queue(aroIdx, workerIdx int) *AROQueue {
	return &m.queues[aroIdx*m.numWorkers+workerIdx]
}

// CallSync 内联调用钩子
func (m *SlowAROManager) CallSync(aroIdx int, obj objects.Object, c objects.Collector) {
	m.aros[aroIdx].fn(obj, c)
}

// QueueCall 尝试把调用排入队列；块仓耗尽返回 false
func (m *SlowAROManager) QueueCall(aroIdx, workerIdx int, idx objects.ObjectIndex) bool {
	if len(m.queues) == 0 {
		return false
	}
	return m.queue(aroIdx, workerIdx).TryPush(idx)
}

// aroStopSlice 单轮排队处理的时间片
const aroStopSlice = 100 * time.Microsecond

// ProcessAllQueues 排空各钩子的调用队列
//
// 每次集中处理一种钩子的全部队列；worker 以自身下标取模作为起始
// 钩子，错开起点以更快触达最慢的钩子并减小窃取竞争。
// 返回是否实际执行了调用。
func (m *SlowAROManager) ProcessAllQueues(ctx *WorkerContext, c objects.Collector) bool {
	numAROs := len(m.aros)
	if numAROs == 0 || len(m.queues) == 0 {
		return false
	}

	stop := false
	numCalls := uint32(0)
	stopTime := time.Now().Add(aroStopSlice)

	offset := ctx.WorkerIndex() % numAROs
	for step := 0; step < numAROs && !stop; step++ {
		aroIdx := offset + step
		if aroIdx >= numAROs {
			aroIdx -= numAROs
		}
		batch := uint32(aroPopMany)
		if m.aros[aroIdx].extraSlow {
			batch = aroPopFew
		}
		stop = m.processQueues(ctx, aroIdx, batch, c, &numCalls)

		// 执行过调用且耗时可观时不再推进到下一种钩子
		stop = stop || (numCalls > 0 && time.Now().After(stopTime))
	}

	return numCalls > 0
}

// processQueues 处理一种钩子的全部队列：先弹自己，再窃取右侧与左侧
func (m *SlowAROManager) processQueues(ctx *WorkerContext, aroIdx int, batch uint32, c objects.Collector, numCalls *uint32) bool {
	a := &m.aros[aroIdx]
	workerIdx := ctx.WorkerIndex()

	if m.drainRange(ctx, a, aroIdx, workerIdx, workerIdx+1, batch, c, numCalls) {
		return true
	}
	if !a.unbalanced {
		if m.drainRange(ctx, a, aroIdx, workerIdx+1, m.numWorkers, batch, c, numCalls) {
			return true
		}
		if m.drainRange(ctx, a, aroIdx, 0, workerIdx, batch, c, numCalls) {
			return true
		}
	}
	return false
}

// drainRange 依次排空 [from, to) 范围内各 worker 的队列，
// 调用数达到批量上限时返回 true
func (m *SlowAROManager) drainRange(ctx *WorkerContext, a *registeredARO, aroIdx, from, to int, batch uint32, c objects.Collector, numCalls *uint32) bool {
	for w := from; w < to; w++ {
		q := m.queue(aroIdx, w)
		for batchObjs := q.popImpl(batch); len(batchObjs) > 0; batchObjs = q.popImpl(batch) {
			for _, idx := range batchObjs {
				it := m.objstore.ResolveItem(idx)
				if it == nil {
					continue
				}
				ctx.SetReferencingObject(idx)
				a.fn(it.Object(), c)
			}
			*numCalls += uint32(len(batchObjs))
			if *numCalls >= batch {
				return true
			}
		}
	}
	return false
}

// DrainLocalUnbalancedQueues 属主排空自己的不均衡钩子队列；
// worker 停机前调用，返回是否执行过钩子
func (m *SlowAROManager) DrainLocalUnbalancedQueues(ctx *WorkerContext, c objects.Collector) bool {
	if len(m.queues) == 0 {
		return false
	}
	workerIdx := ctx.WorkerIndex()
	drained := false
	for aroIdx := range m.aros {
		a := &m.aros[aroIdx]
		if !a.unbalanced {
			continue
		}
		q := m.queue(aroIdx, workerIdx)
		for batchObjs := q.Pop(aroPopMany); len(batchObjs) > 0; batchObjs = q.Pop(aroPopMany) {
			for _, idx := range batchObjs {
				it := m.objstore.ResolveItem(idx)
				if it == nil {
					continue
				}
				ctx.SetReferencingObject(idx)
				a.fn(it.Object(), c)
			}
			drained = true
		}
	}
	return drained
}
