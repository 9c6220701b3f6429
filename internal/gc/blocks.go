// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现工作块（WorkBlock）与工作块组装器（WorkBlockifier）：
// 1. 工作块 = 一页对象下标；发布前用末尾对象重复填充预读窗口，
//    消费端的读前窗口永远落在有效槽位上
// 2. 同步模式：完整块挂入侵入式 LIFO 链表
// 3. 异步模式：完整块发布到本 worker 的工作窃取队列，满则溢出私有栈
package gc

import (
	"github.com/tangzhangming/titan/internal/objects"
)

// ============================================================================
// 工作块
// ============================================================================

const (
	// ObjectLookahead 预读窗口槽位数
	ObjectLookahead = 16

	// ObjectsPerBlock 每块有效对象容量（页尾预留预读窗口）
	ObjectsPerBlock = PageSlots - ObjectLookahead
)

// WorkBlock 一页待遍历对象
type WorkBlock struct {
	// previous 同步 LIFO 链表的前驱
	previous *WorkBlock

	// page 下标存储页
	page *Page

	// num 有效对象数（<= ObjectsPerBlock）
	num int32
}

// Objects 有效对象视图
func (b *WorkBlock) Objects() []objects.ObjectIndex {
	return b.page[:b.num]
}

// Num 有效对象数
func (b *WorkBlock) Num() int32 { return b.num }

// padObjects 用 last 填满 dst（预读窗口安全垫）
func padObjects(last objects.ObjectIndex, dst []objects.ObjectIndex) {
	for i := range dst {
		dst[i] = last
	}
}

// PadObjectSlice 为外部提供的初始对象列表追加预读窗口填充。
// 调用方须保证切片尚有 ObjectLookahead 的余量容量。
func PadObjectSlice(s []objects.ObjectIndex) []objects.ObjectIndex {
	if len(s) == 0 {
		return s
	}
	last := s[len(s)-1]
	for i := 0; i < ObjectLookahead; i++ {
		s = append(s, last)
	}
	return s[:len(s)-ObjectLookahead]
}

// ============================================================================
// 工作块组装器
// ============================================================================

// WorkBlockifier 把零散的对象下标攒成整块
//
// 在制块（wip）由属主独享；写满后按当前模式发布。
// 两种模式是运行期开关：挂接异步队列即进入异步模式。
type WorkBlockifier struct {
	// wip 在制页
	wip *Page

	// fill 在制页已填充数
	fill int32

	// syncHead 同步模式的完整块 LIFO 链表
	syncHead *WorkBlock

	// asyncQueue 异步模式的工作窃取队列；nil 表示同步模式
	asyncQueue *WorkstealingQueue

	// manager 窃取管理器（异步模式）
	manager *WorkstealingManager

	// allocator 页来源
	allocator *PageAllocator

	// workerIndex 属主 worker 下标
	workerIndex int
}

// Init 初始化组装器
func (w *WorkBlockifier) Init(allocator *PageAllocator, workerIndex int) {
	w.allocator = allocator
	w.workerIndex = workerIndex
	w.wip = allocator.AllocatePage(workerIndex)
	w.fill = 0
}

// SetWorkerIndex 更新属主下标
func (w *WorkBlockifier) SetWorkerIndex(idx int) { w.workerIndex = idx }

// WorkerIndex 属主下标
func (w *WorkBlockifier) WorkerIndex() int { return w.workerIndex }

// Add 追加一个对象下标，页满时发布完整块
func (w *WorkBlockifier) Add(idx objects.ObjectIndex) {
	w.wip[w.fill] = idx
	w.fill++
	if w.fill == ObjectsPerBlock {
		w.pushFullBlock()
	}
}

// AddSlice 追加一批对象下标
func (w *WorkBlockifier) AddSlice(indices []objects.ObjectIndex) {
	for _, idx := range indices {
		w.Add(idx)
	}
}

// pushFullBlock 发布写满的在制块并换新页
func (w *WorkBlockifier) pushFullBlock() {
	block := w.sealWip()
	if w.asyncQueue != nil {
		w.asyncQueue.Push(block)
	} else {
		block.previous = w.syncHead
		w.syncHead = block
	}
}

// sealWip 封装在制页为块：填充预读窗口并换新页
func (w *WorkBlockifier) sealWip() *WorkBlock {
	padObjects(w.wip[w.fill-1], w.wip[w.fill:min(int(w.fill)+ObjectLookahead, PageSlots)])
	block := &WorkBlock{page: w.wip, num: w.fill}
	w.wip = w.allocator.AllocatePage(w.workerIndex)
	w.fill = 0
	return block
}

// PopFullBlock 取一个完整块；同步模式走 LIFO 链，异步模式弹自己的队列
func (w *WorkBlockifier) PopFullBlock() *WorkBlock {
	if w.asyncQueue != nil {
		return w.asyncQueue.Pop()
	}
	out := w.syncHead
	if out != nil {
		w.syncHead = out.previous
		out.previous = nil
	}
	return out
}

// PopWipBlock 取走在制块（排空阶段调用，可能为部分填充）
func (w *WorkBlockifier) PopWipBlock() *WorkBlock {
	if w.fill == 0 {
		return nil
	}
	return w.sealWip()
}

// PartialNum 在制块当前填充数
func (w *WorkBlockifier) PartialNum() int32 { return w.fill }

// IsUnused 组装器当前是否完全无工作
func (w *WorkBlockifier) IsUnused() bool {
	return w.fill == 0 && w.syncHead == nil &&
		(w.asyncQueue == nil || len(w.asyncQueue.local) == 0)
}

// StealAsyncBlock 替其他失业 worker 从全局窃取一个完整块
func (w *WorkBlockifier) StealAsyncBlock() *WorkBlock {
	return w.manager.Steal(w.asyncQueue)
}

// FreeBlock 归还块所占的页
func (w *WorkBlockifier) FreeBlock(b *WorkBlock) {
	if b != nil {
		w.allocator.ReturnWorkerPage(w.workerIndex, b.page)
		b.page = nil
	}
}

// SetAsyncQueue 切换到异步模式
func (w *WorkBlockifier) SetAsyncQueue(q *WorkstealingQueue, m *WorkstealingManager) {
	w.asyncQueue = q
	w.manager = m
}

// ResetAsyncQueue 退出异步模式；要求在制块已排空
func (w *WorkBlockifier) ResetAsyncQueue() {
	if w.fill != 0 {
		panic("gc: blockifier queue not empty at async reset")
	}
	w.asyncQueue = nil
	w.manager = nil
}

// Teardown 归还在制页；要求组装器已排空
func (w *WorkBlockifier) Teardown() {
	if !w.IsUnused() {
		panic("gc: blockifier still holds work at teardown")
	}
	if w.wip != nil {
		w.allocator.FreePage(w.wip)
		w.wip = nil
	}
}
