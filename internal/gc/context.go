// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现 worker 上下文与上下文复用池。
package gc

import (
	"fmt"

	"github.com/tangzhangming/titan/internal/objects"
)

// ============================================================================
// worker 上下文
// ============================================================================

// ContextStats 单上下文统计
type ContextStats struct {
	// NumObjects 遍历对象数
	NumObjects int64

	// NumReferences 追踪引用数
	NumReferences int64

	// FoundGarbageRef 本轮是否发现了指向垃圾对象的引用
	FoundGarbageRef bool
}

// Add 合并另一份统计
func (s *ContextStats) Add(o ContextStats) {
	s.NumObjects += o.NumObjects
	s.NumReferences += o.NumReferences
	s.FoundGarbageRef = s.FoundGarbageRef || o.FoundGarbageRef
}

// WorkerContext 单个回收 worker 的全部工作状态
//
// 上下文持有稳定的 worker 下标；并行回收时每个上下文绑定
// 一条工作窃取队列，初始工作量在上下文间均分。
type WorkerContext struct {
	// ObjectsToSerialize 待遍历对象组装器
	ObjectsToSerialize WorkBlockifier

	// initialObjects 初始对象（尾部带预读填充）
	initialObjects []objects.ObjectIndex

	// InitialNativeReferences 初始原生引用槽位
	InitialNativeReferences []*objects.ObjectIndex

	// WeakSlots 遍历期间收集到的弱引用槽位
	WeakSlots []*objects.WeakRef

	// Stats 本上下文统计
	Stats ContextStats

	// Coordinator 并行回收协调器；同步回收时为 nil
	Coordinator *WorkCoordinator

	// referencingObject 当前正在遍历的对象（调试与垃圾引用追踪用）
	referencingObject objects.ObjectIndex

	workerIndex int
	isMain      bool
	state       *GCState
}

// newWorkerContext 创建上下文并分配 worker 下标
func newWorkerContext(state *GCState) *WorkerContext {
	ctx := &WorkerContext{
		state:             state,
		workerIndex:       state.workerIndices.Allocate(),
		referencingObject: objects.NullObjectIndex,
	}
	ctx.ObjectsToSerialize.Init(&state.scratchPages, ctx.workerIndex)
	return ctx
}

// release 归还 worker 下标并拆除组装器
func (ctx *WorkerContext) release() {
	ctx.ObjectsToSerialize.Teardown()
	ctx.state.workerIndices.Free(ctx.workerIndex)
	ctx.workerIndex = -1
}

// WorkerIndex 稳定 worker 下标
func (ctx *WorkerContext) WorkerIndex() int { return ctx.workerIndex }

// SetInitialObjects 设置初始对象并填充预读窗口
func (ctx *WorkerContext) SetInitialObjects(initial []objects.ObjectIndex) {
	if len(initial) == 0 {
		ctx.initialObjects = nil
		return
	}
	padded := make([]objects.ObjectIndex, 0, len(initial)+ObjectLookahead)
	padded = append(padded, initial...)
	last := initial[len(initial)-1]
	for i := 0; i < ObjectLookahead; i++ {
		padded = append(padded, last)
	}
	ctx.initialObjects = padded[:len(initial)]
}

// SetInitialObjectsPrepadded 设置已带预读填充的初始对象视图
func (ctx *WorkerContext) SetInitialObjectsPrepadded(view []objects.ObjectIndex) {
	ctx.initialObjects = view
}

// InitialObjects 初始对象视图
func (ctx *WorkerContext) InitialObjects() []objects.ObjectIndex {
	return ctx.initialObjects
}

// ResetInitialObjects 清空初始对象
func (ctx *WorkerContext) ResetInitialObjects() {
	ctx.initialObjects = nil
}

// SetReferencingObject 记录当前遍历对象
func (ctx *WorkerContext) SetReferencingObject(idx objects.ObjectIndex) {
	ctx.referencingObject = idx
}

// ReferencingObject 当前遍历对象
func (ctx *WorkerContext) ReferencingObject() objects.ObjectIndex {
	return ctx.referencingObject
}

// resetForReuse 清理一轮回收留下的状态
func (ctx *WorkerContext) resetForReuse() {
	ctx.initialObjects = nil
	ctx.InitialNativeReferences = nil
	ctx.WeakSlots = ctx.WeakSlots[:0]
	ctx.Stats = ContextStats{}
	ctx.Coordinator = nil
	ctx.isMain = false
	ctx.referencingObject = objects.NullObjectIndex
}

// ============================================================================
// 上下文池
// ============================================================================

// ContextPool worker 上下文复用池
//
// 只允许驱动 goroutine 访问；并行回收开始时借出，结束后归还。
type ContextPool struct {
	free         []*WorkerContext
	numAllocated int
	state        *GCState
}

// Acquire 借出一个上下文（池空则新建）
func (p *ContextPool) Acquire() *WorkerContext {
	p.numAllocated++
	if n := len(p.free); n > 0 {
		ctx := p.free[n-1]
		p.free = p.free[:n-1]
		return ctx
	}
	return newWorkerContext(p.state)
}

// Release 归还上下文
func (p *ContextPool) Release(ctx *WorkerContext) {
	if p.numAllocated <= 0 {
		panic("gc: context pool release without acquire")
	}
	ctx.resetForReuse()
	p.numAllocated--
	p.free = append(p.free, ctx)
}

// NumAllocated 当前借出数
func (p *ContextPool) NumAllocated() int { return p.numAllocated }

// PeekFree 空闲上下文视图（内存统计用）
func (p *ContextPool) PeekFree() []*WorkerContext { return p.free }

// Cleanup 释放全部空闲上下文
func (p *ContextPool) Cleanup() {
	if p.numAllocated != 0 {
		panic(fmt.Sprintf("gc: cleaning up context pool with %d contexts still in use", p.numAllocated))
	}
	for _, ctx := range p.free {
		ctx.release()
	}
	p.free = nil
}
