// Package gc 实现 Titan 对象系统的并发增量追踪垃圾回收器。
//
// 本文件实现并行回收的 worker 协调：
// 1. 协调器管理可窃取的初始上下文、失业自旋与集体停机
// 2. 部分失业 worker 直接停机让出 CPU；驱动 goroutine 保持自旋，
//    必要时独自偷完全部工作收尾
// 3. 窃取顺序：完整块 -> 慢速钩子队列 -> 整个未启动上下文 ->
//    本地不均衡钩子队列 -> 自旋
package gc

import (
	"runtime"
	"sync/atomic"
)

// ============================================================================
// 协调器
// ============================================================================

// paddedContextSlot 独占缓存行的可窃取上下文槽
type paddedContextSlot struct {
	v atomic.Pointer[WorkerContext]
	_ [64 - 8]byte
}

// WorkCoordinator 并行回收协调器
type WorkCoordinator struct {
	contexts []paddedContextSlot

	numUsedContexts atomic.Int32
	numWorkless     atomic.Int32
	numStopDirectly atomic.Int32
	numStopped      atomic.Int32
}

// newWorkCoordinator 创建协调器
//
// numRuntimeWorkers 充裕时不提前停机；否则停掉一两个失业 worker
// 以减少与其他系统任务的上下文切换。
func newWorkCoordinator(contexts []*WorkerContext, numRuntimeWorkers int) *WorkCoordinator {
	c := &WorkCoordinator{contexts: make([]paddedContextSlot, len(contexts))}
	for i, ctx := range contexts {
		c.contexts[i].v.Store(ctx)
	}

	stopDirectly := int32(0)
	if numRuntimeWorkers <= MaxWorkers {
		stopDirectly = 1
		if len(contexts) > 5 {
			stopDirectly = 2
		}
	}
	c.numStopDirectly.Store(stopDirectly)
	return c
}

// TryStartWorking 领取下标对应的上下文；已被别人整个偷走时返回 nil
func (c *WorkCoordinator) TryStartWorking(idx int) *WorkerContext {
	if ctx := c.contexts[idx].v.Swap(nil); ctx != nil {
		c.numUsedContexts.Add(1)
		return ctx
	}
	return nil
}

// StealContext 偷走一个尚未启动的上下文
//
// 运行时 worker 被长任务占住时，允许单个线程独自收完全部工作。
func (c *WorkCoordinator) StealContext() *WorkerContext {
	if int(c.numUsedContexts.Load()) >= len(c.contexts) {
		return nil
	}
	for i := range c.contexts {
		if ctx := c.contexts[i].v.Swap(nil); ctx != nil {
			c.numUsedContexts.Add(1)
			c.numWorkless.Add(1)
			c.numStopped.Add(1)
			c.numStopDirectly.Add(-1)
			return ctx
		}
	}
	return nil
}

// ReportOutOfWork 上报失业；返回是否进入自旋窃取
//
// 驱动 goroutine 始终自旋，降低收尾时它被换出的风险。
func (c *WorkCoordinator) ReportOutOfWork(isMain bool) bool {
	c.numWorkless.Add(1)

	if isMain || c.numStopDirectly.Add(-1) < 0 {
		return true
	}

	c.numStopped.Add(1)
	return false
}

// ReportBackToWork 自旋期间偷到了工作
func (c *WorkCoordinator) ReportBackToWork() {
	c.numWorkless.Add(-1)
}

// KeepSpinning 是否继续自旋
//
// 存在可接受的竞态：有人从最后一个在岗 worker 处偷到工作、
// 但尚未上报复工时，其余 worker 可能提前停机。这只会发生在
// 尾声阶段，剩余工作本就无几。
func (c *WorkCoordinator) KeepSpinning() bool {
	if int(c.numWorkless.Load()) < len(c.contexts) {
		return true
	}
	c.numStopped.Add(1)
	return false
}

// SpinUntilAllStopped 等待全部 worker 停机
func (c *WorkCoordinator) SpinUntilAllStopped() {
	for int(c.numStopped.Load()) < len(c.contexts) {
		runtime.Gosched()
	}
}

// ============================================================================
// 窃取
// ============================================================================

// loot 窃取所得类型
type loot int

const (
	lootNothing loot = iota
	lootBlock
	lootARO
	lootContext
)

// stealWork 失业 worker 的窃取流程
func stealWork(p *ReachabilityProcessor, ctx *WorkerContext, d *dispatcher) (loot, *WorkBlock) {
	coord := ctx.Coordinator

	if b := ctx.ObjectsToSerialize.StealAsyncBlock(); b != nil {
		return lootBlock, b
	}
	if p.slowARO.ProcessAllQueues(ctx, d) {
		return lootARO, nil
	}
	if stolen := coord.StealContext(); stolen != nil {
		ctx.InitialNativeReferences = stolen.InitialNativeReferences
		ctx.SetInitialObjectsPrepadded(stolen.InitialObjects())
		return lootContext, nil
	}
	// 停机前排空只有属主能处理的不均衡钩子队列
	if p.slowARO.DrainLocalUnbalancedQueues(ctx, d) {
		return lootARO, nil
	}
	if coord.ReportOutOfWork(ctx.isMain) {
		for coord.KeepSpinning() {
			runtime.Gosched()
			if b := ctx.ObjectsToSerialize.StealAsyncBlock(); b != nil {
				coord.ReportBackToWork()
				return lootBlock, b
			}
			if p.slowARO.ProcessAllQueues(ctx, d) {
				coord.ReportBackToWork()
				return lootARO, nil
			}
		}
	}

	return lootNothing, nil
}

// ============================================================================
// 并行分发
// ============================================================================

// processAsync 并行可达性分析
//
// 初始对象与初始引用在 worker 上下文间均分；驱动 goroutine 也
// 参与干活，并在最后等待全部 worker 停机、合并统计。
func (p *ReachabilityProcessor) processAsync(state *GCState, mainCtx *WorkerContext) {
	if !mainCtx.ObjectsToSerialize.IsUnused() {
		panic("gc: ObjectsToSerialize may only be fed during reference processing, use initial objects instead")
	}

	initialObjects := mainCtx.InitialObjects()
	initialRefs := mainCtx.InitialNativeReferences

	numRuntimeWorkers := runtime.NumCPU()
	numWorkers := state.numWorkers()
	objPerWorker := (len(initialObjects) + numWorkers - 1) / numWorkers
	refPerWorker := (len(initialRefs) + numWorkers - 1) / numWorkers

	if state.contexts.NumAllocated() != 1 {
		panic("gc: other contexts forbidden during parallel reference collection")
	}

	contexts := make([]*WorkerContext, numWorkers)
	contexts[0] = mainCtx
	mainCtx.isMain = true
	for i := 1; i < numWorkers; i++ {
		contexts[i] = state.contexts.Acquire()
	}

	coordinator := newWorkCoordinator(contexts, numRuntimeWorkers)
	state.slowARO.SetupWorkerQueues(numWorkers)

	for slot, ctx := range contexts {
		idx := ctx.WorkerIndex()
		queue := &state.stealManager.Queues[idx]
		queue.Reset()
		ctx.ObjectsToSerialize.SetAsyncQueue(queue, &state.stealManager)
		ctx.SetInitialObjectsPrepadded(mid(initialObjects, slot*objPerWorker, objPerWorker))
		ctx.InitialNativeReferences = mid(initialRefs, slot*refPerWorker, refPerWorker)
		ctx.Coordinator = coordinator
	}

	done := make(chan struct{})
	for i := 1; i < numWorkers; i++ {
		go func(idx int) {
			defer func() { done <- struct{}{} }()
			if ctx := coordinator.TryStartWorking(idx); ctx != nil {
				p.ProcessObjectArray(ctx)
			}
		}(i)
	}

	// 驱动 goroutine 也干活；运行时 worker 被占住时它能独自收尾
	if ctx := coordinator.TryStartWorking(0); ctx != nil {
		p.ProcessObjectArray(ctx)
	}

	coordinator.SpinUntilAllStopped()
	for i := 1; i < numWorkers; i++ {
		<-done
	}

	// 拆除队列与上下文
	for _, ctx := range contexts {
		ctx.Coordinator = nil
		ctx.InitialNativeReferences = nil
		ctx.ResetInitialObjects()
		state.stealManager.Queues[ctx.WorkerIndex()].CheckEmpty()
		ctx.ObjectsToSerialize.ResetAsyncQueue()
	}

	state.slowARO.ResetWorkerQueues()

	for _, ctx := range contexts[1:] {
		mainCtx.Stats.Add(ctx.Stats)
		mainCtx.WeakSlots = append(mainCtx.WeakSlots, ctx.WeakSlots...)
		state.contexts.Release(ctx)
	}
	mainCtx.isMain = false
}

// mid 安全取子切片 [from, from+count)
func mid[T any](s []T, from, count int) []T {
	if from >= len(s) {
		return nil
	}
	end := from + count
	if end > len(s) {
		end = len(s)
	}
	return s[from:end]
}
